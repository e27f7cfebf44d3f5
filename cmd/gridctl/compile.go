package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pitabwire/odatagrid/internal/query"
	"github.com/pitabwire/odatagrid/model"
)

type compileFlags struct {
	queryFlags
	baseURL        string
	resource       string
	defaultSorts   []string
	defaultFilters string
	selects        []string
	expands        []string
}

func newCompileCmd() *cobra.Command {
	var f compileFlags
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Print the OData URL for a grid query",
		Example: `  gridctl compile --base-url https://host/odata --resource Products \
    --filter '{"Name":[{"value":"ab","matchMode":"startsWith"}]}' --sort Price:-1`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := f.compile()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "service root URL")
	cmd.Flags().StringVar(&f.resource, "resource", "", "entity set name")
	cmd.Flags().StringArrayVar(&f.defaultSorts, "default-sort", nil, "sticky sort as field[:order] (repeatable)")
	cmd.Flags().StringVar(&f.defaultFilters, "default-filters", "", `sticky filters as a JSON array, e.g. [{"field":"Active","match_mode":"equals","value":true}]`)
	cmd.Flags().StringSliceVar(&f.selects, "select", nil, "properties for $select")
	cmd.Flags().StringSliceVar(&f.expands, "expand", nil, "navigation properties for $expand")
	_ = cmd.MarkFlagRequired("base-url")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}

func (f *compileFlags) compile() (string, error) {
	filter, err := f.filterEvent()
	if err != nil {
		return "", err
	}
	sort, err := f.sortEvent()
	if err != nil {
		return "", err
	}

	var defaults []model.DefaultSort
	for _, s := range f.defaultSorts {
		field, order, err := parseSortFlag(s)
		if err != nil {
			return "", err
		}
		defaults = append(defaults, model.DefaultSort{Field: field, Order: order})
	}

	var defaultFilters []model.DefaultFilter
	if f.defaultFilters != "" {
		if err := decodeStrict(f.defaultFilters, &defaultFilters); err != nil {
			return "", fmt.Errorf("invalid --default-filters: %w", err)
		}
	}

	var c query.ODataCompiler
	return c.CompileURL(query.URLParams{
		BaseURL:        strings.TrimRight(f.baseURL, "/"),
		Resource:       f.resource,
		Top:            f.rows,
		Skip:           f.first,
		Filter:         c.CompileFilter(filter),
		Sort:           c.CompileSort(sort),
		DefaultFilters: defaultFilters,
		DefaultSorts:   defaults,
		Options:        query.Options{Select: f.selects, Expand: f.expands},
	}), nil
}
