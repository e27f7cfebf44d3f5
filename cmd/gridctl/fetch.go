package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/odatagrid/internal/config"
	"github.com/pitabwire/odatagrid/internal/definition"
	"github.com/pitabwire/odatagrid/internal/fetch"
	"github.com/pitabwire/odatagrid/internal/grid"
	"github.com/pitabwire/odatagrid/internal/query"
)

type fetchFlags struct {
	queryFlags
	configPath string
	raw        bool
	verbose    bool
}

type fetchResult struct {
	URL        string     `json:"url"`
	TotalCount int        `json:"total_count"`
	Rows       []grid.Row `json:"rows"`
}

func newFetchCmd() *cobra.Command {
	var f fetchFlags
	cmd := &cobra.Command{
		Use:   "fetch <grid-id>",
		Short: "Fetch one page of a configured grid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return f.run(ctx, cmd, args[0])
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&f.configPath, "config", "config.yaml", "path to configuration file")
	cmd.Flags().BoolVar(&f.raw, "raw", false, "print the backend response body unchanged")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "log backend requests to stderr")
	return cmd
}

func (f *fetchFlags) run(ctx context.Context, cmd *cobra.Command, gridID string) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if f.verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
		defer logger.Sync()
	}

	defs, err := definition.NewLoader(cfg.Definitions.Strict).LoadAll(cfg.Definitions.Directories)
	if err != nil {
		return err
	}
	fetchers := fetch.NewRegistry(cfg.Services, logger, nil)
	binding, fetcher, err := grid.NewCatalog(definition.NewRegistry(defs), fetchers).Resolve(gridID)
	if err != nil {
		return err
	}

	filter, err := f.filterEvent()
	if err != nil {
		return err
	}
	sort, err := f.sortEvent()
	if err != nil {
		return err
	}

	top := f.rows
	if top <= 0 {
		top = binding.PageSize
	}
	var c query.ODataCompiler
	url := c.CompileURL(query.URLParams{
		BaseURL:        binding.BaseURL,
		Resource:       binding.Resource,
		Top:            top,
		Skip:           f.first,
		Filter:         c.CompileFilter(filter),
		Sort:           c.CompileSort(sort),
		DefaultFilters: binding.DefaultFilters,
		DefaultSorts:   binding.DefaultSorts,
		Options:        binding.Options,
	})

	body, err := fetcher.Fetch(ctx, url)
	if err != nil {
		return err
	}
	if f.raw {
		_, err = cmd.OutOrStdout().Write(body)
		return err
	}

	page, err := grid.DecodePage[grid.Row](body)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), fetchResult{URL: url, TotalCount: page.TotalCount, Rows: page.Rows})
}
