// Command gridctl compiles grid queries into OData URLs and runs them
// against configured backends without starting the server.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pitabwire/odatagrid/model"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gridctl",
		Short:         "OData grid query tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newCompileCmd(), newFetchCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// queryFlags are the user-side grid inputs shared by every command.
type queryFlags struct {
	first  int
	rows   int
	filter string
	sorts  []string
}

func (q *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&q.first, "first", 0, "zero-based offset of the first row")
	cmd.Flags().IntVar(&q.rows, "rows", 0, "page size (0 uses the grid default)")
	cmd.Flags().StringVar(&q.filter, "filter", "", `filter model as JSON, e.g. {"Name":[{"value":"a","matchMode":"contains"}]}`)
	cmd.Flags().StringArrayVar(&q.sorts, "sort", nil, "sort column as field[:order], order 1 or -1 (repeatable)")
}

func (q *queryFlags) filterEvent() (model.FilterEvent, error) {
	var event model.FilterEvent
	if q.filter == "" {
		return event, nil
	}
	dec := json.NewDecoder(strings.NewReader(q.filter))
	dec.UseNumber()
	if err := dec.Decode(&event.Filters); err != nil {
		return event, fmt.Errorf("invalid --filter: %w", err)
	}
	return event, nil
}

func (q *queryFlags) sortEvent() (model.SortEvent, error) {
	var event model.SortEvent
	for _, s := range q.sorts {
		field, order, err := parseSortFlag(s)
		if err != nil {
			return event, err
		}
		event.MultiSortMeta = append(event.MultiSortMeta, model.SortMeta{Field: field, Order: order})
	}
	return event, nil
}

// parseSortFlag parses "field" or "field:order".
func parseSortFlag(s string) (string, int, error) {
	field, rawOrder, found := strings.Cut(s, ":")
	if field == "" {
		return "", 0, fmt.Errorf("invalid sort %q: missing field", s)
	}
	if !found {
		return field, 1, nil
	}
	order, err := strconv.Atoi(rawOrder)
	if err != nil {
		return "", 0, fmt.Errorf("invalid sort %q: order must be an integer", s)
	}
	return field, order, nil
}

func decodeStrict(s string, dst any) error {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
