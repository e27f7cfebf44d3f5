package query

import "github.com/pitabwire/odatagrid/model"

// Compiler turns grid events into OData clauses and URLs. The coordinator
// only talks to this interface, so a stricter encoder can replace
// ODataCompiler without touching grid state handling.
type Compiler interface {
	CompileFilter(event model.FilterEvent) string
	CompileSort(event model.SortEvent) string
	CompileURL(params URLParams) string
}

// ODataCompiler is the default string-concatenating Compiler.
type ODataCompiler struct{}

var _ Compiler = ODataCompiler{}

// CompileFilter parses the event and compiles the retained fields.
func (ODataCompiler) CompileFilter(event model.FilterEvent) string {
	return CompileFilterSet(ParseFilterEvent(event))
}

// CompileSort compiles the event's sort columns.
func (ODataCompiler) CompileSort(event model.SortEvent) string {
	return CompileSort(event.MultiSortMeta)
}

// CompileURL assembles the full collection URL.
func (ODataCompiler) CompileURL(params URLParams) string {
	return CompileURL(params)
}
