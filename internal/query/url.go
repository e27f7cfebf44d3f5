package query

import (
	"strconv"
	"strings"

	"github.com/pitabwire/odatagrid/model"
)

// DefaultTop is the page size used when none is set.
const DefaultTop = 5

// Options are the static shaping options of a grid.
type Options struct {
	Select []string
	Expand []string
}

// URLParams is everything CompileURL needs for one request.
type URLParams struct {
	BaseURL  string
	Resource string
	Top      int
	Skip     int

	// Filter and Sort are the already-compiled user clauses.
	Filter string
	Sort   string

	DefaultFilters []model.DefaultFilter
	DefaultSorts   []model.DefaultSort
	Options        Options
}

// CompileURL assembles the collection URL. The result is a plain string
// concatenation: parameter order is fixed and nothing is URL-encoded.
//
// Default sorts are appended directly after a user sort with no separator,
// so "name asc" plus a default "id desc" yields "$orderby=name ascid desc".
func CompileURL(p URLParams) string {
	top := p.Top
	if top <= 0 {
		top = DefaultTop
	}
	skip := p.Skip
	if skip < 0 {
		skip = 0
	}

	var b strings.Builder
	b.WriteString(p.BaseURL)
	b.WriteString("/")
	b.WriteString(p.Resource)
	b.WriteString("?$count=true&$top=")
	b.WriteString(strconv.Itoa(top))
	b.WriteString("&$skip=")
	b.WriteString(strconv.Itoa(skip))

	if p.Filter != "" {
		b.WriteString("&$filter=")
		b.WriteString(p.Filter)
	}
	if defaults := CompileDefaultFilters(p.DefaultFilters); defaults != "" {
		if p.Filter != "" {
			b.WriteString(" and ")
		} else {
			b.WriteString("&$filter=")
		}
		b.WriteString(defaults)
	}

	if p.Sort != "" {
		b.WriteString("&$orderby=")
		b.WriteString(p.Sort)
	}
	if defaults := CompileDefaultSorts(p.DefaultSorts); defaults != "" {
		if p.Sort == "" {
			b.WriteString("&$orderby=")
		}
		b.WriteString(defaults)
	}

	if len(p.Options.Select) > 0 {
		b.WriteString("&$select=")
		b.WriteString(strings.Join(p.Options.Select, ","))
	}
	if len(p.Options.Expand) > 0 {
		b.WriteString("&$expand=")
		b.WriteString(strings.Join(p.Options.Expand, ","))
	}

	return b.String()
}
