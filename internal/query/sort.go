package query

import (
	"strings"

	"github.com/pitabwire/odatagrid/model"
)

// Sort orders as raised by the grid.
const (
	SortAscending  = 1
	SortDescending = -1
)

// CompileSort renders sort columns as "field asc|desc", comma-joined in
// priority order. Any order other than -1 sorts ascending.
func CompileSort(metas []model.SortMeta) string {
	parts := make([]string, 0, len(metas))
	for _, m := range metas {
		if m.Field == "" {
			continue
		}
		parts = append(parts, m.Field+" "+direction(m.Order))
	}
	return strings.Join(parts, ",")
}

// CompileDefaultSorts renders sticky sorts the same way as CompileSort.
func CompileDefaultSorts(defaults []model.DefaultSort) string {
	metas := make([]model.SortMeta, len(defaults))
	for i, d := range defaults {
		metas[i] = model.SortMeta{Field: d.Field, Order: d.Order}
	}
	return CompileSort(metas)
}

func direction(order int) string {
	if order == SortDescending {
		return "desc"
	}
	return "asc"
}
