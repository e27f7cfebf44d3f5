package query

import (
	"testing"

	"github.com/pitabwire/odatagrid/model"
)

func TestCompileSort(t *testing.T) {
	tests := []struct {
		name  string
		metas []model.SortMeta
		want  string
	}{
		{"empty", nil, ""},
		{"ascending", []model.SortMeta{{Field: "name", Order: 1}}, "name asc"},
		{"descending", []model.SortMeta{{Field: "created", Order: -1}}, "created desc"},
		{"multi", []model.SortMeta{{Field: "name", Order: 1}, {Field: "id", Order: -1}}, "name asc,id desc"},
		{"zero order is ascending", []model.SortMeta{{Field: "name", Order: 0}}, "name asc"},
		{"blank field skipped", []model.SortMeta{{Field: "", Order: 1}, {Field: "id", Order: 1}}, "id asc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompileSort(tt.metas); got != tt.want {
				t.Errorf("CompileSort() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompileDefaultSorts(t *testing.T) {
	got := CompileDefaultSorts([]model.DefaultSort{{Field: "id", Order: -1}, {Field: "name", Order: 1}})
	if got != "id desc,name asc" {
		t.Errorf("CompileDefaultSorts() = %q", got)
	}
}

func TestODataCompiler_CompileSort(t *testing.T) {
	event := model.SortEvent{MultiSortMeta: []model.SortMeta{{Field: "price", Order: -1}}}
	if got := (ODataCompiler{}).CompileSort(event); got != "price desc" {
		t.Errorf("CompileSort() = %q, want %q", got, "price desc")
	}
}
