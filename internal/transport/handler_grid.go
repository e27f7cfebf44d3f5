package transport

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/odatagrid/internal/query"
	"github.com/pitabwire/odatagrid/model"
)

// GridCatalog is the read side of the definition registry.
type GridCatalog interface {
	GetGrid(id string) (model.GridDefinition, bool)
	AllGrids() []model.GridDefinition
}

func handleListGrids(grids GridCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		defs := grids.AllGrids()
		out := make([]model.GridDescriptor, 0, len(defs))
		for _, def := range defs {
			out = append(out, describeGrid(def))
		}
		WriteJSON(w, http.StatusOK, map[string]any{"grids": out})
	}
}

func handleGetGrid(grids GridCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gridID := chi.URLParam(r, "gridId")
		def, ok := grids.GetGrid(gridID)
		if !ok {
			WriteNotFound(w, fmt.Sprintf("grid %q not found", gridID))
			return
		}
		WriteJSON(w, http.StatusOK, describeGrid(def))
	}
}

func describeGrid(def model.GridDefinition) model.GridDescriptor {
	pageSize := def.PageSize
	if pageSize <= 0 {
		pageSize = query.DefaultTop
	}
	cols := make([]model.ColumnDescriptor, 0, len(def.Columns))
	for _, c := range def.Columns {
		label := c.Label
		if label == "" {
			label = c.Field
		}
		cols = append(cols, model.ColumnDescriptor{
			Field:      c.Field,
			Label:      label,
			DataType:   c.DataType,
			Sortable:   c.Sortable,
			Filterable: c.Filterable,
			Format:     c.Format,
			Width:      c.Width,
		})
	}
	return model.GridDescriptor{
		ID:          def.ID,
		Title:       def.Title,
		Resource:    def.Resource,
		PageSize:    pageSize,
		RowKey:      def.RowKey,
		Columns:     cols,
		SessionsURL: "/ui/grids/" + def.ID + "/sessions",
	}
}
