package definition

import (
	"testing"

	"github.com/pitabwire/odatagrid/internal/openapi"
	"github.com/pitabwire/odatagrid/model"
)

type services map[string]string

func (s services) BaseURL(id string) (string, bool) {
	u, ok := s[id]
	return u, ok
}

var testServices = services{"catalog": "https://catalog.example.com"}

const catalogSpec = `
openapi: "3.0.3"
info: {title: catalog, version: "1"}
paths:
  /odata/Products:
    get:
      responses:
        "200":
          description: ok
          content:
            application/json:
              schema:
                type: object
                properties:
                  value:
                    type: array
                    items:
                      type: object
                      properties:
                        ID: {type: integer}
                        Name: {type: string}
                        Category: {type: string}
                        Supplier: {type: object}
`

func validGrid() model.GridDefinition {
	return model.GridDefinition{
		ID:             "products",
		ServiceID:      "catalog",
		Resource:       "Products",
		Select:         []string{"ID", "Name"},
		DefaultFilters: []model.DefaultFilter{{Field: "Category", MatchMode: "equals", Value: "Books"}},
		DefaultSorting: []model.DefaultSort{{Field: "Name", Order: 1}},
		Columns:        []model.ColumnDefinition{{Field: "Name"}, {Field: "Supplier/Name"}},
	}
}

func domain(grids ...model.GridDefinition) model.DomainDefinition {
	return model.DomainDefinition{Domain: "catalog", Version: "1", Grids: grids}
}

func codes(errs []VError) map[string]int {
	out := map[string]int{}
	for _, e := range errs {
		out[e.Code]++
	}
	return out
}

func TestValidator_valid(t *testing.T) {
	idx := openapi.NewIndex()
	if err := idx.LoadData("catalog", []byte(catalogSpec)); err != nil {
		t.Fatalf("LoadData() error = %v", err)
	}
	v := NewValidator(testServices, idx)
	if errs := v.Validate([]model.DomainDefinition{domain(validGrid())}); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestValidator_structural(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.GridDefinition)
		code   string
	}{
		{"missing id", func(g *model.GridDefinition) { g.ID = "" }, CodeRequired},
		{"missing resource", func(g *model.GridDefinition) { g.Resource = "" }, CodeRequired},
		{"missing service", func(g *model.GridDefinition) { g.ServiceID = "" }, CodeRequired},
		{"unknown service", func(g *model.GridDefinition) { g.ServiceID = "billing" }, CodeUnknownService},
		{"relative base url", func(g *model.GridDefinition) { g.BaseURL = "/odata" }, CodeInvalidURL},
		{"negative page size", func(g *model.GridDefinition) { g.PageSize = -1 }, CodeInvalidValue},
		{"blank select", func(g *model.GridDefinition) { g.Select = []string{" "} }, CodeRequired},
		{"blank expand", func(g *model.GridDefinition) { g.Expand = []string{""} }, CodeRequired},
		{"unknown match mode", func(g *model.GridDefinition) { g.DefaultFilters[0].MatchMode = "fuzzy" }, CodeInvalidMode},
		{"filter without field", func(g *model.GridDefinition) { g.DefaultFilters[0].Field = "" }, CodeRequired},
		{"sort order zero", func(g *model.GridDefinition) { g.DefaultSorting[0].Order = 0 }, CodeInvalidOrder},
		{"sort order two", func(g *model.GridDefinition) { g.DefaultSorting[0].Order = 2 }, CodeInvalidOrder},
		{"sort without field", func(g *model.GridDefinition) { g.DefaultSorting[0].Field = "" }, CodeRequired},
		{"column without field", func(g *model.GridDefinition) { g.Columns[0].Field = "" }, CodeRequired},
		{"duplicate column", func(g *model.GridDefinition) { g.Columns[1].Field = "Name" }, CodeDuplicateID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := validGrid()
			tt.mutate(&g)
			errs := NewValidator(testServices, nil).Validate([]model.DomainDefinition{domain(g)})
			if codes(errs)[tt.code] != 1 {
				t.Errorf("Validate() = %v, want one %s", errs, tt.code)
			}
		})
	}
}

func TestValidator_emptyMatchModeAllowed(t *testing.T) {
	g := validGrid()
	g.DefaultFilters[0].MatchMode = ""
	if errs := NewValidator(testServices, nil).Validate([]model.DomainDefinition{domain(g)}); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestValidator_domainFields(t *testing.T) {
	errs := NewValidator(nil, nil).Validate([]model.DomainDefinition{{SourceFile: "grids.yaml"}})
	if len(errs) != 2 {
		t.Fatalf("Validate() = %v, want domain and version errors", errs)
	}
	if errs[0].Path != "grids.yaml.domain" || errs[1].Path != "grids.yaml.version" {
		t.Errorf("paths = %s, %s", errs[0].Path, errs[1].Path)
	}
}

func TestValidator_duplicateGridAcrossFiles(t *testing.T) {
	defs := []model.DomainDefinition{domain(validGrid()), domain(validGrid())}
	errs := NewValidator(testServices, nil).Validate(defs)
	if codes(errs)[CodeDuplicateID] != 1 {
		t.Errorf("Validate() = %v, want one DUPLICATE_ID", errs)
	}
}

func TestValidator_nilServicesSkipsServiceCheck(t *testing.T) {
	g := validGrid()
	g.ServiceID = "anything"
	if errs := NewValidator(nil, nil).Validate([]model.DomainDefinition{domain(g)}); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestValidator_openAPI(t *testing.T) {
	idx := openapi.NewIndex()
	if err := idx.LoadData("catalog", []byte(catalogSpec)); err != nil {
		t.Fatalf("LoadData() error = %v", err)
	}
	v := NewValidator(testServices, idx)

	t.Run("unknown resource", func(t *testing.T) {
		g := validGrid()
		g.Resource = "Orders"
		errs := v.Validate([]model.DomainDefinition{domain(g)})
		if len(errs) != 1 || errs[0].Code != CodeUnknownResource {
			t.Errorf("Validate() = %v, want one UNKNOWN_RESOURCE", errs)
		}
	})

	t.Run("unknown properties", func(t *testing.T) {
		g := validGrid()
		g.Select = []string{"ID", "Colour"}
		g.DefaultSorting[0].Field = "Weight"
		errs := v.Validate([]model.DomainDefinition{domain(g)})
		if codes(errs)[CodeUnknownProperty] != 2 {
			t.Errorf("Validate() = %v, want two UNKNOWN_PROPERTY", errs)
		}
	})

	t.Run("service without spec", func(t *testing.T) {
		g := validGrid()
		g.ServiceID = "orders"
		g.Resource = "Orders"
		errs := NewValidator(services{"orders": "https://orders.example.com"}, idx).Validate([]model.DomainDefinition{domain(g)})
		if len(errs) != 0 {
			t.Errorf("Validate() = %v, want no errors", errs)
		}
	})
}

func TestVError_Error(t *testing.T) {
	e := VError{Path: "a.b", Code: CodeRequired, Message: "b is required"}
	if e.Error() != "a.b: b is required" {
		t.Errorf("Error() = %q", e.Error())
	}
}
