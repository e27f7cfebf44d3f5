// Package openapi indexes the OData collections that backend services
// declare in their OpenAPI documents, so grid definitions can be checked
// against what a service actually exposes.
package openapi

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// SpecSource describes an OpenAPI document to load.
type SpecSource struct {
	ServiceID string
	SpecPath  string
}

// Collection is a GET path without path parameters, i.e. something a grid
// can page over.
type Collection struct {
	ServiceID   string
	Path        string
	OperationID string
	// Properties lists the entity properties declared by the 200 response's
	// value array, sorted. Empty when the schema does not declare them.
	Properties []string
}

// HasProperty reports whether name is a declared property. Collections
// without declared properties accept any name.
func (c Collection) HasProperty(name string) bool {
	if len(c.Properties) == 0 {
		return true
	}
	i := sort.SearchStrings(c.Properties, name)
	return i < len(c.Properties) && c.Properties[i] == name
}

// Index holds the collections of every loaded service.
type Index struct {
	services map[string][]Collection
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{services: make(map[string][]Collection)}
}

// Load parses and indexes each source. Relative spec paths are resolved
// against dir.
func (idx *Index) Load(dir string, specs []SpecSource) error {
	for _, src := range specs {
		path := src.SpecPath
		if dir != "" && !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		doc, err := newLoader().LoadFromFile(path)
		if err != nil {
			return fmt.Errorf("openapi: loading %s (%s): %w", src.ServiceID, path, err)
		}
		if err := idx.add(src.ServiceID, doc); err != nil {
			return err
		}
	}
	return nil
}

// LoadData indexes an in-memory document for serviceID.
func (idx *Index) LoadData(serviceID string, data []byte) error {
	doc, err := newLoader().LoadFromData(data)
	if err != nil {
		return fmt.Errorf("openapi: parsing %s: %w", serviceID, err)
	}
	return idx.add(serviceID, doc)
}

func newLoader() *openapi3.Loader {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false
	return loader
}

func (idx *Index) add(serviceID string, doc *openapi3.T) error {
	if err := doc.Validate(context.Background()); err != nil {
		return fmt.Errorf("openapi: validating %s: %w", serviceID, err)
	}

	var cols []Collection
	for path, item := range doc.Paths.Map() {
		op := item.GetOperation(http.MethodGet)
		if op == nil || strings.Contains(path, "{") {
			continue
		}
		cols = append(cols, Collection{
			ServiceID:   serviceID,
			Path:        path,
			OperationID: op.OperationID,
			Properties:  valueProperties(op),
		})
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Path < cols[j].Path })
	idx.services[serviceID] = cols
	return nil
}

// valueProperties reads the properties of value[] items from the JSON 200
// response.
func valueProperties(op *openapi3.Operation) []string {
	if op.Responses == nil {
		return nil
	}
	resp := op.Responses.Status(http.StatusOK)
	if resp == nil || resp.Value == nil {
		return nil
	}
	media := resp.Value.Content.Get("application/json")
	if media == nil || media.Schema == nil || media.Schema.Value == nil {
		return nil
	}
	value := media.Schema.Value.Properties["value"]
	if value == nil || value.Value == nil || value.Value.Items == nil || value.Value.Items.Value == nil {
		return nil
	}
	props := make([]string, 0, len(value.Value.Items.Value.Properties))
	for name := range value.Value.Items.Value.Properties {
		props = append(props, name)
	}
	sort.Strings(props)
	return props
}

// Loaded reports whether serviceID has an indexed document.
func (idx *Index) Loaded(serviceID string) bool {
	_, ok := idx.services[serviceID]
	return ok
}

// Collection finds the collection a grid resource maps to: the GET path that
// equals "/"+resource or ends with it, so documents that include a base path
// such as /odata/Products still match resource "Products".
func (idx *Index) Collection(serviceID, resource string) (Collection, bool) {
	want := "/" + strings.Trim(resource, "/")
	for _, c := range idx.services[serviceID] {
		if c.Path == want || strings.HasSuffix(c.Path, want) {
			return c, true
		}
	}
	return Collection{}, false
}

// Collections returns the collections of serviceID ordered by path.
func (idx *Index) Collections(serviceID string) []Collection {
	out := make([]Collection, len(idx.services[serviceID]))
	copy(out, idx.services[serviceID])
	return out
}

// Services returns the indexed service ids, sorted.
func (idx *Index) Services() []string {
	ids := make([]string, 0, len(idx.services))
	for id := range idx.services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
