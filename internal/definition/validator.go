package definition

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pitabwire/odatagrid/internal/openapi"
	"github.com/pitabwire/odatagrid/internal/query"
	"github.com/pitabwire/odatagrid/model"
)

// Validation error codes.
const (
	CodeRequired        = "REQUIRED"
	CodeDuplicateID     = "DUPLICATE_ID"
	CodeUnknownService  = "UNKNOWN_SERVICE"
	CodeUnknownResource = "UNKNOWN_RESOURCE"
	CodeUnknownProperty = "UNKNOWN_PROPERTY"
	CodeInvalidURL      = "INVALID_URL"
	CodeInvalidOrder    = "INVALID_ORDER"
	CodeInvalidMode     = "INVALID_MATCH_MODE"
	CodeInvalidValue    = "INVALID_VALUE"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ServiceLookup reports which backend services are configured.
type ServiceLookup interface {
	BaseURL(serviceID string) (string, bool)
}

// Validator checks definitions structurally and against the configured
// services. With an OpenAPI index it also checks that each grid's resource is
// a declared collection and that referenced fields are declared properties.
type Validator struct {
	services ServiceLookup
	index    *openapi.Index
}

// NewValidator returns a Validator. Either argument may be nil to skip the
// checks that need it.
func NewValidator(services ServiceLookup, index *openapi.Index) *Validator {
	return &Validator{services: services, index: index}
}

// Validate checks all definitions and returns every problem found.
func (v *Validator) Validate(defs []model.DomainDefinition) []VError {
	var errs []VError
	seen := make(map[string]string)

	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if def.SourceFile != "" {
			prefix = def.SourceFile
		}
		if def.Domain == "" {
			errs = append(errs, required(prefix+".domain"))
		}
		if def.Version == "" {
			errs = append(errs, required(prefix+".version"))
		}

		for j, g := range def.Grids {
			path := fmt.Sprintf("%s.grids[%d]", prefix, j)
			if g.ID != "" {
				if first, dup := seen[g.ID]; dup {
					errs = append(errs, VError{
						Path:    path + ".id",
						Code:    CodeDuplicateID,
						Message: fmt.Sprintf("grid id %q already declared at %s", g.ID, first),
					})
				} else {
					seen[g.ID] = path
				}
			}
			errs = append(errs, v.validateGrid(path, g)...)
		}
	}
	return errs
}

func (v *Validator) validateGrid(path string, g model.GridDefinition) []VError {
	var errs []VError

	if g.ID == "" {
		errs = append(errs, required(path+".id"))
	}
	if g.Resource == "" {
		errs = append(errs, required(path+".resource"))
	}
	if g.PageSize < 0 {
		errs = append(errs, VError{Path: path + ".page_size", Code: CodeInvalidValue, Message: "page_size must not be negative"})
	}

	switch {
	case g.ServiceID == "":
		errs = append(errs, required(path+".service_id"))
	case v.services != nil:
		if _, ok := v.services.BaseURL(g.ServiceID); !ok {
			errs = append(errs, VError{
				Path:    path + ".service_id",
				Code:    CodeUnknownService,
				Message: fmt.Sprintf("service %q is not configured", g.ServiceID),
			})
		}
	}

	if g.BaseURL != "" {
		if u, err := url.Parse(g.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, VError{
				Path:    path + ".base_url",
				Code:    CodeInvalidURL,
				Message: fmt.Sprintf("base_url %q must be an absolute URL", g.BaseURL),
			})
		}
	}

	for i, s := range g.Select {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, required(fmt.Sprintf("%s.select[%d]", path, i)))
		}
	}
	for i, e := range g.Expand {
		if strings.TrimSpace(e) == "" {
			errs = append(errs, required(fmt.Sprintf("%s.expand[%d]", path, i)))
		}
	}

	for i, f := range g.DefaultFilters {
		fp := fmt.Sprintf("%s.default_filters[%d]", path, i)
		if f.Field == "" {
			errs = append(errs, required(fp+".field"))
		}
		if f.MatchMode != "" && !query.KnownMatchMode(query.MatchMode(f.MatchMode)) {
			errs = append(errs, VError{
				Path:    fp + ".match_mode",
				Code:    CodeInvalidMode,
				Message: fmt.Sprintf("unknown match mode %q", f.MatchMode),
			})
		}
	}

	for i, s := range g.DefaultSorting {
		sp := fmt.Sprintf("%s.default_sorting[%d]", path, i)
		if s.Field == "" {
			errs = append(errs, required(sp+".field"))
		}
		if s.Order != 1 && s.Order != -1 {
			errs = append(errs, VError{
				Path:    sp + ".order",
				Code:    CodeInvalidOrder,
				Message: fmt.Sprintf("order must be 1 or -1, got %d", s.Order),
			})
		}
	}

	columns := make(map[string]bool, len(g.Columns))
	for i, c := range g.Columns {
		cp := fmt.Sprintf("%s.columns[%d]", path, i)
		if c.Field == "" {
			errs = append(errs, required(cp+".field"))
			continue
		}
		if columns[c.Field] {
			errs = append(errs, VError{
				Path:    cp + ".field",
				Code:    CodeDuplicateID,
				Message: fmt.Sprintf("column %q declared twice", c.Field),
			})
		}
		columns[c.Field] = true
	}

	return append(errs, v.validateAgainstSpec(path, g)...)
}

func (v *Validator) validateAgainstSpec(path string, g model.GridDefinition) []VError {
	if v.index == nil || g.ServiceID == "" || g.Resource == "" || !v.index.Loaded(g.ServiceID) {
		return nil
	}

	col, ok := v.index.Collection(g.ServiceID, g.Resource)
	if !ok {
		return []VError{{
			Path:    path + ".resource",
			Code:    CodeUnknownResource,
			Message: fmt.Sprintf("service %q declares no GET collection for %q", g.ServiceID, g.Resource),
		}}
	}

	var errs []VError
	check := func(p, field string) {
		if field == "" {
			return
		}
		// Navigation paths are checked by their first segment only.
		head, _, _ := strings.Cut(field, "/")
		if !col.HasProperty(head) {
			errs = append(errs, VError{
				Path:    p,
				Code:    CodeUnknownProperty,
				Message: fmt.Sprintf("%s does not declare property %q", col.Path, head),
			})
		}
	}
	for i, s := range g.Select {
		check(fmt.Sprintf("%s.select[%d]", path, i), strings.TrimSpace(s))
	}
	for i, f := range g.DefaultFilters {
		check(fmt.Sprintf("%s.default_filters[%d].field", path, i), f.Field)
	}
	for i, s := range g.DefaultSorting {
		check(fmt.Sprintf("%s.default_sorting[%d].field", path, i), s.Field)
	}
	for i, c := range g.Columns {
		check(fmt.Sprintf("%s.columns[%d].field", path, i), c.Field)
	}
	return errs
}

func required(path string) VError {
	field := path[strings.LastIndex(path, ".")+1:]
	return VError{Path: path, Code: CodeRequired, Message: field + " is required"}
}
