package query

import (
	"sort"
	"strings"

	"github.com/pitabwire/odatagrid/model"
)

// Connective joins the constraints of a single field.
type Connective string

// Supported connectives.
const (
	And Connective = "and"
	Or  Connective = "or"
)

// Constraint is one compiled-to-be filter condition on a field.
type Constraint struct {
	MatchMode  MatchMode
	Value      any
	DataType   string
	Connective Connective
}

// FieldFilter is the ordered constraint list for one field.
type FieldFilter struct {
	Field       string
	Constraints []Constraint
}

// ParseConnective normalizes a raw operator string; anything other than "or"
// is "and".
func ParseConnective(s string) Connective {
	if strings.EqualFold(strings.TrimSpace(s), string(Or)) {
		return Or
	}
	return And
}

// ParseFilterEvent converts a raw grid filter event into field filters.
// Fields whose first constraint carries no value are dropped, as are later
// valueless constraints of a kept field. Fields are returned sorted by name
// so the compiled string is stable across calls.
func ParseFilterEvent(event model.FilterEvent) []FieldFilter {
	fields := make([]string, 0, len(event.Filters))
	for field := range event.Filters {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var out []FieldFilter
	for _, field := range fields {
		raw := event.Filters[field]
		if len(raw) == 0 || !HasValue(raw[0].Value) {
			continue
		}
		ff := FieldFilter{Field: field}
		for _, c := range raw {
			if !HasValue(c.Value) {
				continue
			}
			ff.Constraints = append(ff.Constraints, Constraint{
				MatchMode:  MatchMode(c.MatchMode),
				Value:      c.Value,
				DataType:   c.DataType,
				Connective: ParseConnective(c.Operator),
			})
		}
		out = append(out, ff)
	}
	return out
}

// HasValue reports whether a filter control produced something to filter on.
// nil, the empty string and empty lists count as no value; false and 0 do not.
func HasValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case []string:
		return len(x) > 0
	}
	return true
}

// CompileFilterSet compiles field filters into a $filter expression. Within a
// field, clauses are joined by the last constraint's connective; fields are
// joined with "and". An empty input yields "".
func CompileFilterSet(fields []FieldFilter) string {
	parts := make([]string, 0, len(fields))
	for _, ff := range fields {
		if len(ff.Constraints) == 0 {
			continue
		}
		clauses := make([]string, len(ff.Constraints))
		for i, c := range ff.Constraints {
			clauses[i] = CompileClause(ff.Field, c.MatchMode, c.Value, c.DataType)
		}
		join := ff.Constraints[len(ff.Constraints)-1].Connective
		if join == "" {
			join = And
		}
		parts = append(parts, strings.Join(clauses, " "+string(join)+" "))
	}
	return strings.Join(parts, " and ")
}

// CompileDefaultFilters compiles sticky filters, each as a single clause,
// joined with "and".
func CompileDefaultFilters(defaults []model.DefaultFilter) string {
	clauses := make([]string, 0, len(defaults))
	for _, d := range defaults {
		clauses = append(clauses, CompileClause(d.Field, MatchMode(d.MatchMode), d.Value, d.DataType))
	}
	return strings.Join(clauses, " and ")
}
