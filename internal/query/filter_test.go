package query

import (
	"testing"

	"github.com/pitabwire/odatagrid/model"
)

func TestParseFilterEvent_dropsFieldsWithoutValue(t *testing.T) {
	event := model.FilterEvent{Filters: map[string][]model.FilterConstraint{
		"status":  {{Value: "active", MatchMode: "equals"}},
		"name":    {{Value: nil, MatchMode: "contains"}},
		"city":    {{Value: "", MatchMode: "startsWith"}},
		"tags":    {{Value: []any{}, MatchMode: "equals"}},
		"enabled": {{Value: false, MatchMode: "equals"}},
		"empty":   {},
	}}

	got := ParseFilterEvent(event)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (%+v)", len(got), got)
	}
	// Sorted by field name.
	if got[0].Field != "enabled" || got[1].Field != "status" {
		t.Errorf("fields = [%s %s], want [enabled status]", got[0].Field, got[1].Field)
	}
}

func TestParseFilterEvent_connective(t *testing.T) {
	event := model.FilterEvent{Filters: map[string][]model.FilterConstraint{
		"age": {
			{Value: 18, MatchMode: "gte", Operator: "or"},
			{Value: 65, MatchMode: "lt", Operator: "OR"},
		},
	}}

	got := ParseFilterEvent(event)
	if len(got) != 1 || len(got[0].Constraints) != 2 {
		t.Fatalf("unexpected parse result: %+v", got)
	}
	for i, c := range got[0].Constraints {
		if c.Connective != Or {
			t.Errorf("constraint %d connective = %q, want or", i, c.Connective)
		}
	}
}

func TestParseFilterEvent_skipsLaterEmptyConstraints(t *testing.T) {
	event := model.FilterEvent{Filters: map[string][]model.FilterConstraint{
		"name": {
			{Value: "Jo", MatchMode: "startsWith", Operator: "and"},
			{Value: nil, MatchMode: "endsWith", Operator: "and"},
		},
	}}

	got := ParseFilterEvent(event)
	if len(got[0].Constraints) != 1 {
		t.Errorf("constraints = %d, want 1", len(got[0].Constraints))
	}
}

func TestCompileFilterSet(t *testing.T) {
	tests := []struct {
		name   string
		fields []FieldFilter
		want   string
	}{
		{
			name:   "empty",
			fields: nil,
			want:   "",
		},
		{
			name: "single",
			fields: []FieldFilter{
				{Field: "status", Constraints: []Constraint{{MatchMode: MatchEquals, Value: "active"}}},
			},
			want: "status eq 'active'",
		},
		{
			name: "two fields joined with and",
			fields: []FieldFilter{
				{Field: "age", Constraints: []Constraint{{MatchMode: MatchGreaterThan, Value: 5, DataType: "numeric"}}},
				{Field: "name", Constraints: []Constraint{{MatchMode: MatchContains, Value: "Jo"}}},
			},
			want: "age gt 5 and contains(name,'Jo')",
		},
		{
			name: "or chain within field",
			fields: []FieldFilter{
				{Field: "status", Constraints: []Constraint{
					{MatchMode: MatchEquals, Value: "active", Connective: Or},
					{MatchMode: MatchEquals, Value: "pending", Connective: Or},
				}},
			},
			want: "status eq 'active' or status eq 'pending'",
		},
		{
			name: "last connective wins",
			fields: []FieldFilter{
				{Field: "age", Constraints: []Constraint{
					{MatchMode: MatchGreaterThan, Value: 1, Connective: Or},
					{MatchMode: MatchLessThan, Value: 9, Connective: And},
				}},
			},
			want: "age gt 1 and age lt 9",
		},
		{
			name: "unspecified connective defaults to and",
			fields: []FieldFilter{
				{Field: "age", Constraints: []Constraint{
					{MatchMode: MatchGreaterThan, Value: 1},
					{MatchMode: MatchLessThan, Value: 9},
				}},
			},
			want: "age gt 1 and age lt 9",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompileFilterSet(tt.fields); got != tt.want {
				t.Errorf("CompileFilterSet() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestODataCompiler_CompileFilter_statusEquals(t *testing.T) {
	event := model.FilterEvent{Filters: map[string][]model.FilterConstraint{
		"status": {{Value: "active", MatchMode: "equals"}},
	}}
	got := ODataCompiler{}.CompileFilter(event)
	if got != "status eq 'active'" {
		t.Errorf("CompileFilter() = %q, want %q", got, "status eq 'active'")
	}
}

func TestCompileDefaultFilters(t *testing.T) {
	defaults := []model.DefaultFilter{
		{Field: "deleted", MatchMode: "equals", Value: false},
		{Field: "tenant", MatchMode: "equals", Value: "acme", DataType: "string"},
	}
	want := "deleted eq false and tenant eq 'acme'"
	if got := CompileDefaultFilters(defaults); got != want {
		t.Errorf("CompileDefaultFilters() = %q, want %q", got, want)
	}
	if got := CompileDefaultFilters(nil); got != "" {
		t.Errorf("CompileDefaultFilters(nil) = %q, want empty", got)
	}
}

func TestHasValue(t *testing.T) {
	tests := []struct {
		in   any
		want bool
	}{
		{nil, false},
		{"", false},
		{[]any{}, false},
		{[]string{}, false},
		{"x", true},
		{0, true},
		{false, true},
		{[]any{1}, true},
	}
	for _, tt := range tests {
		if got := HasValue(tt.in); got != tt.want {
			t.Errorf("HasValue(%#v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseConnective(t *testing.T) {
	if ParseConnective(" Or ") != Or {
		t.Error("ParseConnective(Or) should be or")
	}
	if ParseConnective("") != And {
		t.Error("ParseConnective(\"\") should be and")
	}
	if ParseConnective("xor") != And {
		t.Error("ParseConnective(xor) should be and")
	}
}
