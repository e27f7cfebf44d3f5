// Package query compiles grid filter, sort, and paging state into OData
// collection URLs. Everything here is pure string construction: no I/O, no
// shared state, and no URL encoding.
package query

import "strings"

// MatchMode is the comparison a grid filter constraint expresses, as named by
// the UI component.
type MatchMode string

// Match modes understood by ResolveOperator.
const (
	MatchEquals             MatchMode = "equals"
	MatchNotEquals          MatchMode = "notEquals"
	MatchIs                 MatchMode = "is"
	MatchIsNot              MatchMode = "isNot"
	MatchDateIs             MatchMode = "dateIs"
	MatchDateIsNot          MatchMode = "dateIsNot"
	MatchLessThan           MatchMode = "lt"
	MatchLessThanOrEqual    MatchMode = "lte"
	MatchGreaterThan        MatchMode = "gt"
	MatchGreaterThanOrEqual MatchMode = "gte"
	MatchDateBefore         MatchMode = "dateBefore"
	MatchDateAfter          MatchMode = "dateAfter"
	MatchContains           MatchMode = "contains"
	MatchStartsWith         MatchMode = "startsWith"
	MatchEndsWith           MatchMode = "endsWith"
)

// OData comparison operators and string functions.
const (
	OpEq         = "eq"
	OpNe         = "ne"
	OpLt         = "lt"
	OpLe         = "le"
	OpGt         = "gt"
	OpGe         = "ge"
	OpContains   = "contains"
	OpStartsWith = "startswith"
	OpEndsWith   = "endswith"
)

// operators is keyed by the normalized match mode (see normalizeMode), so
// "startsWith", "starts-with" and "STARTS_WITH" all resolve the same way.
var operators = map[string]string{
	"equals":    OpEq,
	"is":        OpEq,
	"dateis":    OpEq,
	"notequals": OpNe,
	"isnot":     OpNe,
	"dateisnot": OpNe,

	"lt":         OpLt,
	"lessthan":   OpLt,
	"datebefore": OpLt,

	"lte":               OpLe,
	"lessthanorequal":   OpLe,
	"lessthanorequalto": OpLe,

	"gt":          OpGt,
	"greaterthan": OpGt,
	"dateafter":   OpGt,

	"gte":                  OpGe,
	"greaterthanorequal":   OpGe,
	"greaterthanorequalto": OpGe,

	"contains":   OpContains,
	"startswith": OpStartsWith,
	"endswith":   OpEndsWith,
}

// ResolveOperator maps a UI match mode to its OData operator. Unrecognized
// modes, including the empty mode, resolve to "eq" rather than failing.
func ResolveOperator(mode MatchMode) string {
	if op, ok := operators[normalizeMode(mode)]; ok {
		return op
	}
	return OpEq
}

// KnownMatchMode reports whether mode is in the supported vocabulary. It is
// used by definition validation; compilation never rejects a mode.
func KnownMatchMode(mode MatchMode) bool {
	_, ok := operators[normalizeMode(mode)]
	return ok
}

// isFunctionOperator reports whether op renders as op(field,literal).
func isFunctionOperator(op string) bool {
	switch op {
	case OpContains, OpStartsWith, OpEndsWith:
		return true
	}
	return false
}

func normalizeMode(mode MatchMode) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', ' ':
			return -1
		}
		return r
	}, strings.ToLower(string(mode)))
}
