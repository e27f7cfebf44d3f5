package query

// CompileClause renders one filter expression for a single field. The value
// type is the declared type when given, otherwise inferred from value.
//
//	CompileClause("age", MatchGreaterThan, 5, "numeric")  // age gt 5
//	CompileClause("name", MatchContains, "Jo", "string")  // contains(name,'Jo')
func CompileClause(field string, mode MatchMode, value any, declaredType string) string {
	op := ResolveOperator(mode)

	t := ParseValueType(declaredType)
	if t == "" {
		t = InferValueType(value)
	}
	literal := FormatLiteral(value, t)

	if isFunctionOperator(op) {
		return op + "(" + field + "," + literal + ")"
	}
	return field + " " + op + " " + literal
}
