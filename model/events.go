package model

// PageEvent is raised by the grid when the user changes page or page size.
// First is the zero-based offset of the first row, Rows the page size.
type PageEvent struct {
	First int `json:"first" validate:"gte=0"`
	Rows  int `json:"rows"  validate:"gte=0"`
}

// FilterEvent carries the grid's complete filter model. Every event replaces
// the previous filter state; nothing is merged.
type FilterEvent struct {
	Filters map[string][]FilterConstraint `json:"filters" validate:"dive,keys,required,endkeys,dive"`
}

// FilterConstraint is one per-field constraint as raised by the grid. Value is
// whatever the filter control produced (string, number, bool, date, or nil).
type FilterConstraint struct {
	Value     any    `json:"value"`
	MatchMode string `json:"matchMode"`
	DataType  string `json:"dataType,omitempty"`
	// Operator is the connective ("and" / "or") used to chain this field's
	// constraints.
	Operator string `json:"operator,omitempty" validate:"omitempty,oneof=and or AND OR"`
}

// SortEvent carries the grid's multi-column sort model in priority order.
type SortEvent struct {
	MultiSortMeta []SortMeta `json:"multisortmeta" validate:"dive"`
}

// SortMeta is a single sort column. Order is 1 for ascending, -1 for
// descending; any other value sorts ascending.
type SortMeta struct {
	Field string `json:"field" validate:"required"`
	Order int    `json:"order"`
}
