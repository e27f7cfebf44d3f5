package model

// DomainDefinition is the root structure of a definition file. Each file
// declares the grids of one domain.
type DomainDefinition struct {
	Domain  string           `yaml:"domain"  json:"domain"`
	Version string           `yaml:"version" json:"version"`
	Grids   []GridDefinition `yaml:"grids"   json:"grids,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// GridDefinition binds a UI grid to an OData collection. Everything here is
// fixed for the lifetime of the grid; per-session state lives in the
// coordinator.
type GridDefinition struct {
	ID        string `yaml:"id"         json:"id"`
	Title     string `yaml:"title"      json:"title,omitempty"`
	ServiceID string `yaml:"service_id" json:"service_id"`
	// BaseURL overrides the service's base URL when set.
	BaseURL  string `yaml:"base_url"  json:"base_url,omitempty"`
	Resource string `yaml:"resource"  json:"resource"`
	PageSize int    `yaml:"page_size" json:"page_size,omitempty"`
	RowKey   string `yaml:"row_key"   json:"row_key,omitempty"`

	Select         []string           `yaml:"select"          json:"select,omitempty"`
	Expand         []string           `yaml:"expand"          json:"expand,omitempty"`
	DefaultFilters []DefaultFilter    `yaml:"default_filters" json:"default_filters,omitempty"`
	DefaultSorting []DefaultSort      `yaml:"default_sorting" json:"default_sorting,omitempty"`
	Columns        []ColumnDefinition `yaml:"columns"         json:"columns,omitempty"`
}

// DefaultFilter is a sticky filter ANDed with every user filter.
type DefaultFilter struct {
	Field     string `yaml:"field"      json:"field"`
	MatchMode string `yaml:"match_mode" json:"match_mode"`
	Value     any    `yaml:"value"      json:"value"`
	DataType  string `yaml:"data_type"  json:"data_type,omitempty"`
}

// DefaultSort is a sticky sort appended after every user sort.
type DefaultSort struct {
	Field string `yaml:"field" json:"field"`
	Order int    `yaml:"order" json:"order"`
}

// ColumnDefinition describes a grid column for the frontend.
type ColumnDefinition struct {
	Field      string `yaml:"field"      json:"field"`
	Label      string `yaml:"label"      json:"label"`
	DataType   string `yaml:"data_type"  json:"data_type,omitempty"`
	Sortable   bool   `yaml:"sortable"   json:"sortable,omitempty"`
	Filterable bool   `yaml:"filterable" json:"filterable,omitempty"`
	Format     string `yaml:"format"     json:"format,omitempty"`
	Width      string `yaml:"width"      json:"width,omitempty"`
}
