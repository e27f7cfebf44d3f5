package model

import "time"

// GridDescriptor is the resolved grid metadata sent to the frontend.
type GridDescriptor struct {
	ID          string             `json:"id"`
	Title       string             `json:"title,omitempty"`
	Resource    string             `json:"resource"`
	PageSize    int                `json:"page_size"`
	RowKey      string             `json:"row_key,omitempty"`
	Columns     []ColumnDescriptor `json:"columns"`
	SessionsURL string             `json:"sessions_url"`
}

// ColumnDescriptor describes a visible grid column.
type ColumnDescriptor struct {
	Field      string `json:"field"`
	Label      string `json:"label"`
	DataType   string `json:"data_type,omitempty"`
	Sortable   bool   `json:"sortable"`
	Filterable bool   `json:"filterable"`
	Format     string `json:"format,omitempty"`
	Width      string `json:"width,omitempty"`
}

// SessionDescriptor is the published state of one grid session as sent to
// the frontend.
type SessionDescriptor struct {
	ID         string           `json:"id"`
	GridID     string           `json:"grid_id"`
	Data       []map[string]any `json:"data"`
	TotalCount int              `json:"total_count"`
	First      int              `json:"first"`
	Rows       int              `json:"rows"`
	Loading    bool             `json:"loading"`
	Error      *ErrorEnvelope   `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	LastUsedAt time.Time        `json:"last_used_at"`
}
