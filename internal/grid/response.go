package grid

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ResultPage is one decoded collection response.
type ResultPage[T any] struct {
	Rows       []T
	TotalCount int
}

type collectionEnvelope[T any] struct {
	Count json.RawMessage `json:"@odata.count"`
	Value []T             `json:"value"`
}

// DecodePage unpacks an OData collection body. "@odata.count" may be a number
// or a numeric string; when absent or unparsable the count is 0. A missing
// "value" yields an empty, non-nil row slice. Anything that is not a JSON
// object is an error.
func DecodePage[T any](body []byte) (ResultPage[T], error) {
	var env collectionEnvelope[T]
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return ResultPage[T]{}, fmt.Errorf("grid: decode collection: %w", err)
	}

	rows := env.Value
	if rows == nil {
		rows = []T{}
	}
	return ResultPage[T]{Rows: rows, TotalCount: parseCount(env.Count)}, nil
}

func parseCount(raw json.RawMessage) int {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	if f >= math.MaxInt {
		return math.MaxInt
	}
	return int(f)
}
