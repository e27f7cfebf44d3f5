package query

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ValueType is the OData literal family a filter value is rendered as.
type ValueType string

// Value types. Only TypeString changes rendering (single quotes); the others
// are kept so callers can declare intent explicitly.
const (
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeDate    ValueType = "date"
	TypeBoolean ValueType = "boolean"
	TypeNull    ValueType = "null"
	TypeOther   ValueType = "other"
)

// ParseValueType maps a declared data type to a ValueType. Both "string" and
// the grid's "text" declare a quoted literal. An empty declaration yields ""
// so the caller falls back to inference.
func ParseValueType(declared string) ValueType {
	switch strings.ToLower(strings.TrimSpace(declared)) {
	case "":
		return ""
	case "string", "text":
		return TypeString
	case "number", "numeric", "int", "integer", "float", "decimal":
		return TypeNumber
	case "date", "datetime", "datetimeoffset":
		return TypeDate
	case "boolean", "bool":
		return TypeBoolean
	default:
		return TypeOther
	}
}

// InferValueType derives the literal family from the value's Go type.
func InferValueType(v any) ValueType {
	switch v.(type) {
	case nil:
		return TypeNull
	case string:
		return TypeString
	case bool:
		return TypeBoolean
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number, decimal.Decimal:
		return TypeNumber
	case time.Time:
		return TypeDate
	default:
		return TypeOther
	}
}

// FormatLiteral renders v as an OData literal of type t. String literals are
// wrapped in single quotes without escaping embedded quotes: a value such as
// O'Brien yields a malformed filter. Callers that need safe quoting must
// supply a different Compiler.
func FormatLiteral(v any, t ValueType) string {
	raw := rawLiteral(v)
	if t == TypeString {
		return "'" + raw + "'"
	}
	return raw
}

func rawLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int8:
		return strconv.FormatInt(int64(x), 10)
	case int16:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return decimal.NewFromFloat32(x).String()
	case float64:
		return decimal.NewFromFloat(x).String()
	case json.Number:
		return x.String()
	case decimal.Decimal:
		return x.String()
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
