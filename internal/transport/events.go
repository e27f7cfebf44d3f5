package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pitabwire/odatagrid/model"
)

// maxEventBody caps grid event payloads.
const maxEventBody = 1 << 20

// DataInput replaces a session's rows without fetching.
type DataInput struct {
	Data []map[string]any `json:"data" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeEvent reads a JSON body into dst and validates it. Numbers are kept
// as json.Number so filter literals render exactly as sent. An empty body
// leaves dst zero when allowEmpty is set.
func decodeEvent(r *http.Request, dst any, allowEmpty bool) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody+1))
	if err != nil {
		return model.NewBadRequestError("unable to read request body")
	}
	if len(body) > maxEventBody {
		return model.NewBadRequestError("request body too large")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		if allowEmpty {
			return nil
		}
		return model.NewBadRequestError("request body is required")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return model.NewValidationError(fieldErrors(verrs))
		}
		return model.NewBadRequestError(err.Error())
	}
	return nil
}

func fieldErrors(verrs validator.ValidationErrors) []model.FieldError {
	out := make([]model.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		out = append(out, model.FieldError{
			Field:   field,
			Code:    strings.ToUpper(fe.Tag()),
			Message: validationMessage(fe),
		})
	}
	return out
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "gte":
		return fe.Field() + " must be at least " + fe.Param()
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	default:
		return fe.Field() + " is invalid"
	}
}
