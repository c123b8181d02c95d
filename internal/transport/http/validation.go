package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	kgerrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
)

// maxRequestBody bounds every JSON request body. License payloads are
// small; anything near this limit is not a legitimate client.
const maxRequestBody = 1 << 20

// requestValidator decodes JSON bodies and checks them against their
// struct validation tags. Field names in error output follow the JSON
// tags, not the Go names.
type requestValidator struct {
	validate *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &requestValidator{validate: v}
}

// bind decodes the request body into dst and validates it. A non-nil
// return is a ready-to-render 400 problem.
func (rv *requestValidator) bind(r *http.Request, dst any) *kgerrors.ProblemDetails {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return rv.badRequest(r, "failed to read request body")
	}
	if len(body) > maxRequestBody {
		return kgerrors.NewProblemDetails(
			http.StatusRequestEntityTooLarge,
			"/errors/payload-too-large",
			"Payload Too Large",
			"request body exceeds the maximum allowed size",
			r.URL.Path,
		).WithExtension("trace_id", infrastructure.GetTraceID(r.Context()))
	}
	if len(body) == 0 {
		return rv.badRequest(r, "request body is required")
	}

	decoder := json.NewDecoder(strings.NewReader(string(body)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return rv.badRequest(r, fmt.Sprintf("invalid JSON: %s", decodeDetail(err)))
	}

	return rv.check(r, dst)
}

// check validates an already-decoded value.
func (rv *requestValidator) check(r *http.Request, v any) *kgerrors.ProblemDetails {
	err := rv.validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return rv.badRequest(r, err.Error())
	}

	details := make([]map[string]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, map[string]string{
			"field":   fe.Field(),
			"message": formatFieldError(fe),
		})
	}
	return rv.badRequest(r, "request validation failed").
		WithExtension("validation_errors", details)
}

func (rv *requestValidator) badRequest(r *http.Request, detail string) *kgerrors.ProblemDetails {
	return kgerrors.NewProblemDetails(
		http.StatusBadRequest,
		"/errors/validation",
		"Bad Request",
		detail,
		r.URL.Path,
	).WithExtension("trace_id", infrastructure.GetTraceID(r.Context()))
}

func formatFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "datetime":
		return fmt.Sprintf("%s must be a date in the form %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// decodeDetail trims Go type noise out of json decoder errors so clients
// see the field and offset, not internal type names.
func decodeDetail(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("wrong type for field %q", typeErr.Field)
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return fmt.Sprintf("syntax error at offset %d", syntaxErr.Offset)
	}
	return err.Error()
}
