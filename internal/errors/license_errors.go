package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"

	v1 "keygate/pkg/contracts/v1"
)

// Domain sentinel errors. Store and authority code returns these wrapped
// with context; callers match with errors.Is and never on message text.
var (
	ErrLicenseNotFound      = errors.New("license not found")
	ErrLicenseRevoked       = errors.New("license revoked")
	ErrLicenseSuspended     = errors.New("license suspended")
	ErrLicenseExpired       = errors.New("license expired")
	ErrMachineLimitExceeded = errors.New("machine limit exceeded")
	ErrInvalidKeyFormat     = errors.New("invalid license key format")
	ErrMachineNotFound      = errors.New("machine not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrDuplicateEvent       = errors.New("duplicate webhook event")
)

// RFC 7807 problem type URIs
const (
	TypeLicenseNotFound  = "/errors/license-not-found"
	TypeLicenseRevoked   = "/errors/license-revoked"
	TypeLicenseSuspended = "/errors/license-suspended"
	TypeLicenseExpired   = "/errors/license-expired"
	TypeMachineLimit     = "/errors/machine-limit-exceeded"
	TypeInvalidKeyFormat = "/errors/invalid-key-format"
	TypeMachineNotFound  = "/errors/machine-not-found"
	TypeInvalidSignature = "/errors/invalid-signature"
	TypeStaleTimestamp   = "/errors/stale-timestamp"
	TypeInternal         = "/errors/internal-error"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Additional fields for extensibility
	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// DenialCode returns the wire code for an authorization denial sentinel.
// The second return is false for errors that are not denials, such as
// storage failures, which must surface as 5xx problems instead.
func DenialCode(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrLicenseNotFound):
		return v1.CodeLicenseNotFound, true
	case errors.Is(err, ErrLicenseRevoked):
		return v1.CodeLicenseRevoked, true
	case errors.Is(err, ErrLicenseSuspended):
		return v1.CodeLicenseSuspended, true
	case errors.Is(err, ErrLicenseExpired):
		return v1.CodeLicenseExpired, true
	case errors.Is(err, ErrMachineLimitExceeded):
		return v1.CodeMachineLimitExceeded, true
	case errors.Is(err, ErrInvalidKeyFormat):
		return v1.CodeInvalidFormat, true
	default:
		return "", false
	}
}

// MapLicenseError maps domain errors to HTTP problem details. traceID ties
// the problem to the request's trace for support correlation.
func MapLicenseError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api/v1/license#trace-%s", traceID)

	switch {
	case errors.Is(err, ErrLicenseNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			TypeLicenseNotFound,
			"License Not Found",
			"No license exists for the provided key.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", v1.CodeLicenseNotFound)

	case errors.Is(err, ErrLicenseRevoked):
		return NewProblemDetails(
			http.StatusForbidden,
			TypeLicenseRevoked,
			"License Revoked",
			"This license has been revoked and can no longer be used.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", v1.CodeLicenseRevoked)

	case errors.Is(err, ErrLicenseSuspended):
		return NewProblemDetails(
			http.StatusForbidden,
			TypeLicenseSuspended,
			"License Suspended",
			"This license is suspended. Contact support to restore it.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", v1.CodeLicenseSuspended)

	case errors.Is(err, ErrLicenseExpired):
		return NewProblemDetails(
			http.StatusForbidden,
			TypeLicenseExpired,
			"License Expired",
			"This license expired beyond its grace period. Please renew to continue.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", v1.CodeLicenseExpired)

	case errors.Is(err, ErrMachineLimitExceeded):
		return NewProblemDetails(
			http.StatusConflict,
			TypeMachineLimit,
			"Machine Limit Exceeded",
			"This license is already active on its maximum number of machines. Deactivate one to free a slot.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", v1.CodeMachineLimitExceeded)

	case errors.Is(err, ErrInvalidKeyFormat):
		return NewProblemDetails(
			http.StatusBadRequest,
			TypeInvalidKeyFormat,
			"Invalid License Key Format",
			"License key must be in format: PREFIX-TIMESTAMP-USERHASH-RANDOM-CHECKSUM",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", v1.CodeInvalidFormat)

	case errors.Is(err, ErrMachineNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			TypeMachineNotFound,
			"Machine Not Found",
			"No active machine with that id is registered on this license.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "MACHINE_NOT_FOUND")

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", v1.CodeValidationError)
	}
}
