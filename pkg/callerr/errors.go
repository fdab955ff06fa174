// Package callerr defines the error taxonomy shared by the relay packages.
//
// Every condition a caller may need to branch on is a sentinel that can be
// matched with errors.Is; provider rejections carry the provider's own code
// in a *ProviderError.
package callerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors.
var (
	// ErrValidation indicates malformed input such as a bad phone number.
	ErrValidation = errors.New("validation error")

	// ErrConfiguration indicates missing or invalid credentials.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound indicates an unknown, expired or evicted session.
	ErrNotFound = errors.New("not found")

	// ErrTimedOut indicates an operation exceeded its time bound.
	ErrTimedOut = errors.New("timed out")

	// ErrBridgeFailure indicates the voice-AI leg could not be established
	// or dropped mid-call.
	ErrBridgeFailure = errors.New("bridge failure")

	// ErrAlreadyBound indicates a session already has a different call SID.
	ErrAlreadyBound = errors.New("call sid already bound")
)

// Validation wraps ErrValidation with a field-specific message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Configuration wraps ErrConfiguration with a message.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound for a kind of identifier.
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}

// ProviderError represents a rejection from the telephony or voice-AI provider.
type ProviderError struct {
	// Provider is "twilio" or "elevenlabs".
	Provider string

	// Code is the provider's own error code (Twilio uses numeric codes).
	Code int

	// Message is the provider's error message.
	Message string

	// Status is the HTTP status the provider answered with, if any.
	Status int

	// MoreInfo links to the provider's documentation for Code.
	MoreInfo string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error %d: %s", e.Provider, e.Code, e.Message)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s error (HTTP %d): %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// IsProvider reports whether err carries a *ProviderError and returns it.
func IsProvider(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Code returns a short machine-readable name for err's category.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTimedOut):
		return "timed_out"
	case errors.Is(err, ErrAlreadyBound):
		return "already_bound"
	case errors.Is(err, ErrBridgeFailure):
		return "bridge_failure"
	}
	if _, ok := IsProvider(err); ok {
		return "provider_error"
	}
	return "internal_error"
}

// HTTPStatus maps err to the status code the HTTP surface answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrConfiguration):
		return http.StatusInternalServerError
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTimedOut):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrAlreadyBound):
		return http.StatusConflict
	}
	if pe, ok := IsProvider(err); ok {
		if pe.Status >= 400 && pe.Status < 600 {
			return pe.Status
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
