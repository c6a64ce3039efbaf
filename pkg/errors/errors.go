package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies connection lifecycle failures
type ErrorCode string

const (
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // no liveness signal
	ErrCodeNegotiation ErrorCode = "NEGOTIATION" // handshake or ICE failure
	ErrCodeTransport   ErrorCode = "TRANSPORT"   // socket I/O failure
	ErrCodeExhausted   ErrorCode = "EXHAUSTED"   // attempt ceiling reached
	ErrCodeConfig      ErrorCode = "CONFIG"      // missing cached descriptor or bad settings
)

// LinkError is an error with a code, the peer it concerns and an optional cause
type LinkError struct {
	Code    ErrorCode
	PeerID  string
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements error interface
func (e *LinkError) Error() string {
	prefix := string(e.Code)
	if e.PeerID != "" {
		prefix = fmt.Sprintf("%s [%s]", e.Code, e.PeerID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error
func (e *LinkError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *LinkError) WithContext(key string, value interface{}) *LinkError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a LinkError
func New(code ErrorCode, peerID, message string) *LinkError {
	return &LinkError{Code: code, PeerID: peerID, Message: message}
}

// Wrap wraps an existing error
func Wrap(err error, code ErrorCode, peerID, message string) *LinkError {
	return &LinkError{Code: code, PeerID: peerID, Message: message, Cause: err}
}

func NewTimeoutError(peerID, message string) *LinkError {
	return New(ErrCodeTimeout, peerID, message)
}

func NewNegotiationError(peerID string, cause error, message string) *LinkError {
	return Wrap(cause, ErrCodeNegotiation, peerID, message)
}

func NewTransportError(peerID string, cause error, message string) *LinkError {
	return Wrap(cause, ErrCodeTransport, peerID, message)
}

func NewExhaustedError(peerID string, attempts int) *LinkError {
	return New(ErrCodeExhausted, peerID, fmt.Sprintf("gave up after %d attempts", attempts)).
		WithContext("attempts", attempts)
}

func NewConfigError(peerID, message string) *LinkError {
	return New(ErrCodeConfig, peerID, message)
}

// CodeOf extracts the code of the first LinkError in the chain
func CodeOf(err error) (ErrorCode, bool) {
	var le *LinkError
	if errors.As(err, &le) {
		return le.Code, true
	}
	return "", false
}

// Is reports whether err carries the given code
func Is(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// HTTPStatus maps an error onto a status code for the control API
func HTTPStatus(err error) int {
	code, ok := CodeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch code {
	case ErrCodeConfig:
		return http.StatusBadRequest
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeTransport, ErrCodeNegotiation:
		return http.StatusBadGateway
	case ErrCodeExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
