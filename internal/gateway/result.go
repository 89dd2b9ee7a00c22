package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
)

// FailureKind classifies why a request did not succeed.
type FailureKind int

const (
	FailureNone FailureKind = iota
	// FailureTransport means no response was received.
	FailureTransport
	// FailureUnauthorized means the backend answered 401 or 403.
	FailureUnauthorized
	// FailureApplication means a non-2xx answer.
	FailureApplication
	// FailureMalformed means a 2xx answer that could not be decoded.
	FailureMalformed
)

// String returns the label used in logs and metrics.
func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureTransport:
		return "transport"
	case FailureUnauthorized:
		return "unauthorized"
	case FailureApplication:
		return "application"
	case FailureMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// User-facing failure messages.
const (
	MsgTransport    = "Network connection failed. Please check your connection and try again."
	MsgUnauthorized = "Your session has expired. Please log in again."
	MsgMalformed    = "Server did not return JSON. Check API URL and backend status."
	MsgRequest      = "Request failed"
)

// ErrNoData is returned by Decode when the result carries no payload.
var ErrNoData = errors.New("gateway: result has no data")

// Result is the uniform outcome of a backend call.
type Result struct {
	Success bool
	Data    json.RawMessage
	Error   string
	Status  int
	Kind    FailureKind
}

// Decode unmarshals the payload into v.
func (r Result) Decode(v any) error {
	data := bytes.TrimSpace(r.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ErrNoData
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}

// Err converts a failed result into an error value. Successful results return nil.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &Error{Kind: r.Kind, Status: r.Status, Message: r.Error}
}

// Error wraps a failed Result for callers that propagate errors.
type Error struct {
	Kind    FailureKind
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Retryable reports whether retrying the same call can succeed.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return e.Kind == FailureTransport || e.Status >= 500
}

// DecodeError marks a payload that did not match the expected shape.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "gateway: decode payload: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a gateway failure of the given kind.
func IsKind(err error, kind FailureKind) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind == kind
	}
	return false
}
