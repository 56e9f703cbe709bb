package server

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
)

var (
	// ErrServerStopped is returned when starting a stopped server or
	// submitting to its pool.
	ErrServerStopped = errors.New("server: stopped")

	// ErrServerRunning is returned by Start when the server is already listening.
	ErrServerRunning = errors.New("server: already running")

	// ErrRequestClosed is returned when writing to a closed request.
	ErrRequestClosed = errors.New("server: request closed")

	// ErrSessionClosed is returned when sending to a terminated session.
	ErrSessionClosed = errors.New("server: session closed")

	// ErrSendQueueFull is returned when a session's outbound queue is full.
	ErrSendQueueFull = errors.New("server: send queue full")

	// ErrInvalidRoute is returned for registrations with an empty path,
	// nil handler or nil predicate.
	ErrInvalidRoute = errors.New("server: invalid route")

	// ErrDuplicateOperation is returned when a controller declares two
	// operations with the same name or more than one default.
	ErrDuplicateOperation = errors.New("server: duplicate operation")

	// ErrBodyTooLarge is returned when a buffered body exceeds MaxBodySize.
	ErrBodyTooLarge = errors.New("server: request body too large")

	// ErrResponseTypeNotAllowed is returned when an operation produces a
	// response type outside AllowedResponseTypes.
	ErrResponseTypeNotAllowed = errors.New("server: response type not allowed")
)

// Exception type tags written into error envelopes.
const (
	TypeClientError    = "ClientError"
	TypeForbiddenError = "ForbiddenError"
	TypeNotFoundError  = "NotFoundError"
	TypeInternalError  = "InternalError"
)

// ClientError reports a malformed request: a missing or unparseable
// parameter or an undecodable body. It is written with status 400.
type ClientError struct {
	Message string
	Err     error
}

func (e *ClientError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error { return e.Err }

// ForbiddenError reports an identity below an operation's required level or
// missing one of its capabilities. It is written with status 403.
type ForbiddenError struct {
	Operation string
	Level     int
	Reason    string
}

func (e *ForbiddenError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	if e.Operation == "" {
		return "forbidden"
	}
	return fmt.Sprintf("forbidden: %s requires authorization level %d", e.Operation, e.Level)
}

// NotFoundError reports a missing resource. It is written with status 404.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	if e.Resource == "" {
		return "not found"
	}
	return e.Resource + " not found"
}

// InternalError wraps an unexpected failure or a recovered panic.
type InternalError struct {
	Message string
	Err     error
	Stack   string
}

func (e *InternalError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	case e.Message != "":
		return e.Message
	}
	return "internal error"
}

func (e *InternalError) Unwrap() error { return e.Err }

// NewClientError returns a ClientError with a formatted message.
func NewClientError(format string, args ...any) *ClientError {
	return &ClientError{Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError returns a NotFoundError for resource.
func NewNotFoundError(resource string) *NotFoundError {
	return &NotFoundError{Resource: resource}
}

func recoveredError(location string, r any) *InternalError {
	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("%v", r)
	}
	return &InternalError{
		Message: "panic in " + location,
		Err:     err,
		Stack:   string(debug.Stack()),
	}
}

// classify maps an error to its envelope type tag and HTTP status.
func classify(err error) (string, int) {
	var (
		ce *ClientError
		fe *ForbiddenError
		ne *NotFoundError
	)
	switch {
	case errors.As(err, &ce):
		return TypeClientError, http.StatusBadRequest
	case errors.As(err, &fe):
		return TypeForbiddenError, http.StatusForbidden
	case errors.As(err, &ne):
		return TypeNotFoundError, http.StatusNotFound
	}
	return TypeInternalError, http.StatusInternalServerError
}

// Envelope is the uniform wrapper around operation outcomes.
type Envelope struct {
	XMLName   xml.Name   `json:"-" xml:"response"`
	Success   bool       `json:"success" xml:"success"`
	Result    any        `json:"result,omitempty" xml:"result,omitempty"`
	Exception *Exception `json:"exception,omitempty" xml:"exception,omitempty"`
}

// Exception describes a failed operation inside an Envelope.
type Exception struct {
	Type       string `json:"type" xml:"type"`
	Message    string `json:"message" xml:"message"`
	StackTrace string `json:"stackTrace" xml:"stackTrace"`
}

// errorEnvelope builds the failure envelope for err. Stack traces are only
// included in debug mode.
func errorEnvelope(err error, debugMode bool) (*Envelope, int) {
	kind, status := classify(err)
	exc := &Exception{Type: kind, Message: err.Error()}
	if debugMode {
		var ie *InternalError
		if errors.As(err, &ie) && ie.Stack != "" {
			exc.StackTrace = ie.Stack
		} else {
			exc.StackTrace = fmt.Sprintf("%+v", err)
		}
	}
	return &Envelope{Success: false, Exception: exc}, status
}
