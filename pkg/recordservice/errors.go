package recordservice

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable code of a server-reported error.
type ErrorCode string

const (
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrCodeInvalidTask    ErrorCode = "INVALID_TASK"
	ErrCodeInvalidHandle  ErrorCode = "INVALID_HANDLE"
	ErrCodeAuthentication ErrorCode = "AUTHENTICATION_ERROR"
	ErrCodeServiceBusy    ErrorCode = "SERVICE_BUSY"
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeOutOfMemory    ErrorCode = "OUT_OF_MEMORY"
	ErrCodeCancelled      ErrorCode = "CANCELLED"
)

// ServiceError is an error reported by the planner or a worker. Busy errors
// are retried by PlannerClient; every other code is returned unmodified.
type ServiceError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
}

func (e *ServiceError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsBusy reports whether err is a server-reported SERVICE_BUSY.
func IsBusy(err error) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Code == ErrCodeServiceBusy
}

// TransportError is returned by transports for connection-level failures.
// EOF is set when the remote closed the connection before replying.
type TransportError struct {
	Op  string
	EOF bool
	Err error
}

func (e *TransportError) Error() string {
	if e.EOF {
		return fmt.Sprintf("transport %s: unexpected end of file: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConnectionError means the service could not be reached or the connection
// was lost. Cause is the first underlying failure.
type ConnectionError struct {
	Msg   string
	Cause error
}

func (e *ConnectionError) Error() string {
	if e.Cause == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Cause.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

var (
	ErrNotConnected = errors.New("client not connected")
	ErrClosed       = errors.New("records closed")
)

// UsageError is returned when an operation is invoked on a client in the
// wrong state. It never triggers I/O or a retry.
type UsageError struct {
	Op  string
	Err error
}

func (e *UsageError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *UsageError) Unwrap() error { return e.Err }

// DecodingError is returned when a record getter does not match the column
// type, the column index is out of range or the service returned a type
// this client does not know.
type DecodingError struct {
	Column int
	Want   TypeID
	Got    TypeID
	Msg    string
}

func (e *DecodingError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("column %d: %s", e.Column, e.Msg)
	}
	return fmt.Sprintf("column %d: read as %s but declared %s", e.Column, e.Want, e.Got)
}
