package recordservice

import (
	"context"
	"errors"
)

type outcome uint8

const (
	outcomeOK outcome = iota
	// outcomeBusy: the server is saturated but the connection is fine.
	outcomeBusy
	// outcomeBroken: the connection must be reopened before the next call.
	outcomeBroken
	// outcomeServiceError: the server rejected the call; not retried.
	outcomeServiceError
	// outcomeCancelled: the caller's context ended; not retried.
	outcomeCancelled
)

func (o outcome) String() string {
	switch o {
	case outcomeOK:
		return "ok"
	case outcomeBusy:
		return "busy"
	case outcomeBroken:
		return "broken"
	case outcomeServiceError:
		return "service_error"
	case outcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// classify maps the result of one RPC to the action of the retry loop.
// Anything that is neither a service error nor a cancellation is treated as
// a connection failure.
func classify(err error) outcome {
	if err == nil {
		return outcomeOK
	}
	var se *ServiceError
	if errors.As(err, &se) {
		if se.Code == ErrCodeServiceBusy {
			return outcomeBusy
		}
		return outcomeServiceError
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return outcomeCancelled
	}
	return outcomeBroken
}

// classifyHandshake is classify for the version handshake, where an end of
// file means the server accepted the connection and then dropped it, which
// it does when it is overloaded.
func classifyHandshake(err error) error {
	var te *TransportError
	if errors.As(err, &te) && te.EOF {
		return &ServiceError{
			Code:    ErrCodeServiceBusy,
			Message: "Server is likely busy. Try the request again.",
			Detail:  te.Error(),
		}
	}
	return err
}
