package correlation

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrTimeout means no confirmation arrived within the configured duration.
	ErrTimeout = errors.New("confirmation timed out")
	// ErrConsumerCancelled means the broker removed the waiter's stream or consumer.
	ErrConsumerCancelled = errors.New("confirmation consumer cancelled")
	// ErrNoWaiter is returned by Publish when nobody waits on the correlation id.
	ErrNoWaiter = errors.New("no waiter for correlation id")
	// ErrAlreadyResolved is returned by Publish when a confirmation was already sent.
	ErrAlreadyResolved = errors.New("correlation id already resolved")
	// ErrInvalid is returned by Await for a negative confirmation.
	ErrInvalid = errors.New("confirmation rejected")
)

// StatusOf maps a correlation outcome to a gRPC status for callers.
func StatusOf(err error) *status.Status {
	switch {
	case err == nil:
		return status.New(codes.OK, "confirmed")
	case errors.Is(err, ErrTimeout):
		return status.New(codes.DeadlineExceeded, "not yet confirmed")
	case errors.Is(err, ErrInvalid):
		return status.New(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrConsumerCancelled):
		return status.New(codes.Aborted, err.Error())
	case errors.Is(err, ErrNoWaiter):
		return status.New(codes.NotFound, err.Error())
	case errors.Is(err, ErrAlreadyResolved):
		return status.New(codes.AlreadyExists, err.Error())
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	default:
		return status.New(codes.Unavailable, err.Error())
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "confirmed"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrConsumerCancelled):
		return "cancelled"
	default:
		return "error"
	}
}
