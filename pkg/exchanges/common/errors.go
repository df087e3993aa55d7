package common

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrTransient marks failures that did not reach the matching engine (rate limit, clock skew).
	ErrTransient = errors.New("transient exchange error")
	// ErrAmbiguous marks failures where the request may or may not have been applied.
	ErrAmbiguous = errors.New("ambiguous exchange outcome")
	// ErrRejected marks business rejections (margin, size, leverage, symbol).
	ErrRejected = errors.New("rejected by exchange")
	// ErrUnknownOrder is returned when cancelling or querying an order the exchange does not know.
	ErrUnknownOrder = errors.New("unknown order")
)

// ErrorKind drives retry decisions.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindTransient
	KindAmbiguous
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindAmbiguous:
		return "ambiguous"
	default:
		return "rejected"
	}
}

// Retryable reports whether the failure may be retried.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindAmbiguous
}

// APIError is a venue error with its HTTP status and venue code.
type APIError struct {
	Status   int
	Code     int
	Msg      string
	Endpoint string
	Kind     error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s status %d code %d: %s", e.Endpoint, e.Status, e.Code, e.Msg)
}

func (e *APIError) Unwrap() error { return e.Kind }

// Classify maps an error onto ErrorKind. Unknown errors count as rejections so
// they are never retried blindly.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	switch {
	case errors.Is(err, ErrRejected), errors.Is(err, ErrUnknownOrder):
		return KindRejected
	case errors.Is(err, ErrAmbiguous), errors.Is(err, context.DeadlineExceeded):
		return KindAmbiguous
	case errors.Is(err, ErrTransient):
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindAmbiguous
	}
	return KindRejected
}
