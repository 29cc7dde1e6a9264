package service

import (
	"errors"
	"fmt"
)

// Error taxonomy for the pipeline. Per-item errors (transient, permanent,
// upstream) are recorded on the task and reported through the event stream;
// only ErrConfiguration fails a whole run. ErrCancelled is user-initiated and
// not a failure.
var (
	ErrTransient      = errors.New("transient failure")
	ErrPermanent      = errors.New("permanent failure")
	ErrUpstreamFailed = errors.New("upstream job failed")
	ErrConfiguration  = errors.New("configuration error")
	ErrCancelled      = errors.New("cancelled")
)

// Transport error kinds, reported to the caller for observability.
const (
	KindTimeout   = "timeout"
	KindTransient = "transient"
	KindPermanent = "permanent"
	KindCancelled = "cancelled"
)

// TransportError describes the outcome of a failed external call, including
// how many attempts were made before giving up.
type TransportError struct {
	Kind     string
	Message  string
	Attempts int
	cause    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %s", e.Kind, e.Attempts, e.Message)
}

func (e *TransportError) Unwrap() []error {
	marker := ErrTransient
	switch e.Kind {
	case KindPermanent:
		marker = ErrPermanent
	case KindCancelled:
		marker = ErrCancelled
	}
	if e.cause != nil {
		return []error{marker, e.cause}
	}
	return []error{marker}
}
