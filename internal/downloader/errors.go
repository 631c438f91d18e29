package downloader

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransient marks network and read failures worth retrying.
	ErrTransient = errors.New("downloader: transient failure")
	// ErrRateLimited is matched by every *RateLimitedError.
	ErrRateLimited = errors.New("downloader: rate limited")
	// ErrResolution marks a failed or empty document-metadata lookup.
	ErrResolution = errors.New("downloader: metadata resolution failed")
	// ErrPersistence marks a local write or rename failure. It is not retried.
	ErrPersistence = errors.New("downloader: persistence failed")
	// ErrRetriesExhausted wraps the last failure once the attempt budget is spent.
	ErrRetriesExhausted = errors.New("downloader: retries exhausted")
)

// RateLimitedError reports an HTTP 429 and the wait the server asked for.
type RateLimitedError struct {
	URL        string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("downloader: %s rate limited, retry after %s", e.URL, e.RetryAfter)
}

// Is reports whether target is ErrRateLimited.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// StatusError reports any other non-success HTTP status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("downloader: %s returned %d", e.URL, e.Code)
}

// Failure reasons recorded on an Outcome.
const (
	ReasonTransient   = "transient"
	ReasonRateLimited = "rate_limited"
	ReasonStatus      = "status"
	ReasonResolution  = "resolution"
	ReasonPersistence = "persistence"
	ReasonExhausted   = "exhausted"
	ReasonCanceled    = "canceled"
)

// classify maps an attempt error onto a failure reason. Cancellation is read
// from the task context, not the error chain: a client or read timeout also
// wraps context.DeadlineExceeded and must stay transient.
func classify(ctx context.Context, err error) string {
	var statusErr *StatusError
	switch {
	case err == nil:
		return ""
	case ctx.Err() != nil:
		return ReasonCanceled
	case errors.Is(err, ErrPersistence):
		return ReasonPersistence
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited
	case errors.As(err, &statusErr):
		return ReasonStatus
	case errors.Is(err, ErrResolution):
		return ReasonResolution
	default:
		return ReasonTransient
	}
}

// terminal reports whether err ends the task without another attempt.
func terminal(ctx context.Context, err error) bool {
	switch classify(ctx, err) {
	case ReasonPersistence, ReasonCanceled:
		return true
	}
	return false
}
