package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class tags a failed operation with the remediation it allows.
type Class int

const (
	// Fatal failures are never retried: decoding errors, cancellation, bugs.
	Fatal Class = iota
	// ServerError covers 5xx responses and network-level failures.
	ServerError
	// Congestion is a 503 from the service, including the per-account
	// concurrent generation limit.
	Congestion
	// RateLimited is a 429. The caller must slow down; no retry here.
	RateLimited
	// ClientError is any other 4xx. The input must change before a retry helps.
	ClientError
)

func (c Class) String() string {
	switch c {
	case ServerError:
		return "server_error"
	case Congestion:
		return "congestion"
	case RateLimited:
		return "rate_limited"
	case ClientError:
		return "client_error"
	default:
		return "fatal"
	}
}

// Retryable reports whether the policy may retry failures of this class.
func (c Class) Retryable() bool {
	return c == ServerError || c == Congestion
}

// Classified is implemented by errors that know their retry class.
type Classified interface {
	RetryClass() Class
}

// ClassOf returns the class of the first Classified error in err's chain.
// Unclassified errors are Fatal.
func ClassOf(err error) Class {
	var c Classified
	if errors.As(err, &c) {
		return c.RetryClass()
	}
	return Fatal
}

// ExhaustedError is returned when a retryable failure persists past the
// attempt budget of its class.
type ExhaustedError struct {
	Class    Class
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Class == Congestion {
		return fmt.Sprintf("service congested after %d attempts, wait before trying again: %v", e.Attempts, e.Last)
	}
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Policy bounds how an operation is retried.
type Policy struct {
	// BaseDelay is the first backoff for server errors; it doubles per retry.
	BaseDelay time.Duration
	// MaxAttempts caps the total number of calls, including the first one,
	// whatever mix of retryable failures they return.
	MaxAttempts int
	// CongestionDelay is the wait before retrying a congested call.
	CongestionDelay time.Duration
	// CongestionRetries caps retries after congestion.
	CongestionRetries int
	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(attempt int, class Class, delay time.Duration, err error)
}

// DefaultPolicy returns 3 attempts with 1s/2s backoff for server errors and
// a single retry after 30s for congestion.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:         time.Second,
		MaxAttempts:       3,
		CongestionDelay:   30 * time.Second,
		CongestionRetries: 1,
	}
}

// Do runs op until it succeeds, fails with a non-retryable class, or a
// budget runs out. Congestion retries count toward MaxAttempts and are
// further capped by CongestionRetries. Delays never decrease across attempts.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var (
		attempt     int
		serverFails int
		congested   int
		lastDelay   time.Duration
	)
	for {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}

		class := ClassOf(err)
		if !class.Retryable() {
			return zero, err
		}
		if attempt >= max(p.MaxAttempts, 1) {
			return zero, &ExhaustedError{Class: class, Attempts: attempt, Last: err}
		}

		var delay time.Duration
		switch class {
		case ServerError:
			serverFails++
			delay = p.BaseDelay << (serverFails - 1)
		case Congestion:
			if congested >= p.CongestionRetries {
				return zero, &ExhaustedError{Class: class, Attempts: attempt, Last: err}
			}
			congested++
			delay = p.CongestionDelay
		default:
			return zero, err
		}

		delay = max(delay, lastDelay)
		lastDelay = delay
		if p.OnRetry != nil {
			p.OnRetry(attempt, class, delay, err)
		}
		if err := Sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
