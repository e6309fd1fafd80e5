// ABOUTME: Generic status poller for long-running agent operations
// ABOUTME: Fetches status at a fixed interval until done, abandoned, ceiling, or cancellation

package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Status is the lifecycle marker the agent reports for an operation.
type Status string

// Terminal statuses. Every other value is treated as in-progress.
const (
	StatusDone      Status = "done"
	StatusAbandoned Status = "abandoned"
)

// Common in-progress markers reported by the agent.
const (
	StatusRequestSent Status = "request-sent"
	StatusOfferSent   Status = "offer-sent"
	StatusPending     Status = "pending"
)

// IsTerminal reports whether s ends a poll loop by content.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusAbandoned
}

// Outcome is how a single polling invocation ended.
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCanceled  Outcome = "canceled"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultInterval       = 2 * time.Second
	DefaultMaxAttempts    = 30
	DefaultMaxFetchErrors = 3
)

var (
	// ErrEmptyHandle is returned when polling is requested without an operation handle.
	ErrEmptyHandle = errors.New("operation handle is empty")

	// ErrCeilingReached marks a timeout caused by the attempt ceiling.
	ErrCeilingReached = errors.New("attempt ceiling reached")

	// ErrFetchBudget marks a timeout caused by too many consecutive fetch failures.
	ErrFetchBudget = errors.New("status fetch failed too many times")
)

// Observation is a status-bearing value returned by a fetch.
type Observation interface {
	PollStatus() Status
}

// FetchFunc reads the current state of the operation identified by handle.
type FetchFunc[T Observation] func(ctx context.Context, handle string) (T, error)

// Options configures one polling invocation.
type Options struct {
	// Interval is the minimum spacing between two fetches.
	Interval time.Duration

	// MaxAttempts bounds the number of fetches. Negative means unbounded.
	MaxAttempts int

	// MaxFetchErrors is how many consecutive fetch failures are tolerated
	// before the invocation gives up with a timeout. Negative tolerates none,
	// so the first failure ends the invocation.
	MaxFetchErrors int

	// WaitFirst delays the first fetch by Interval as well.
	WaitFirst bool

	// Logger receives fetch failures. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	switch {
	case o.MaxFetchErrors == 0:
		o.MaxFetchErrors = DefaultMaxFetchErrors
	case o.MaxFetchErrors < 0:
		o.MaxFetchErrors = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Result describes how an invocation ended.
type Result[T Observation] struct {
	Handle   string
	Outcome  Outcome
	Status   Status // last status observed, empty if no fetch succeeded
	Last     T      // last successful observation
	Attempts int    // fetches issued, successful or not
	Errors   int    // fetch failures across the invocation
	Elapsed  time.Duration
	Err      error // cause of a timeout or cancellation
}

// Poll fetches the status of handle until it is terminal, the ceiling is
// reached, the fetch-failure budget is exhausted, or ctx is canceled.
func Poll[T Observation](ctx context.Context, handle string, fetch FetchFunc[T], opts Options) (Result[T], error) {
	if handle == "" {
		return Result[T]{}, ErrEmptyHandle
	}
	if fetch == nil {
		return Result[T]{}, errors.New("fetch function is nil")
	}
	opts = opts.withDefaults()
	logger := opts.Logger.With("handle", handle)

	res := Result[T]{Handle: handle}
	start := time.Now()

	consecutive := 0
	var lastErr error
	for opts.MaxAttempts < 0 || res.Attempts < opts.MaxAttempts {
		if res.Attempts > 0 || opts.WaitFirst {
			if err := sleep(ctx, opts.Interval); err != nil {
				res.Outcome = OutcomeCanceled
				res.Err = err
				res.Elapsed = time.Since(start)
				return res, nil
			}
		} else if err := ctx.Err(); err != nil {
			res.Outcome = OutcomeCanceled
			res.Err = err
			res.Elapsed = time.Since(start)
			return res, nil
		}

		res.Attempts++
		obs, err := fetch(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				res.Outcome = OutcomeCanceled
				res.Err = ctx.Err()
				res.Elapsed = time.Since(start)
				return res, nil
			}
			res.Errors++
			consecutive++
			lastErr = err
			logger.Warn("status fetch failed", "attempt", res.Attempts, "consecutive", consecutive, "error", err)
			if consecutive > opts.MaxFetchErrors {
				res.Outcome = OutcomeTimedOut
				res.Err = fmt.Errorf("%w: %w", ErrFetchBudget, lastErr)
				res.Elapsed = time.Since(start)
				return res, nil
			}
			continue
		}

		consecutive = 0
		res.Last = obs
		res.Status = obs.PollStatus()
		switch res.Status {
		case StatusDone:
			res.Outcome = OutcomeDone
			res.Elapsed = time.Since(start)
			return res, nil
		case StatusAbandoned:
			res.Outcome = OutcomeAbandoned
			res.Elapsed = time.Since(start)
			return res, nil
		}
		logger.Debug("operation still in progress", "attempt", res.Attempts, "status", res.Status)
	}

	res.Outcome = OutcomeTimedOut
	res.Err = ErrCeilingReached
	if lastErr != nil && consecutive > 0 {
		res.Err = fmt.Errorf("%w (last fetch error: %w)", ErrCeilingReached, lastErr)
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
