// ABOUTME: Continuation dispatch on top of Poll
// ABOUTME: Guarantees at most one of done/abandoned/timeout fires per invocation

package poller

import "context"

// Handlers are the terminal continuations of a polling invocation.
// Nil handlers are skipped. Nothing fires when the invocation is canceled.
type Handlers[T Observation] struct {
	OnDone      func(ctx context.Context, last T)
	OnAbandoned func(ctx context.Context, last T)
	OnTimeout   func(ctx context.Context, res Result[T])
}

// Observer is notified once per finished invocation, canceled ones included.
type Observer interface {
	ObservePoll(outcome Outcome, attempts, fetchErrors int)
}

// Run polls handle and dispatches exactly one continuation for the outcome.
func Run[T Observation](ctx context.Context, handle string, fetch FetchFunc[T], opts Options, h Handlers[T], obs Observer) (Result[T], error) {
	res, err := Poll(ctx, handle, fetch, opts)
	if err != nil {
		return res, err
	}
	if obs != nil {
		obs.ObservePoll(res.Outcome, res.Attempts, res.Errors)
	}

	switch res.Outcome {
	case OutcomeDone:
		if h.OnDone != nil {
			h.OnDone(ctx, res.Last)
		}
	case OutcomeAbandoned:
		if h.OnAbandoned != nil {
			h.OnAbandoned(ctx, res.Last)
		}
	case OutcomeTimedOut:
		if h.OnTimeout != nil {
			h.OnTimeout(ctx, res)
		}
	}
	return res, nil
}
