// Package poller drives long-running operations on the credential agent to a
// terminal state.
//
// # Overview
//
// Submitting a connection invitation, a proof request or a credential offer
// returns an operation handle. The agent then reports a status for that handle
// until the operation ends in one of two terminal statuses:
//
//   - done: the operation succeeded
//   - abandoned: the holder or the agent gave up
//
// Poll fetches the status at a fixed interval and returns a Result describing
// the outcome. Run adds continuations on top, firing at most one of OnDone,
// OnAbandoned and OnTimeout.
//
// # Budget
//
// Two budgets bound an invocation:
//
//   - MaxAttempts caps the number of fetches (default 30, negative = unbounded)
//   - MaxFetchErrors caps consecutive fetch failures (default 3, negative = stop on the first)
//
// Exhausting either yields OutcomeTimedOut; Result.Err tells them apart via
// ErrCeilingReached and ErrFetchBudget.
//
// # Cancellation
//
// Canceling the context stops the loop at the next wait or fetch and yields
// OutcomeCanceled. No continuation fires for a canceled invocation.
//
// # Usage
//
//	res, err := poller.Run(ctx, proofID, client.VerificationState, poller.Options{
//		Interval:    2 * time.Second,
//		MaxAttempts: 30,
//	}, poller.Handlers[*agent.ProofState]{
//		OnDone:      func(ctx context.Context, s *agent.ProofState) { ... },
//		OnAbandoned: func(ctx context.Context, s *agent.ProofState) { ... },
//		OnTimeout:   func(ctx context.Context, r poller.Result[*agent.ProofState]) { ... },
//	}, nil)
package poller
