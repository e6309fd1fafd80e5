// ABOUTME: Per-session registry of running workflow jobs and their latest snapshot
// ABOUTME: Starting a job cancels the previous one for the same session and flow

package operations

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/ssi-portal/internal/metrics"
)

// Phase is where a job is in its lifecycle.
type Phase string

const (
	PhaseSubmitting Phase = "submitting" // calling the agent
	PhaseWaiting    Phase = "waiting"    // polling a handle
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// Running reports whether the job has not finished.
func (p Phase) Running() bool {
	return p == PhaseSubmitting || p == PhaseWaiting
}

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("operation tracker closed")

// Snapshot is a copy of a job's visible state.
type Snapshot struct {
	Flow      string
	Phase     Phase
	Message   string // progress or success text
	Error     string // failure text shown as a flash
	QR        string // payload rendered as a QR code while waiting
	Link      string // same payload as a clickable link
	Handle    string
	Result    any // flow-specific result
	StartedAt time.Time
	UpdatedAt time.Time
}

// Progress lets a running job publish its state.
type Progress struct {
	job *job
}

// Submitting marks the job as calling the agent.
func (p *Progress) Submitting(msg string) {
	p.job.update(func(s *Snapshot) {
		s.Phase = PhaseSubmitting
		s.Message = msg
	})
}

// Waiting marks the job as polling handle.
func (p *Progress) Waiting(handle, msg string) {
	p.job.update(func(s *Snapshot) {
		s.Phase = PhaseWaiting
		s.Handle = handle
		s.Message = msg
	})
}

// ShowQR publishes a payload for the browser to scan or open.
func (p *Progress) ShowQR(payload string) {
	p.job.update(func(s *Snapshot) {
		s.QR = payload
		s.Link = payload
	})
}

// Succeed ends the job successfully with a message and optional result.
func (p *Progress) Succeed(msg string, result any) {
	p.job.update(func(s *Snapshot) {
		s.Phase = PhaseDone
		s.Message = msg
		s.Result = result
		s.QR, s.Link = "", ""
	})
}

// Fail ends the job with a user-facing error.
func (p *Progress) Fail(msg string) {
	p.job.update(func(s *Snapshot) {
		s.Phase = PhaseFailed
		s.Error = msg
		s.QR, s.Link = "", ""
	})
}

// Job is the body of a tracked operation. Returning an error fails the job
// with the error's text unless the job already reported an outcome.
type Job func(ctx context.Context, p *Progress) error

type key struct {
	session string
	flow    string
}

type job struct {
	mu     sync.Mutex
	snap   Snapshot
	cancel context.CancelFunc
	done   chan struct{}
}

func (j *job) update(fn func(*Snapshot)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(&j.snap)
	j.snap.UpdatedAt = time.Now()
}

func (j *job) snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snap
}

// Tracker runs jobs in their own goroutines, one per (session, flow).
type Tracker struct {
	mu      sync.Mutex
	jobs    map[key]*job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a tracker. m may be nil.
func New(logger *slog.Logger, m *metrics.Metrics) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		jobs:    make(map[key]*job),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With("component", "operations"),
		metrics: m,
	}
}

// Start runs fn for (sessionID, flow), canceling any job already running
// for that key. The previous job's snapshot is discarded.
func (t *Tracker) Start(sessionID, flow string, fn Job) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}

	k := key{session: sessionID, flow: flow}
	if prev, ok := t.jobs[k]; ok {
		prev.cancel()
	}

	ctx, cancel := context.WithCancel(t.ctx)
	now := time.Now()
	j := &job{
		snap: Snapshot{
			Flow:      flow,
			Phase:     PhaseSubmitting,
			StartedAt: now,
			UpdatedAt: now,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.jobs[k] = j
	t.wg.Add(1)
	t.mu.Unlock()

	t.metrics.OperationStarted()
	go t.run(ctx, k, j, fn)
	return nil
}

func (t *Tracker) run(ctx context.Context, k key, j *job, fn Job) {
	defer t.wg.Done()
	defer close(j.done)
	defer j.cancel()
	defer t.metrics.OperationFinished()

	logger := t.logger.With("session_id", k.session, "flow", k.flow)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("operation panicked", "panic", r)
				err = errors.New("internal error")
			}
		}()
		return fn(ctx, &Progress{job: j})
	}()

	if ctx.Err() != nil {
		logger.Debug("operation canceled")
		return
	}

	j.update(func(s *Snapshot) {
		switch {
		case err != nil && s.Phase.Running():
			s.Phase = PhaseFailed
			s.Error = err.Error()
			s.QR, s.Link = "", ""
		case s.Phase.Running():
			s.Phase = PhaseDone
			s.QR, s.Link = "", ""
		}
	})
	if err != nil {
		logger.Warn("operation failed", "error", err)
	} else {
		logger.Debug("operation finished", "phase", j.snapshot().Phase)
	}
}

// View returns the latest snapshot for (sessionID, flow).
func (t *Tracker) View(sessionID, flow string) (Snapshot, bool) {
	t.mu.Lock()
	j, ok := t.jobs[key{session: sessionID, flow: flow}]
	t.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return j.snapshot(), true
}

// Done returns a channel closed when the current job for the key finishes.
// It returns nil when there is no job.
func (t *Tracker) Done(sessionID, flow string) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[key{session: sessionID, flow: flow}]
	if !ok {
		return nil
	}
	return j.done
}

// Dismiss forgets a finished job so its result is shown only once.
// Running jobs are left alone.
func (t *Tracker) Dismiss(sessionID, flow string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{session: sessionID, flow: flow}
	if j, ok := t.jobs[k]; ok && !j.snapshot().Phase.Running() {
		delete(t.jobs, k)
	}
}

// CancelSession cancels and forgets every job of a session.
func (t *Tracker) CancelSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, j := range t.jobs {
		if k.session == sessionID {
			j.cancel()
			delete(t.jobs, k)
		}
	}
}

// Running is the number of jobs that have not finished.
func (t *Tracker) Running() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, j := range t.jobs {
		select {
		case <-j.done:
		default:
			n++
		}
	}
	return n
}

// Close cancels every job and waits for them to return or ctx to expire.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
