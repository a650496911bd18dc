// Package savequeue serializes outbound saves of one container.
//
// A Queue is either Idle or Draining. Enqueue on an idle queue starts a
// drain goroutine; Enqueue on a draining queue only records the items and
// requests another pass. A pass works on a snapshot of the pending items
// taken when it starts, saving them one by one in enqueue order. A failing
// item is reported and does not stop the rest of the pass.
package savequeue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/schaermu/b2sync/internal/content"
)

// SaveFunc saves one object.
type SaveFunc func(ctx context.Context, ref content.Ref) error

// State is the drain state of a queue.
type State int

const (
	Idle State = iota
	Draining
)

func (s State) String() string {
	if s == Draining {
		return "draining"
	}
	return "idle"
}

// ItemError is the failure of one item in a pass.
type ItemError struct {
	Ref content.Ref
	Err error
}

func (e *ItemError) Error() string {
	if e.Ref.ID != "" {
		return fmt.Sprintf("save %s %q (id %s): %v", e.Ref.Kind, e.Ref.Handle, e.Ref.ID, e.Err)
	}
	return fmt.Sprintf("save %s %q: %v", e.Ref.Kind, e.Ref.Handle, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// PassReport summarizes one drain pass.
type PassReport struct {
	Pass     int
	Saved    []content.Ref
	Failed   []*ItemError
	Duration time.Duration
}

// Err joins the item failures, or returns nil when every item was saved.
func (r PassReport) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failed))
	for i, f := range r.Failed {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Option configures a Queue.
type Option func(*Queue)

// WithReport registers a callback invoked after every pass, on the drain
// goroutine.
func WithReport(fn func(PassReport)) Option {
	return func(q *Queue) {
		q.reports = append(q.reports, fn)
	}
}

// Queue is a per-container FIFO save queue with single-flight draining.
type Queue struct {
	ctx     context.Context
	save    SaveFunc
	logger  *slog.Logger
	reports []func(PassReport)

	mu      sync.Mutex
	state   State
	pending []content.Ref
	passes  int
	// redrain has room for one signal. Enqueue sends on it while a pass is
	// running; the drain loop reads it before going idle.
	redrain chan struct{}
	// idle is closed whenever the queue returns to Idle.
	idle chan struct{}
}

// New creates an idle queue. Passes run on ctx with its cancellation
// removed: a started pass always runs to completion.
func New(ctx context.Context, save SaveFunc, logger *slog.Logger, opts ...Option) *Queue {
	idle := make(chan struct{})
	close(idle)
	q := &Queue{
		ctx:     context.WithoutCancel(ctx),
		save:    save,
		logger:  logger,
		redrain: make(chan struct{}, 1),
		idle:    idle,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends refs to the pending items. It starts a drain when the
// queue is idle and never blocks on saving.
func (q *Queue) Enqueue(refs ...content.Ref) {
	if len(refs) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, refs...)
	if q.state == Draining {
		select {
		case q.redrain <- struct{}{}:
		default: // already requested
		}
		return
	}

	q.state = Draining
	q.idle = make(chan struct{})
	go q.drain()
}

// State returns the current drain state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Busy reports whether a drain is in progress.
func (q *Queue) Busy() bool {
	return q.State() == Draining
}

// Pending returns the number of items waiting for the next pass.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wait blocks until the queue is idle or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		if len(batch) > 0 {
			q.passes++
		}
		pass := q.passes
		q.mu.Unlock()

		if len(batch) > 0 {
			report := q.runPass(pass, batch)
			for _, fn := range q.reports {
				fn(report)
			}
		}

		q.mu.Lock()
		select {
		case <-q.redrain:
			q.mu.Unlock()
			continue
		default:
		}
		q.state = Idle
		close(q.idle)
		q.mu.Unlock()
		return
	}
}

func (q *Queue) runPass(pass int, batch []content.Ref) PassReport {
	start := time.Now()
	report := PassReport{Pass: pass}

	q.logger.Debug("save pass started", "pass", pass, "items", len(batch))
	for _, ref := range batch {
		if err := q.save(q.ctx, ref); err != nil {
			q.logger.Error("save failed", append(ref.LogAttrs(), "error", err)...)
			report.Failed = append(report.Failed, &ItemError{Ref: ref, Err: err})
			continue
		}
		report.Saved = append(report.Saved, ref)
	}
	report.Duration = time.Since(start)

	q.logger.Info("save pass finished",
		"pass", pass,
		"saved", len(report.Saved),
		"failed", len(report.Failed),
		"duration", report.Duration)
	return report
}
