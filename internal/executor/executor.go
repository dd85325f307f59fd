package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/printgate/printgate/internal/fault"
	"github.com/printgate/printgate/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	DefaultGrace      = 1 * time.Second
	DefaultChunkSize  = 512
	DefaultChunkPause = 500 * time.Microsecond
)

// Op is a device operation. It must return promptly once ctx is done.
type Op func(ctx context.Context) (int, error)

// Result describes a completed operation
type Result struct {
	BytesWritten int
	Elapsed      time.Duration
}

// Stats holds executor counters
type Stats struct {
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
	Abandoned int64 `json:"abandoned"`
}

// Executor runs device operations on their own goroutine under a hard
// deadline. Operations are serialized: only one may touch the device at a
// time, and the slot is held until the goroutine really returns.
type Executor struct {
	grace time.Duration
	slot  chan struct{}

	running   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	abandoned atomic.Int64
}

// New creates an executor with the given grace period
func New(grace time.Duration) *Executor {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Executor{
		grace: grace,
		slot:  make(chan struct{}, 1),
	}
}

type outcome struct {
	n   int
	err error
}

// Execute runs op with a deadline of timeout. It always returns within
// timeout plus the grace period, even if op ignores cancellation.
func (e *Executor) Execute(ctx context.Context, timeout time.Duration, op Op) (Result, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return Result{}, fault.Wrap(fault.KindCancelledByCaller, "execute", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	e.running.Add(1)
	go e.run(opCtx, op, done)

	select {
	case out := <-done:
		return e.finish(ctx, timeout, start, out)
	case <-opCtx.Done():
	}

	// Ask the worker to stop and give it one grace period to notice.
	cancel()
	grace := time.NewTimer(e.grace)
	defer grace.Stop()

	select {
	case <-done:
	case <-grace.C:
		e.abandoned.Add(1)
		metrics.AbandonedWorkersTotal.Inc()
		log.Error().
			Dur("timeout", timeout).
			Dur("grace", e.grace).
			Msg("device worker did not stop after cancellation, abandoning it")
	}

	err := e.deadlineError(ctx, timeout)
	if fault.KindOf(err) == fault.KindTimeout {
		e.timedOut.Add(1)
	}
	return Result{Elapsed: time.Since(start)}, err
}

func (e *Executor) run(ctx context.Context, op Op, done chan<- outcome) {
	var out outcome
	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: fault.New(fault.KindOperationFailed, "execute", fmt.Sprintf("panic: %v", r))}
		}
		e.running.Add(-1)
		done <- out
	}()

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		out.err = ctx.Err()
		return
	}
	defer func() { <-e.slot }()

	out.n, out.err = op(ctx)
}

func (e *Executor) finish(parent context.Context, timeout time.Duration, start time.Time, out outcome) (Result, error) {
	res := Result{BytesWritten: out.n, Elapsed: time.Since(start)}
	if out.err == nil {
		e.completed.Add(1)
		return res, nil
	}

	var fe *fault.Error
	switch {
	case errors.As(out.err, &fe):
		if fe.Kind == fault.KindTimeout {
			e.timedOut.Add(1)
		} else {
			e.failed.Add(1)
		}
		return res, out.err
	case errors.Is(out.err, context.DeadlineExceeded), errors.Is(out.err, context.Canceled):
		err := e.deadlineError(parent, timeout)
		if fault.KindOf(err) == fault.KindTimeout {
			e.timedOut.Add(1)
		}
		return res, err
	}

	e.failed.Add(1)
	return res, fault.Wrap(fault.KindOperationFailed, "execute", out.err)
}

// deadlineError tells a caller cancellation apart from our own timeout
func (e *Executor) deadlineError(parent context.Context, timeout time.Duration) error {
	if err := parent.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindCancelledByCaller, "execute", err)
	}
	return fault.Timeoutf("execute", timeout.Seconds())
}

// Stats returns a snapshot of the executor counters
func (e *Executor) Stats() Stats {
	return Stats{
		Running:   e.running.Load(),
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
		TimedOut:  e.timedOut.Load(),
		Abandoned: e.abandoned.Load(),
	}
}
