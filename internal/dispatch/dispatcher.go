// Package dispatch delivers rendered jobs to the printer through the
// breaker, the bounded executor and the handle pool, and owns the retry
// worker that drains the persistent queue.
package dispatch

import (
	"context"
	"time"

	"github.com/printgate/printgate/internal/breaker"
	"github.com/printgate/printgate/internal/executor"
	"github.com/printgate/printgate/internal/fault"
	"github.com/printgate/printgate/internal/metrics"
	"github.com/printgate/printgate/internal/pool"
	"github.com/rs/zerolog/log"
)

// DispatcherConfig controls how bytes reach the device
type DispatcherConfig struct {
	ChunkSize  int           `yaml:"chunk_size"`
	ChunkPause time.Duration `yaml:"chunk_pause"`
}

// DefaultDispatcherConfig returns the default chunking
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		ChunkSize:  executor.DefaultChunkSize,
		ChunkPause: executor.DefaultChunkPause,
	}
}

// Dispatcher is the single gated path to the device
type Dispatcher struct {
	breaker *breaker.Breaker
	exec    *executor.Executor
	pool    *pool.Pool
	cfg     DispatcherConfig
}

// NewDispatcher creates a dispatcher and mirrors breaker transitions into
// the breaker state gauge
func NewDispatcher(b *breaker.Breaker, exec *executor.Executor, p *pool.Pool, cfg DispatcherConfig) *Dispatcher {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = executor.DefaultChunkSize
	}
	if cfg.ChunkPause < 0 {
		cfg.ChunkPause = 0
	}
	b.OnStateChange(func(from, to breaker.State) {
		metrics.BreakerState.Set(breakerGauge(to))
	})
	metrics.BreakerState.Set(breakerGauge(b.State()))
	return &Dispatcher{breaker: b, exec: exec, pool: p, cfg: cfg}
}

// Dispatch writes payload to the device within timeout. An open breaker
// rejects the call without touching the device.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte, timeout time.Duration) (executor.Result, error) {
	if !d.breaker.Allow() {
		metrics.CircuitRejectionsTotal.Inc()
		return executor.Result{}, fault.ErrCircuitOpen
	}

	res, err := d.exec.Execute(ctx, timeout, func(opCtx context.Context) (int, error) {
		lease, err := d.pool.Acquire(opCtx)
		if err != nil {
			return 0, err
		}
		// Closing the handle is what unblocks a write stuck in the kernel.
		stop := context.AfterFunc(opCtx, lease.Invalidate)

		n, err := executor.WriteChunks(opCtx, lease.Handle(), payload, d.cfg.ChunkSize, d.cfg.ChunkPause)
		fired := !stop()
		if err != nil {
			if fired {
				return n, opCtx.Err()
			}
			lease.Invalidate()
			return n, err
		}
		if !fired {
			lease.Release()
		}
		return n, nil
	})

	switch kind := fault.KindOf(err); {
	case err == nil:
		d.breaker.RecordSuccess()
		metrics.DispatchDuration.WithLabelValues("success").Observe(res.Elapsed.Seconds())
	case kind == fault.KindCancelledByCaller:
		metrics.DispatchDuration.WithLabelValues("cancelled").Observe(res.Elapsed.Seconds())
	default:
		d.breaker.RecordFailure()
		metrics.JobsFailedTotal.WithLabelValues(kind.String()).Inc()
		metrics.DispatchDuration.WithLabelValues("failure").Observe(res.Elapsed.Seconds())
		log.Warn().Err(err).Str("kind", kind.String()).Dur("elapsed", res.Elapsed).Msg("dispatch failed")
	}
	return res, err
}

// Breaker returns the dispatcher's breaker
func (d *Dispatcher) Breaker() *breaker.Breaker {
	return d.breaker
}

func breakerGauge(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}
