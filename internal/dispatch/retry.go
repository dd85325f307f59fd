package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/printgate/printgate/internal/backoff"
	"github.com/printgate/printgate/internal/fault"
	"github.com/printgate/printgate/internal/metrics"
	"github.com/printgate/printgate/internal/queue"
	"github.com/printgate/printgate/internal/store"
	"github.com/rs/zerolog/log"
)

// RetryConfig controls the retry worker
type RetryConfig struct {
	PollInterval time.Duration  `yaml:"poll_interval"`
	Timeout      time.Duration  `yaml:"timeout"`
	Backoff      backoff.Config `yaml:"backoff"`
}

// DefaultRetryConfig returns the default retry worker configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		PollInterval: 10 * time.Second,
		Timeout:      2 * time.Second,
		Backoff:      backoff.DefaultConfig(),
	}
}

// Pass summarizes one drain of the retry queue
type Pass struct {
	Attempted int `json:"attempted"`
	Printed   int `json:"printed"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
	Deferred  int `json:"deferred"`
	Rejected  int `json:"rejected"`
}

// RetryWorker drains the retry queue through the dispatcher
type RetryWorker struct {
	dispatcher *Dispatcher
	queue      *queue.Queue
	store      *store.Store
	cfg        RetryConfig

	mu      sync.Mutex
	pending []*queue.Job
	stuck   bool

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRetryWorker creates a retry worker
func NewRetryWorker(d *Dispatcher, q *queue.Queue, st *store.Store, cfg RetryConfig) *RetryWorker {
	def := DefaultRetryConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &RetryWorker{
		dispatcher: d,
		queue:      q,
		store:      st,
		cfg:        cfg,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Start starts the background drain loop
func (w *RetryWorker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop stops the loop and waits for the current pass to finish
func (w *RetryWorker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *RetryWorker) loop() {
	defer w.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("retry pass failed")
			}
		}
	}
}

// RunOnce drains the queue once. Jobs are attempted in FIFO order; a job
// that fails has its attempts incremented and is dropped once it reaches
// the queue's max attempts. Jobs rejected by the open breaker or skipped
// because of shutdown keep their attempt count.
func (w *RetryWorker) RunOnce(ctx context.Context) (Pass, error) {
	var pass Pass

	w.mu.Lock()
	defer w.mu.Unlock()

	// A previous pass could not persist its survivors; finish that first.
	if w.stuck {
		if err := w.queue.Requeue(w.pending); err != nil {
			return pass, err
		}
		w.stuck = false
		w.pending = nil
	}

	if w.queue.Len() == 0 {
		return pass, nil
	}

	jobs, err := w.queue.Drain()
	if err != nil {
		return pass, err
	}
	log.Debug().Int("jobs", len(jobs)).Msg("retry pass started")

	maxAttempts := w.queue.MaxAttempts()
	remaining := make([]*queue.Job, 0, len(jobs))
	circuitOpen := false

drain:
	for i, job := range jobs {
		if ctx.Err() != nil {
			remaining = append(remaining, jobs[i:]...)
			break
		}
		now := w.now()
		if !job.IsDue(now) {
			pass.Deferred++
			remaining = append(remaining, job)
			continue
		}
		if circuitOpen {
			pass.Rejected++
			remaining = append(remaining, job)
			continue
		}

		payload, err := Render(job)
		if err != nil {
			job.LastError = err.Error()
			w.drop(job)
			pass.Dropped++
			continue
		}

		pass.Attempted++
		res, err := w.dispatcher.Dispatch(ctx, payload, w.cfg.Timeout)
		switch kind := fault.KindOf(err); {
		case err == nil:
			job.Attempts++
			pass.Printed++
			metrics.RetryAttemptsTotal.WithLabelValues("success").Inc()
			metrics.JobsPrintedTotal.WithLabelValues(ViaRetry).Inc()
			recordDelivery(w.store, job, res.BytesWritten, ViaRetry)
			log.Info().Str("job_id", job.ID).Int("attempts", job.Attempts).Msg("queued job printed")

		case kind == fault.KindCircuitOpen:
			pass.Attempted--
			pass.Rejected++
			circuitOpen = true
			metrics.RetryAttemptsTotal.WithLabelValues("rejected").Inc()
			remaining = append(remaining, job)

		case kind == fault.KindCancelledByCaller:
			pass.Attempted--
			remaining = append(remaining, jobs[i:]...)
			break drain

		default:
			job.Attempts++
			job.LastError = err.Error()
			pass.Failed++
			metrics.RetryAttemptsTotal.WithLabelValues("failure").Inc()
			if job.Exhausted(maxAttempts) {
				w.drop(job)
				pass.Dropped++
				continue
			}
			job.NextAttemptAt = backoff.NextAttempt(w.cfg.Backoff, job.Attempts, now)
			log.Warn().Err(err).Str("job_id", job.ID).Int("attempts", job.Attempts).Msg("queued job failed again")
			remaining = append(remaining, job)
		}
	}

	if err := w.queue.Requeue(remaining); err != nil {
		w.stuck = true
		w.pending = remaining
		return pass, err
	}

	if pass.Attempted > 0 || pass.Dropped > 0 {
		log.Info().
			Int("attempted", pass.Attempted).
			Int("printed", pass.Printed).
			Int("failed", pass.Failed).
			Int("dropped", pass.Dropped).
			Int("remaining", len(remaining)).
			Msg("retry pass finished")
	}
	return pass, nil
}

func (w *RetryWorker) drop(job *queue.Job) {
	metrics.JobsDroppedTotal.Inc()
	err := fault.Wrap(fault.KindMaxAttemptsExceeded, "retry", errors.New(job.LastError))
	log.Error().Err(err).Str("job_id", job.ID).Int("attempts", job.Attempts).Msg("job dropped")

	r := &store.Receipt{
		JobID:     job.ID,
		Text:      job.Text,
		Source:    job.Source,
		Attempts:  job.Attempts,
		LastError: job.LastError,
		CreatedAt: job.CreatedAt,
		At:        w.now().UTC(),
	}
	if err := w.store.RecordDropped(r); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to record dropped job")
	}
}
