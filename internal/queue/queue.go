package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/printgate/printgate/internal/metrics"
	"github.com/printgate/printgate/internal/wal"
	"github.com/rs/zerolog/log"
)

var (
	ErrDrainInProgress = errors.New("queue drain already in progress")
	ErrNotDraining     = errors.New("requeue called without a drain")
)

// Stats describes the queue
type Stats struct {
	Pending     int   `json:"pending"`
	InFlight    int   `json:"in_flight"`
	MaxAttempts int   `json:"max_attempts"`
	LogBytes    int64 `json:"log_bytes"`
}

// Queue is a crash-durable FIFO of jobs awaiting retry. Every mutation hits
// the log before the call returns.
type Queue struct {
	mu sync.Mutex

	log         *wal.Log
	maxAttempts int

	backlog  []*Job
	inflight []*Job
	draining bool
	cleared  bool
}

// Open loads the queue from its log
func Open(l *wal.Log, maxAttempts int) (*Queue, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	q := &Queue{log: l, maxAttempts: maxAttempts}
	if err := q.replay(); err != nil {
		return nil, fmt.Errorf("failed to replay queue log: %w", err)
	}
	q.updateGauge()
	return q, nil
}

// replay rebuilds the backlog. A job recorded twice keeps its first
// position and its last contents.
func (q *Queue) replay() error {
	index := make(map[string]int)
	err := q.log.Replay(func(record *wal.Record) error {
		if record.Type != wal.RecordTypeJob {
			return nil
		}
		var job Job
		if err := json.Unmarshal(record.Data, &job); err != nil || job.ID == "" {
			log.Warn().Str("job_id", record.JobID).Msg("undecodable job record, skipping")
			return nil
		}
		if i, ok := index[job.ID]; ok {
			q.backlog[i] = &job
			return nil
		}
		index[job.ID] = len(q.backlog)
		q.backlog = append(q.backlog, &job)
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Int("jobs", len(q.backlog)).Int("skipped", q.log.Skipped()).Msg("retry queue loaded")
	return nil
}

func toRecord(job *Job) (*wal.Record, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return &wal.Record{Type: wal.RecordTypeJob, JobID: job.ID, Data: data}, nil
}

// MaxAttempts returns the attempt cap
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

// Enqueue durably appends a job
func (q *Queue) Enqueue(job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	record, err := toRecord(job)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.log.Append(record); err != nil {
		return fmt.Errorf("failed to write to queue log: %w", err)
	}
	q.backlog = append(q.backlog, job.Clone())
	q.updateGaugeLocked()

	log.Debug().Str("job_id", job.ID).Int("attempts", job.Attempts).Msg("job queued for retry")
	return nil
}

// Drain hands the current backlog to the caller. The log is left as is
// until Requeue, so a crash mid-drain re-delivers rather than loses jobs.
func (q *Queue) Drain() ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.draining {
		return nil, ErrDrainInProgress
	}
	q.draining = true
	q.cleared = false
	q.inflight = q.backlog
	q.backlog = nil

	jobs := make([]*Job, len(q.inflight))
	for i, job := range q.inflight {
		jobs[i] = job.Clone()
	}
	return jobs, nil
}

// Requeue ends a drain. The log is rewritten to remaining followed by any
// job enqueued while the drain was running.
func (q *Queue) Requeue(remaining []*Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.draining {
		return ErrNotDraining
	}
	if q.cleared {
		remaining = nil
	}

	next := make([]*Job, 0, len(remaining)+len(q.backlog))
	for _, job := range remaining {
		next = append(next, job.Clone())
	}
	next = append(next, q.backlog...)

	records := make([]*wal.Record, 0, len(next))
	for _, job := range next {
		record, err := toRecord(job)
		if err != nil {
			return err
		}
		records = append(records, record)
	}
	if err := q.log.Rewrite(records); err != nil {
		// The drain stays open so the caller can retry the rewrite.
		return fmt.Errorf("failed to rewrite queue log: %w", err)
	}

	q.backlog = next
	q.inflight = nil
	q.draining = false
	q.cleared = false
	q.updateGaugeLocked()
	return nil
}

// Clear drops every job, including jobs currently being drained
func (q *Queue) Clear() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.backlog) + len(q.inflight)
	if err := q.log.Rewrite(nil); err != nil {
		return 0, fmt.Errorf("failed to clear queue log: %w", err)
	}
	q.backlog = nil
	q.inflight = nil
	if q.draining {
		q.cleared = true
	}
	q.updateGaugeLocked()

	log.Warn().Int("jobs", n).Msg("retry queue cleared")
	return n, nil
}

// Len returns the number of queued jobs, including jobs being drained
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog) + len(q.inflight)
}

// List returns copies of every queued job in FIFO order
func (q *Queue) List() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]*Job, 0, len(q.inflight)+len(q.backlog))
	for _, job := range q.inflight {
		jobs = append(jobs, job.Clone())
	}
	for _, job := range q.backlog {
		jobs = append(jobs, job.Clone())
	}
	return jobs
}

// Stats returns queue statistics
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:     len(q.backlog),
		InFlight:    len(q.inflight),
		MaxAttempts: q.maxAttempts,
		LogBytes:    q.log.Size(),
	}
}

func (q *Queue) updateGauge() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updateGaugeLocked()
}

func (q *Queue) updateGaugeLocked() {
	metrics.QueueDepth.Set(float64(len(q.backlog) + len(q.inflight)))
}
