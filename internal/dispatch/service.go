package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/printgate/printgate/internal/device"
	"github.com/printgate/printgate/internal/encoder"
	"github.com/printgate/printgate/internal/fault"
	"github.com/printgate/printgate/internal/metrics"
	"github.com/printgate/printgate/internal/pool"
	"github.com/printgate/printgate/internal/queue"
	"github.com/printgate/printgate/internal/store"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptyText   = errors.New("text is required")
	ErrTextTooLong = errors.New("text too long")
)

// Status of a submitted job
const (
	StatusPrinted   = "printed"
	StatusQueued    = "queued"
	StatusFailed    = "failed"
	StatusDuplicate = "duplicate"
)

// Via values recorded on delivery receipts
const (
	ViaDirect = "direct"
	ViaRetry  = "retry"
)

// Config for the intake service
type Config struct {
	Timeout       time.Duration `yaml:"timeout"`
	FastTimeout   time.Duration `yaml:"fast_timeout"`
	MaxTextLength int           `yaml:"max_text_length"`
	FontSize      string        `yaml:"font_size"`
	Bold          bool          `yaml:"bold"`
}

// DefaultConfig returns the default intake configuration
func DefaultConfig() Config {
	return Config{
		Timeout:       2 * time.Second,
		FastTimeout:   1 * time.Second,
		MaxTextLength: 64 * 1024,
		FontSize:      encoder.FontNormal,
	}
}

// Request is one print request
type Request struct {
	Text           string
	Fast           bool
	NoRetry        bool
	FontSize       string
	Bold           *bool
	Source         string
	IdempotencyKey string
}

// Result describes what happened to a request
type Result struct {
	JobID   string  `json:"job_id"`
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Bytes   int     `json:"bytes,omitempty"`
	Elapsed float64 `json:"elapsed_seconds"`
	Error   string  `json:"error,omitempty"`
}

// FontConfig is the default rendering applied to requests that do not set
// their own
type FontConfig struct {
	FontSize string `json:"font_size"`
	Bold     bool   `json:"bold"`
}

// ClearReport describes an emergency clear
type ClearReport struct {
	JobsCleared   int    `json:"jobs_cleared"`
	BreakerReset  bool   `json:"breaker_reset"`
	DevicePurged  bool   `json:"device_purged"`
	PurgeError    string `json:"purge_error,omitempty"`
	HandleDropped bool   `json:"handle_dropped"`
}

// Service accepts print requests. A request that cannot be printed right
// away is queued for the retry worker unless the caller opted out.
type Service struct {
	dispatcher *Dispatcher
	queue      *queue.Queue
	store      *store.Store
	pool       *pool.Pool
	spooler    device.Spooler
	cfg        Config

	mu   sync.RWMutex
	font FontConfig
}

// NewService creates the intake service. spooler may be nil.
func NewService(d *Dispatcher, q *queue.Queue, st *store.Store, p *pool.Pool, spooler device.Spooler, cfg Config) (*Service, error) {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FastTimeout <= 0 {
		cfg.FastTimeout = def.FastTimeout
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = def.MaxTextLength
	}
	size, err := encoder.NormalizeFontSize(cfg.FontSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		dispatcher: d,
		queue:      q,
		store:      st,
		pool:       p,
		spooler:    spooler,
		cfg:        cfg,
		font:       FontConfig{FontSize: size, Bold: cfg.Bold},
	}, nil
}

// Submit prints req or queues it. The returned error is non-nil for invalid
// requests and for requests that failed without being queued; in the latter
// case the result is filled in as well.
func (s *Service) Submit(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	if len(req.Text) > s.cfg.MaxTextLength {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTextTooLong, len(req.Text), s.cfg.MaxTextLength)
	}

	if req.IdempotencyKey != "" {
		jobID, err := s.store.GetIdempotencyKey(req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if jobID != "" {
			return &Result{JobID: jobID, Status: StatusDuplicate, Message: "request already accepted"}, nil
		}
	}

	opts, err := s.resolveOptions(req)
	if err != nil {
		return nil, err
	}
	job := queue.NewJob(req.Text, opts, req.Source)
	payload, err := Render(job)
	if err != nil {
		return nil, err
	}

	mode, timeout := "normal", s.cfg.Timeout
	if req.Fast {
		mode, timeout = "fast", s.cfg.FastTimeout
	}
	metrics.JobsSubmittedTotal.WithLabelValues(mode).Inc()

	res, err := s.dispatcher.Dispatch(ctx, payload, timeout)
	result := &Result{JobID: job.ID, Bytes: res.BytesWritten, Elapsed: res.Elapsed.Seconds()}
	if err == nil {
		metrics.JobsPrintedTotal.WithLabelValues(ViaDirect).Inc()
		s.recordDelivery(job, res.BytesWritten, ViaDirect)
		s.remember(req.IdempotencyKey, job.ID)
		log.Info().Str("job_id", job.ID).Int("bytes", res.BytesWritten).Dur("elapsed", res.Elapsed).Msg("job printed")
		result.Status = StatusPrinted
		result.Message = "printed"
		return result, nil
	}

	result.Error = err.Error()
	if req.Fast || req.NoRetry {
		result.Status = StatusFailed
		result.Message = "print failed"
		return result, err
	}

	job.LastError = err.Error()
	if qerr := s.queue.Enqueue(job); qerr != nil {
		log.Error().Err(qerr).Str("job_id", job.ID).Msg("failed to queue job")
		result.Status = StatusFailed
		result.Message = "print failed and job could not be queued"
		return result, fmt.Errorf("%w (queue: %v)", err, qerr)
	}
	metrics.JobsQueuedTotal.Inc()
	s.remember(req.IdempotencyKey, job.ID)

	log.Warn().Err(err).Str("job_id", job.ID).Msg("printer unavailable, job queued for retry")
	result.Status = StatusQueued
	result.Message = queuedMessage(err)
	return result, nil
}

func queuedMessage(err error) string {
	switch fault.KindOf(err) {
	case fault.KindCircuitOpen:
		return "printer temporarily unavailable, job queued"
	case fault.KindTimeout:
		return "printer busy, job queued for retry"
	default:
		return "print failed, job queued for retry"
	}
}

func (s *Service) resolveOptions(req Request) (queue.Options, error) {
	s.mu.RLock()
	font := s.font
	s.mu.RUnlock()

	opts := queue.Options{FontSize: font.FontSize, Bold: font.Bold}
	if req.FontSize != "" {
		size, err := encoder.NormalizeFontSize(req.FontSize)
		if err != nil {
			return queue.Options{}, err
		}
		opts.FontSize = size
	}
	if req.Bold != nil {
		opts.Bold = *req.Bold
	}
	return opts, nil
}

func (s *Service) remember(key, jobID string) {
	if key == "" {
		return
	}
	if err := s.store.SetIdempotencyKey(key, jobID); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("failed to store idempotency key")
	}
}

func (s *Service) recordDelivery(job *queue.Job, n int, via string) {
	recordDelivery(s.store, job, n, via)
}

func recordDelivery(st *store.Store, job *queue.Job, n int, via string) {
	r := &store.Receipt{
		JobID:     job.ID,
		Text:      job.Text,
		Source:    job.Source,
		Attempts:  job.Attempts,
		Bytes:     n,
		Via:       via,
		CreatedAt: job.CreatedAt,
		At:        time.Now().UTC(),
	}
	if err := st.RecordDelivery(r); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to record delivery")
	}
}

// Render encodes a job for the device
func Render(job *queue.Job) ([]byte, error) {
	return encoder.Render(job.Text, encoder.Options{FontSize: job.Options.FontSize, Bold: job.Options.Bold})
}

// FontConfig returns the default font settings
func (s *Service) FontConfig() FontConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.font
}

// SetFontConfig changes the default font settings. A nil field is left
// unchanged.
func (s *Service) SetFontConfig(size *string, bold *bool) (FontConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.font
	if size != nil {
		normalized, err := encoder.NormalizeFontSize(*size)
		if err != nil {
			return s.font, err
		}
		next.FontSize = normalized
	}
	if bold != nil {
		next.Bold = *bold
	}
	s.font = next
	log.Info().Str("font_size", next.FontSize).Bool("bold", next.Bold).Msg("font config updated")
	return next, nil
}

// EmergencyClear resets the breaker, empties the retry queue, drops the
// cached handle and purges the device-level queue
func (s *Service) EmergencyClear(ctx context.Context) (*ClearReport, error) {
	log.Warn().Msg("emergency clear requested")

	s.dispatcher.Breaker().Reset()
	report := &ClearReport{BreakerReset: true}

	n, err := s.queue.Clear()
	if err != nil {
		return report, err
	}
	report.JobsCleared = n

	s.pool.Invalidate()
	report.HandleDropped = true

	if s.spooler != nil {
		switch err := s.spooler.PurgeQueue(ctx); {
		case err == nil:
			report.DevicePurged = true
		case errors.Is(err, device.ErrUnsupported):
		default:
			report.PurgeError = err.Error()
			log.Error().Err(err).Msg("failed to purge device queue")
		}
	}

	log.Info().Int("jobs", n).Bool("device_purged", report.DevicePurged).Msg("emergency clear completed")
	return report, nil
}

// Queue returns the retry queue
func (s *Service) Queue() *queue.Queue {
	return s.queue
}

// Store returns the delivery history store
func (s *Service) Store() *store.Store {
	return s.store
}
