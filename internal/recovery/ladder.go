package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/printgate/printgate/internal/device"
	"github.com/printgate/printgate/internal/fault"
	"github.com/printgate/printgate/internal/metrics"
	"github.com/rs/zerolog/log"
)

var (
	// ErrAlreadyRunning is returned to a caller that finds a run in flight
	ErrAlreadyRunning = fault.ErrRecoveryInProgress
	ErrCooldown       = errors.New("service restart on cooldown")
	ErrStillOffline   = errors.New("device still unreachable after recovery")
)

// Config for the recovery ladder
type Config struct {
	Cooldown        time.Duration `yaml:"cooldown"`
	QueueThreshold  int           `yaml:"queue_threshold"`
	ResumePause     time.Duration `yaml:"resume_pause"`
	RestartSettle   time.Duration `yaml:"restart_settle"`
	LastResortPause time.Duration `yaml:"last_resort_pause"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
}

// DefaultConfig returns the default ladder configuration
func DefaultConfig() Config {
	return Config{
		Cooldown:        60 * time.Second,
		QueueThreshold:  5,
		ResumePause:     2 * time.Second,
		RestartSettle:   5 * time.Second,
		LastResortPause: 5 * time.Second,
		ProbeTimeout:    3 * time.Second,
	}
}

// Step names one rung of the ladder
type Step string

const (
	StepServiceCheck Step = "service_check"
	StepQueueTriage  Step = "queue_triage"
	StepResume       Step = "resume"
	StepProbe        Step = "probe"
	StepLastResort   Step = "last_resort"
)

// Report describes one ladder run
type Report struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Steps     []Step        `json:"steps"`
	Restarted int           `json:"restarted"`
	Purged    bool          `json:"purged"`
	Resumed   bool          `json:"resumed"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// State is a read-only view of the ladder
type State struct {
	InProgress    bool      `json:"in_progress"`
	LastRestartAt time.Time `json:"last_restart_at,omitempty"`
	RestartCount  int       `json:"restart_count"`
	Runs          int       `json:"runs"`
	Successes     int       `json:"successes"`
	Failures      int       `json:"failures"`
	LastRun       *Report   `json:"last_run,omitempty"`
}

// Ladder runs increasingly invasive remediation against the printer. Only
// one run is in flight at a time; concurrent callers get ErrAlreadyRunning.
type Ladder struct {
	printer device.Printer
	spooler device.Spooler
	cfg     Config

	mu           sync.Mutex
	inProgress   bool
	lastRestart  time.Time
	restartCount int
	runs         int
	successes    int
	failures     int
	lastRun      *Report
	onRestart    []func()

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a ladder
func New(printer device.Printer, spooler device.Spooler, cfg Config) *Ladder {
	def := DefaultConfig()
	if cfg.QueueThreshold <= 0 {
		cfg.QueueThreshold = def.QueueThreshold
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	return &Ladder{
		printer: printer,
		spooler: spooler,
		cfg:     cfg,
		now:     time.Now,
		sleep:   device.Sleep,
	}
}

// OnRestart registers fn to run after every successful service restart
func (l *Ladder) OnRestart(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onRestart = append(l.onRestart, fn)
}

// Recover runs the ladder and reports only the error
func (l *Ladder) Recover(ctx context.Context) error {
	_, err := l.Run(ctx)
	return err
}

// Run executes one ladder run
func (l *Ladder) Run(ctx context.Context) (report Report, err error) {
	l.mu.Lock()
	if l.inProgress {
		l.mu.Unlock()
		log.Info().Msg("recovery already in progress")
		return Report{}, ErrAlreadyRunning
	}
	l.inProgress = true
	l.runs++
	l.mu.Unlock()

	report.StartedAt = l.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovery panicked: %v", r)
		}
		report.Duration = l.now().Sub(report.StartedAt)
		report.Success = err == nil
		if err != nil {
			report.Error = err.Error()
		}

		l.mu.Lock()
		l.inProgress = false
		if err == nil {
			l.successes++
		} else {
			l.failures++
		}
		last := report
		l.lastRun = &last
		l.mu.Unlock()

		result := "success"
		if err != nil {
			result = "failure"
		}
		metrics.RecoveryRunsTotal.WithLabelValues(result).Inc()
	}()

	log.Info().Msg("starting printer recovery")
	err = l.climb(ctx, &report)
	if err != nil {
		log.Error().Err(err).Strs("steps", stepNames(report.Steps)).Msg("printer recovery failed")
	} else {
		log.Info().Strs("steps", stepNames(report.Steps)).Msg("printer recovery succeeded")
	}
	return report, err
}

func (l *Ladder) climb(ctx context.Context, report *Report) error {
	// 1. The spooling service must be running.
	report.Steps = append(report.Steps, StepServiceCheck)
	running, err := l.spooler.Running(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not check spooling service")
	}
	if !running {
		log.Warn().Msg("spooling service is not running")
		if err := l.restart(ctx, report); err != nil {
			return fmt.Errorf("restart spooling service: %w", err)
		}
	}

	// 2. Too many jobs stuck at the device.
	report.Steps = append(report.Steps, StepQueueTriage)
	if queued, err := l.spooler.QueuedJobs(ctx); err != nil {
		log.Warn().Err(err).Msg("could not count device queue")
	} else if queued > l.cfg.QueueThreshold {
		log.Warn().Int("queued", queued).Msg("device queue over threshold, purging")
		if err := l.spooler.PurgeQueue(ctx); err != nil {
			log.Error().Err(err).Msg("failed to purge device queue")
		} else {
			report.Purged = true
		}
	}

	// 3. Resume a paused printer.
	report.Steps = append(report.Steps, StepResume)
	if status, err := l.printer.Status(ctx); err != nil {
		log.Warn().Err(err).Msg("could not read printer status")
	} else if status.Paused {
		log.Info().Msg("printer is paused, resuming")
		if err := l.printer.Resume(ctx); err != nil {
			log.Error().Err(err).Msg("failed to resume printer")
		} else {
			report.Resumed = true
			if err := l.sleep(ctx, l.cfg.ResumePause); err != nil {
				return err
			}
		}
	}

	// 4. Probe.
	report.Steps = append(report.Steps, StepProbe)
	perr := l.probe(ctx)
	if perr == nil {
		return nil
	}
	log.Warn().Err(perr).Msg("printer connection test failed")

	// 5. Last resort: restart again and probe once more.
	report.Steps = append(report.Steps, StepLastResort)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.restart(ctx, report); err != nil {
		return fmt.Errorf("last resort restart: %w", err)
	}
	if err := l.sleep(ctx, l.cfg.LastResortPause); err != nil {
		return err
	}
	if err := l.probe(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStillOffline, err)
	}
	return nil
}

func (l *Ladder) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ProbeTimeout)
	defer cancel()
	return device.Probe(ctx, l.printer)
}

// restart restarts the spooling service unless the last restart was within
// the cooldown window
func (l *Ladder) restart(ctx context.Context, report *Report) error {
	l.mu.Lock()
	if !l.lastRestart.IsZero() && l.now().Sub(l.lastRestart) < l.cfg.Cooldown {
		l.mu.Unlock()
		log.Warn().Msg("spooling service restart on cooldown")
		return ErrCooldown
	}
	l.mu.Unlock()

	log.Info().Msg("restarting spooling service")
	if err := l.spooler.Restart(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	l.lastRestart = l.now()
	l.restartCount++
	hooks := append([]func(){}, l.onRestart...)
	l.mu.Unlock()

	report.Restarted++
	for _, fn := range hooks {
		fn()
	}
	return l.sleep(ctx, l.cfg.RestartSettle)
}

// InProgress reports whether a run is in flight
func (l *Ladder) InProgress() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inProgress
}

// State returns a snapshot of the ladder
func (l *Ladder) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		InProgress:    l.inProgress,
		LastRestartAt: l.lastRestart,
		RestartCount:  l.restartCount,
		Runs:          l.runs,
		Successes:     l.successes,
		Failures:      l.failures,
		LastRun:       l.lastRun,
	}
}

func stepNames(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = string(s)
	}
	return out
}
