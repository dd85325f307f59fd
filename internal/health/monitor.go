package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/printgate/printgate/internal/device"
	"github.com/printgate/printgate/internal/fault"
	"github.com/printgate/printgate/internal/pool"
	"github.com/rs/zerolog/log"
)

// MinCheckInterval is the smallest accepted full-check interval
const MinCheckInterval = 10 * time.Second

// Config for the health monitor
type Config struct {
	Enabled          bool          `yaml:"enabled"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	CheckInterval    time.Duration `yaml:"check_interval"`
	OfflineThreshold int           `yaml:"offline_threshold"`
	FailureThreshold int           `yaml:"failure_threshold"`
	StatusTimeout    time.Duration `yaml:"status_timeout"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		PollInterval:     10 * time.Second,
		CheckInterval:    30 * time.Second,
		OfflineThreshold: 2,
		FailureThreshold: 3,
		StatusTimeout:    3 * time.Second,
		RecoveryTimeout:  2 * time.Minute,
	}
}

// Snapshot is a read-only view of the monitor
type Snapshot struct {
	Enabled         bool          `json:"enabled"`
	CheckInterval   float64       `json:"check_interval_seconds"`
	OfflineStreak   int           `json:"offline_streak"`
	FailureStreak   int           `json:"failure_streak"`
	LastCheckAt     time.Time     `json:"last_check_at,omitempty"`
	LastStatus      device.Status `json:"last_status"`
	LastError       string        `json:"last_error,omitempty"`
	Checks          int64         `json:"checks"`
	RecoveriesFired int64         `json:"recoveries_fired"`
}

// Monitor polls printer status in the background and runs recovery once the
// printer has looked unhealthy for long enough
type Monitor struct {
	printer   device.Printer
	recoverer pool.Recoverer

	mu              sync.Mutex
	cfg             Config
	offlineStreak   int
	failureStreak   int
	lastCheck       time.Time
	lastStatus      device.Status
	lastErr         string
	checks          int64
	recoveriesFired int64

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a monitor
func New(printer device.Printer, recoverer pool.Recoverer, cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = def.OfflineThreshold
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = def.StatusTimeout
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	return &Monitor{
		printer:   printer,
		recoverer: recoverer,
		cfg:       cfg,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start starts the polling loop
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop stops the polling loop and waits for it to exit
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one poll. A full status check happens at most once per check
// interval.
func (m *Monitor) Tick(ctx context.Context) {
	m.mu.Lock()
	if !m.cfg.Enabled {
		m.mu.Unlock()
		return
	}
	if !m.lastCheck.IsZero() && m.now().Sub(m.lastCheck) < m.cfg.CheckInterval {
		m.mu.Unlock()
		return
	}
	m.lastCheck = m.now()
	m.mu.Unlock()

	m.Check(ctx)
}

// Check queries the printer once and triggers recovery when a threshold is
// reached
func (m *Monitor) Check(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.StatusTimeout)
	status, err := m.printer.Status(sctx)
	cancel()

	m.mu.Lock()
	m.checks++
	trigger := false
	switch {
	case err != nil:
		m.failureStreak++
		m.lastErr = err.Error()
		trigger = m.failureStreak >= m.cfg.FailureThreshold
		log.Warn().Err(err).Int("failure_streak", m.failureStreak).Msg("printer status check failed")
	case !status.Online:
		m.failureStreak = 0
		m.offlineStreak++
		m.lastStatus = status
		m.lastErr = ""
		trigger = m.offlineStreak >= m.cfg.OfflineThreshold
		log.Warn().Int("offline_streak", m.offlineStreak).Str("raw", status.Raw).Msg("printer reports offline")
	default:
		m.failureStreak = 0
		m.offlineStreak = 0
		m.lastStatus = status
		m.lastErr = ""
	}
	if trigger {
		m.recoveriesFired++
	}
	m.mu.Unlock()

	if trigger {
		m.recover(ctx)
	}
}

func (m *Monitor) recover(ctx context.Context) {
	if m.recoverer == nil {
		return
	}
	log.Warn().Msg("printer unhealthy, starting proactive recovery")

	rctx, cancel := context.WithTimeout(ctx, m.cfg.RecoveryTimeout)
	defer cancel()
	err := m.recoverer.Recover(rctx)
	if errors.Is(err, fault.ErrRecoveryInProgress) {
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("proactive recovery failed")
		return
	}

	m.mu.Lock()
	m.offlineStreak = 0
	m.failureStreak = 0
	m.mu.Unlock()
}

// SetEnabled toggles the monitor without stopping its goroutine
func (m *Monitor) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Enabled = enabled
}

// SetCheckInterval changes the full-check interval. Values below
// MinCheckInterval are rejected.
func (m *Monitor) SetCheckInterval(d time.Duration) error {
	if d < MinCheckInterval {
		return errors.New("check interval must be at least 10s")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.CheckInterval = d
	return nil
}

// Snapshot returns the monitor state
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Enabled:         m.cfg.Enabled,
		CheckInterval:   m.cfg.CheckInterval.Seconds(),
		OfflineStreak:   m.offlineStreak,
		FailureStreak:   m.failureStreak,
		LastCheckAt:     m.lastCheck,
		LastStatus:      m.lastStatus,
		LastError:       m.lastErr,
		Checks:          m.checks,
		RecoveriesFired: m.recoveriesFired,
	}
}
