package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/printgate/printgate/internal/device"
	"github.com/printgate/printgate/internal/fault"
	"github.com/rs/zerolog/log"
)

// Recoverer runs the recovery ladder
type Recoverer interface {
	Recover(ctx context.Context) error
}

// Config for the handle pool
type Config struct {
	TTL             time.Duration `yaml:"ttl"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	OpenAttempts    int           `yaml:"open_attempts"`
	StabilizePause  time.Duration `yaml:"stabilize_pause"`
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
	AutoRecovery    bool          `yaml:"auto_recovery"`
}

// DefaultConfig returns the default pool configuration
func DefaultConfig() Config {
	return Config{
		TTL:             30 * time.Second,
		ProbeTimeout:    500 * time.Millisecond,
		OpenAttempts:    2,
		StabilizePause:  2 * time.Second,
		RecoveryTimeout: 30 * time.Second,
		AutoRecovery:    true,
	}
}

// Stats describes the cached handle
type Stats struct {
	Cached        bool    `json:"cached"`
	AgeSeconds    float64 `json:"age_seconds"`
	Stale         bool    `json:"stale"`
	Generation    uint64  `json:"generation"`
	Opens         int64   `json:"opens"`
	OpenFailures  int64   `json:"open_failures"`
	ProbeFailures int64   `json:"probe_failures"`
	Discards      int64   `json:"discards"`
	AutoRecovery  bool    `json:"auto_recovery"`
}

// Pool caches a single device handle. Callers borrow it through a Lease and
// never close it themselves.
type Pool struct {
	mu        sync.Mutex
	printer   device.Printer
	recoverer Recoverer
	cfg       Config

	handle   device.Handle
	lastUsed time.Time
	gen      uint64

	autoRecovery  atomic.Bool
	opens         atomic.Int64
	openFailures  atomic.Int64
	probeFailures atomic.Int64
	discards      atomic.Int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a pool. recoverer may be nil.
func New(printer device.Printer, recoverer Recoverer, cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.OpenAttempts <= 0 {
		cfg.OpenAttempts = def.OpenAttempts
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	p := &Pool{
		printer:   printer,
		recoverer: recoverer,
		cfg:       cfg,
		now:       time.Now,
		sleep:     device.Sleep,
	}
	p.autoRecovery.Store(cfg.AutoRecovery)
	return p
}

// SetRecoverer wires the recovery ladder after construction
func (p *Pool) SetRecoverer(r Recoverer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recoverer = r
}

// SetAutoRecovery toggles recovery between open attempts
func (p *Pool) SetAutoRecovery(enabled bool) {
	p.autoRecovery.Store(enabled)
}

// AutoRecovery reports whether recovery between open attempts is enabled
func (p *Pool) AutoRecovery() bool {
	return p.autoRecovery.Load()
}

// Acquire returns a lease on a live handle. A cached handle is reused only
// if it is younger than the TTL and passes a probe.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if lease := p.reuse(ctx); lease != nil {
		return lease, nil
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.OpenAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		h, err := p.printer.Open(ctx)
		if err == nil {
			p.opens.Add(1)
			return p.install(h), nil
		}
		lastErr = err
		p.openFailures.Add(1)
		log.Warn().Err(err).Int("attempt", attempt).Msg("failed to open device handle")

		if attempt == 1 && attempt < p.cfg.OpenAttempts && p.autoRecovery.Load() {
			p.recover(ctx)
		}
	}

	return nil, fault.Wrap(fault.KindDeviceUnavailable, "acquire", lastErr)
}

func (p *Pool) reuse(ctx context.Context) *Lease {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handle == nil {
		return nil
	}

	age := p.now().Sub(p.lastUsed)
	if age >= p.cfg.TTL {
		log.Debug().Dur("age", age).Msg("cached device handle is stale, discarding")
		p.discardLocked()
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	err := p.handle.Describe(probeCtx)
	cancel()
	if err != nil {
		p.probeFailures.Add(1)
		log.Warn().Err(err).Msg("cached device handle failed liveness probe, discarding")
		p.discardLocked()
		return nil
	}

	p.lastUsed = p.now()
	return &Lease{pool: p, handle: p.handle, gen: p.gen}
}

func (p *Pool) install(h device.Handle) *Lease {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handle != nil {
		p.discardLocked()
	}
	p.gen++
	p.handle = h
	p.lastUsed = p.now()
	return &Lease{pool: p, handle: h, gen: p.gen}
}

// recover runs the ladder detached from the caller's deadline so a half
// finished service restart is never interrupted.
func (p *Pool) recover(ctx context.Context) {
	p.mu.Lock()
	r := p.recoverer
	p.mu.Unlock()
	if r == nil {
		return
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.RecoveryTimeout)
	defer cancel()

	log.Info().Msg("device unreachable, running recovery before retrying open")
	if err := r.Recover(rctx); err != nil {
		log.Warn().Err(err).Msg("recovery before reopen did not succeed")
	}
	if err := p.sleep(ctx, p.cfg.StabilizePause); err != nil {
		log.Debug().Err(err).Msg("stabilization pause interrupted")
	}
}

// Invalidate closes and forgets the cached handle
func (p *Pool) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle != nil {
		p.discardLocked()
	}
}

func (p *Pool) discardLocked() {
	if err := p.handle.Close(); err != nil {
		log.Debug().Err(err).Msg("error closing device handle")
	}
	p.handle = nil
	p.gen++
	p.discards.Add(1)
}

// Close releases the cached handle
func (p *Pool) Close() error {
	p.Invalidate()
	return nil
}

// Stats returns a snapshot of the pool
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Cached:        p.handle != nil,
		Generation:    p.gen,
		Opens:         p.opens.Load(),
		OpenFailures:  p.openFailures.Load(),
		ProbeFailures: p.probeFailures.Load(),
		Discards:      p.discards.Load(),
		AutoRecovery:  p.autoRecovery.Load(),
	}
	if s.Cached {
		age := p.now().Sub(p.lastUsed)
		s.AgeSeconds = age.Seconds()
		s.Stale = age >= p.cfg.TTL
	}
	return s
}

// Lease is a borrowed handle. Release or Invalidate it exactly once; a lease
// whose generation is no longer current never affects the pool.
type Lease struct {
	pool   *Pool
	handle device.Handle
	gen    uint64
	done   atomic.Bool
}

// Handle returns the borrowed handle
func (l *Lease) Handle() device.Handle {
	return l.handle
}

// Release returns a healthy handle to the pool
func (l *Lease) Release() {
	if !l.done.CompareAndSwap(false, true) {
		return
	}
	p := l.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == l.gen && p.handle != nil {
		p.lastUsed = p.now()
	}
}

// Invalidate reports the handle as broken. It is safe to call from another
// goroutine while a write is blocked on the handle.
func (l *Lease) Invalidate() {
	if !l.done.CompareAndSwap(false, true) {
		return
	}
	p := l.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == l.gen && p.handle != nil {
		p.discardLocked()
	}
}
