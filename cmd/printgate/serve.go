package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/printgate/printgate/internal/breaker"
	"github.com/printgate/printgate/internal/config"
	"github.com/printgate/printgate/internal/device"
	"github.com/printgate/printgate/internal/dispatch"
	"github.com/printgate/printgate/internal/executor"
	"github.com/printgate/printgate/internal/health"
	"github.com/printgate/printgate/internal/pool"
	"github.com/printgate/printgate/internal/queue"
	"github.com/printgate/printgate/internal/recovery"
	"github.com/printgate/printgate/internal/rest"
	"github.com/printgate/printgate/internal/store"
	"github.com/printgate/printgate/internal/wal"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the print server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// app holds the running components in wiring order
type app struct {
	cfg     *config.Config
	printer *device.RawPrinter
	pool    *pool.Pool
	monitor *health.Monitor
	wal     *wal.Log
	store   *store.Store
	worker  *dispatch.RetryWorker
	api     *rest.Server
	http    *http.Server
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Str("path", cfgPath).Msg("failed to load config")
		return err
	}
	setupLogging(cfg.Logging)

	a, err := newApp(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize")
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errCh := a.start()
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return a.stop(ctx)
}

func newApp(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	printer := device.NewRawPrinter(device.RawConfig{
		Addr:          cfg.Device.Addr,
		DialTimeout:   cfg.Device.DialTimeout,
		WriteTimeout:  cfg.Device.WriteTimeout,
		StatusTimeout: cfg.Device.StatusTimeout,
	})
	spooler := device.NewCommandSpooler(cfg.Spooler.Commands, cfg.Spooler.StopGap, cfg.Spooler.Settle, cfg.Spooler.CommandTimeout, device.ExecRunner)

	// The pool and the ladder reference each other: the pool asks the
	// ladder to recover, and a service restart stales the cached handle.
	p := pool.New(printer, nil, cfg.Pool)
	ladder := recovery.New(printer, spooler, cfg.Recovery)
	ladder.OnRestart(p.Invalidate)
	p.SetRecoverer(ladder)

	monitorCfg := cfg.Health
	monitorCfg.Enabled = monitorCfg.Enabled && cfg.Pool.AutoRecovery
	monitor := health.New(printer, ladder, monitorCfg)

	l, err := wal.Open(wal.Config{Path: cfg.QueuePath(), Fsync: cfg.Queue.Fsync})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue log: %w", err)
	}
	q, err := queue.Open(l, cfg.Queue.MaxAttempts)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	st, err := store.New(cfg.StorePath())
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	b := breaker.New(cfg.Breaker)
	exec := executor.New(cfg.Dispatch.Grace)
	d := dispatch.NewDispatcher(b, exec, p, dispatch.DispatcherConfig{
		ChunkSize:  cfg.Dispatch.ChunkSize,
		ChunkPause: cfg.Dispatch.ChunkPause,
	})

	svc, err := dispatch.NewService(d, q, st, p, spooler, dispatch.Config{
		Timeout:       cfg.Dispatch.Timeout,
		FastTimeout:   cfg.Dispatch.FastTimeout,
		MaxTextLength: cfg.Dispatch.MaxTextLength,
		FontSize:      cfg.Encoder.FontSize,
		Bold:          cfg.Encoder.Bold,
	})
	if err != nil {
		st.Close()
		l.Close()
		return nil, err
	}

	worker := dispatch.NewRetryWorker(d, q, st, dispatch.RetryConfig{
		PollInterval: cfg.Queue.PollInterval,
		Timeout:      cfg.Queue.Timeout,
		Backoff:      cfg.Queue.Backoff,
	})

	api, err := rest.NewServer(rest.Deps{
		Service:  svc,
		Breaker:  b,
		Pool:     p,
		Executor: exec,
		Ladder:   ladder,
		Monitor:  monitor,
		Printer:  printer,
		Spooler:  spooler,
	}, rest.Config{
		APIKey:          cfg.Server.APIKey,
		TrustedCIDRs:    cfg.Server.TrustedCIDRs,
		RateLimit:       cfg.Server.RateLimit,
		RateLimitWindow: cfg.Server.RateLimitWindow,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
	})
	if err != nil {
		st.Close()
		l.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		printer: printer,
		pool:    p,
		monitor: monitor,
		wal:     l,
		store:   st,
		worker:  worker,
		api:     api,
		http: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// start launches background loops and the HTTP listener. Listener failures
// are delivered on the returned channel.
func (a *app) start() <-chan error {
	a.worker.Start()
	a.monitor.Start()

	done := make(chan struct{})
	a.http.RegisterOnShutdown(func() { close(done) })
	go a.sweepLoop(done)

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", a.cfg.Server.HTTPAddr).
			Str("printer", a.printer.Addr()).
			Msg("starting HTTP server")
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// sweepLoop evicts idle rate limiter buckets until the server closes
func (a *app) sweepLoop(done <-chan struct{}) {
	window := a.cfg.Server.RateLimitWindow
	if window <= 0 {
		return
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := a.api.SweepLimiter(); n > 0 {
				log.Debug().Int("buckets", n).Msg("swept idle rate limit buckets")
			}
		case <-done:
			return
		}
	}
}

func (a *app) stop(ctx context.Context) error {
	var errs []error
	if err := a.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.worker.Stop()
	a.monitor.Stop()
	if err := a.pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("pool close: %w", err))
	}
	if err := a.wal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("queue log close: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		log.Error().Err(err).Msg("error during shutdown")
		return err
	}
	log.Info().Msg("printgate stopped gracefully")
	return nil
}
