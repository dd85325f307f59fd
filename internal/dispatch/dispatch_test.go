package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/printgate/printgate/internal/backoff"
	"github.com/printgate/printgate/internal/breaker"
	"github.com/printgate/printgate/internal/device/devicetest"
	"github.com/printgate/printgate/internal/encoder"
	"github.com/printgate/printgate/internal/executor"
	"github.com/printgate/printgate/internal/fault"
	"github.com/printgate/printgate/internal/pool"
	"github.com/printgate/printgate/internal/queue"
	"github.com/printgate/printgate/internal/store"
	"github.com/printgate/printgate/internal/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	printer    *devicetest.Printer
	spooler    *devicetest.Spooler
	breaker    *breaker.Breaker
	pool       *pool.Pool
	queue      *queue.Queue
	store      *store.Store
	dispatcher *Dispatcher
	svc        *Service
	worker     *RetryWorker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	l, err := wal.Open(wal.Config{Path: filepath.Join(dir, "print_queue.jsonl")})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	q, err := queue.Open(l, queue.DefaultMaxAttempts)
	require.NoError(t, err)

	st, err := store.New(filepath.Join(dir, "history"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		printer: devicetest.NewPrinter(),
		spooler: devicetest.NewSpooler(),
		breaker: breaker.New(breaker.DefaultConfig()),
		queue:   q,
		store:   st,
	}
	h.pool = pool.New(h.printer, nil, pool.DefaultConfig())
	h.dispatcher = NewDispatcher(h.breaker, executor.New(50*time.Millisecond), h.pool, DispatcherConfig{ChunkSize: 16})

	cfg := DefaultConfig()
	cfg.Timeout = 150 * time.Millisecond
	cfg.FastTimeout = 100 * time.Millisecond
	h.svc, err = NewService(h.dispatcher, q, st, h.pool, h.spooler, cfg)
	require.NoError(t, err)

	rcfg := DefaultRetryConfig()
	rcfg.Timeout = 100 * time.Millisecond
	h.worker = NewRetryWorker(h.dispatcher, q, st, rcfg)
	return h
}

func TestSubmitPrints(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.Submit(context.Background(), Request{Text: "order #42", Source: "10.0.0.9"})
	require.NoError(t, err)
	assert.Equal(t, StatusPrinted, res.Status)
	assert.NotEmpty(t, res.JobID)

	expected, err := encoder.Render("order #42", encoder.Options{FontSize: encoder.FontNormal})
	require.NoError(t, err)
	assert.Equal(t, expected, h.printer.Written())
	assert.Equal(t, len(expected), res.Bytes)

	receipts, err := h.store.ListDeliveries(10)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, res.JobID, receipts[0].JobID)
	assert.Equal(t, ViaDirect, receipts[0].Via)
	assert.Equal(t, "10.0.0.9", receipts[0].Source)
}

func TestSubmitRejectsEmptyText(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Submit(context.Background(), Request{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = h.svc.Submit(context.Background(), Request{Text: "x", FontSize: "giant"})
	assert.ErrorIs(t, err, encoder.ErrInvalidFontSize)
	assert.Zero(t, h.printer.Opens())
}

func TestSubmitQueuesOnFailure(t *testing.T) {
	h := newHarness(t)
	h.printer.SetWrite(devicetest.Fail)

	res, err := h.svc.Submit(context.Background(), Request{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	assert.Contains(t, res.Error, devicetest.ErrInjected.Error())

	jobs := h.queue.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, res.JobID, jobs[0].ID)
	assert.Zero(t, jobs[0].Attempts)
	assert.NotEmpty(t, jobs[0].LastError)
	assert.Equal(t, 1, h.breaker.Snapshot().ConsecutiveFailures)
}

func TestSubmitFastAndNoRetryDoNotQueue(t *testing.T) {
	h := newHarness(t)
	h.printer.SetWrite(devicetest.Hang)

	res, err := h.svc.Submit(context.Background(), Request{Text: "hello", Fast: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrTimeout)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, err.Error(), "timed out after 0.1s")

	h.printer.SetWrite(devicetest.Fail)
	res, err = h.svc.Submit(context.Background(), Request{Text: "hello", NoRetry: true})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	assert.Zero(t, h.queue.Len())
}

func TestCircuitOpensAfterThreeTimeouts(t *testing.T) {
	h := newHarness(t)
	h.printer.SetWrite(devicetest.Hang)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := h.svc.Submit(ctx, Request{Text: "slow"})
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, res.Status)
	}
	assert.Equal(t, breaker.StateOpen, h.breaker.State())
	opens := h.printer.Opens()

	start := time.Now()
	res, err := h.svc.Submit(ctx, Request{Text: "fourth"})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	assert.Contains(t, res.Error, "circuit breaker is open")
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, opens, h.printer.Opens())
	assert.Equal(t, 4, h.queue.Len())

	_, err = h.svc.Submit(ctx, Request{Text: "strict", NoRetry: true})
	assert.ErrorIs(t, err, fault.ErrCircuitOpen)
}

func TestTimedOutWriteClosesHandle(t *testing.T) {
	h := newHarness(t)
	h.printer.SetWrite(devicetest.Hang)

	_, err := h.svc.Submit(context.Background(), Request{Text: "slow", NoRetry: true})
	require.Error(t, err)

	handles := h.printer.Handles()
	require.Len(t, handles, 1)
	assert.True(t, handles[0].IsClosed())
	assert.False(t, h.pool.Stats().Cached)
}

func TestIdempotentSubmit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Submit(ctx, Request{Text: "once", IdempotencyKey: "abc"})
	require.NoError(t, err)
	written := len(h.printer.Written())

	second, err := h.svc.Submit(ctx, Request{Text: "once", IdempotencyKey: "abc"})
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, second.Status)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Len(t, h.printer.Written(), written)
}

func TestFontConfig(t *testing.T) {
	h := newHarness(t)

	size, bold := "DOUBLE", true
	cfg, err := h.svc.SetFontConfig(&size, &bold)
	require.NoError(t, err)
	assert.Equal(t, FontConfig{FontSize: encoder.FontDouble, Bold: true}, cfg)

	bad := "tiny"
	_, err = h.svc.SetFontConfig(&bad, nil)
	assert.ErrorIs(t, err, encoder.ErrInvalidFontSize)
	assert.Equal(t, encoder.FontDouble, h.svc.FontConfig().FontSize)

	// Defaults apply, per-request values override
	notBold := false
	_, err = h.svc.Submit(context.Background(), Request{Text: "x", Bold: &notBold})
	require.NoError(t, err)
	assert.Contains(t, string(h.printer.Written()), string([]byte{0x1B, 0x21, 0x30, 0x1B, 0x45, 0x00}))
}

func TestRetryWorkerDeliversQueuedJobs(t *testing.T) {
	h := newHarness(t)
	h.printer.SetWrite(devicetest.Fail)
	ctx := context.Background()

	a, err := h.svc.Submit(ctx, Request{Text: "a"})
	require.NoError(t, err)
	b, err := h.svc.Submit(ctx, Request{Text: "b"})
	require.NoError(t, err)

	h.printer.SetWrite(nil)
	pass, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pass.Printed)
	assert.Zero(t, h.queue.Len())

	receipts, err := h.store.ListDeliveries(10)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	// Newest first
	assert.Equal(t, b.JobID, receipts[0].JobID)
	assert.Equal(t, a.JobID, receipts[1].JobID)
	assert.Equal(t, ViaRetry, receipts[0].Via)
	assert.Equal(t, 1, receipts[0].Attempts)
}

func TestRetryWorkerDropsAtMaxAttempts(t *testing.T) {
	h := newHarness(t)
	h.printer.SetWrite(devicetest.Fail)

	job := queue.NewJob("doomed", queue.Options{FontSize: encoder.FontNormal}, "")
	job.Attempts = 4
	require.NoError(t, h.queue.Enqueue(job))

	pass, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pass.Dropped)
	assert.Zero(t, h.queue.Len())

	dropped, err := h.store.GetDropped(job.ID)
	require.NoError(t, err)
	require.NotNil(t, dropped)
	assert.Equal(t, 5, dropped.Attempts)
	assert.Contains(t, dropped.LastError, devicetest.ErrInjected.Error())
}

func TestRetryWorkerIncrementsAttempts(t *testing.T) {
	h := newHarness(t)
	h.printer.SetWrite(devicetest.Fail)

	job := queue.NewJob("again", queue.Options{}, "")
	require.NoError(t, h.queue.Enqueue(job))

	pass, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pass.Failed)

	jobs := h.queue.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.True(t, jobs[0].NextAttemptAt.IsZero())
}

func TestRetryWorkerKeepsJobsWhileCircuitOpen(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.breaker.RecordFailure()
	}
	require.True(t, h.breaker.IsOpen())

	for _, text := range []string{"a", "b"} {
		require.NoError(t, h.queue.Enqueue(queue.NewJob(text, queue.Options{}, "")))
	}

	pass, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pass.Rejected)
	assert.Zero(t, pass.Attempted)
	assert.Zero(t, h.printer.Opens())

	jobs := h.queue.List()
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Zero(t, j.Attempts)
	}
}

func TestRetryWorkerBackoff(t *testing.T) {
	h := newHarness(t)
	h.worker.cfg.Backoff = backoff.Config{BaseDelay: 10 * time.Second, Multiplier: 2}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.worker.now = func() time.Time { return now }
	h.printer.SetWrite(devicetest.Fail)

	require.NoError(t, h.queue.Enqueue(queue.NewJob("later", queue.Options{}, "")))

	_, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	jobs := h.queue.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, now.Add(10*time.Second), jobs[0].NextAttemptAt)

	h.printer.SetWrite(nil)
	pass, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pass.Deferred)
	assert.Equal(t, 1, h.queue.Len())

	now = now.Add(11 * time.Second)
	pass, err = h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pass.Printed)
	assert.Zero(t, h.queue.Len())
}

func TestRetryWorkerStopsOnShutdown(t *testing.T) {
	h := newHarness(t)
	for _, text := range []string{"a", "b"} {
		require.NoError(t, h.queue.Enqueue(queue.NewJob(text, queue.Options{}, "")))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pass, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, pass.Attempted)
	assert.Equal(t, 2, h.queue.Len())
}

func TestEmergencyClear(t *testing.T) {
	h := newHarness(t)
	h.printer.SetWrite(devicetest.Fail)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.svc.Submit(ctx, Request{Text: "stuck"})
		require.NoError(t, err)
	}
	require.Equal(t, breaker.StateOpen, h.breaker.State())

	report, err := h.svc.EmergencyClear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.JobsCleared)
	assert.True(t, report.DevicePurged)
	assert.Equal(t, breaker.StateClosed, h.breaker.State())
	assert.Zero(t, h.queue.Len())
	assert.Equal(t, 1, h.spooler.Purges())
}
