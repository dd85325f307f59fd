// Package devicetest provides in-memory printer and spooler fakes
package devicetest

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/printgate/printgate/internal/device"
)

var ErrInjected = errors.New("injected device failure")

// WriteFunc replaces the default buffered write of a fake handle
type WriteFunc func(ctx context.Context, h *Handle, p []byte) (int, error)

// Printer is a scriptable device.Printer
type Printer struct {
	mu          sync.Mutex
	openErr     error
	describeErr error
	statusErr   error
	resumeErr   error
	status      device.Status
	write       WriteFunc
	written     bytes.Buffer
	opens       int
	closes      int
	resumes     int
	handles     []*Handle
}

// NewPrinter returns a healthy fake printer
func NewPrinter() *Printer {
	return &Printer{status: device.Status{Online: true}}
}

func (p *Printer) SetOpenErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openErr = err
}

func (p *Printer) SetDescribeErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.describeErr = err
}

func (p *Printer) SetStatus(s device.Status, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
	p.statusErr = err
}

func (p *Printer) SetResumeErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumeErr = err
}

func (p *Printer) SetWrite(fn WriteFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.write = fn
}

func (p *Printer) Open(ctx context.Context) (device.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++
	if p.openErr != nil {
		return nil, p.openErr
	}
	h := &Handle{printer: p, ID: p.opens}
	p.handles = append(p.handles, h)
	return h, nil
}

func (p *Printer) Status(ctx context.Context) (device.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.statusErr
}

func (p *Printer) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumes++
	if p.resumeErr != nil {
		return p.resumeErr
	}
	p.status.Paused = false
	return nil
}

// Written returns every byte successfully written so far
func (p *Printer) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written.Bytes()...)
}

func (p *Printer) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

func (p *Printer) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *Printer) Resumes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resumes
}

// Handles returns every handle opened so far, oldest first
func (p *Printer) Handles() []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Handle(nil), p.handles...)
}

// Handle is a fake device.Handle
type Handle struct {
	printer *Printer
	ID      int

	mu        sync.Mutex
	closed    bool
	closedCh  chan struct{}
	describes int
}

func (h *Handle) done() chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closedCh == nil {
		h.closedCh = make(chan struct{})
	}
	return h.closedCh
}

// Closed returns a channel closed when the handle is closed
func (h *Handle) Closed() <-chan struct{} {
	return h.done()
}

func (h *Handle) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) Describes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.describes
}

func (h *Handle) Describe(ctx context.Context) error {
	h.mu.Lock()
	h.describes++
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return device.ErrClosed
	}
	h.printer.mu.Lock()
	defer h.printer.mu.Unlock()
	return h.printer.describeErr
}

func (h *Handle) Write(ctx context.Context, p []byte) (int, error) {
	if h.IsClosed() {
		return 0, device.ErrClosed
	}
	h.printer.mu.Lock()
	fn := h.printer.write
	h.printer.mu.Unlock()
	if fn != nil {
		return fn(ctx, h, p)
	}
	return h.Accept(p)
}

// Accept records p as written to the device
func (h *Handle) Accept(p []byte) (int, error) {
	h.printer.mu.Lock()
	defer h.printer.mu.Unlock()
	return h.printer.written.Write(p)
}

func (h *Handle) Close() error {
	ch := h.done()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(ch)

	h.printer.mu.Lock()
	h.printer.closes++
	h.printer.mu.Unlock()
	return nil
}

// Hang blocks every write until ctx is done or the handle is closed
func Hang(ctx context.Context, h *Handle, p []byte) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.Closed():
		return 0, device.ErrClosed
	}
}

// Fail rejects every write
func Fail(ctx context.Context, h *Handle, p []byte) (int, error) {
	return 0, ErrInjected
}

// Spooler is a scriptable device.Spooler
type Spooler struct {
	mu         sync.Mutex
	running    bool
	runningErr error
	restartErr error
	queued     int
	restarts   int
	purges     int
	onRestart  func()
}

// NewSpooler returns a running spooler with an empty queue
func NewSpooler() *Spooler {
	return &Spooler{running: true}
}

func (s *Spooler) SetRunning(running bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
	s.runningErr = err
}

func (s *Spooler) SetRestartErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restartErr = err
}

func (s *Spooler) SetQueued(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = n
}

// OnRestart registers fn to run after every successful restart
func (s *Spooler) OnRestart(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRestart = fn
}

func (s *Spooler) Running(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, s.runningErr
}

func (s *Spooler) Restart(ctx context.Context) error {
	s.mu.Lock()
	s.restarts++
	if s.restartErr != nil {
		err := s.restartErr
		s.mu.Unlock()
		return err
	}
	s.running = true
	s.runningErr = nil
	fn := s.onRestart
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (s *Spooler) PurgeQueue(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purges++
	s.queued = 0
	return nil
}

func (s *Spooler) QueuedJobs(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued, nil
}

func (s *Spooler) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

func (s *Spooler) Purges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purges
}
