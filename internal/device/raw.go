package device

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	DefaultRawPort       = 9100
	defaultDialTimeout   = 3 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultStatusTimeout = 2 * time.Second
)

// ESC/POS real-time commands
var (
	cmdPrinterStatus = []byte{0x10, 0x04, 0x01} // DLE EOT 1
	cmdOfflineStatus = []byte{0x10, 0x04, 0x02} // DLE EOT 2
	cmdPaperStatus   = []byte{0x10, 0x04, 0x04} // DLE EOT 4
	cmdRecover       = []byte{0x10, 0x05, 0x01} // DLE ENQ 1
)

const (
	bitOffline    = 0x08
	bitCoverOpen  = 0x04
	bitFeedButton = 0x08
	bitPaperStop  = 0x20
	bitErrorState = 0x40
	bitsPaperEnd  = 0x60
)

// RawConfig configures a network printer speaking ESC/POS on a raw port
type RawConfig struct {
	Addr          string
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	StatusTimeout time.Duration
}

// RawPrinter talks to a printer over a raw TCP socket (JetDirect style)
type RawPrinter struct {
	cfg    RawConfig
	dialer net.Dialer
}

// NewRawPrinter creates a raw TCP printer. A host without a port gets 9100.
func NewRawPrinter(cfg RawConfig) *RawPrinter {
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		cfg.Addr = net.JoinHostPort(cfg.Addr, fmt.Sprint(DefaultRawPort))
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.StatusTimeout == 0 {
		cfg.StatusTimeout = defaultStatusTimeout
	}
	return &RawPrinter{
		cfg:    cfg,
		dialer: net.Dialer{Timeout: cfg.DialTimeout},
	}
}

// Addr returns the printer's network address
func (p *RawPrinter) Addr() string {
	return p.cfg.Addr
}

// Open dials the printer
func (p *RawPrinter) Open(ctx context.Context) (Handle, error) {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.cfg.Addr, err)
	}
	return &rawHandle{conn: conn, writeTimeout: p.cfg.WriteTimeout, statusTimeout: p.cfg.StatusTimeout}, nil
}

// Status queries the printer over a short-lived connection
func (p *RawPrinter) Status(ctx context.Context) (Status, error) {
	h, err := p.Open(ctx)
	if err != nil {
		return Status{}, err
	}
	defer h.Close()
	rh := h.(*rawHandle)

	printer, err := rh.query(ctx, cmdPrinterStatus)
	if err != nil {
		return Status{}, err
	}
	offline, err := rh.query(ctx, cmdOfflineStatus)
	if err != nil {
		return Status{}, err
	}
	paper, err := rh.query(ctx, cmdPaperStatus)
	if err != nil {
		return Status{}, err
	}

	return decodeStatus(printer, offline, paper), nil
}

// decodeStatus maps DLE EOT responses onto Status. Offline without a cause
// bit means the printer was taken offline by hand, which we treat as paused.
func decodeStatus(printer, offline, paper byte) Status {
	s := Status{
		Online:   printer&bitOffline == 0,
		DoorOpen: offline&bitCoverOpen != 0,
		PaperOut: offline&bitPaperStop != 0 || paper&bitsPaperEnd != 0,
		Error:    offline&bitErrorState != 0,
		Busy:     offline&bitFeedButton != 0,
		Raw:      hex.EncodeToString([]byte{printer, offline, paper}),
	}
	if !s.Online && !s.DoorOpen && !s.PaperOut && !s.Error {
		s.Paused = true
	}
	return s
}

// Resume asks the printer to recover from a recoverable error and continue
func (p *RawPrinter) Resume(ctx context.Context) error {
	h, err := p.Open(ctx)
	if err != nil {
		return err
	}
	defer h.Close()
	_, err = h.Write(ctx, cmdRecover)
	return err
}

type rawHandle struct {
	mu            sync.Mutex
	conn          net.Conn
	closed        bool
	writeTimeout  time.Duration
	statusTimeout time.Duration
}

func (h *rawHandle) deadline(ctx context.Context, fallback time.Duration) time.Time {
	d := time.Now().Add(fallback)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

func (h *rawHandle) query(ctx context.Context, cmd []byte) (byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrClosed
	}

	_ = h.conn.SetDeadline(h.deadline(ctx, h.statusTimeout))
	if _, err := h.conn.Write(cmd); err != nil {
		return 0, fmt.Errorf("send status query: %w", err)
	}
	resp := make([]byte, 1)
	if _, err := io.ReadFull(h.conn, resp); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	return resp[0], nil
}

func (h *rawHandle) Describe(ctx context.Context) error {
	b, err := h.query(ctx, cmdPrinterStatus)
	if err != nil {
		return err
	}
	if b&bitOffline != 0 {
		return fmt.Errorf("printer reports offline (status 0x%02x)", b)
	}
	return nil
}

func (h *rawHandle) Write(ctx context.Context, p []byte) (int, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, ErrClosed
	}
	conn := h.conn
	h.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	// The write itself runs unlocked so Close can interrupt it.
	_ = conn.SetWriteDeadline(h.deadline(ctx, h.writeTimeout))
	return conn.Write(p)
}

func (h *rawHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.conn.Close()
}
