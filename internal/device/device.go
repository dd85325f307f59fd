package device

import (
	"context"
	"errors"
)

var (
	ErrClosed      = errors.New("device handle closed")
	ErrNoResponse  = errors.New("no status response from device")
	ErrNotRunning  = errors.New("spooling service not running")
	ErrUnsupported = errors.New("operation not supported by device")
)

// Handle is an open connection to the printer. Implementations must honor
// ctx deadlines so a probe or write can be bounded by the caller.
type Handle interface {
	// Describe is a cheap liveness probe.
	Describe(ctx context.Context) error
	Write(ctx context.Context, p []byte) (int, error)
	Close() error
}

// Printer opens handles and answers out-of-band status queries
type Printer interface {
	Open(ctx context.Context) (Handle, error)
	Status(ctx context.Context) (Status, error)
	Resume(ctx context.Context) error
}

// Spooler controls the OS print-spooling service in front of the printer
type Spooler interface {
	Running(ctx context.Context) (bool, error)
	Restart(ctx context.Context) error
	// PurgeQueue stops the service, clears queued jobs and starts it again.
	PurgeQueue(ctx context.Context) error
	QueuedJobs(ctx context.Context) (int, error)
}

// Status is a point-in-time view of the printer
type Status struct {
	Online   bool   `json:"online"`
	Paused   bool   `json:"paused"`
	Error    bool   `json:"error"`
	PaperOut bool   `json:"paper_out"`
	DoorOpen bool   `json:"door_open"`
	Busy     bool   `json:"busy"`
	Raw      string `json:"raw,omitempty"`
}

// Healthy reports whether the printer can accept a job right now
func (s Status) Healthy() bool {
	return s.Online && !s.Paused && !s.Error && !s.PaperOut && !s.DoorOpen
}

// Probe runs an open/describe/close cycle against the printer
func Probe(ctx context.Context, p Printer) error {
	h, err := p.Open(ctx)
	if err != nil {
		return err
	}
	defer h.Close()
	return h.Describe(ctx)
}
