package device

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Runner executes an external command and returns its combined output
type Runner func(ctx context.Context, argv []string) ([]byte, error)

// ExecRunner runs argv with os/exec
func ExecRunner(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, nil
	}
	return exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
}

// SpoolerCommands maps spooler operations onto OS commands. An empty
// command means the operation is unavailable and is skipped.
type SpoolerCommands struct {
	// Status must exit 0 when the service is running.
	Status  []string `yaml:"status"`
	Stop    []string `yaml:"stop"`
	Start   []string `yaml:"start"`
	Restart []string `yaml:"restart"`
	// ListJobs output is counted line by line.
	ListJobs []string `yaml:"list_jobs"`
	Purge    []string `yaml:"purge"`
}

// CommandSpooler controls the spooling service through shell commands,
// e.g. systemctl and the CUPS lpstat/cancel tools
type CommandSpooler struct {
	cmds       SpoolerCommands
	stopGap    time.Duration
	settle     time.Duration
	cmdTimeout time.Duration
	run        Runner
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewCommandSpooler creates a spooler controller. stopGap is the pause
// between stopping and starting the service, settle the pause after the
// service comes back from a purge.
func NewCommandSpooler(cmds SpoolerCommands, stopGap, settle, cmdTimeout time.Duration, run Runner) *CommandSpooler {
	if run == nil {
		run = ExecRunner
	}
	if cmdTimeout == 0 {
		cmdTimeout = 30 * time.Second
	}
	return &CommandSpooler{
		cmds:       cmds,
		stopGap:    stopGap,
		settle:     settle,
		cmdTimeout: cmdTimeout,
		run:        run,
		sleep:      Sleep,
	}
}

func (s *CommandSpooler) exec(ctx context.Context, name string, argv []string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cmdTimeout)
	defer cancel()

	out, err := s.run(ctx, argv)
	if err != nil {
		return out, fmt.Errorf("%s (%s): %w: %s", name, strings.Join(argv, " "), err, bytes.TrimSpace(out))
	}
	return out, nil
}

func (s *CommandSpooler) Running(ctx context.Context) (bool, error) {
	if len(s.cmds.Status) == 0 {
		return true, nil
	}
	if _, err := s.exec(ctx, "status", s.cmds.Status); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		log.Debug().Err(err).Msg("spooler status check reports not running")
		return false, nil
	}
	return true, nil
}

func (s *CommandSpooler) Restart(ctx context.Context) error {
	if len(s.cmds.Restart) > 0 {
		_, err := s.exec(ctx, "restart", s.cmds.Restart)
		return err
	}
	return s.cycle(ctx, nil)
}

// cycle stops the service, runs between, then starts it again. Once stop
// has been issued, start always runs, on a context detached from ctx, so a
// cancelled caller never leaves the service down.
func (s *CommandSpooler) cycle(ctx context.Context, between func() error) error {
	if len(s.cmds.Stop) == 0 && len(s.cmds.Start) == 0 && between == nil {
		return ErrUnsupported
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(s.cmds.Stop) > 0 {
		if _, err := s.exec(ctx, "stop", s.cmds.Stop); err != nil {
			log.Warn().Err(err).Msg("spooler stop reported an error")
		}
	}

	stepErr := s.sleep(ctx, s.stopGap)
	if stepErr == nil && between != nil {
		stepErr = between()
	}
	if len(s.cmds.Start) > 0 {
		if _, err := s.exec(context.WithoutCancel(ctx), "start", s.cmds.Start); err != nil {
			return errors.Join(err, stepErr)
		}
	}
	return stepErr
}

func (s *CommandSpooler) PurgeQueue(ctx context.Context) error {
	if len(s.cmds.Purge) == 0 {
		return ErrUnsupported
	}
	if err := s.cycle(ctx, func() error {
		_, err := s.exec(ctx, "purge", s.cmds.Purge)
		return err
	}); err != nil {
		return err
	}
	return s.sleep(ctx, s.settle)
}

func (s *CommandSpooler) QueuedJobs(ctx context.Context) (int, error) {
	if len(s.cmds.ListJobs) == 0 {
		return 0, nil
	}
	out, err := s.exec(ctx, "list jobs", s.cmds.ListJobs)
	if err != nil {
		return 0, err
	}
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n, sc.Err()
}

// Sleep waits for d or until ctx is done. A non-positive d returns at once
// with nil.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
