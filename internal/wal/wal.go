package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Log is an append-only file of framed records, one per line. The whole
// file can be atomically rewritten with a new set of records.
type Log struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	writer  *bufio.Writer
	size    int64
	fsync   bool
	skipped int
}

// Config for Log
type Config struct {
	Path  string
	Fsync bool
}

// Open opens or creates the log file at cfg.Path
func Open(cfg Config) (*Log, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	l := &Log{path: cfg.Path, fsync: cfg.Fsync}
	if err := l.openFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) openFile() error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	l.file = file
	l.writer = bufio.NewWriter(file)
	l.size = stat.Size()
	return nil
}

// Path returns the log file path
func (l *Log) Path() string {
	return l.path
}

// Append writes a record and flushes it before returning
func (l *Log) Append(record *Record) error {
	line, err := record.Marshal()
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("log is closed")
	}
	if _, err := l.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	if l.fsync {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("failed to fsync: %w", err)
		}
	}

	l.size += int64(len(line))
	return nil
}

// Replay reads every valid record from the start of the file. Malformed
// lines are skipped, so a torn write at the tail never blocks startup.
func (l *Log) Replay(callback func(*Record) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open log for replay: %w", err)
	}
	defer file.Close()

	l.skipped = 0
	reader := bufio.NewReader(file)
	lineNo := 0
	var complete int64
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			if err == io.EOF {
				// No trailing newline: the last write never completed. Cut it
				// off so the next append starts on a fresh line.
				log.Warn().Str("file", l.path).Int("line", lineNo).Msg("partial record at end of log, truncating")
				l.skipped++
				if terr := l.truncateLocked(complete); terr != nil {
					return terr
				}
				break
			}
			complete += int64(len(line))

			record := &Record{}
			if uerr := record.Unmarshal(line); uerr != nil {
				if len(line) > 1 {
					log.Warn().Err(uerr).Str("file", l.path).Int("line", lineNo).Msg("malformed record, skipping")
					l.skipped++
				}
			} else if cerr := callback(record); cerr != nil {
				return fmt.Errorf("callback failed: %w", cerr)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read log: %w", err)
		}
	}

	return nil
}

// Rewrite atomically replaces the log contents with records
func (l *Log) Rewrite(records []*Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tmpPath := l.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp log: %w", err)
	}

	w := bufio.NewWriter(tmp)
	var size int64
	for _, record := range records {
		line, err := record.Marshal()
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if _, err := w.Write(line); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to write temp log: %w", err)
		}
		size += int64(len(line))
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to flush temp log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to fsync temp log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp log: %w", err)
	}

	if l.file != nil {
		l.writer.Flush()
		l.file.Close()
		l.file = nil
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		// Keep appending to the old file so no enqueue is lost.
		if oerr := l.openFile(); oerr != nil {
			log.Error().Err(oerr).Msg("failed to reopen log after rename failure")
		}
		return fmt.Errorf("failed to replace log: %w", err)
	}
	syncDir(filepath.Dir(l.path))

	if err := l.openFile(); err != nil {
		return err
	}
	l.size = size
	return nil
}

// truncateLocked drops everything past size
func (l *Log) truncateLocked(size int64) error {
	if l.file == nil {
		return fmt.Errorf("log is closed")
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	if err := l.file.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate partial record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to fsync: %w", err)
	}
	l.size = size
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

// Size returns the log size in bytes
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Skipped returns how many lines the last replay discarded
func (l *Log) Skipped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.skipped
}

// Close flushes and closes the log
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.writer.Flush(); err != nil {
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}
