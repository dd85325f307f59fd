package wal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/printgate/printgate/internal/util"
)

// RecordType defines the type of log record
type RecordType string

const (
	RecordTypeJob RecordType = "job"
)

var (
	ErrInvalidRecord = errors.New("invalid record")
	ErrCorruptedData = errors.New("corrupted data")
)

// Record is one line of the log
type Record struct {
	Type  RecordType      `json:"type"`
	JobID string          `json:"job_id"`
	Data  json.RawMessage `json:"data"`
}

// Marshal frames a record as "<crc32c hex> <json>\n"
func (r *Record) Marshal() ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	if bytes.IndexByte(body, '\n') >= 0 {
		return nil, ErrInvalidRecord
	}

	line := make([]byte, 0, len(body)+10)
	line = append(line, util.FormatChecksum(body)...)
	line = append(line, ' ')
	line = append(line, body...)
	line = append(line, '\n')
	return line, nil
}

// Unmarshal parses one framed line, with or without the trailing newline
func (r *Record) Unmarshal(line []byte) error {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) < 10 || line[8] != ' ' {
		return ErrInvalidRecord
	}

	sum, err := util.ParseChecksum(string(line[:8]))
	if err != nil {
		return ErrInvalidRecord
	}
	body := line[9:]
	if !util.VerifyChecksum(body, sum) {
		return ErrCorruptedData
	}

	if err := json.Unmarshal(body, r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if r.JobID == "" {
		return ErrInvalidRecord
	}
	return nil
}
