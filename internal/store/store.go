package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	prefixDelivery    = "delivery:"
	prefixDropped     = "dropped:"
	prefixIdempotency = "idempotency:"
)

// Store provides KV storage using Pebble
type Store struct {
	db *pebble.DB
}

// New creates a new Store instance
func New(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	return &Store{
		db: db,
	}, nil
}

// Set stores a key-value pair
func (s *Store) Set(key, value []byte) error {
	return s.db.Set(key, value, pebble.Sync)
}

// Get retrieves a value by key
func (s *Store) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()

	// Copy value since it's only valid until closer is called
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Delete removes a key
func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key, pebble.Sync)
}

// Scan iterates over keys with a prefix. Returning errStopScan from the
// callback ends the scan early without error.
func (s *Store) Scan(prefix []byte, reverse bool, callback func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	valid := iter.First
	next := iter.Next
	if reverse {
		valid, next = iter.Last, iter.Prev
	}

	for ok := valid(); ok; ok = next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())

		if err := callback(key, value); err != nil {
			if err == errStopScan {
				break
			}
			return err
		}
	}

	return iter.Error()
}

var errStopScan = fmt.Errorf("stop scan")

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}

// Receipt records the final outcome of a job
type Receipt struct {
	JobID     string    `json:"job_id"`
	Text      string    `json:"text,omitempty"`
	Source    string    `json:"source,omitempty"`
	Attempts  int       `json:"attempts"`
	Bytes     int       `json:"bytes,omitempty"`
	Via       string    `json:"via"` // direct or retry
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	At        time.Time `json:"at"`
}

// deliveryKey sorts receipts by time
func deliveryKey(r *Receipt) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixDelivery, r.At.UnixNano(), r.JobID))
}

// RecordDelivery stores a receipt for a printed job
func (s *Store) RecordDelivery(r *Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.Set(deliveryKey(r), data)
}

// RecordDropped stores a job that ran out of attempts
func (s *Store) RecordDropped(r *Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.Set([]byte(prefixDropped+r.JobID), data)
}

// ListDeliveries returns up to limit receipts, newest first
func (s *Store) ListDeliveries(limit int) ([]*Receipt, error) {
	return s.listReceipts([]byte(prefixDelivery), true, limit)
}

// ListDropped returns up to limit dropped jobs
func (s *Store) ListDropped(limit int) ([]*Receipt, error) {
	return s.listReceipts([]byte(prefixDropped), false, limit)
}

// GetDropped returns a dropped job by ID, or nil
func (s *Store) GetDropped(jobID string) (*Receipt, error) {
	data, err := s.Get([]byte(prefixDropped + jobID))
	if err != nil || data == nil {
		return nil, err
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) listReceipts(prefix []byte, reverse bool, limit int) ([]*Receipt, error) {
	out := make([]*Receipt, 0)
	err := s.Scan(prefix, reverse, func(key, value []byte) error {
		var r Receipt
		if err := json.Unmarshal(value, &r); err != nil {
			return err
		}
		out = append(out, &r)
		if limit > 0 && len(out) >= limit {
			return errStopScan
		}
		return nil
	})
	return out, err
}

// SetIdempotencyKey stores the job ID for an idempotency key
func (s *Store) SetIdempotencyKey(key, jobID string) error {
	k := []byte(prefixIdempotency + key)
	v := []byte(jobID)
	return s.Set(k, v)
}

// GetIdempotencyKey retrieves the job ID for an idempotency key
func (s *Store) GetIdempotencyKey(key string) (string, error) {
	k := []byte(prefixIdempotency + key)
	v, err := s.Get(k)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	return string(v), nil
}
