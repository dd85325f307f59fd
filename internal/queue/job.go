package queue

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts is how many failed retries a job gets before it is dropped
const DefaultMaxAttempts = 5

// Options controls how a job's text is rendered
type Options struct {
	FontSize string `json:"font_size,omitempty"`
	Bold     bool   `json:"bold,omitempty"`
}

// Job is one print request
type Job struct {
	ID            string    `json:"id"`
	Text          string    `json:"text"`
	Options       Options   `json:"options"`
	CreatedAt     time.Time `json:"created_at"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	Source        string    `json:"source,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

// NewJob creates a job with a fresh ID
func NewJob(text string, opts Options, source string) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Text:      text,
		Options:   opts,
		CreatedAt: time.Now().UTC(),
		Source:    source,
	}
}

// IsDue returns true if the job may be attempted at now
func (j *Job) IsDue(now time.Time) bool {
	return j.NextAttemptAt.IsZero() || !j.NextAttemptAt.After(now)
}

// Exhausted returns true once the job has used all of its attempts
func (j *Job) Exhausted(maxAttempts int) bool {
	return j.Attempts >= maxAttempts
}

// Clone returns a copy of the job
func (j *Job) Clone() *Job {
	c := *j
	return &c
}
