package queue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/printgate/printgate/internal/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openQueue(t *testing.T, path string) *Queue {
	t.Helper()
	l, err := wal.Open(wal.Config{Path: path, Fsync: true})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	q, err := Open(l, DefaultMaxAttempts)
	require.NoError(t, err)
	return q
}

func ids(jobs []*Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func TestEnqueueSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "print_queue.jsonl")

	q := openQueue(t, path)
	job := NewJob("hello", Options{FontSize: "large", Bold: true}, "10.0.0.7")
	require.NoError(t, q.Enqueue(job))
	assert.Equal(t, 1, q.Len())

	// A second process opens the same file
	q2 := openQueue(t, path)
	jobs := q2.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
	assert.Equal(t, "hello", jobs[0].Text)
	assert.Equal(t, Options{FontSize: "large", Bold: true}, jobs[0].Options)
	assert.Equal(t, "10.0.0.7", jobs[0].Source)
}

func TestDrainAndRequeueFIFO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "print_queue.jsonl")
	q := openQueue(t, path)

	a, b, c := NewJob("a", Options{}, ""), NewJob("b", Options{}, ""), NewJob("c", Options{}, "")
	for _, j := range []*Job{a, b, c} {
		require.NoError(t, q.Enqueue(j))
	}

	drained, err := q.Drain()
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, ids(drained))

	_, err = q.Drain()
	assert.ErrorIs(t, err, ErrDrainInProgress)

	// Enqueued while draining
	d := NewJob("d", Options{}, "")
	require.NoError(t, q.Enqueue(d))

	drained[0].Attempts = 1
	drained[0].LastError = "timed out after 2.0s"
	require.NoError(t, q.Requeue([]*Job{drained[0], drained[2]}))

	jobs := q.List()
	assert.Equal(t, []string{a.ID, c.ID, d.ID}, ids(jobs))
	assert.Equal(t, 1, jobs[0].Attempts)

	reopened := openQueue(t, path).List()
	assert.Equal(t, []string{a.ID, c.ID, d.ID}, ids(reopened))
	assert.Equal(t, "timed out after 2.0s", reopened[0].LastError)
}

func TestCrashDuringDrainRedelivers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "print_queue.jsonl")
	q := openQueue(t, path)

	job := NewJob("keep me", Options{}, "")
	require.NoError(t, q.Enqueue(job))
	_, err := q.Drain()
	require.NoError(t, err)

	// No Requeue: the process died mid-drain
	reopened := openQueue(t, path)
	assert.Equal(t, []string{job.ID}, ids(reopened.List()))
}

func TestRequeueWithoutDrain(t *testing.T) {
	q := openQueue(t, filepath.Join(t.TempDir(), "q.jsonl"))
	assert.ErrorIs(t, q.Requeue(nil), ErrNotDraining)
}

func TestReplayDeduplicatesAndSkipsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "print_queue.jsonl")
	q := openQueue(t, path)

	a := NewJob("a", Options{}, "")
	b := NewJob("b", Options{}, "")
	require.NoError(t, q.Enqueue(a))
	require.NoError(t, q.Enqueue(b))
	a.Attempts = 3
	require.NoError(t, q.Enqueue(a))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("deadbeef {\"partial\":")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	jobs := openQueue(t, path).List()
	require.Equal(t, []string{a.ID, b.ID}, ids(jobs))
	assert.Equal(t, 3, jobs[0].Attempts)
}

func TestEnqueueAfterTornTailSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "print_queue.jsonl")
	a := NewJob("a", Options{}, "")
	require.NoError(t, openQueue(t, path).Enqueue(a))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`deadbeef {"type":"job","job_id":"x","da`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	b := NewJob("b", Options{}, "")
	q := openQueue(t, path)
	require.Equal(t, []string{a.ID}, ids(q.List()))
	require.NoError(t, q.Enqueue(b))

	assert.Equal(t, []string{a.ID, b.ID}, ids(openQueue(t, path).List()))
}

func TestClearDuringDrainDropsInflight(t *testing.T) {
	path := filepath.Join(t.TempDir(), "print_queue.jsonl")
	q := openQueue(t, path)

	require.NoError(t, q.Enqueue(NewJob("a", Options{}, "")))
	drained, err := q.Drain()
	require.NoError(t, err)

	n, err := q.Clear()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	late := NewJob("late", Options{}, "")
	require.NoError(t, q.Enqueue(late))
	require.NoError(t, q.Requeue(drained))

	assert.Equal(t, []string{late.ID}, ids(q.List()))
	assert.Equal(t, []string{late.ID}, ids(openQueue(t, path).List()))
}

func TestStatsAndJobHelpers(t *testing.T) {
	q := openQueue(t, filepath.Join(t.TempDir(), "q.jsonl"))
	require.NoError(t, q.Enqueue(NewJob("a", Options{}, "")))
	require.NoError(t, q.Enqueue(NewJob("b", Options{}, "")))
	_, err := q.Drain()
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(NewJob("c", Options{}, "")))

	s := q.Stats()
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, 2, s.InFlight)
	assert.Equal(t, DefaultMaxAttempts, s.MaxAttempts)
	assert.Positive(t, s.LogBytes)

	j := &Job{Attempts: 4}
	assert.False(t, j.Exhausted(5))
	j.Attempts++
	assert.True(t, j.Exhausted(5))

	assert.Error(t, q.Enqueue(&Job{}))
}
