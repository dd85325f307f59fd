package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDeliveriesNewestFirst(t *testing.T) {
	s := openStore(t)
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.RecordDelivery(&Receipt{
			JobID: id,
			Via:   "direct",
			At:    base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := s.ListDeliveries(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].JobID)
	assert.Equal(t, "b", got[1].JobID)

	all, err := s.ListDeliveries(0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDroppedJobs(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.RecordDropped(&Receipt{JobID: "x", Attempts: 5, LastError: "timed out after 2.0s", At: time.Now()}))

	r, err := s.GetDropped("x")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 5, r.Attempts)

	r, err = s.GetDropped("missing")
	require.NoError(t, err)
	assert.Nil(t, r)

	list, err := s.ListDropped(10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// Prefixes must not bleed into each other
	deliveries, err := s.ListDeliveries(10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestIdempotencyKeys(t *testing.T) {
	s := openStore(t)

	id, err := s.GetIdempotencyKey("order-17")
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, s.SetIdempotencyKey("order-17", "job-1"))
	id, err = s.GetIdempotencyKey("order-17")
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
}
