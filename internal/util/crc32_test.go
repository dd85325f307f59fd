package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumRoundTrip(t *testing.T) {
	data := []byte(`{"id":"abc"}`)
	s := FormatChecksum(data)
	assert.Len(t, s, 8)

	sum, err := ParseChecksum(s)
	require.NoError(t, err)
	assert.True(t, VerifyChecksum(data, sum))
	assert.False(t, VerifyChecksum([]byte(`{"id":"abd"}`), sum))
}

func TestParseChecksumRejectsGarbage(t *testing.T) {
	_, err := ParseChecksum("xyz")
	assert.Error(t, err)
	_, err = ParseChecksum("zzzzzzzz")
	assert.Error(t, err)
}
