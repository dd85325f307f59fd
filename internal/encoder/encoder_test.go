package encoder

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderASCII(t *testing.T) {
	out, err := Render("hello", Options{})
	require.NoError(t, err)

	expected := []byte{0x1B, 0x40, 0x1B, 0x21, 0x00, 0x1B, 0x45, 0x00}
	expected = append(expected, "hello"...)
	expected = append(expected, 0x0A, 0x0A, 0x1B, 0x64, 0x02)
	assert.Equal(t, expected, out)
}

func TestRenderFontAndBold(t *testing.T) {
	tests := []struct {
		size string
		mode byte
	}{
		{"small", 0x01},
		{"normal", 0x00},
		{"LARGE", 0x10},
		{"xlarge", 0x20},
		{"double", 0x30},
	}

	for _, tt := range tests {
		out, err := Render("x", Options{FontSize: tt.size, Bold: true})
		require.NoError(t, err, tt.size)
		assert.Equal(t, []byte{0x1B, 0x21, tt.mode, 0x1B, 0x45, 0x01}, out[2:8], tt.size)
	}
}

func TestRenderInvalidFont(t *testing.T) {
	_, err := Render("x", Options{FontSize: "huge"})
	assert.ErrorIs(t, err, ErrInvalidFontSize)
	assert.Contains(t, err.Error(), "valid options")
}

func TestRenderBig5(t *testing.T) {
	out, err := Render("中文", Options{})
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(out, []byte{0x1B, 0x40, 0x1B, 0x74, 0x0E}))
	// 中 = A4 A4, 文 = A4 E5 in Big5
	assert.True(t, bytes.Contains(out, []byte{0xA4, 0xA4, 0xA4, 0xE5}))
	assert.False(t, bytes.Contains(out, []byte("中")))
}

func TestHasCJK(t *testing.T) {
	assert.False(t, HasCJK("plain text"))
	assert.True(t, HasCJK("order 好"))
}

func TestNormalizeFontSize(t *testing.T) {
	size, err := NormalizeFontSize("")
	require.NoError(t, err)
	assert.Equal(t, FontNormal, size)

	size, err = NormalizeFontSize(" Double ")
	require.NoError(t, err)
	assert.Equal(t, FontDouble, size)
}
