// Package encoder renders job text into an ESC/POS command stream.
package encoder

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/traditionalchinese"
)

// Font sizes understood by the printer
const (
	FontSmall  = "small"
	FontNormal = "normal"
	FontLarge  = "large"
	FontXLarge = "xlarge"
	FontDouble = "double"
)

// ErrInvalidFontSize is returned for an unknown font size
var ErrInvalidFontSize = errors.New("invalid font size")

var (
	cmdReset   = []byte{0x1B, 0x40}
	cmdBig5    = []byte{0x1B, 0x74, 0x0E}
	cmdTrailer = []byte{0x0A, 0x0A, 0x1B, 0x64, 0x02}

	// ESC ! n
	fontModes = map[string]byte{
		FontSmall:  0x01,
		FontNormal: 0x00,
		FontLarge:  0x10,
		FontXLarge: 0x20,
		FontDouble: 0x30,
	}
)

// FontSizes lists the valid font sizes in display order
func FontSizes() []string {
	return []string{FontSmall, FontNormal, FontLarge, FontXLarge, FontDouble}
}

// ValidFontSize reports whether size is a known font size
func ValidFontSize(size string) bool {
	_, ok := fontModes[size]
	return ok
}

// NormalizeFontSize lowercases size and checks it. An empty size is normal.
func NormalizeFontSize(size string) (string, error) {
	size = strings.ToLower(strings.TrimSpace(size))
	if size == "" {
		return FontNormal, nil
	}
	if !ValidFontSize(size) {
		return "", fmt.Errorf("%w %q, valid options: %s", ErrInvalidFontSize, size, strings.Join(FontSizes(), ", "))
	}
	return size, nil
}

// Options controls text rendering
type Options struct {
	FontSize string
	Bold     bool
}

// Render builds the command stream for text. Text containing CJK ideographs
// is sent as Big5 with the matching code page selected; anything else goes
// out as UTF-8. Characters Big5 cannot represent are replaced.
func Render(text string, opts Options) ([]byte, error) {
	size, err := NormalizeFontSize(opts.FontSize)
	if err != nil {
		return nil, err
	}

	body := []byte(text)
	cjk := HasCJK(text)
	if cjk {
		enc := encoding.ReplaceUnsupported(traditionalchinese.Big5.NewEncoder())
		body, err = enc.Bytes([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("failed to encode text as big5: %w", err)
		}
	}

	out := make([]byte, 0, len(body)+16)
	out = append(out, cmdReset...)
	if cjk {
		out = append(out, cmdBig5...)
	}
	out = append(out, 0x1B, 0x21, fontModes[size])
	out = append(out, 0x1B, 0x45, boolByte(opts.Bold))
	out = append(out, body...)
	out = append(out, cmdTrailer...)
	return out, nil
}

// HasCJK reports whether text contains a CJK unified ideograph
func HasCJK(text string) bool {
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			return true
		}
	}
	return false
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
