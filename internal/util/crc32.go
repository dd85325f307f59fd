package util

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
)

var (
	// Castagnoli polynomial for CRC32C
	crc32cTable = crc32.MakeTable(crc32.Castagnoli)
)

// Checksum computes CRC32C checksum of data
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// VerifyChecksum verifies data against expected checksum
func VerifyChecksum(data []byte, expected uint32) bool {
	return Checksum(data) == expected
}

// FormatChecksum renders the checksum of data as 8 lowercase hex digits
func FormatChecksum(data []byte) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], Checksum(data))
	return hex.EncodeToString(buf[:])
}

// ParseChecksum parses the output of FormatChecksum
func ParseChecksum(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("checksum must be 8 hex digits, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid checksum: %w", err)
	}
	return binary.BigEndian.Uint32(b), nil
}
