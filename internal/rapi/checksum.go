package rapi

import (
	"fmt"
	"strconv"
	"strings"
)

const checksumMarker = '^'

// Checksum is the XOR of every byte of s.
func Checksum(s string) byte {
	var sum byte
	for i := 0; i < len(s); i++ {
		sum ^= s[i]
	}
	return sum
}

// AppendChecksum returns s followed by ^HH.
func AppendChecksum(s string) string {
	return fmt.Sprintf("%s%c%02X", s, checksumMarker, Checksum(s))
}

// splitChecksum separates the command text from a trailing ^HH marker.
// hasSum is false when no marker is present.
func splitChecksum(line string) (body string, sum string, hasSum bool) {
	i := strings.LastIndexByte(line, checksumMarker)
	if i < 0 {
		return line, "", false
	}
	return line[:i], line[i+1:], true
}

// VerifyChecksum checks the ^HH suffix of line. A line without checksum is
// considered valid.
func VerifyChecksum(line string) bool {
	body, sum, hasSum := splitChecksum(line)
	if !hasSum {
		return true
	}
	if len(sum) != 2 {
		return false
	}
	expected, err := strconv.ParseUint(sum, 16, 8)
	if err != nil {
		return false
	}
	return byte(expected) == Checksum(body)
}
