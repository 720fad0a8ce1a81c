package devlink

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoChecksum is returned for lines that do not start with ";NN".
	ErrNoChecksum = errors.New("line has no checksum field")
	// ErrChecksum is returned when the embedded checksum does not match.
	ErrChecksum = errors.New("checksum mismatch")
)

// Checksum returns the line check code for payload: the sum of all bytes
// from space upwards, stopping at the first newline, modulo 99, plus one.
// Control characters are not counted.
func Checksum(payload string) int {
	sum := 0
	for i := 0; i < len(payload); i++ {
		c := payload[i]
		if c == '\n' {
			break
		}
		if c >= ' ' {
			sum += int(c)
		}
	}
	return sum%99 + 1
}

// Frame prefixes payload with its ";NN" check code and terminates it with a
// single newline.
func Frame(payload string) string {
	payload = strings.TrimRight(payload, "\r\n")
	return fmt.Sprintf(";%02d%s\n", Checksum(payload), payload)
}

// Verify checks the ";NN" prefix of a received line and returns the payload
// with the prefix and any line terminator removed.
func Verify(line string) (string, error) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 3 || line[0] != ';' || !isDigit(line[1]) || !isDigit(line[2]) {
		return "", ErrNoChecksum
	}
	payload := line[3:]
	want := int(line[1]-'0')*10 + int(line[2]-'0')
	if got := Checksum(payload); got != want {
		return "", fmt.Errorf("%w: line has %02d, payload sums to %02d", ErrChecksum, want, got)
	}
	return payload, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
