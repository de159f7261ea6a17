package protocol

import (
	"bytes"
	"strings"
)

// LineSplitter reassembles newline-terminated lines from arbitrary read fragments.
// The unterminated tail is carried over until a later fragment completes it.
type LineSplitter struct {
	carry []byte
}

// Feed appends fragment to the carry-over buffer and returns every completed
// line, trimmed of surrounding whitespace, in arrival order.
func (s *LineSplitter) Feed(fragment []byte) []string {
	if len(fragment) == 0 {
		return nil
	}
	s.carry = append(s.carry, fragment...)

	var lines []string
	for {
		idx := bytes.IndexByte(s.carry, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, strings.TrimSpace(string(s.carry[:idx])))
		s.carry = s.carry[idx+1:]
	}
	if len(s.carry) == 0 {
		s.carry = nil
	} else if len(lines) > 0 {
		// drop the consumed prefix so the backing array does not grow unbounded
		s.carry = append([]byte(nil), s.carry...)
	}
	return lines
}

// Pending reports how many bytes of an incomplete line are buffered.
func (s *LineSplitter) Pending() int {
	return len(s.carry)
}
