package ws

import "unicode/utf8"

// maxCarry bounds how many trailing bytes may be held back waiting for a
// rune or escape sequence to complete.
const maxCarry = 4096

// splitter turns an arbitrary byte stream into frames that end on a safe
// boundary. Bytes after the boundary are carried into the next frame.
type splitter struct {
	carry []byte
}

// next returns the part of carry+chunk that can be emitted now.
func (s *splitter) next(chunk []byte) []byte {
	data := chunk
	if len(s.carry) > 0 {
		data = append(s.carry, chunk...)
		s.carry = nil
	}

	cut := safeBoundary(data)
	if len(data)-cut > maxCarry {
		cut = len(data)
	}
	if cut < len(data) {
		s.carry = append([]byte(nil), data[cut:]...)
	}
	return data[:cut]
}

// flush returns whatever is still held back.
func (s *splitter) flush() []byte {
	rest := s.carry
	s.carry = nil
	return rest
}

// safeBoundary returns the length of the longest prefix of data that does
// not end inside a UTF-8 rune or an ANSI escape sequence.
func safeBoundary(data []byte) int {
	n := len(data)
	if n == 0 {
		return 0
	}

	boundary := n
	start := n - utf8.UTFMax
	if start < 0 {
		start = 0
	}
	for i := n - 1; i >= start; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:n]) {
				boundary = i
			}
			break
		}
	}

	if esc := incompleteEscapeStart(data[:boundary]); esc >= 0 {
		boundary = esc
	}
	return boundary
}

// incompleteEscapeStart returns the index of a trailing ESC whose sequence
// is not finished yet, or -1.
func incompleteEscapeStart(data []byte) int {
	searchStart := len(data) - 64
	if searchStart < 0 {
		searchStart = 0
	}
	for i := len(data) - 1; i >= searchStart; i-- {
		if data[i] != 0x1b {
			continue
		}
		if completeEscape(data[i:]) {
			return -1
		}
		return i
	}
	return -1
}

// completeEscape reports whether seq, which starts with ESC, holds a full sequence.
func completeEscape(seq []byte) bool {
	if len(seq) < 2 {
		return false
	}

	switch next := seq[1]; next {
	case '[': // CSI ends with a final byte in 0x40-0x7e
		for _, b := range seq[2:] {
			if b >= 0x40 && b <= 0x7e {
				return true
			}
		}
		return false
	case ']': // OSC ends with BEL or ST
		for i := 2; i < len(seq); i++ {
			if seq[i] == 0x07 || (seq[i] == 0x1b && i+1 < len(seq) && seq[i+1] == '\\') {
				return true
			}
		}
		return false
	case 'P', '^', '_': // DCS, PM and APC end with ST
		for i := 2; i+1 < len(seq); i++ {
			if seq[i] == 0x1b && seq[i+1] == '\\' {
				return true
			}
		}
		return false
	default:
		// Intermediate bytes such as ESC ( B need a final byte.
		if next >= 0x20 && next <= 0x2f {
			return len(seq) >= 3 && seq[2] >= 0x30 && seq[2] <= 0x7e
		}
		return true
	}
}
