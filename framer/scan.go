// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package framer

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// isTrimLowerEqual returns lower(trim(b[l:r])) == val.
func isTrimLowerEqual(b []byte, l, r int, val string) bool {
	// This is done allocation-free for performance reasons because the
	// equivalent using the bytes package (bytes.ToLower(bytes.TrimSpace(b)))
	// is nearly 3x slower.
	for ; l < r; l++ {
		if !isSpace(b[l]) {
			break
		}
	}
	for ; r > l; r-- {
		if !isSpace(b[r-1]) {
			break
		}
	}

	if r-l != len(val) {
		return false
	}

	for i := 0; i < r-l; i++ {
		c := b[i+l]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != val[i] {
			return false
		}
	}
	return true
}

// lastCommaSeparated returns true if the last of the comma-separated values
// in b matches val case-insensitively. Transfer codings are applied in
// order, so only the final coding decides whether the body is chunked.
func lastCommaSeparated(b []byte, start, end int, val string) bool {
	last := start
	for i := start; i < end; i++ {
		if b[i] == ',' {
			last = i + 1
		}
	}
	return isTrimLowerEqual(b, last, end, val)
}

func findByte(b []byte, start, end int, ch byte) (int, bool) {
	for i := start; i < end; i++ {
		if b[i] == ch {
			return i, true
		}
	}
	return 0, false
}

// findEOL returns the offset of the first LF in b[start:end] and the offset
// where the line content ends (before an optional CR).
func findEOL(b []byte, start, end int) (lf int, contentEnd int, ok bool) {
	lf, ok = findByte(b, start, end, '\n')
	if !ok {
		return 0, 0, false
	}
	contentEnd = lf
	if contentEnd > start && b[contentEnd-1] == '\r' {
		contentEnd--
	}
	return lf, contentEnd, true
}

// parseDec parses a non-negative decimal integer surrounded by optional
// whitespace. Values that overflow int64 are rejected.
func parseDec(b []byte, start, end int) (int64, bool) {
	for ; start < end; start++ {
		if !isSpace(b[start]) {
			break
		}
	}
	for ; end > start; end-- {
		if !isSpace(b[end-1]) {
			break
		}
	}
	if start == end {
		return 0, false
	}

	var n int64
	for i := start; i < end; i++ {
		c := b[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		if n > (1<<63-1-int64(c-'0'))/10 {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

// parseHex parses a chunk size. Anything after a ';' is a chunk extension
// and is ignored.
func parseHex(b []byte, start, end int) (int64, bool) {
	if semi, ok := findByte(b, start, end, ';'); ok {
		end = semi
	}
	for ; start < end; start++ {
		if !isSpace(b[start]) {
			break
		}
	}
	for ; end > start; end-- {
		if !isSpace(b[end-1]) {
			break
		}
	}
	if start == end || end-start > 15 {
		return 0, false
	}

	var n int64
	for i := start; i < end; i++ {
		c := b[i]
		n <<= 4
		switch {
		case '0' <= c && c <= '9':
			n += int64(c - '0')
		case 'a' <= c && c <= 'f':
			n += int64(c - 'a' + 10)
		case 'A' <= c && c <= 'F':
			n += int64(c - 'A' + 10)
		default:
			return 0, false
		}
	}
	return n, true
}
