// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package framer

import (
	"bytes"
	"fmt"
	"io"
)

// Dechunk decodes a complete chunked entity and returns the content and any
// trailer fields.
func Dechunk(b []byte) ([]byte, Fields, error) {
	var out bytes.Buffer
	var trailers Fields

	pos := 0
	for {
		lf, end, ok := findEOL(b, pos, len(b))
		if !ok {
			return nil, nil, fmt.Errorf("dechunk: size line: %w", io.ErrUnexpectedEOF)
		}
		n, ok := parseHex(b, pos, end)
		if !ok {
			return nil, nil, fmt.Errorf("dechunk: %w: %q", errBadChunkSize, b[pos:end])
		}
		pos = lf + 1
		if n == 0 {
			break
		}
		if int64(len(b)-pos) < n {
			return nil, nil, fmt.Errorf("dechunk: data: %w", io.ErrUnexpectedEOF)
		}
		out.Write(b[pos : pos+int(n)])
		pos += int(n)

		lf, end, ok = findEOL(b, pos, len(b))
		if !ok || end != pos {
			return nil, nil, fmt.Errorf("dechunk: %w", errBadChunkEnd)
		}
		pos = lf + 1
	}

	for {
		lf, end, ok := findEOL(b, pos, len(b))
		if !ok {
			return nil, nil, fmt.Errorf("dechunk: trailers: %w", io.ErrUnexpectedEOF)
		}
		if end == pos {
			break
		}
		line := b[pos:end]
		if colon, ok := findByte(line, 0, len(line), ':'); ok {
			trailers.Add(string(line[:colon]), string(trimSpace(line[colon+1:])))
		}
		pos = lf + 1
	}
	return out.Bytes(), trailers, nil
}

// dechunkPrefix decodes as much content as the first bytes of a chunked
// entity hold.
func dechunkPrefix(b []byte) []byte {
	var out []byte
	pos := 0
	for {
		lf, end, ok := findEOL(b, pos, len(b))
		if !ok {
			return out
		}
		n, ok := parseHex(b, pos, end)
		if !ok || n == 0 {
			return out
		}
		pos = lf + 1
		if int64(len(b)-pos) < n {
			return append(out, b[pos:]...)
		}
		out = append(out, b[pos:pos+int(n)]...)
		pos += int(n)

		lf, _, ok = findEOL(b, pos, len(b))
		if !ok {
			return out
		}
		pos = lf + 1
	}
}

// Chunk encodes p as a single chunk. An empty p yields the last-chunk marker
// and the empty trailer section.
func Chunk(p []byte) []byte {
	if len(p) == 0 {
		return []byte("0\r\n\r\n")
	}
	b := make([]byte, 0, len(p)+20)
	b = fmt.Appendf(b, "%x\r\n", len(p))
	b = append(b, p...)
	return append(b, '\r', '\n')
}
