// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package framer

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"proxycore.dev/fault"
)

// ErrShortBody is returned at EOF when fewer entity bytes arrived than the
// Content-Length promised.
var ErrShortBody = errors.New("connection closed before Content-Length bytes were received")

var (
	errHeadersTooLarge   = errors.New("header block exceeds size limit")
	errConflictingLength = errors.New("both Content-Length and Transfer-Encoding present")
	errBadLength         = errors.New("invalid Content-Length")
	errUnknownCoding     = errors.New("request uses a transfer coding other than chunked")
	errBadChunkSize      = errors.New("invalid chunk size")
	errBadChunkEnd       = errors.New("chunk data not followed by CRLF")
	errChunkLineTooLong  = errors.New("chunk size line too long")
)

const maxChunkLine = 4096

type chunkPhase int

const (
	chunkSize chunkPhase = iota
	chunkDataEnd
	chunkTrailer
)

// Scanner is an incremental HTTP/1.x message delimiter. Each call to Scan
// receives the whole buffer accumulated so far and resumes from the offsets
// persisted by the previous call, so the amount of work per call is
// proportional to the number of new bytes.
//
// The zero value scans requests with no header size limit.
type Scanner struct {
	Kind Kind

	// MaxHeaderBytes bounds the header block. Zero disables the check.
	MaxHeaderBytes int

	// RequestMethod is the method of the request a response answers. HEAD
	// and CONNECT change how response entities are framed.
	RequestMethod string

	// Streamed stops framing at the header end.
	Streamed bool

	resume   int
	headers  *Headers
	boundary Boundary
	done     bool

	chunkPos   int
	chunkPhase chunkPhase
	trailers   Fields
}

func (s *Scanner) Headers() *Headers   { return s.headers }
func (s *Scanner) Boundary() Boundary  { return s.boundary }
func (s *Scanner) Trailers() Fields    { return s.trailers }
func (s *Scanner) Done() bool          { return s.done }
func (s *Scanner) HeadersParsed() bool { return s.headers != nil }

func (s *Scanner) violationStatus() int {
	if s.Kind == KindResponse {
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

func (s *Scanner) violation(op string, b []byte, err error) error {
	return fault.Violation(op, s.violationStatus(), b, err)
}

// Scan advances over b, which must start with the bytes passed to the
// previous call. eof reports that no more bytes will follow.
//
// At eof with zero bytes Scan returns io.EOF. When the Content-Length
// promised more bytes than arrived it returns ErrShortBody so the caller can
// apply its short body policy.
func (s *Scanner) Scan(b []byte, eof bool) (Progress, error) {
	if s.done {
		return Complete, nil
	}

	if s.headers == nil {
		end, term, ok := s.findHeaderEnd(b)
		if !ok {
			if s.MaxHeaderBytes > 0 && len(b) > s.MaxHeaderBytes {
				return NeedMore, s.oversized(b)
			}
			if eof {
				if len(b) == 0 {
					return NeedMore, io.EOF
				}
				return NeedMore, fault.Transport("read headers", io.ErrUnexpectedEOF)
			}
			return NeedMore, nil
		}
		if s.MaxHeaderBytes > 0 && end > s.MaxHeaderBytes {
			return NeedMore, s.oversized(b)
		}

		h, err := parseHead(b[:end], s.Kind)
		if err != nil {
			return NeedMore, s.violation("parse "+s.Kind.String()+" head", b, err)
		}
		h.Terminator = term
		if term != TermCRLFCRLF {
			h.warn("header block terminated by " + term.String())
		}
		s.headers = h
		s.boundary.HeaderEnd = end
		if err := s.frame(b); err != nil {
			return NeedMore, err
		}
	}

	return s.scanBody(b, eof)
}

func (s *Scanner) oversized(b []byte) error {
	status := http.StatusBadGateway
	if s.Kind == KindRequest {
		status = http.StatusRequestURITooLong
	}
	return fault.Violation("read "+s.Kind.String()+" head", status, b, errHeadersTooLarge)
}

// findHeaderEnd looks for CRLFCRLF, LFLF or LFCRLF starting at the persisted
// resume offset. An LF too close to the end of b to be classified is
// revisited on the next call.
func (s *Scanner) findHeaderEnd(b []byte) (int, Terminator, bool) {
	for i := s.resume; i < len(b); i++ {
		if b[i] != '\n' {
			continue
		}
		if i+1 >= len(b) {
			s.resume = i
			return 0, TermNone, false
		}
		switch b[i+1] {
		case '\n':
			return i + 2, TermLFLF, true
		case '\r':
			if i+2 >= len(b) {
				s.resume = i
				return 0, TermNone, false
			}
			if b[i+2] != '\n' {
				continue
			}
			if i > 0 && b[i-1] == '\r' {
				return i + 3, TermCRLFCRLF, true
			}
			return i + 3, TermLFCRLF, true
		}
	}
	s.resume = len(b)
	return 0, TermNone, false
}

// frame decides the body mode from the start line and the framing fields.
func (s *Scanner) frame(b []byte) error {
	h := s.headers
	bd := &s.boundary

	switch s.Kind {
	case KindRequest:
		if h.Request.Method == http.MethodConnect || s.Streamed {
			bd.Mode = BodyDeferred
			return nil
		}
	case KindResponse:
		code := h.Status.Code
		switch {
		case code >= 100 && code < 200, code == http.StatusNoContent, code == http.StatusNotModified:
			bd.Mode = BodyNone
			return nil
		case s.RequestMethod == http.MethodHead:
			bd.Mode = BodyNone
			return nil
		case s.RequestMethod == http.MethodConnect && code >= 200 && code < 300:
			bd.Mode = BodyNone
			return nil
		case s.Streamed:
			bd.Mode = BodyDeferred
			return nil
		}
	}

	te := h.Fields.Values("Transfer-Encoding")
	cl := h.Fields.Values("Content-Length")

	if len(te) > 0 {
		if len(cl) > 0 {
			if s.Kind == KindRequest {
				return s.violation("frame request", b, errConflictingLength)
			}
			h.warn(errConflictingLength.Error())
			h.Fields.Del("Content-Length")
		}
		last := []byte(te[len(te)-1])
		switch {
		case lastCommaSeparated(last, 0, len(last), "chunked"):
			bd.Mode = BodyChunked
			s.chunkPos = bd.HeaderEnd
		case s.Kind == KindRequest:
			return s.violation("frame request", b, errUnknownCoding)
		default:
			bd.Mode = BodyUntilClose
		}
		return nil
	}

	if len(cl) > 0 {
		var n int64 = -1
		for _, v := range cl {
			m, ok := parseDec([]byte(v), 0, len(v))
			if !ok {
				return s.violation("frame "+s.Kind.String(), b, fmt.Errorf("%w: %q", errBadLength, v))
			}
			if n >= 0 && m != n {
				return s.violation("frame "+s.Kind.String(), b, fmt.Errorf("%w: conflicting values %d and %d", errBadLength, n, m))
			}
			n = m
		}
		if len(cl) > 1 {
			h.warn("duplicate Content-Length fields")
		}
		bd.Mode = BodyFixed
		bd.BodyLength = n
		bd.WireLength = n
		return nil
	}

	if s.Kind == KindRequest {
		bd.Mode = BodyNone
	} else {
		bd.Mode = BodyUntilClose
	}
	return nil
}

func (s *Scanner) scanBody(b []byte, eof bool) (Progress, error) {
	bd := &s.boundary
	switch bd.Mode {
	case BodyNone, BodyDeferred:
		bd.BodyLength, bd.WireLength = 0, 0

	case BodyFixed:
		if int64(len(b)-bd.HeaderEnd) < bd.WireLength {
			if eof {
				return NeedMore, ErrShortBody
			}
			return NeedMore, nil
		}

	case BodyChunked:
		ok, err := s.scanChunks(b)
		if err != nil {
			return NeedMore, err
		}
		if !ok {
			if eof {
				return NeedMore, fault.Transport("read chunked body", io.ErrUnexpectedEOF)
			}
			return NeedMore, nil
		}

	case BodyUntilClose:
		if !eof {
			return NeedMore, nil
		}
		bd.BodyLength = int64(len(b) - bd.HeaderEnd)
		bd.WireLength = bd.BodyLength
	}

	s.done = true
	return Complete, nil
}

// scanChunks walks chunk size lines, chunk data and trailers from the last
// persisted position. It returns true once the empty line after the trailers
// has been seen.
func (s *Scanner) scanChunks(b []byte) (bool, error) {
	bd := &s.boundary
	for {
		if s.chunkPos >= len(b) {
			return false, nil
		}

		lf, end, ok := findEOL(b, s.chunkPos, len(b))
		if !ok {
			if s.chunkPhase == chunkDataEnd && len(b)-s.chunkPos >= 2 {
				return false, s.violation("read chunked body", b[s.chunkPos:], errBadChunkEnd)
			}
			if len(b)-s.chunkPos > maxChunkLine {
				return false, s.violation("read chunked body", b[s.chunkPos:], errChunkLineTooLong)
			}
			return false, nil
		}

		switch s.chunkPhase {
		case chunkSize:
			n, ok := parseHex(b, s.chunkPos, end)
			if !ok {
				return false, s.violation("read chunked body", b[s.chunkPos:end], errBadChunkSize)
			}
			if n == 0 {
				s.chunkPhase = chunkTrailer
				s.chunkPos = lf + 1
				continue
			}
			bd.BodyLength += n
			s.chunkPos = lf + 1 + int(n)
			s.chunkPhase = chunkDataEnd

		case chunkDataEnd:
			if end != s.chunkPos {
				return false, s.violation("read chunked body", b[s.chunkPos:end], errBadChunkEnd)
			}
			s.chunkPos = lf + 1
			s.chunkPhase = chunkSize

		case chunkTrailer:
			if end == s.chunkPos {
				s.chunkPos = lf + 1
				bd.WireLength = int64(s.chunkPos - bd.HeaderEnd)
				return true, nil
			}
			line := b[s.chunkPos:end]
			if colon, ok := findByte(line, 0, len(line), ':'); ok {
				s.trailers.Add(string(line[:colon]), string(trimSpace(line[colon+1:])))
			}
			s.chunkPos = lf + 1
		}
	}
}

// Patch accepts a short fixed-length body as complete: the boundary shrinks
// to the bytes that arrived and the Content-Length field is rewritten to
// match.
func (s *Scanner) Patch(b []byte) {
	bd := &s.boundary
	got := int64(len(b) - bd.HeaderEnd)
	s.headers.warn(fmt.Sprintf("Content-Length %d patched to %d", bd.WireLength, got))
	s.headers.Fields.Set("Content-Length", strconv.FormatInt(got, 10))
	bd.BodyLength = got
	bd.WireLength = got
	s.done = true
}

func trimSpace(b []byte) []byte {
	for len(b) > 0 && isSpace(b[0]) {
		b = b[1:]
	}
	for len(b) > 0 && isSpace(b[len(b)-1]) {
		b = b[:len(b)-1]
	}
	return b
}
