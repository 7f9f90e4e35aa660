// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package framer

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"proxycore.dev/config"
	"proxycore.dev/fault"
)

// BodyStream relays the entity following a head that Read returned in
// streamed mode. Entity bytes are written out as they arrive and are
// delimited by the head's framing fields; only an unfinished chunk size line
// and the first keep bytes are held in memory.
type BodyStream struct {
	s         Scanner
	head      *Message
	shortBody config.ShortBodyPolicy
	bufSize   int

	// window holds the chunked bytes not yet delimited. base counts the
	// entity bytes consumed before it.
	window []byte
	base   int64

	keep    int
	kept    []byte
	patched bool
}

// NewBodyStream decides the framing of a streamed head. Framing violations
// are reported here, before any of the message has been forwarded.
func NewBodyStream(head *Message, opts Options, keep int) (*BodyStream, error) {
	bs := &BodyStream{
		s: Scanner{
			Kind:          opts.Kind,
			RequestMethod: opts.RequestMethod,
			headers:       head.Headers,
		},
		head:      head,
		shortBody: opts.ShortBody,
		bufSize:   opts.BufferBytes,
		keep:      keep,
	}
	if bs.bufSize <= 0 {
		bs.bufSize = 16 << 10
	}
	if err := bs.s.frame(head.Raw); err != nil {
		return nil, err
	}
	if bs.s.boundary.Mode == BodyDeferred {
		return nil, fmt.Errorf("stream %s body: %w", opts.Kind, errors.ErrUnsupported)
	}
	return bs, nil
}

// Copy forwards the entity from src to dst and returns the message with its
// real boundary. Bytes read past the entity are returned to src.
func (bs *BodyStream) Copy(dst io.Writer, src Source) (*Message, error) {
	if bd := bs.s.boundary; bd.Mode == BodyNone || (bd.Mode == BodyFixed && bd.WireLength == 0) {
		return bs.message(), nil
	}

	buf := make([]byte, bs.bufSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			used, done, err := bs.feed(buf[:n])
			if err != nil {
				return nil, err
			}
			if used > 0 {
				if _, err := dst.Write(buf[:used]); err != nil {
					return nil, fault.Transport("send "+bs.s.Kind.String()+" body", err)
				}
			}
			if done {
				if used < n {
					src.Unread(append([]byte(nil), buf[used:n]...))
				}
				return bs.message(), nil
			}
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF):
			if err := bs.finish(); err != nil {
				return nil, err
			}
			return bs.message(), nil
		default:
			return nil, fault.Transport("read "+bs.s.Kind.String()+" body", rerr)
		}
	}
}

// feed consumes p and reports how many of its bytes belong to the entity
// and whether the entity ended inside p.
func (bs *BodyStream) feed(p []byte) (int, bool, error) {
	bd := &bs.s.boundary
	switch bd.Mode {
	case BodyFixed:
		used := int(min(int64(len(p)), bd.WireLength-bs.base))
		bs.base += int64(used)
		bs.hold(p[:used])
		return used, bs.base == bd.WireLength, nil

	case BodyChunked:
		prev := len(bs.window)
		bs.window = append(bs.window, p...)
		ok, err := bs.s.scanChunks(bs.window)
		if err != nil {
			return 0, false, err
		}
		if ok {
			used := bs.s.chunkPos - prev
			bd.WireLength = bs.base + int64(bs.s.chunkPos)
			bs.hold(p[:used])
			return used, true, nil
		}
		drop := min(bs.s.chunkPos, len(bs.window))
		bs.base += int64(drop)
		bs.s.chunkPos -= drop
		bs.window = append(bs.window[:0], bs.window[drop:]...)
		bs.hold(p)
		return len(p), false, nil

	default:
		bs.base += int64(len(p))
		bs.hold(p)
		return len(p), false, nil
	}
}

func (bs *BodyStream) finish() error {
	bd := &bs.s.boundary
	switch bd.Mode {
	case BodyUntilClose:
		bd.BodyLength, bd.WireLength = bs.base, bs.base
		return nil

	case BodyFixed:
		if bs.shortBody != config.ShortBodyPatch {
			status := http.StatusBadRequest
			if bs.s.Kind == KindResponse {
				status = http.StatusBadGateway
			}
			return fault.Violation("read "+bs.s.Kind.String()+" body", status, bs.head.Raw, ErrShortBody)
		}
		bs.s.headers.warn(fmt.Sprintf("Content-Length %d patched to %d", bd.WireLength, bs.base))
		bs.s.headers.Fields.Set("Content-Length", strconv.FormatInt(bs.base, 10))
		bd.BodyLength, bd.WireLength = bs.base, bs.base
		bs.patched = true
		return nil

	default:
		return fault.Transport("read chunked body", io.ErrUnexpectedEOF)
	}
}

func (bs *BodyStream) hold(p []byte) {
	if n := min(len(p), bs.keep-len(bs.kept)); n > 0 {
		bs.kept = append(bs.kept, p[:n]...)
	}
}

func (bs *BodyStream) message() *Message {
	bd := bs.s.boundary
	bd.HeaderEnd = bs.head.Boundary.HeaderEnd

	head := bs.head.Raw[:bd.HeaderEnd]
	raw := make([]byte, 0, len(head)+len(bs.kept))
	raw = append(append(raw, head...), bs.kept...)
	return &Message{
		Headers:  bs.s.headers,
		Boundary: bd,
		Trailers: bs.s.trailers,
		Raw:      raw,
		Patched:  bs.patched,
		Partial:  int64(len(bs.kept)) < bd.WireLength,
	}
}
