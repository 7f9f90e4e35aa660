// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package framer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"proxycore.dev/config"
	"proxycore.dev/fault"
)

// ErrAbortRead is returned by a ReadObserver to stop reading a message.
var ErrAbortRead = errors.New("read aborted by observer")

// Accumulator owns the bytes of one message as they arrive and drives a
// Scanner over them.
type Accumulator struct {
	Scanner
	buf []byte
}

func NewAccumulator(s Scanner) *Accumulator {
	return &Accumulator{Scanner: s}
}

// Feed appends p and scans the new bytes.
func (a *Accumulator) Feed(p []byte) (Progress, error) {
	a.buf = append(a.buf, p...)
	if a.resume == 0 && a.headers == nil {
		// Empty lines before the start line are ignored.
		i := 0
		for i < len(a.buf) && (a.buf[i] == '\r' || a.buf[i] == '\n') {
			i++
		}
		a.buf = a.buf[i:]
	}
	return a.Scan(a.buf, false)
}

// Finish scans with the knowledge that the stream has ended.
func (a *Accumulator) Finish() (Progress, error) {
	return a.Scan(a.buf, true)
}

func (a *Accumulator) Bytes() []byte { return a.buf }

// Message returns the completed message and any bytes received past its end.
func (a *Accumulator) Message() (*Message, []byte) {
	end := a.boundary.End()
	if end > len(a.buf) {
		end = len(a.buf)
	}
	m := &Message{
		Headers:  a.headers,
		Boundary: a.boundary,
		Trailers: a.trailers,
		Raw:      a.buf[:end:end],
	}
	return m, a.buf[end:]
}

// Message is one framed HTTP/1.x message.
type Message struct {
	Headers  *Headers
	Boundary Boundary
	Trailers Fields

	// Raw holds the header block and entity exactly as received.
	Raw []byte

	// Patched is set when the short body policy rewrote Content-Length.
	Patched bool

	// Partial is set when the entity was streamed and Raw keeps only its
	// first bytes.
	Partial bool
}

// Head returns the header block to forward: the received bytes, or a fresh
// serialization if the headers were rewritten.
func (m *Message) Head() []byte {
	if m.Patched {
		return m.Headers.Bytes()
	}
	return m.Raw[:m.Boundary.HeaderEnd]
}

// Body returns the entity bytes as they appeared on the wire.
func (m *Message) Body() []byte {
	return m.Raw[m.Boundary.HeaderEnd:]
}

// Wire returns the bytes to forward for this message.
func (m *Message) Wire() []byte {
	if !m.Patched {
		return m.Raw
	}
	head := m.Headers.Bytes()
	out := make([]byte, 0, len(head)+len(m.Body()))
	return append(append(out, head...), m.Body()...)
}

// Content returns the entity with the transfer coding removed.
func (m *Message) Content() ([]byte, error) {
	if m.Boundary.Mode != BodyChunked {
		return m.Body(), nil
	}
	if m.Partial {
		return dechunkPrefix(m.Body()), nil
	}
	b, _, err := Dechunk(m.Body())
	return b, err
}

func (m *Message) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("mode", m.Boundary.Mode.String()),
		slog.Int("headerBytes", m.Boundary.HeaderEnd),
		slog.Int64("bodyBytes", m.Boundary.BodyLength),
	}
	switch h := m.Headers; {
	case h.Request != nil:
		attrs = append(attrs, slog.String("method", h.Request.Method), slog.String("uri", h.Request.URI))
	case h.Status != nil:
		attrs = append(attrs, slog.Int("status", h.Status.Code))
	}
	return slog.GroupValue(attrs...)
}

// Source is the stream a message is read from. Bytes read past the end of a
// message are handed back with Unread.
type Source interface {
	Read(p []byte) (int, error)
	Unread(p []byte)
}

// ReadObserver sees every chunk read from the source before it is parsed.
type ReadObserver func(chunk []byte) error

type Options struct {
	Kind           Kind
	MaxHeaderBytes int
	BufferBytes    int
	ShortBody      config.ShortBodyPolicy
	RequestMethod  string
	Streamed       bool
	OnRead         ReadObserver
}

// OptionsFrom fills the size limits and short body policy from a config
// snapshot.
func OptionsFrom(c *config.Config, kind Kind) Options {
	return Options{
		Kind:           kind,
		MaxHeaderBytes: c.MaxHeaderBytes,
		BufferBytes:    c.BufferBytes,
		ShortBody:      c.ShortBodyPolicy,
	}
}

// Read reads one message from src. Bytes past the end of the message are
// returned to src so the next Read sees them first. A source that ends
// cleanly before the first byte yields io.EOF.
func Read(src Source, opts Options) (*Message, error) {
	acc := NewAccumulator(Scanner{
		Kind:           opts.Kind,
		MaxHeaderBytes: opts.MaxHeaderBytes,
		RequestMethod:  opts.RequestMethod,
		Streamed:       opts.Streamed,
	})

	size := opts.BufferBytes
	if size <= 0 {
		size = 16 << 10
	}
	buf := make([]byte, size)

	patched := false
	for done := false; !done; {
		n, rerr := src.Read(buf)
		if n > 0 {
			if opts.OnRead != nil {
				if err := opts.OnRead(buf[:n]); err != nil {
					src.Unread(append(acc.Bytes(), buf[:n]...))
					return nil, fmt.Errorf("read %s: %w", opts.Kind, err)
				}
			}
			p, err := acc.Feed(buf[:n])
			if err != nil {
				return nil, err
			}
			if p == Complete {
				break
			}
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF):
			_, err := acc.Finish()
			switch {
			case err == nil:
			case errors.Is(err, ErrShortBody) && opts.ShortBody == config.ShortBodyPatch:
				acc.Patch(acc.Bytes())
				patched = true
			case errors.Is(err, ErrShortBody):
				status := http.StatusBadRequest
				if opts.Kind == KindResponse {
					status = http.StatusBadGateway
				}
				return nil, fault.Violation("read "+opts.Kind.String()+" body", status, acc.Bytes(), err)
			default:
				return nil, err
			}
			done = true
		default:
			return nil, fault.Transport("read "+opts.Kind.String(), rerr)
		}
	}

	m, excess := acc.Message()
	m.Patched = patched
	if len(excess) > 0 {
		src.Unread(excess)
	}
	return m, nil
}
