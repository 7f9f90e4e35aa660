// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package wsframe

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"proxycore.dev/fault"
)

type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	if d == ServerToClient {
		return "server->client"
	}
	return "client->server"
}

// Message is one logical message assembled from one or more frames of the
// same direction.
type Message struct {
	ID        uuid.UUID
	Direction Direction
	Opcode    Opcode
	Time      time.Time

	// Payload is unmasked. It is cut at the reassembler's limit; Size counts
	// every payload byte received.
	Payload   []byte
	Size      int64
	Truncated bool
	Frames    int

	CloseCode   uint16
	CloseReason string
}

func (m *Message) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", m.ID.String()),
		slog.String("dir", m.Direction.String()),
		slog.String("op", m.Opcode.String()),
		slog.Int64("size", m.Size),
		slog.Int("frames", m.Frames),
	}
	if m.Opcode == OpClose {
		attrs = append(attrs, slog.Int("code", int(m.CloseCode)))
	}
	return slog.GroupValue(attrs...)
}

var errOrphanContinuation = errors.New("continuation frame without a message in progress")

// Reassembler merges the frames of one direction into messages. It holds at
// most one unfinished message at a time.
type Reassembler struct {
	Direction Direction

	// MaxMessageBytes caps the stored payload. Zero means no limit.
	MaxMessageBytes int

	// Completed counts the messages returned by Add. Orphaned counts messages
	// that were abandoned unfinished because a frame of another opcode started
	// a new message.
	Completed int
	Orphaned  int

	pending *Message
}

func (r *Reassembler) newMessage(f *Frame) *Message {
	m := &Message{
		ID:        uuid.New(),
		Direction: r.Direction,
		Opcode:    f.Opcode,
		Time:      time.Now(),
	}
	r.append(m, f)
	return m
}

func (r *Reassembler) append(m *Message, f *Frame) {
	p := f.Unmasked()
	m.Frames++
	m.Size += int64(len(p))
	if r.MaxMessageBytes > 0 && len(m.Payload)+len(p) > r.MaxMessageBytes {
		p = p[:max(0, r.MaxMessageBytes-len(m.Payload))]
		m.Truncated = true
	}
	m.Payload = append(m.Payload, p...)
}

// Add feeds one frame. It returns the message the frame completes, or nil
// if the message is still in progress.
//
// Every opcode other than continuation starts a new message, so a control
// frame arriving between fragments orphans the unfinished message and the
// remaining continuation frames are dropped.
func (r *Reassembler) Add(f *Frame) (*Message, error) {
	m, err := r.add(f)
	if m != nil {
		r.Completed++
	}
	return m, err
}

func (r *Reassembler) add(f *Frame) (*Message, error) {
	if f.Opcode != OpContinuation && r.pending != nil {
		slog.Debug("websocket message abandoned unfinished", "pending", r.pending, "next", f.Opcode)
		r.Orphaned++
		r.pending = nil
	}

	switch {
	case f.Opcode.IsControl():
		m := r.newMessage(f)
		if f.Opcode == OpClose {
			m.CloseCode, m.CloseReason, _ = closeBody(m.Payload)
		}
		return m, nil

	case f.Opcode == OpContinuation:
		if r.pending == nil {
			return nil, fault.Degraded("reassemble websocket message", f.Payload, errOrphanContinuation)
		}
		r.append(r.pending, f)
		if !f.Fin {
			return nil, nil
		}
		m := r.pending
		r.pending = nil
		return m, nil

	default:
		m := r.newMessage(f)
		if !f.Fin {
			r.pending = m
			return nil, nil
		}
		return m, nil
	}
}

// Pending reports whether a fragmented message is in progress.
func (r *Reassembler) Pending() bool { return r.pending != nil }

// Decoder turns the byte stream of one direction into messages. It keeps the
// trailing partial frame between calls.
type Decoder struct {
	Reassembler

	buf    []byte
	failed error
}

func NewDecoder(dir Direction, maxMessageBytes int) *Decoder {
	return &Decoder{Reassembler: Reassembler{Direction: dir, MaxMessageBytes: maxMessageBytes}}
}

// Step is the outcome of one frame: its size on the wire, the message it
// completed if any, and the reassembly error it caused if any.
type Step struct {
	Frame   *Frame
	Wire    int
	Message *Message
	Err     error
}

// Steps appends p to the buffered tail and returns one step per complete
// frame, in stream order. The Wire sizes add up to the bytes consumed, so a
// caller holding the same bytes can cut out each frame's original encoding.
// Once the stream fails to parse the decoder stops and every later call
// returns the same error.
func (d *Decoder) Steps(p []byte) ([]Step, error) {
	if d.failed != nil {
		return nil, d.failed
	}

	d.buf = append(d.buf, p...)

	var steps []Step
	consumed := 0
	var err error
	for consumed < len(d.buf) {
		f, n, perr := ParseFrame(d.buf[consumed:])
		if perr != nil {
			err = perr
			break
		}
		if n == 0 {
			break
		}
		consumed += n

		m, aerr := d.Add(f)
		if aerr != nil {
			slog.Debug("websocket frame dropped", "dir", d.Direction, "err", aerr)
		}
		steps = append(steps, Step{Frame: f, Wire: n, Message: m, Err: aerr})
	}

	if err != nil {
		d.failed = err
		d.buf = nil
		return steps, err
	}

	// Keep only the unconsumed tail, compacting so the buffer does not grow
	// with the stream.
	k := copy(d.buf, d.buf[consumed:])
	d.buf = d.buf[:k]
	return steps, nil
}

// Feed is Steps for callers that only need the frames and the completed
// messages.
func (d *Decoder) Feed(p []byte) ([]*Frame, []*Message, error) {
	steps, err := d.Steps(p)
	var (
		frames []*Frame
		msgs   []*Message
	)
	for _, s := range steps {
		frames = append(frames, s.Frame)
		if s.Message != nil {
			msgs = append(msgs, s.Message)
		}
	}
	return frames, msgs, err
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int { return len(d.buf) }
