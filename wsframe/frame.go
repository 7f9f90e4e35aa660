// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package wsframe parses, encodes and reassembles RFC 6455 WebSocket frames
// observed on a relayed connection.
package wsframe

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"proxycore.dev/fault"
)

type Opcode uint8

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xa
)

func (op Opcode) IsControl() bool { return op&0x8 != 0 }

func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("reserved(%#x)", uint8(op))
	}
}

const (
	maxControlPayload = 125
	len16             = 126
	len64             = 127
)

var (
	errLengthOverflow     = errors.New("64-bit payload length has the high bit set")
	errFragmentedControl  = errors.New("control frame is fragmented")
	errOversizedControl   = errors.New("control frame payload exceeds 125 bytes")
	errFrameExceedsBuffer = errors.New("frame exceeds maximum frame size")
)

// MaxFrameBytes bounds the payload of a single frame the parser accepts.
var MaxFrameBytes uint64 = 64 << 20

// Frame is one frame as it appeared on the wire. Payload holds the bytes as
// transmitted, so it is still masked when Masked is set.
type Frame struct {
	Fin     bool
	Rsv     uint8
	Opcode  Opcode
	Masked  bool
	Mask    [4]byte
	Length  uint64
	Payload []byte
}

// Cipher XORs b in place with the mask key, starting at payload offset pos.
// Masking and unmasking are the same operation.
func Cipher(b []byte, mask [4]byte, pos int) {
	for i := range b {
		b[i] ^= mask[(pos+i)%4]
	}
}

// Unmasked returns a copy of the payload with the mask removed.
func (f *Frame) Unmasked() []byte {
	p := append([]byte(nil), f.Payload...)
	if f.Masked {
		Cipher(p, f.Mask, 0)
	}
	return p
}

// SetPayload replaces the payload with plain, masking it with the frame's
// current key if the frame is masked.
func (f *Frame) SetPayload(plain []byte) {
	p := append([]byte(nil), plain...)
	if f.Masked {
		Cipher(p, f.Mask, 0)
	}
	f.Payload = p
	f.Length = uint64(len(p))
}

// Rekey re-masks the payload with key, or with a fresh random key if key is
// nil. An unmasked frame becomes masked.
func (f *Frame) Rekey(key *[4]byte) error {
	plain := f.Unmasked()
	if key != nil {
		f.Mask = *key
	} else if _, err := rand.Read(f.Mask[:]); err != nil {
		return fmt.Errorf("generate mask key: %w", err)
	}
	f.Masked = true
	f.SetPayload(plain)
	return nil
}

// NewFrame builds a frame carrying plain. If mask is non-nil the payload is
// masked with it.
func NewFrame(op Opcode, fin bool, plain []byte, mask *[4]byte) *Frame {
	f := &Frame{Fin: fin, Opcode: op}
	if mask != nil {
		f.Masked = true
		f.Mask = *mask
	}
	f.SetPayload(plain)
	return f
}

// CloseCode returns the status code and reason of a close frame.
func (f *Frame) CloseCode() (uint16, string, bool) {
	if f.Opcode != OpClose {
		return 0, "", false
	}
	return closeBody(f.Unmasked())
}

func closeBody(p []byte) (uint16, string, bool) {
	if len(p) < 2 {
		return 0, "", false
	}
	return binary.BigEndian.Uint16(p), string(p[2:]), true
}

// HeaderLen returns the encoded header size for a payload of length n.
func HeaderLen(n uint64, masked bool) int {
	size := 2
	switch {
	case n > math.MaxUint16:
		size += 8
	case n > maxControlPayload:
		size += 2
	}
	if masked {
		size += 4
	}
	return size
}

// Append encodes f onto dst using the smallest length encoding.
func (f *Frame) Append(dst []byte) []byte {
	n := uint64(len(f.Payload))

	b0 := byte(f.Opcode) & 0x0f
	b0 |= (f.Rsv & 0x7) << 4
	if f.Fin {
		b0 |= 0x80
	}
	var b1 byte
	if f.Masked {
		b1 = 0x80
	}

	switch {
	case n > math.MaxUint16:
		dst = append(dst, b0, b1|len64)
		dst = binary.BigEndian.AppendUint64(dst, n)
	case n > maxControlPayload:
		dst = append(dst, b0, b1|len16)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, b1|byte(n))
	}
	if f.Masked {
		dst = append(dst, f.Mask[:]...)
	}
	return append(dst, f.Payload...)
}

// Encode returns the wire form of f.
func Encode(f *Frame) []byte {
	return f.Append(make([]byte, 0, HeaderLen(uint64(len(f.Payload)), f.Masked)+len(f.Payload)))
}

// ParseFrame decodes the frame at the start of buf. It returns n == 0 if buf
// does not yet hold a complete frame.
func ParseFrame(buf []byte) (f *Frame, n int, err error) {
	if len(buf) < 2 {
		return nil, 0, nil
	}

	f = &Frame{
		Fin:    buf[0]&0x80 != 0,
		Rsv:    (buf[0] >> 4) & 0x7,
		Opcode: Opcode(buf[0] & 0x0f),
		Masked: buf[1]&0x80 != 0,
	}

	pos := 2
	switch l := buf[1] & 0x7f; l {
	case len16:
		if len(buf) < pos+2 {
			return nil, 0, nil
		}
		f.Length = uint64(binary.BigEndian.Uint16(buf[pos:]))
		pos += 2
	case len64:
		if len(buf) < pos+8 {
			return nil, 0, nil
		}
		f.Length = binary.BigEndian.Uint64(buf[pos:])
		if f.Length>>63 != 0 {
			return nil, 0, fault.Degraded("parse websocket frame", buf, errLengthOverflow)
		}
		pos += 8
	default:
		f.Length = uint64(l)
	}

	if f.Opcode.IsControl() {
		if !f.Fin {
			return nil, 0, fault.Degraded("parse websocket frame", buf, errFragmentedControl)
		}
		if f.Length > maxControlPayload {
			return nil, 0, fault.Degraded("parse websocket frame", buf, errOversizedControl)
		}
	}
	if f.Length > MaxFrameBytes {
		return nil, 0, fault.Degraded("parse websocket frame", buf, fmt.Errorf("%w: %d bytes", errFrameExceedsBuffer, f.Length))
	}

	if f.Masked {
		if len(buf) < pos+4 {
			return nil, 0, nil
		}
		copy(f.Mask[:], buf[pos:pos+4])
		pos += 4
	}

	if uint64(len(buf)-pos) < f.Length {
		return nil, 0, nil
	}
	end := pos + int(f.Length)
	f.Payload = append([]byte(nil), buf[pos:end]...)
	return f, end, nil
}

// Parse extracts every complete frame from buf. consumed is the offset of the
// first byte of the trailing partial frame; the caller keeps buf[consumed:]
// and appends to it. Frames decoded before an error are still returned.
func Parse(buf []byte) (frames []*Frame, consumed int, err error) {
	for consumed < len(buf) {
		f, n, err := ParseFrame(buf[consumed:])
		if err != nil {
			return frames, consumed, err
		}
		if n == 0 {
			break
		}
		frames = append(frames, f)
		consumed += n
	}
	return frames, consumed, nil
}
