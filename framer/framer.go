// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package framer delimits HTTP/1.x messages on a byte stream. It finds the
// end of the header block, decides how the entity is framed and reports when
// a complete message has been received, resuming from where the previous
// scan left off as more bytes arrive.
package framer

import (
	"fmt"
)

type Kind int

const (
	KindRequest Kind = iota
	KindResponse
)

func (k Kind) String() string {
	if k == KindResponse {
		return "response"
	}
	return "request"
}

// Terminator is the byte sequence that ended the header block.
type Terminator int

const (
	TermNone Terminator = iota
	TermCRLFCRLF
	TermLFLF
	TermLFCRLF
)

func (t Terminator) String() string {
	switch t {
	case TermCRLFCRLF:
		return "CRLFCRLF"
	case TermLFLF:
		return "LFLF"
	case TermLFCRLF:
		return "LFCRLF"
	default:
		return "none"
	}
}

// BodyMode says how the entity following the headers is delimited.
type BodyMode int

const (
	BodyNone BodyMode = iota
	BodyFixed
	BodyChunked
	BodyUntilClose

	// BodyDeferred is used for CONNECT requests and streamed messages: the
	// framer stops at the header end and the caller owns the rest of the
	// stream.
	BodyDeferred
)

func (m BodyMode) String() string {
	switch m {
	case BodyNone:
		return "none"
	case BodyFixed:
		return "fixed"
	case BodyChunked:
		return "chunked"
	case BodyUntilClose:
		return "until-close"
	case BodyDeferred:
		return "deferred"
	default:
		return fmt.Sprintf("BodyMode(%d)", int(m))
	}
}

// Boundary locates the parts of a message inside the accumulated buffer.
type Boundary struct {
	// HeaderEnd is the offset of the first entity byte.
	HeaderEnd int

	Mode BodyMode

	// BodyLength is the decoded entity length. For chunked bodies this is
	// the sum of the chunk sizes.
	BodyLength int64

	// WireLength is the number of bytes the entity occupies after HeaderEnd,
	// including chunk framing and trailers.
	WireLength int64
}

// End is the offset one past the last byte of the message.
func (b Boundary) End() int {
	return b.HeaderEnd + int(b.WireLength)
}

type Progress int

const (
	NeedMore Progress = iota
	Complete
)

func (p Progress) String() string {
	if p == Complete {
		return "complete"
	}
	return "need-more"
}
