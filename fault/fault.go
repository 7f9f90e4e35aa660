// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package fault classifies the ways a proxied exchange can go wrong. Each kind
// maps to one propagation policy: protocol violations poison the connection,
// transport failures tear down both tunnel legs, handshake failures may fall
// back to blind relay, and degraded parses only weaken diagnostics.
package fault

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindProtocolViolation
	KindTransportFailure
	KindHandshakeFailure
	KindParseDegraded
)

func (k Kind) String() string {
	switch k {
	case KindProtocolViolation:
		return "protocol violation"
	case KindTransportFailure:
		return "transport failure"
	case KindHandshakeFailure:
		return "handshake failure"
	case KindParseDegraded:
		return "parse degraded"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ProtocolViolation = &kindError{KindProtocolViolation}
	TransportFailure  = &kindError{KindTransportFailure}
	HandshakeFailure  = &kindError{KindHandshakeFailure}
	ParseDegraded     = &kindError{KindParseDegraded}
)

type kindError struct{ kind Kind }

func (e *kindError) Error() string { return e.kind.String() }

// Error is a classified failure. Snippet holds a short excerpt of the raw
// bytes involved so that a violation can be reproduced from the log alone.
type Error struct {
	Kind    Kind
	Op      string
	Session string
	Status  int // HTTP status to synthesize, 0 if none
	Snippet []byte
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	if k, ok := target.(*kindError); ok {
		return k.kind == e.Kind
	}
	return false
}

func (e *Error) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("kind", e.Kind.String())}
	if e.Op != "" {
		attrs = append(attrs, slog.String("op", e.Op))
	}
	if e.Session != "" {
		attrs = append(attrs, slog.String("session", e.Session))
	}
	if e.Status != 0 {
		attrs = append(attrs, slog.Int("status", e.Status))
	}
	if len(e.Snippet) > 0 {
		attrs = append(attrs, slog.String("snippet", fmt.Sprintf("%q", e.Snippet)))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("err", e.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

const maxSnippet = 64

func snippet(b []byte) []byte {
	if len(b) > maxSnippet {
		b = b[:maxSnippet]
	}
	return append([]byte(nil), b...)
}

// Violation returns a protocol violation answered with the given status.
func Violation(op string, status int, raw []byte, err error) *Error {
	return &Error{Kind: KindProtocolViolation, Op: op, Status: status, Snippet: snippet(raw), Err: err}
}

func Transport(op string, err error) *Error {
	return &Error{Kind: KindTransportFailure, Op: op, Err: err}
}

func Handshake(op string, err error) *Error {
	return &Error{Kind: KindHandshakeFailure, Op: op, Status: 502, Err: err}
}

func Degraded(op string, raw []byte, err error) *Error {
	return &Error{Kind: KindParseDegraded, Op: op, Snippet: snippet(raw), Err: err}
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusOf returns the HTTP status the error asks to synthesize, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// IsBenignClose reports whether err is the ordinary end of a connection: a
// closed socket, a reset, a broken pipe or a deadline on an idle read.
func IsBenignClose(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, net.ErrClosed):
	case errors.Is(err, unix.ECONNRESET):
	case errors.Is(err, unix.EPIPE):
	case errors.Is(err, os.ErrDeadlineExceeded):
	default:
		return false
	}
	return true
}
