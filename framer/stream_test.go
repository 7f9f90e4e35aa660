// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package framer

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"proxycore.dev/config"
	"proxycore.dev/fault"
)

func TestScannerStreamed(t *testing.T) {
	head := "POST / HTTP/1.1\r\nContent-Length: 10\r\n\r\n"
	acc := NewAccumulator(Scanner{Kind: KindRequest, Streamed: true})

	p, err := acc.Feed([]byte(head + "ab"))
	if err != nil || p != Complete {
		t.Fatalf("progress=%v err=%v", p, err)
	}
	m, excess := acc.Message()
	if m.Boundary.Mode != BodyDeferred {
		t.Fatalf("mode %v, want deferred", m.Boundary.Mode)
	}
	if got := m.Boundary.End(); got != len(head) || got != 39 {
		t.Fatalf("end %d, want %d", got, len(head))
	}
	if string(m.Raw) != head || string(excess) != "ab" {
		t.Fatalf("raw %q excess %q", m.Raw, excess)
	}
}

func TestScannerStreamedResponseWithoutBody(t *testing.T) {
	acc := NewAccumulator(Scanner{Kind: KindResponse, Streamed: true})
	p, err := acc.Feed([]byte("HTTP/1.1 204 No Content\r\n\r\n"))
	if err != nil || p != Complete {
		t.Fatalf("progress=%v err=%v", p, err)
	}
	if mode := acc.Boundary().Mode; mode != BodyNone {
		t.Fatalf("mode %v, want none", mode)
	}
}

// streamBody reads a streamed head from src and relays its entity into a
// buffer the way a proxy relays it to the client.
func streamBody(t *testing.T, src *chunkSource, opts Options, keep int) (*Message, string, error) {
	t.Helper()
	opts.Streamed = true
	head, err := Read(src, opts)
	if err != nil {
		t.Fatalf("read head: %v", err)
	}
	if head.Boundary.Mode != BodyDeferred {
		t.Fatalf("head mode %v, want deferred", head.Boundary.Mode)
	}
	bs, err := NewBodyStream(head, opts, keep)
	if err != nil {
		return nil, "", err
	}
	var out bytes.Buffer
	m, err := bs.Copy(&out, src)
	return m, out.String(), err
}

func TestBodyStream(t *testing.T) {
	chunked := "5\r\nhello\r\n10\r\n0123456789abcdef\r\n0\r\nX-Sum: 21\r\n\r\n"
	tests := []struct {
		name     string
		msg      string
		mode     BodyMode
		body     string
		bodyLen  int64
		wantKept string
	}{
		{
			name:     "fixed",
			msg:      "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n0123456789",
			mode:     BodyFixed,
			body:     "0123456789",
			bodyLen:  10,
			wantKept: "0123",
		},
		{
			name:     "chunked",
			msg:      "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" + chunked,
			mode:     BodyChunked,
			body:     chunked,
			bodyLen:  21,
			wantKept: "5\r\nh",
		},
		{
			name:     "empty",
			msg:      "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n",
			mode:     BodyFixed,
			body:     "",
			bodyLen:  0,
			wantKept: "",
		},
	}
	for _, tt := range tests {
		for _, size := range []int{3, 7, 1 << 10} {
			src := source(tt.msg + "NEXT")
			m, got, err := streamBody(t, src, Options{Kind: KindResponse, BufferBytes: size}, 4)
			if err != nil {
				t.Fatalf("%s/%d: %v", tt.name, size, err)
			}
			if got != tt.body {
				t.Fatalf("%s/%d: relayed %q, want %q", tt.name, size, got, tt.body)
			}
			if m.Boundary.Mode != tt.mode || m.Boundary.BodyLength != tt.bodyLen || m.Boundary.WireLength != int64(len(tt.body)) {
				t.Fatalf("%s/%d: boundary %+v", tt.name, size, m.Boundary)
			}
			if string(m.Body()) != tt.wantKept || m.Partial != (len(tt.body) > 4) {
				t.Fatalf("%s/%d: kept %q partial %v", tt.name, size, m.Body(), m.Partial)
			}
			rest, _ := io.ReadAll(src)
			if string(rest) != "NEXT" {
				t.Fatalf("%s/%d: excess %q, want NEXT", tt.name, size, rest)
			}
		}
	}
}

func TestBodyStreamChunkedTrailers(t *testing.T) {
	src := source("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\nX-Sum: 3\r\n\r\n")
	m, _, err := streamBody(t, src, Options{Kind: KindResponse, BufferBytes: 2}, 64)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got := m.Trailers.Get("X-Sum"); got != "3" {
		t.Fatalf("trailer %q", got)
	}
	content, err := m.Content()
	if err != nil || string(content) != "abc" {
		t.Fatalf("content %q err %v", content, err)
	}
}

func TestBodyStreamUntilClose(t *testing.T) {
	src := source("HTTP/1.0 200 OK\r\n\r\nsome", " body")
	m, got, err := streamBody(t, src, Options{Kind: KindResponse}, 64)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got != "some body" || m.Boundary.Mode != BodyUntilClose || m.Boundary.BodyLength != 9 {
		t.Fatalf("relayed %q boundary %+v", got, m.Boundary)
	}
}

func TestBodyStreamShort(t *testing.T) {
	msg := "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc"

	_, got, err := streamBody(t, source(msg), Options{Kind: KindResponse, ShortBody: config.ShortBodyFail}, 64)
	if !errors.Is(err, fault.ProtocolViolation) || !errors.Is(err, ErrShortBody) {
		t.Fatalf("fail policy: got %v", err)
	}
	if got != "abc" {
		t.Fatalf("fail policy relayed %q", got)
	}

	m, _, err := streamBody(t, source(msg), Options{Kind: KindResponse, ShortBody: config.ShortBodyPatch}, 64)
	if err != nil {
		t.Fatalf("patch policy: %v", err)
	}
	if !m.Patched || m.Headers.Fields.Get("Content-Length") != "3" || m.Boundary.WireLength != 3 {
		t.Fatalf("not patched: %+v %+v", m.Headers.Fields, m.Boundary)
	}
}

func TestBodyStreamViolations(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		msg  string
	}{
		{"conflicting lengths", KindRequest, "POST / HTTP/1.1\r\nContent-Length: 3\r\nTransfer-Encoding: chunked\r\n\r\n"},
		{"bad length", KindResponse, "HTTP/1.1 200 OK\r\nContent-Length: x\r\n\r\n"},
	}
	for _, tt := range tests {
		_, got, err := streamBody(t, source(tt.msg), Options{Kind: tt.kind}, 0)
		if !errors.Is(err, fault.ProtocolViolation) || got != "" {
			t.Errorf("%s: relayed %q err %v", tt.name, got, err)
		}
	}

	_, _, err := streamBody(t, source("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n"), Options{Kind: KindResponse}, 0)
	if !errors.Is(err, fault.ProtocolViolation) {
		t.Errorf("bad chunk size: got %v", err)
	}
}
