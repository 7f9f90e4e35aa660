// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package capture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/martian/v3/har"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
	"proxycore.dev/config"
	"proxycore.dev/filter"
	"proxycore.dev/framer"
	"proxycore.dev/session"
	"proxycore.dev/wsframe"
)

func frame(t *testing.T, kind framer.Kind, raw string) *framer.Message {
	t.Helper()
	acc := framer.NewAccumulator(framer.Scanner{Kind: kind, RequestMethod: "POST"})
	p, err := acc.Feed([]byte(raw))
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if p != framer.Complete {
		t.Fatalf("message incomplete: %v", p)
	}
	m, rest := acc.Message()
	if len(rest) != 0 {
		t.Fatalf("unexpected trailing bytes %q", rest)
	}
	return m
}

func gzipped(t *testing.T, s string) string {
	var b bytes.Buffer
	w := gzip.NewWriter(&b)
	w.Write([]byte(s))
	if err := w.Close(); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	return b.String()
}

func TestRecord(t *testing.T) {
	body := gzipped(t, `{"items":[1,2,3]}`)
	req := frame(t, framer.KindRequest, "POST /api?x=1 HTTP/1.1\r\n"+
		"Host: example.com\r\n"+
		"Authorization: Bearer s3cret\r\n"+
		"Content-Type: text/plain\r\n"+
		"Content-Length: 5\r\n\r\nhello")
	resp := frame(t, framer.KindResponse, "HTTP/1.1 201 Made\r\n"+
		"Content-Type: application/json\r\n"+
		"Content-Encoding: gzip\r\n"+
		"Set-Cookie: sid=abc; Path=/; HttpOnly\r\n"+
		fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))+body)

	var out bytes.Buffer
	r := New(config.Capture{PayloadLimit: 4096, Redact: true}, &out)

	begin := time.Now()
	flags := session.New()
	entry, err := r.Record(Exchange{
		Flags:     flags,
		Request:   req,
		Response:  resp,
		Begin:     begin,
		Sent:      begin.Add(2 * time.Millisecond),
		FirstByte: begin.Add(10 * time.Millisecond),
		End:       begin.Add(15 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	if got, want := entry.ID, flags.ID(); got != want {
		t.Errorf("id: got %q, want %q", got, want)
	}
	if got, want := entry.Request.URL, "http://example.com/api?x=1"; got != want {
		t.Errorf("url: got %q, want %q", got, want)
	}
	if entry.Request.PostData == nil || entry.Request.PostData.Text != "hello" {
		t.Errorf("post data: got %+v", entry.Request.PostData)
	}
	for _, h := range entry.Request.Headers {
		if strings.EqualFold(h.Name, "authorization") && h.Value != "Bearer [redacted]" {
			t.Errorf("authorization not redacted: %q", h.Value)
		}
	}
	for _, h := range entry.Response.Headers {
		if strings.EqualFold(h.Name, "set-cookie") && h.Value != "sid=[redacted]; Path=/; HttpOnly" {
			t.Errorf("set-cookie not redacted: %q", h.Value)
		}
	}

	if got, want := entry.Response.Status, 201; got != want {
		t.Errorf("status: got %d, want %d", got, want)
	}
	if got, want := entry.Response.StatusText, "Made"; got != want {
		t.Errorf("status text: got %q, want %q", got, want)
	}
	if got, want := string(entry.Response.Content.Text), `{"items":[1,2,3]}`; got != want {
		t.Errorf("content: got %q, want %q", got, want)
	}
	if got, want := entry.Response.Content.Size, int64(len(body)); got != want {
		t.Errorf("content size: got %d, want %d", got, want)
	}

	if got, want := *entry.Timings, (har.Timings{Send: 2, Wait: 8, Receive: 5}); got != want {
		t.Errorf("timings: got %+v, want %+v", got, want)
	}
	if got, want := entry.Time, int64(15); got != want {
		t.Errorf("time: got %d, want %d", got, want)
	}

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d output lines, want 1", len(lines))
	}
	var decoded har.Entry
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got, want := string(decoded.Response.Content.Text), `{"items":[1,2,3]}`; got != want {
		t.Errorf("decoded content: got %q, want %q", got, want)
	}
}

func TestRecordSkipped(t *testing.T) {
	var out bytes.Buffer
	r := New(config.Capture{PayloadLimit: 4096}, &out)
	req := frame(t, framer.KindRequest, "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")

	entry, err := r.Record(Exchange{Request: req, Verdict: filter.Verdict{SkipCapture: true}, Begin: time.Now()})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if entry != nil || out.Len() != 0 || len(r.Entries()) != 0 {
		t.Fatalf("skipped exchange was recorded")
	}
}

func TestRecordWithoutResponse(t *testing.T) {
	r := New(config.Capture{PayloadLimit: 4096}, nil)
	req := frame(t, framer.KindRequest, "GET http://example.com/x HTTP/1.1\r\nHost: example.com\r\n\r\n")

	entry, err := r.Record(Exchange{Request: req, Scheme: "https", Begin: time.Now()})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if got, want := entry.Request.URL, "http://example.com/x"; got != want {
		t.Errorf("absolute url: got %q, want %q", got, want)
	}
	if entry.Response == nil || entry.Response.Status != 0 {
		t.Errorf("missing response placeholder: %+v", entry.Response)
	}
}

func TestExportBounded(t *testing.T) {
	r := New(config.Capture{}, nil)
	req := frame(t, framer.KindRequest, "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	for i := 0; i < maxEntries+5; i++ {
		if _, err := r.Record(Exchange{Request: req, Begin: time.Now()}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	h := r.Export()
	if got, want := len(h.Log.Entries), maxEntries; got != want {
		t.Fatalf("entries: got %d, want %d", got, want)
	}
	if h.Log.Version != "1.2" || h.Log.Creator.Name != "proxycore" {
		t.Fatalf("unexpected log header: %+v %+v", h.Log.Version, h.Log.Creator)
	}
}

func TestDecodeContent(t *testing.T) {
	const text = "the quick brown fox jumps over the lazy dog"

	encode := func(coding string, b []byte) []byte {
		var buf bytes.Buffer
		switch coding {
		case "gzip":
			w := gzip.NewWriter(&buf)
			w.Write(b)
			w.Close()
		case "deflate":
			w := zlib.NewWriter(&buf)
			w.Write(b)
			w.Close()
		case "br":
			w := brotli.NewWriter(&buf)
			w.Write(b)
			w.Close()
		case "zstd":
			w, err := zstd.NewWriter(&buf)
			if err != nil {
				t.Fatalf("zstd: %v", err)
			}
			w.Write(b)
			w.Close()
		}
		return buf.Bytes()
	}

	for _, tt := range []struct {
		codings string
		limit   int64
		want    string
	}{
		{"gzip", 4096, text},
		{"deflate", 4096, text},
		{"br", 4096, text},
		{"zstd", 4096, text},
		{"identity", 4096, text},
		{"gzip, br", 4096, text},
		{"gzip", 9, text[:9]},
	} {
		t.Run(tt.codings, func(t *testing.T) {
			b := []byte(text)
			for _, c := range strings.Split(tt.codings, ",") {
				b = encode(strings.TrimSpace(c), b)
				if strings.TrimSpace(c) == "identity" {
					b = []byte(text)
				}
			}
			got, err := decodeContent(tt.codings, b, tt.limit)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := decodeContent("compress", []byte("x"), 10); err == nil {
		t.Fatalf("expected error for unsupported coding")
	}
}

func TestJSONifyGRPC(t *testing.T) {
	var msg []byte
	msg = protowire.AppendTag(msg, 1, protowire.VarintType)
	msg = protowire.AppendVarint(msg, 150)
	msg = protowire.AppendTag(msg, 2, protowire.BytesType)
	msg = protowire.AppendString(msg, "name")

	framed := append([]byte{0, 0, 0, 0, byte(len(msg))}, msg...)
	got, ok := jsonify("application/grpc", framed)
	if !ok {
		t.Fatalf("jsonify failed")
	}
	var m map[string]any
	if err := json.Unmarshal(got, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", got, err)
	}
	if m["1"] != float64(150) || m["2"] != "name" {
		t.Fatalf("unexpected fields: %s", got)
	}

	if _, ok := jsonify("text/html", msg); ok {
		t.Fatalf("html must not be rendered as protobuf")
	}
	if _, ok := jsonify("application/grpc", append([]byte{1, 0, 0, 0, 1}, 0)); ok {
		t.Fatalf("compressed grpc message must be left alone")
	}
}

func TestRedact(t *testing.T) {
	for _, tt := range []struct {
		in, want string
	}{
		{"Bearer abc.def", "Bearer [redacted]"},
		{"Basic dXNlcjpwYXNz", "Basic [redacted]"},
		{"opaque-token", "[redacted]"},
		{"a=1; b=2", "a=[redacted]; b=[redacted]"},
		{"sid=abc; Path=/; Secure; Max-Age=60", "sid=[redacted]; Path=/; Secure; Max-Age=60"},
	} {
		if got := redact(tt.in); got != tt.want {
			t.Errorf("redact(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMessageType(t *testing.T) {
	tests := []struct {
		op      wsframe.Opcode
		payload string
		want    string
	}{
		{wsframe.OpText, `{"type":"subscribe","id":1}`, "subscribe"},
		{wsframe.OpText, `{"op":2,"event":"ready"}`, "ready"},
		{wsframe.OpText, `{"id":1}`, ""},
		{wsframe.OpText, `not json`, ""},
		{wsframe.OpBinary, `{"type":"subscribe"}`, ""},
	}
	for _, tt := range tests {
		m := &wsframe.Message{Opcode: tt.op, Payload: []byte(tt.payload)}
		if got := messageType(m); got != tt.want {
			t.Errorf("%s %q: got %q, want %q", tt.op, tt.payload, got, tt.want)
		}
	}
}

func TestRecordStreamedChunked(t *testing.T) {
	req := frame(t, framer.KindRequest, "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	acc := framer.NewAccumulator(framer.Scanner{Kind: framer.KindResponse, Streamed: true})
	if _, err := acc.Feed([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	resp, _ := acc.Message()

	// The relay kept the first bytes of "5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n".
	resp.Raw = append(resp.Raw, "5\r\nhello\r\n6\r\n wor"...)
	resp.Boundary.Mode = framer.BodyChunked
	resp.Boundary.BodyLength = 11
	resp.Boundary.WireLength = 26
	resp.Partial = true

	r := New(config.Capture{PayloadLimit: 4096}, nil)
	entry, err := r.Record(Exchange{Request: req, Response: resp, Begin: time.Now()})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if got, want := string(entry.Response.Content.Text), "hello wor"; got != want {
		t.Errorf("content: got %q, want %q", got, want)
	}
	if got := entry.Response.Content.Size; got != 11 {
		t.Errorf("content size: got %d, want 11", got)
	}
}
