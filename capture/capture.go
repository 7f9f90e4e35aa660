// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package capture turns framed HTTP exchanges and decoded WebSocket messages
// into HAR entries.
package capture

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/martian/v3/har"
	"github.com/tidwall/gjson"
	"proxycore.dev/config"
	"proxycore.dev/filter"
	"proxycore.dev/framer"
	"proxycore.dev/session"
	"proxycore.dev/tunnel"
	"proxycore.dev/wsframe"
)

// Version is reported as the HAR creator version.
var Version = "dev"

const maxEntries = 1024

// Exchange is one request with its response, as seen by the proxy.
type Exchange struct {
	Flags  *session.Flags
	Scheme string

	Request  *framer.Message
	Response *framer.Message
	Verdict  filter.Verdict

	Begin     time.Time // request head received
	Sent      time.Time // request forwarded
	FirstByte time.Time // response head received
	End       time.Time // response forwarded
}

// Recorder keeps the most recent entries in memory and optionally writes
// each one as a JSON line.
type Recorder struct {
	limit  int64
	redact bool

	mu      sync.Mutex
	out     io.Writer
	entries []*har.Entry
	sinks   []func([]byte)
}

func New(c config.Capture, out io.Writer) *Recorder {
	return &Recorder{limit: c.PayloadLimit, redact: c.Redact, out: out}
}

// Open is New with the output file named by the config, opened for append.
// The returned closer is nil when no file is configured.
func Open(c config.Capture) (*Recorder, io.Closer, error) {
	if c.Output == "" {
		return New(c, nil), nil, nil
	}
	f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open capture output: %w", err)
	}
	return New(c, f), f, nil
}

// Record converts ex into a HAR entry. A nil entry with a nil error means
// the exchange was excluded by a rule.
func (r *Recorder) Record(ex Exchange) (*har.Entry, error) {
	if ex.Verdict.SkipCapture {
		return nil, nil
	}
	if ex.Request == nil || ex.Request.Headers.Request == nil {
		return nil, fmt.Errorf("record: missing request")
	}

	req, err := r.request(ex)
	if err != nil {
		return nil, err
	}

	entry := &har.Entry{
		StartedDateTime: ex.Begin.UTC(),
		Request:         req,
		Response:        &har.Response{Status: 0, HeadersSize: -1, BodySize: -1, Content: &har.Content{}},
		Cache:           &har.Cache{},
		Timings:         timings(ex),
	}
	if ex.Flags != nil {
		entry.ID = ex.Flags.ID()
	}
	if !ex.End.IsZero() {
		entry.Time = ex.End.Sub(ex.Begin).Milliseconds()
	}

	if ex.Response != nil && ex.Response.Headers.Status != nil {
		resp, err := r.response(ex.Response)
		if err != nil {
			return nil, err
		}
		entry.Response = resp
	}

	r.store(entry)

	method := entry.Request.Method
	if len(method) > 3 {
		method = method[:3]
	}
	slog.Info(fmt.Sprintf("%d %3s %q", entry.Response.Status, method, entry.Request.URL), "session", ex.Flags, "time", entry.Time)
	return entry, nil
}

func timings(ex Exchange) *har.Timings {
	t := &har.Timings{Send: -1, Wait: -1, Receive: -1}
	if !ex.Sent.IsZero() {
		t.Send = ex.Sent.Sub(ex.Begin).Milliseconds()
		if !ex.FirstByte.IsZero() {
			t.Wait = ex.FirstByte.Sub(ex.Sent).Milliseconds()
		}
	}
	if !ex.FirstByte.IsZero() && !ex.End.IsZero() {
		t.Receive = ex.End.Sub(ex.FirstByte).Milliseconds()
	}
	return t
}

func (r *Recorder) store(entry *har.Entry) {
	r.mu.Lock()
	if len(r.entries) == maxEntries {
		copy(r.entries, r.entries[1:])
		r.entries = r.entries[:maxEntries-1]
	}
	r.entries = append(r.entries, entry)
	out, sinks := r.out, r.sinks
	r.mu.Unlock()

	if out == nil && len(sinks) == 0 {
		return
	}
	b, err := json.Marshal(entry)
	if err != nil {
		slog.Error("failed to encode HAR entry", "id", entry.ID, "err", err)
		return
	}
	for _, fn := range sinks {
		fn(b)
	}
	if out == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := out.Write(append(b, '\n')); err != nil {
		slog.Error("failed to write HAR entry", "id", entry.ID, "err", err)
	}
}

// Subscribe calls fn with the JSON encoding of every entry stored from now
// on. fn must not block.
func (r *Recorder) Subscribe(fn func(entry []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks[:len(r.sinks):len(r.sinks)], fn)
}

// Entries returns the retained entries, oldest first.
func (r *Recorder) Entries() []*har.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*har.Entry(nil), r.entries...)
}

// Export wraps the retained entries in a HAR document.
func (r *Recorder) Export() *har.HAR {
	return &har.HAR{
		Log: &har.Log{
			Version: "1.2",
			Creator: &har.Creator{Name: "proxycore", Version: Version},
			Entries: r.Entries(),
		},
	}
}

func header(fields framer.Fields) http.Header {
	h := make(http.Header, len(fields))
	for _, f := range fields {
		h.Add(f.Name, f.Value)
	}
	return h
}

func (r *Recorder) request(ex Exchange) (*har.Request, error) {
	rl := ex.Request.Headers.Request

	target := rl.URI
	if !rl.IsAbsolute() && rl.Method != "CONNECT" {
		scheme := ex.Scheme
		if scheme == "" {
			scheme = "http"
		}
		target = scheme + "://" + ex.Request.Headers.Host() + rl.Path
	}
	u, err := url.Parse(target)
	if err != nil {
		u = &url.URL{Opaque: target}
	}

	req := &http.Request{
		Method:        rl.Method,
		URL:           u,
		Proto:         rl.Version,
		Header:        header(ex.Request.Headers.Fields),
		Host:          ex.Request.Headers.Host(),
		ContentLength: ex.Request.Boundary.BodyLength,
	}
	req.ProtoMajor, req.ProtoMinor, _ = http.ParseHTTPVersion(rl.Version)

	h, err := har.NewRequest(req, false)
	if err != nil {
		return nil, fmt.Errorf("parse HAR request: %w", err)
	}
	h.HeadersSize = int64(ex.Request.Boundary.HeaderEnd)

	if r.redact {
		for i := range h.Headers {
			switch strings.ToLower(h.Headers[i].Name) {
			case "authorization", "proxy-authorization", "cookie":
				h.Headers[i].Value = redact(h.Headers[i].Value)
			}
		}
		for i := range h.Cookies {
			h.Cookies[i].Value = "[redacted]"
		}
	}

	if ex.Request.Boundary.BodyLength > 0 {
		mime, text := r.content(ex.Request)
		h.PostData = &har.PostData{MimeType: mime, Text: string(text)}
	}
	return h, nil
}

func (r *Recorder) response(m *framer.Message) (*har.Response, error) {
	sl := m.Headers.Status
	resp := &http.Response{
		Status:        fmt.Sprintf("%d %s", sl.Code, sl.Reason),
		StatusCode:    sl.Code,
		Proto:         sl.Version,
		Header:        header(m.Headers.Fields),
		ContentLength: m.Boundary.BodyLength,
	}
	resp.ProtoMajor, resp.ProtoMinor, _ = http.ParseHTTPVersion(sl.Version)

	h, err := har.NewResponse(resp, false)
	if err != nil {
		return nil, fmt.Errorf("parse HAR response: %w", err)
	}
	h.HeadersSize = int64(m.Boundary.HeaderEnd)
	if sl.Reason != "" {
		h.StatusText = sl.Reason
	}

	if r.redact {
		for i := range h.Headers {
			if strings.EqualFold(h.Headers[i].Name, "set-cookie") {
				h.Headers[i].Value = redact(h.Headers[i].Value)
			}
		}
		for i := range h.Cookies {
			h.Cookies[i].Value = "[redacted]"
		}
	}

	mime, text := r.content(m)
	h.Content = &har.Content{
		Size:     m.Boundary.BodyLength,
		MimeType: mime,
		Text:     text,
		Encoding: "base64",
	}
	return h, nil
}

// content returns the decoded entity of m cut at the payload limit, with
// protobuf bodies rendered as JSON.
func (r *Recorder) content(m *framer.Message) (string, []byte) {
	mime := m.Headers.Fields.Get("Content-Type")
	if r.limit == 0 {
		return mime, nil
	}

	text, err := m.Content()
	if err != nil {
		slog.Debug("failed to remove transfer coding", "msg", m, "err", err)
		return mime, nil
	}
	if enc := m.Headers.Fields.Get("Content-Encoding"); enc != "" {
		raw, err := decodeContent(enc, text, r.limit)
		if err != nil {
			slog.Debug("failed to decode content", "encoding", enc, "err", err)
			return mime, nil
		}
		text = raw
	}
	if json, ok := jsonify(mime, text); ok {
		mime, text = "application/json", json
	}
	if int64(len(text)) > r.limit {
		text = text[:r.limit]
	}
	return mime, text
}

// redact keeps the authentication scheme or cookie names of a credential
// value and drops the secrets.
func redact(val string) string {
	if scheme, _, ok := strings.Cut(val, " "); ok && !strings.Contains(scheme, "=") {
		return scheme + " [redacted]"
	}
	parts := strings.Split(val, ";")
	for i, p := range parts {
		name, _, ok := strings.Cut(p, "=")
		switch {
		case i == 0 && !ok:
			parts[i] = "[redacted]"
		case i > 0 && !ok:
			// Set-Cookie attribute such as HttpOnly.
		case i > 0 && isCookieAttr(name):
		default:
			parts[i] = name + "=[redacted]"
		}
	}
	return strings.Join(parts, ";")
}

func isCookieAttr(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "path", "domain", "expires", "max-age", "samesite":
		return true
	}
	return false
}

// OnMessage logs each WebSocket message with a short preview of its payload.
func (r *Recorder) OnMessage(t *tunnel.Tunnel, m *wsframe.Message) {
	limit := int(r.limit)
	if limit <= 0 {
		limit = 64
	}
	attrs := []any{"tunnel", t, "msg", m, "preview", m.Preview(limit)}
	if typ := messageType(m); typ != "" {
		attrs = append(attrs, "type", typ)
	}
	slog.Info("websocket message", attrs...)
}

// messageTypeKeys are the envelope fields JSON WebSocket protocols commonly
// name their message type with.
var messageTypeKeys = []string{"type", "op", "event", "action"}

// messageType returns the envelope type of a JSON text message, if any.
func messageType(m *wsframe.Message) string {
	for _, key := range messageTypeKeys {
		if v := m.JSON(key); v.Exists() && v.Type == gjson.String {
			return v.Str
		}
	}
	return ""
}

var _ tunnel.MessageObserver = (*Recorder)(nil)
