// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/martian/v3/har"
	"nhooyr.io/websocket"
	"proxycore.dev/capture"
	"proxycore.dev/config"
	"proxycore.dev/framer"
	"proxycore.dev/session"
)

func frame(t *testing.T, kind framer.Kind, raw string) *framer.Message {
	t.Helper()
	acc := framer.NewAccumulator(framer.Scanner{Kind: kind, RequestMethod: "GET"})
	p, err := acc.Feed([]byte(raw))
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if p != framer.Complete {
		t.Fatalf("message incomplete: %v", p)
	}
	m, _ := acc.Message()
	return m
}

func record(t *testing.T, rec *capture.Recorder, path string) {
	t.Helper()
	now := time.Now()
	_, err := rec.Record(capture.Exchange{
		Flags:    session.New(),
		Request:  frame(t, framer.KindRequest, "GET "+path+" HTTP/1.1\r\nHost: example.com\r\n\r\n"),
		Response: frame(t, framer.KindResponse, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"),
		Begin:    now,
		End:      now,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
}

func TestLive(t *testing.T) {
	rec := capture.New(config.Capture{PayloadLimit: 1024}, nil)
	s := NewServer(rec)
	ts := httptest.NewServer(s)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/live", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for len(s.snapshot()) == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("subscriber never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	record(t, rec, "/live-entry")

	typ, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type %v", typ)
	}
	var entry har.Entry
	if err := json.Unmarshal(b, &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.Request.URL != "http://example.com/live-entry" {
		t.Fatalf("got url %q", entry.Request.URL)
	}
}

func TestExport(t *testing.T) {
	rec := capture.New(config.Capture{PayloadLimit: 1024}, nil)
	ts := httptest.NewServer(NewServer(rec))
	defer ts.Close()

	record(t, rec, "/a")
	record(t, rec, "/b")

	req, err := http.NewRequest("GET", ts.URL+"/har", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept-Encoding", "br, gzip")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Encoding"); got != "br" {
		t.Fatalf("content-encoding %q", got)
	}
	var doc har.HAR
	if err := json.NewDecoder(brotli.NewReader(resp.Body)).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Log == nil || len(doc.Log.Entries) != 2 {
		t.Fatalf("got %+v", doc.Log)
	}
	if doc.Log.Creator.Name != "proxycore" {
		t.Fatalf("creator %+v", doc.Log.Creator)
	}
}

func TestStats(t *testing.T) {
	ts := httptest.NewServer(NewServer(capture.New(config.Capture{}, nil)))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var tags map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := tags["proxycore_requests"]; !ok {
		t.Fatalf("missing request counter in %v", tags)
	}
}

func TestSendDropsForSlowSubscriber(t *testing.T) {
	s := &Server{}
	ch := make(chan []byte, 1)
	s.add(ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range subscriberQueue + 1 {
			s.Send([]byte("x"))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Send blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("queued %d", len(ch))
	}
}
