// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package web serves the inspection endpoint of a running proxy: the HAR
// export of recent exchanges, the counters, and a live feed of new entries
// over a WebSocket.
package web

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"nhooyr.io/websocket"
	"proxycore.dev/capture"
	"proxycore.dev/stats"
)

// Entries queued for a slow subscriber beyond this are dropped.
const subscriberQueue = 64

type Server struct {
	rec *capture.Recorder
	mux *http.ServeMux

	mu   sync.Mutex
	subs []chan []byte
}

var _ http.Handler = new(Server)

func NewServer(rec *capture.Recorder) *Server {
	s := &Server{rec: rec, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /har", s.har)
	s.mux.HandleFunc("GET /stats", s.stats)
	s.mux.HandleFunc("GET /live", s.live)
	rec.Subscribe(s.Send)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) add(ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, ch)
}

func (s *Server) remove(ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.subs {
		if s.subs[i] == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *Server) snapshot() []chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chan []byte{}, s.subs...)
}

// Send queues an encoded entry for every live subscriber without blocking.
func (s *Server) Send(b []byte) {
	for _, ch := range s.snapshot() {
		select {
		case ch <- b:
		default:
			slog.Debug("dropping live entry for slow subscriber", "size", len(b))
		}
	}
}

func (s *Server) live(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Debug("failed to accept live websocket", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch := make(chan []byte, subscriberQueue)
	s.add(ch)
	defer s.remove(ch)

	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-ch:
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		}
	}
}

func (s *Server) har(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "application/json")
	w.Header().Set("content-disposition", `attachment; filename="proxycore.har"`)
	body, done := compress(w, r)
	defer done()

	enc := json.NewEncoder(body)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.rec.Export()); err != nil {
		slog.Debug("failed to write HAR export", "err", err)
	}
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "application/json")
	body, done := compress(w, r)
	defer done()

	if err := json.NewEncoder(body).Encode(stats.Global.Tags()); err != nil {
		slog.Debug("failed to write stats", "err", err)
	}
}

// compress picks the response encoding from the accept-encoding header.
func compress(w http.ResponseWriter, r *http.Request) (io.Writer, func()) {
	accept := make(map[string]bool)
	for _, val := range strings.Split(r.Header.Get("accept-encoding"), ",") {
		val, _, _ = strings.Cut(strings.TrimSpace(val), ";")
		if val == "" {
			continue
		}
		accept[val] = true
	}

	switch {
	case accept["br"]:
		w.Header().Set("content-encoding", "br")
		bw := brotli.NewWriter(w)
		return bw, func() { bw.Close() }
	case accept["gzip"]:
		w.Header().Set("content-encoding", "gzip")
		gw := gzip.NewWriter(w)
		return gw, func() { gw.Close() }
	default:
		return w, func() {}
	}
}

// ListenAndServe serves s on addr until ctx is done.
func ListenAndServe(ctx context.Context, addr string, s *Server) error {
	hs := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hs.Shutdown(ctx)
	})
	defer stop()

	slog.Info("serving inspection endpoint", "addr", addr)
	if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("inspection endpoint: %w", err)
	}
	return nil
}
