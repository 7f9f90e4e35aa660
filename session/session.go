// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package session holds the diagnostic metadata collected for one client
// connection and the tunnels it opens.
package session

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known flag keys written by tunnels.
const (
	FlagEgressBytes    = "x-egress-bytes"
	FlagIngressBytes   = "x-ingress-bytes"
	FlagTunnelMode     = "x-tunnel-mode"
	FlagClientHello    = "x-tls-client-hello"
	FlagServerHello    = "x-tls-server-hello"
	FlagProcess        = "x-process"
	FlagClientAddr     = "x-client-addr"
	FlagTunnelDecision = "x-tunnel-decision"
	FlagAbortReason    = "x-abort-reason"
	FlagWSMessages     = "x-websocket-messages"
	FlagWSOrphaned     = "x-websocket-orphaned"
)

// Flags is an ordered string map. Keys keep the position of their first Set.
type Flags struct {
	mu   sync.RWMutex
	keys []string
	vals map[string]string
	lazy sync.WaitGroup
}

// New returns flags seeded with a fresh session id and start time.
func New() *Flags {
	return &Flags{
		keys: []string{"time", "session_id"},
		vals: map[string]string{
			"time":       time.Now().UTC().Format(time.RFC3339Nano),
			"session_id": uuid.NewString(),
		},
	}
}

func (f *Flags) ID() string { return f.Get("session_id") }

// Copy returns new flags with a fresh id carrying every other key of f.
func (f *Flags) Copy() *Flags {
	dst := New()
	dst.CopyFrom(f)
	return dst
}

// CopyFrom copies all keys from src except "time" and "session_id",
// overwriting existing values.
func (dst *Flags) CopyFrom(src *Flags) {
	if src == nil || src == dst {
		return
	}

	src.mu.RLock()
	defer src.mu.RUnlock()

	dst.mu.Lock()
	defer dst.mu.Unlock()

	for _, key := range src.keys {
		switch key {
		case "time", "session_id":
		default:
			dst.setLocked(key, src.vals[key])
		}
	}
}

func (f *Flags) Set(key string, val string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setLocked(key, val)
}

func (f *Flags) Setf(key string, format string, args ...any) {
	f.Set(key, fmt.Sprintf(format, args...))
}

func (f *Flags) setLocked(key string, val string) {
	if f.vals == nil {
		f.vals = make(map[string]string)
	}

	if _, ok := f.vals[key]; ok {
		f.vals[key] = val
		return
	}

	f.keys = append(f.keys, key)
	f.vals[key] = val
}

func (f *Flags) Get(key string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.vals[key]
}

func (f *Flags) Has(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.vals[key]
	return ok
}

// Keys returns the keys in insertion order.
func (f *Flags) Keys() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.keys...)
}

// NewLazy reserves key's position now and sets it once a value is sent on
// the returned channel. WaitLazy blocks until every lazy value arrived.
func (f *Flags) NewLazy(key string) chan<- string {
	ch := make(chan string, 1)
	f.lazy.Add(1)

	f.mu.Lock()
	if _, ok := f.vals[key]; !ok {
		f.keys = append(f.keys, key)
		if f.vals == nil {
			f.vals = make(map[string]string)
		}
		f.vals[key] = ""
	}
	f.mu.Unlock()

	go func() {
		defer f.lazy.Done()
		if v, ok := <-ch; ok {
			f.Set(key, v)
		}
	}()
	return ch
}

func (f *Flags) WaitLazy() {
	f.lazy.Wait()
}

func (f *Flags) String() string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var arr []string
	for _, key := range f.keys {
		arr = append(arr, fmt.Sprintf("%s=%q", key, f.vals[key]))
	}
	return strings.Join(arr, " ")
}

// Header renders the flags as HTTP header lines, skipping values that span
// multiple lines.
func (f *Flags) Header() string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var b strings.Builder
	for _, key := range f.keys {
		v := f.vals[key]
		if strings.ContainsAny(v, "\r\n") {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", key, v)
	}
	return b.String()
}

func (f *Flags) LogValue() slog.Value {
	return slog.StringValue(f.ID())
}
