// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package stats keeps process-wide proxy counters.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
)

type Stats struct {
	Sessions   atomic.Int64
	Requests   atomic.Int64
	Violations atomic.Int64

	TunnelsOpen      atomic.Int64
	TunnelsBlind     atomic.Int64
	TunnelsDecrypted atomic.Int64
	TunnelsAborted   atomic.Int64

	EgressBytes  atomic.Int64
	IngressBytes atomic.Int64

	WebSocketMessages atomic.Int64
}

// Global is the instance shared by every session of the process.
var Global = new(Stats)

// Run logs a snapshot every interval until ctx is done. Idle intervals are
// not logged.
func (s *Stats) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ticker.C:
			cur := s.Requests.Load() + s.EgressBytes.Load() + s.IngressBytes.Load()
			if cur == last {
				continue
			}
			last = cur
			slog.Info("proxy stats", "stats", s)
		case <-ctx.Done():
			return
		}
	}
}

// Tags returns the counters together with host process details as strings.
func (s *Stats) Tags() map[string]string {
	tags := map[string]string{
		"proxycore_sessions":           fmt.Sprintf("%d", s.Sessions.Load()),
		"proxycore_requests":           fmt.Sprintf("%d", s.Requests.Load()),
		"proxycore_violations":         fmt.Sprintf("%d", s.Violations.Load()),
		"proxycore_tunnels_open":       fmt.Sprintf("%d", s.TunnelsOpen.Load()),
		"proxycore_tunnels_blind":      fmt.Sprintf("%d", s.TunnelsBlind.Load()),
		"proxycore_tunnels_decrypted":  fmt.Sprintf("%d", s.TunnelsDecrypted.Load()),
		"proxycore_tunnels_aborted":    fmt.Sprintf("%d", s.TunnelsAborted.Load()),
		"proxycore_egress_bytes":       fmt.Sprintf("%d", s.EgressBytes.Load()),
		"proxycore_ingress_bytes":      fmt.Sprintf("%d", s.IngressBytes.Load()),
		"proxycore_websocket_messages": fmt.Sprintf("%d", s.WebSocketMessages.Load()),
	}
	for k, v := range processTags() {
		tags[k] = v
	}
	return tags
}

func (s *Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("sessions", s.Sessions.Load()),
		slog.Int64("requests", s.Requests.Load()),
		slog.Int64("violations", s.Violations.Load()),
		slog.Int64("tunnels", s.TunnelsOpen.Load()),
		slog.String("egress", sizestr.ToString(s.EgressBytes.Load())),
		slog.String("ingress", sizestr.ToString(s.IngressBytes.Load())),
	)
}
