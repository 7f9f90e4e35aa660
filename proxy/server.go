// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package proxy runs the per-connection session loop: it frames requests,
// forwards them upstream, and hands CONNECT and WebSocket connections over to
// tunnels.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"proxycore.dev/capture"
	"proxycore.dev/certs"
	"proxycore.dev/config"
	"proxycore.dev/fault"
	"proxycore.dev/pipe"
	"proxycore.dev/stats"
	"proxycore.dev/tunnel"
)

const maxDialAttempts = 3

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Options struct {
	// Certs mints leaf certificates for decrypted tunnels. Without it every
	// tunnel is relayed blind.
	Certs certs.Provider

	// Capture receives every completed exchange. Optional.
	Capture *capture.Recorder

	// Dial opens upstream connections. Defaults to a net.Dialer.
	Dial DialFunc

	// Rewriter may replace WebSocket messages relayed after an upgrade.
	// Optional.
	Rewriter tunnel.MessageRewriter

	// Process names the client process behind a connection, if it can be
	// determined. Optional, but without it the browsers and nonbrowsers
	// process filters relay every tunnel blind.
	Process func(remote net.Addr) string
}

type Server struct {
	store *config.Store
	opts  Options

	wg sync.WaitGroup

	warnedProcess atomic.Bool
}

// New returns a server that takes a fresh config snapshot from store for
// every accepted connection.
func New(store *config.Store, opts Options) *Server {
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		opts.Dial = d.DialContext
	}
	return &Server{store: store, opts: opts}
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.store.Load().Listen
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	slog.Info("listening for new connections", "addr", lis.Addr())
	return s.Serve(ctx, lis)
}

// Serve accepts connections until ctx is done or lis fails, then waits for
// every session to end.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	stop := context.AfterFunc(ctx, func() { lis.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	stats.Global.Sessions.Add(1)

	c := &clientConn{
		srv:    s,
		cfg:    s.store.Load(),
		remote: conn.RemoteAddr(),
		scheme: "http",
	}
	c.client = pipe.New(conn, "client", c.cfg.Timeouts, false)
	if s.opts.Process != nil {
		c.process = s.opts.Process(conn.RemoteAddr())
	} else if c.cfg.NeedsProcess() && s.warnedProcess.CompareAndSwap(false, true) {
		slog.Warn("process_filter needs the client process but none can be resolved, tunnels will be relayed blind", "filter", c.cfg.ProcessFilter)
	}
	defer c.close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := c.serve(ctx); err != nil && !fault.IsBenignClose(err) {
		slog.Debug("client connection ended with error", "client", c.remote, "err", err)
	}
}

// dial connects to addr, retrying with backoff when the connection is
// refused or times out.
func (s *Server) dial(ctx context.Context, addr string) (net.Conn, error) {
	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: true}
	for attempt := 1; ; attempt++ {
		conn, err := s.opts.Dial(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		if attempt == maxDialAttempts || ctx.Err() != nil {
			return nil, fault.Transport("dial "+addr, err)
		}

		wait := b.Duration()
		slog.Debug("retrying upstream dial", "addr", addr, "attempt", attempt, "wait", wait, "err", err)
		select {
		case <-ctx.Done():
			return nil, fault.Transport("dial "+addr, ctx.Err())
		case <-time.After(wait):
		}
	}
}
