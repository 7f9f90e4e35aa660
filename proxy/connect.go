// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"proxycore.dev/capture"
	"proxycore.dev/fault"
	"proxycore.dev/framer"
	"proxycore.dev/pipe"
	"proxycore.dev/session"
	"proxycore.dev/stats"
	"proxycore.dev/tunnel"
)

// OverrideHeader lets a client force how its CONNECT tunnel is handled:
// "decrypt" or "blind".
const OverrideHeader = "X-Proxycore-Tunnel"

var errNoCerts = errors.New("no certificate authority configured")

func override(req *framer.Message) tunnel.Override {
	switch strings.ToLower(strings.TrimSpace(req.Headers.Fields.Get(OverrideHeader))) {
	case "decrypt":
		return tunnel.OverrideForceDecrypt
	case "blind":
		return tunnel.OverrideForceBlind
	}
	return tunnel.OverrideNone
}

func hostOnly(hostport string) string {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	return strings.Trim(host, "[]")
}

// connect answers a CONNECT request and runs the tunnel it opens. The client
// connection belongs to the tunnel afterwards.
func (c *clientConn) connect(ctx context.Context, flags *session.Flags, req *framer.Message) error {
	client, err := c.clientPipe()
	if err != nil {
		return err
	}
	if c.upFixed {
		err := fault.Violation("connect", http.StatusBadRequest, req.Head(), errNestedConnect)
		c.violation(client, flags, err)
		return err
	}

	authority := req.Headers.Host()
	if authority == "" {
		err := fault.Violation("connect", http.StatusBadRequest, req.Head(), errMissingHost)
		c.violation(client, flags, err)
		return err
	}
	addr := withPort(authority, "443")

	in := tunnel.Input{Host: addr, Process: c.process, Override: override(req), CertErr: errNoCerts}
	if c.srv.opts.Certs != nil {
		_, in.CertErr = c.srv.opts.Certs(hostOnly(addr))
	}
	decision, reason := tunnel.Classify(c.cfg, in)
	flags.Set(session.FlagTunnelDecision, fmt.Sprintf("%s (%s)", decision, reason))
	slog.Debug("classified tunnel", "session", flags, "host", addr, "decision", decision, "reason", reason)

	if decision == tunnel.DecisionAbort {
		stats.Global.TunnelsAborted.Add(1)
		flags.Set(session.FlagAbortReason, reason)
		return c.fail(client, flags, http.StatusBadGateway, fault.Handshake("classify tunnel", errors.New(reason)))
	}

	conn, err := c.srv.dial(ctx, addr)
	if err != nil {
		return c.fail(client, flags, http.StatusBadGateway, err)
	}
	if _, err := client.Send(connectEstablished); err != nil {
		conn.Close()
		return fault.Transport("send connect response", err)
	}

	server := pipe.New(conn, "server", c.cfg.Timeouts, false)
	t, err := tunnel.New(c.cfg, c.clientH, pipe.Own(server), tunnel.Options{
		Host:  addr,
		Flags: flags,
		Certs: c.srv.opts.Certs,
		Redial: func(ctx context.Context) (*pipe.Pipe, error) {
			conn, err := c.srv.dial(ctx, addr)
			if err != nil {
				return nil, err
			}
			return pipe.New(conn, "server", c.cfg.Timeouts, false), nil
		},
	})
	if err != nil {
		return err
	}
	defer c.recordTunnel(req, t, time.Now())

	if decision == tunnel.DecisionBlind {
		return t.Relay(ctx)
	}

	cli, srv, err := t.Decrypt(ctx, "")
	switch {
	case errors.Is(err, tunnel.ErrFellBack):
		slog.Debug("decryption fell back to blind relay", "session", flags, "err", err)
		return t.Relay(ctx)
	case err != nil:
		t.Close()
		return err
	}
	defer t.Close()

	inner := &clientConn{
		srv:     c.srv,
		cfg:     c.cfg,
		remote:  c.remote,
		process: c.process,
		client:  cli,
		clientH: pipe.Own(cli),
		upH:     pipe.Own(srv),
		upAddr:  addr,
		upFixed: true,
		scheme:  "https",
	}
	defer inner.close()

	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()
	return inner.serve(ctx)
}

// recordTunnel captures the CONNECT exchange with a synthetic report of the
// tunnel as its response.
func (c *clientConn) recordTunnel(req *framer.Message, t *tunnel.Tunnel, begin time.Time) {
	<-t.Done()
	if !c.cfg.Diagnostics || c.srv.opts.Capture == nil {
		return
	}

	resp, err := diagnostic(t)
	if err != nil {
		slog.Debug("failed to build tunnel diagnostic", "tunnel", t, "err", err)
		return
	}
	c.record(capture.Exchange{
		Flags:    t.Flags(),
		Scheme:   "https",
		Request:  req,
		Response: resp,
		Begin:    begin,
		End:      time.Now(),
		Verdict:  c.cfg.Rules.Evaluate(c.filterInput(req, http.StatusOK)),
	})
}
