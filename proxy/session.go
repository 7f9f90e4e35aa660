// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"proxycore.dev/capture"
	"proxycore.dev/config"
	"proxycore.dev/fault"
	"proxycore.dev/filter"
	"proxycore.dev/framer"
	"proxycore.dev/pipe"
	"proxycore.dev/session"
	"proxycore.dev/stats"
	"proxycore.dev/tunnel"
)

var (
	errMissingHost   = errors.New("request has no host")
	errNestedConnect = errors.New("CONNECT inside a tunnel")
	errScheme        = errors.New("unsupported URI scheme")
)

// clientConn is the session loop of one client connection, or of the
// plaintext side of a decrypted tunnel.
type clientConn struct {
	srv     *Server
	cfg     *config.Config
	remote  net.Addr
	process string

	client  *pipe.Pipe
	clientH *pipe.Handle

	// upstream is kept across requests to the same address. Inside a
	// decrypted tunnel it is fixed.
	upH      *pipe.Handle
	upAddr   string
	upFixed  bool
	upServed int

	scheme   string
	received int64
}

func (c *clientConn) close() {
	if c.clientH == nil {
		c.clientH = pipe.Own(c.client)
	}
	c.clientH.Release()
	c.upH.Release()
}

func (c *clientConn) clientPipe() (*pipe.Pipe, error) {
	if c.clientH == nil {
		c.clientH = pipe.Own(c.client)
	}
	return c.clientH.Pipe()
}

func (c *clientConn) newFlags() *session.Flags {
	flags := session.New()
	if c.remote != nil {
		flags.Set(session.FlagClientAddr, c.remote.String())
	}
	if c.process != "" {
		flags.Set(session.FlagProcess, c.process)
	}
	return flags
}

func (c *clientConn) serve(ctx context.Context) error {
	for {
		client, err := c.clientPipe()
		if err != nil {
			// Moved into a tunnel.
			return nil
		}

		opts := framer.OptionsFrom(c.cfg, framer.KindRequest)
		opts.OnRead = func(chunk []byte) error {
			c.received += int64(len(chunk))
			return nil
		}

		req, err := framer.Read(client, opts)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, fault.ProtocolViolation):
			c.violation(client, c.newFlags(), err)
			return err
		default:
			return err
		}
		stats.Global.Requests.Add(1)

		keep, err := c.exchange(ctx, req)
		if err != nil || !keep {
			return err
		}
	}
}

// violation answers a malformed message and poisons the connection: the
// caller stops reading from it.
func (c *clientConn) violation(client *pipe.Pipe, flags *session.Flags, err error) {
	stats.Global.Violations.Add(1)

	var ferr *fault.Error
	if errors.As(err, &ferr) {
		ferr.Session = flags.ID()
	}
	slog.Warn("protocol violation", "session", flags, "received", c.received, "err", err)

	status := fault.StatusOf(err)
	if status == 0 {
		status = http.StatusBadRequest
	}
	if _, serr := client.Send(errorResponse(status, err.Error(), flags)); serr != nil {
		slog.Debug("failed to send error response", "session", flags, "err", serr)
	}
}

func (c *clientConn) fail(client *pipe.Pipe, flags *session.Flags, status int, err error) error {
	slog.Debug("failing request", "session", flags, "status", status, "err", err)
	if _, serr := client.Send(errorResponse(status, err.Error(), flags)); serr != nil {
		return errors.Join(err, serr)
	}
	return err
}

func (c *clientConn) exchange(ctx context.Context, req *framer.Message) (bool, error) {
	flags := c.newFlags()
	c.tolerated(flags, "request", req)

	switch {
	case req.Headers.Request.Method == http.MethodConnect:
		return false, c.connect(ctx, flags, req)
	case req.Headers.IsUpgrade("websocket"):
		return c.forward(ctx, flags, req, true)
	default:
		return c.forward(ctx, flags, req, false)
	}
}

// tolerated logs the violations the framer accepted in m.
func (c *clientConn) tolerated(flags *session.Flags, kind string, m *framer.Message) {
	for _, w := range m.Headers.Warnings {
		err := fault.Degraded("parse "+kind+" head", m.Head(), errors.New(w))
		err.Session = flags.ID()
		slog.Warn("tolerated "+kind+" violation", "session", flags, "received", c.received, "headerBytes", m.Boundary.HeaderEnd, "err", err)
	}
}

func (c *clientConn) filterInput(req *framer.Message, status int) filter.Input {
	rl := req.Headers.Request
	host := req.Headers.Host()
	url := rl.URI
	switch {
	case rl.Method == http.MethodConnect:
		url = host
	case !rl.IsAbsolute():
		url = c.scheme + "://" + host + rl.Path
	}
	return filter.Input{
		Method:  rl.Method,
		Host:    host,
		Path:    rl.Path,
		URL:     url,
		Process: c.process,
		Status:  status,
	}
}

func withPort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), port)
}

// target returns the upstream address and the request head to send there.
// Absolute-form targets are rewritten to origin-form.
func (c *clientConn) target(req *framer.Message) (string, []byte, error) {
	if c.upFixed {
		return c.upAddr, req.Head(), nil
	}

	rl := req.Headers.Request
	if rl.IsAbsolute() && !strings.EqualFold(rl.Scheme, "http") {
		return "", nil, fault.Violation("route request", http.StatusBadRequest, req.Head(), fmt.Errorf("%w %q", errScheme, rl.Scheme))
	}
	host := req.Headers.Host()
	if host == "" {
		return "", nil, fault.Violation("route request", http.StatusBadRequest, req.Head(), errMissingHost)
	}
	addr := withPort(host, "80")

	if !rl.IsAbsolute() && !req.Headers.Fields.Has("Proxy-Connection") {
		return addr, req.Head(), nil
	}

	h := *req.Headers
	line := *rl
	line.URI = rl.Path
	if line.URI == "" {
		line.URI = "/"
	}
	h.Request = &line
	h.Fields = append(framer.Fields(nil), req.Headers.Fields...)
	h.Fields.Del("Proxy-Connection")
	return addr, h.Bytes(), nil
}

// upstream returns a connection to addr, reusing the previous one when it
// points to the same address.
func (c *clientConn) upstream(ctx context.Context, addr string) (*pipe.Pipe, error) {
	if c.upFixed || (c.upH.Valid() && c.upAddr == addr) {
		p, err := c.upH.Pipe()
		if err != nil {
			return nil, err
		}
		if c.upServed == 1 && !c.upFixed {
			// Second request on the same connection: switch to the reused
			// connection deadlines.
			p = pipe.New(p.Conn, "server", c.cfg.Timeouts, true)
			c.upH = pipe.Own(p)
		}
		return p, nil
	}

	c.upH.Release()
	conn, err := c.srv.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	p := pipe.New(conn, "server", c.cfg.Timeouts, false)
	c.upH = pipe.Own(p)
	c.upAddr = addr
	c.upServed = 0
	return p, nil
}

func (c *clientConn) dropUpstream() {
	if !c.upFixed {
		c.upH.Release()
	}
}

// forward sends one request upstream and relays the response. It reports
// whether the client connection may carry another request.
func (c *clientConn) forward(ctx context.Context, flags *session.Flags, req *framer.Message, websocket bool) (bool, error) {
	client, err := c.clientPipe()
	if err != nil {
		return false, err
	}

	ex := capture.Exchange{Flags: flags, Scheme: c.scheme, Request: req, Begin: time.Now()}
	verdict := c.cfg.Rules.Evaluate(c.filterInput(req, 0))

	addr, head, err := c.target(req)
	if err != nil {
		c.violation(client, flags, err)
		return false, err
	}
	up, err := c.upstream(ctx, addr)
	if err != nil {
		return false, c.fail(client, flags, http.StatusBadGateway, err)
	}

	wire := make([]byte, 0, len(head)+len(req.Body()))
	wire = append(append(wire, head...), req.Body()...)
	if _, err := up.Send(wire); err != nil {
		c.dropUpstream()
		return false, c.fail(client, flags, http.StatusBadGateway, fault.Transport("send request", err))
	}
	ex.Sent = time.Now()

	stream := !verdict.BufferResponse && !websocket
	resp, err := c.relayResponse(client, up, req, stream, &ex)
	if err != nil {
		c.dropUpstream()
		return false, err
	}
	c.upServed++
	ex.Response = resp
	ex.End = time.Now()

	code := resp.Headers.Status.Code
	ex.Verdict = c.cfg.Rules.Evaluate(c.filterInput(req, code))
	c.record(ex)

	if websocket && code == http.StatusSwitchingProtocols {
		return false, c.upgrade(ctx, flags, addr)
	}

	reusable := resp.Headers.KeepAlive() && resp.Boundary.Mode != framer.BodyUntilClose && up.Buffered() == 0
	if !reusable {
		c.dropUpstream()
		if c.upFixed {
			return false, nil
		}
	}
	return req.Headers.KeepAlive() && resp.Headers.KeepAlive(), nil
}

// relayResponse reads responses from up until a final one arrives,
// forwarding interim responses as they come. When stream is set, the head of
// the final response is forwarded once parsed and its entity is relayed as it
// is read, keeping only what the capture needs.
func (c *clientConn) relayResponse(client, up *pipe.Pipe, req *framer.Message, stream bool, ex *capture.Exchange) (*framer.Message, error) {
	for {
		opts := framer.OptionsFrom(c.cfg, framer.KindResponse)
		opts.RequestMethod = req.Headers.Request.Method
		opts.Streamed = stream
		opts.OnRead = func([]byte) error {
			if ex.FirstByte.IsZero() {
				ex.FirstByte = time.Now()
			}
			return nil
		}

		resp, err := framer.Read(up, opts)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fault.Transport("read response", io.ErrUnexpectedEOF)
			}
			return nil, c.badResponse(client, ex.Flags, err)
		}
		c.tolerated(ex.Flags, "response", resp)

		if resp.Boundary.Mode == framer.BodyDeferred {
			body, err := framer.NewBodyStream(resp, opts, c.captureBytes())
			if err != nil {
				return nil, c.badResponse(client, ex.Flags, err)
			}
			if _, err := client.Send(resp.Head()); err != nil {
				return nil, fault.Transport("send response", err)
			}
			if resp, err = body.Copy(client, up); err != nil {
				return nil, err
			}
			if resp.Patched {
				slog.Warn("streamed response was shorter than declared", "session", ex.Flags, "msg", resp)
			}
		} else if _, err := client.Send(resp.Wire()); err != nil {
			return nil, fault.Transport("send response", err)
		}

		code := resp.Headers.Status.Code
		if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
			continue
		}
		return resp, nil
	}
}

// badResponse answers the client for a response that could not be relayed
// before any of it was forwarded.
func (c *clientConn) badResponse(client *pipe.Pipe, flags *session.Flags, err error) error {
	status := fault.StatusOf(err)
	if status == 0 {
		status = http.StatusBadGateway
	}
	if errors.Is(err, fault.ProtocolViolation) {
		stats.Global.Violations.Add(1)
	}
	return c.fail(client, flags, status, err)
}

// captureBytes is how much of a streamed entity is kept for the recorder.
func (c *clientConn) captureBytes() int {
	if c.srv.opts.Capture == nil {
		return 0
	}
	return int(c.cfg.Capture.PayloadLimit)
}

func (c *clientConn) record(ex capture.Exchange) {
	if c.srv.opts.Capture == nil {
		return
	}
	if _, err := c.srv.opts.Capture.Record(ex); err != nil {
		slog.Debug("failed to record exchange", "session", ex.Flags, "err", err)
	}
}

// upgrade hands both connections to a tunnel that decodes WebSocket frames
// while relaying them.
func (c *clientConn) upgrade(ctx context.Context, flags *session.Flags, addr string) error {
	if _, err := c.clientPipe(); err != nil {
		return err
	}

	opts := tunnel.Options{Host: addr, Flags: flags, Rewriter: c.srv.opts.Rewriter}
	if c.srv.opts.Capture != nil {
		opts.Observer = c.srv.opts.Capture
	}
	t, err := tunnel.New(c.cfg, c.clientH, c.upH, opts)
	if err != nil {
		return err
	}
	slog.Debug("switching to websocket relay", "session", flags, "tunnel", t)
	return t.RelayWebSocket(ctx)
}
