// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"proxycore.dev/fault"
	"proxycore.dev/pipe"
	"proxycore.dev/session"
	"proxycore.dev/stats"
	"proxycore.dev/tlssniff"
)

// ErrFellBack is returned by Decrypt when the tunnel switched to blind mode
// instead. The caller continues with Relay.
var ErrFellBack = errors.New("tunnel fell back to blind relay")

const maxHelloBytes = 64 << 10

var errNoProvider = errors.New("no certificate provider")

// Decrypt terminates TLS on both legs: it completes the server handshake
// first, then presents the client a certificate for commonName (or the
// server name the client asked for) and returns the two plaintext pipes.
// The tunnel keeps owning the ciphertext pipes; closing the tunnel closes
// the plaintext pipes too.
func (t *Tunnel) Decrypt(ctx context.Context, commonName string) (*pipe.Pipe, *pipe.Pipe, error) {
	if err := t.advance(StateSecuring); err != nil {
		return nil, nil, err
	}
	client, server, err := t.pipes()
	if err != nil {
		return nil, nil, err
	}

	hello, err := readHello(client, maxHelloBytes)
	if hello == nil {
		// Not TLS after all. The peeked bytes are back on the pipe.
		if aerr := t.advance(StateBlind); aerr != nil {
			return nil, nil, aerr
		}
		return nil, nil, fmt.Errorf("%w: no client hello: %v", ErrFellBack, err)
	}
	t.flags.Set(session.FlagClientHello, hello.Summary())

	serverName := commonName
	if serverName == "" {
		serverName = hello.ServerName
	}
	if serverName == "" {
		serverName = hostOnly(t.opts.Host)
	}

	if err := t.advance(StateServerHandshake); err != nil {
		return nil, nil, err
	}
	upConn := &countingConn{Conn: server, read: &t.ingress, written: &t.egress}
	up := tls.Client(upConn, upstreamConfig(serverName, hello))
	if err := up.HandshakeContext(ctx); err != nil {
		slog.Debug("server TLS handshake failed", "tunnel", t, "serverName", serverName, "err", err)
		return nil, nil, t.serverHandshakeFailed(ctx, fault.Handshake("server handshake", err))
	}
	state := up.ConnectionState()
	slog.Debug("server TLS handshake complete", "tunnel", t, "serverName", serverName,
		"version", tlssniff.Version(state.Version), "alpn", state.NegotiatedProtocol)

	if err := t.advance(StateClientHandshake); err != nil {
		return nil, nil, err
	}
	if t.opts.Certs == nil {
		return nil, nil, t.abort(fault.Handshake("mint certificate", errNoProvider))
	}
	cert, err := t.opts.Certs(serverName)
	if err != nil {
		return nil, nil, t.abort(fault.Handshake("mint certificate", err))
	}

	downCfg := &tls.Config{Certificates: []tls.Certificate{*cert}}
	if proto := state.NegotiatedProtocol; proto != "" {
		downCfg.NextProtos = []string{proto}
	}
	down := tls.Server(client, downCfg)
	if err := down.HandshakeContext(ctx); err != nil {
		// Most clients close the connection here when they do not trust the
		// minted certificate or pin the server's.
		return nil, nil, t.abort(fault.Handshake("client handshake", err))
	}

	if err := t.advance(StateDecrypted); err != nil {
		return nil, nil, err
	}
	t.mode.Store(int32(ModeDecrypting))
	stats.Global.TunnelsDecrypted.Add(1)
	return client.Wrap(down, "client-tls"), server.Wrap(up, "server-tls"), nil
}

func (t *Tunnel) abort(err error) error {
	stats.Global.TunnelsAborted.Add(1)
	t.flags.Set(session.FlagAbortReason, err.Error())
	if aerr := t.advance(StateAborted); aerr != nil {
		return errors.Join(err, aerr)
	}
	return err
}

// serverHandshakeFailed falls back to blind relay over a fresh server
// connection when the configuration allows it. The client's hello is still
// unread, so the new server sees the handshake from the start.
func (t *Tunnel) serverHandshakeFailed(ctx context.Context, err error) error {
	if t.cfg == nil || !t.cfg.BlindOnCertFailure || t.opts.Redial == nil {
		return t.abort(err)
	}

	p, rerr := t.opts.Redial(ctx)
	if rerr != nil {
		return t.abort(errors.Join(err, fmt.Errorf("redial: %w", rerr)))
	}

	t.mu.Lock()
	if t.State() == StateClosed {
		t.mu.Unlock()
		p.Close()
		return t.abort(err)
	}
	old := t.server
	t.server = pipe.Own(p)
	t.mu.Unlock()
	old.Release()

	if aerr := t.advance(StateBlind); aerr != nil {
		return errors.Join(err, aerr)
	}
	return fmt.Errorf("%w: %v", ErrFellBack, err)
}

// readHello accumulates the client's first handshake message without
// consuming it.
func readHello(p *pipe.Pipe, limit int) (*tlssniff.Hello, error) {
	var got []byte
	defer func() { p.Unread(got) }()

	buf := make([]byte, 4096)
	for len(got) < limit {
		n, err := p.Receive(buf)
		got = append(got, buf[:n]...)
		if tlssniff.Complete(got) {
			break
		}
		if len(got) >= 3 && tlssniff.Detect(got) == tlssniff.FormatNone {
			break
		}
		if err != nil {
			if len(got) == 0 {
				return nil, err
			}
			break
		}
		if n == 0 {
			break
		}
	}

	h, err := tlssniff.ParseClientHello(got)
	if h == nil {
		return nil, err
	}
	return h, nil
}

// upstreamConfig mirrors the client's offer towards the server.
func upstreamConfig(serverName string, hello *tlssniff.Hello) *tls.Config {
	c := &tls.Config{
		ServerName: serverName,

		// It's not the proxy's job to verify the upstream server's certificate.
		// A client that would reject it never trusted the server in the first
		// place; the leaf minted for it is what the client validates.
		InsecureSkipVerify: true,
	}

	// HTTP/2 is not spoken on the plaintext side.
	for _, p := range hello.ALPN {
		if p == "http/1.1" || p == "http/1.0" {
			c.NextProtos = append(c.NextProtos, p)
		}
	}

	versions := hello.SupportedVersions
	if len(versions) == 0 {
		versions = []tlssniff.Version{hello.Version}
	}
	for _, v := range versions {
		if tlssniff.IsGREASE(uint16(v)) || v < tls.VersionTLS10 || v > tls.VersionTLS13 {
			continue
		}
		if c.MinVersion == 0 || uint16(v) < c.MinVersion {
			c.MinVersion = uint16(v)
		}
		if uint16(v) > c.MaxVersion {
			c.MaxVersion = uint16(v)
		}
	}
	return c
}

// countingConn counts the ciphertext crossing the server leg of a decrypted
// tunnel.
type countingConn struct {
	net.Conn
	read    *atomic.Int64
	written *atomic.Int64
}

func (c *countingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.read.Add(int64(n))
	stats.Global.IngressBytes.Add(int64(n))
	return n, err
}

func (c *countingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.written.Add(int64(n))
	stats.Global.EgressBytes.Add(int64(n))
	return n, err
}
