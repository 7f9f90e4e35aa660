// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package pipe

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"proxycore.dev/config"
)

// Pipe is a net.Conn wrapper used for both legs of a proxied connection. It
// adds a put-back backlog that is drained before the socket is read again,
// per-operation deadlines, and an idempotent Close.
type Pipe struct {
	net.Conn

	name      string
	reused    bool
	deadlines config.Deadlines

	mu      sync.Mutex
	backlog []byte

	closeOnce sync.Once
	closeErr  error
}

// New wraps conn. Reused selects which timeout pair applies: pooled
// connections typically get shorter deadlines than freshly dialed ones.
func New(conn net.Conn, name string, timeouts config.Timeouts, reused bool) *Pipe {
	return &Pipe{
		Conn:      conn,
		name:      name,
		reused:    reused,
		deadlines: timeouts.For(reused),
	}
}

func (p *Pipe) Name() string   { return p.name }
func (p *Pipe) IsReused() bool { return p.reused }

// Receive reads from the backlog if it is non-empty and from the socket
// otherwise. It never combines the two in one call.
func (p *Pipe) Receive(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.backlog) > 0 {
		n := copy(b, p.backlog)
		p.backlog = p.backlog[n:]
		if len(p.backlog) == 0 {
			p.backlog = nil
		}
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	if p.deadlines.Receive > 0 {
		if err := p.Conn.SetReadDeadline(time.Now().Add(p.deadlines.Receive)); err != nil && !errors.Is(err, net.ErrClosed) {
			return 0, fmt.Errorf("set read deadline: %w", err)
		}
	}
	return p.Conn.Read(b)
}

// Send writes all of b or returns an error.
func (p *Pipe) Send(b []byte) (int, error) {
	if p.deadlines.Send > 0 {
		if err := p.Conn.SetWriteDeadline(time.Now().Add(p.deadlines.Send)); err != nil && !errors.Is(err, net.ErrClosed) {
			return 0, fmt.Errorf("set write deadline: %w", err)
		}
	}
	return p.Conn.Write(b)
}

func (p *Pipe) Read(b []byte) (int, error)  { return p.Receive(b) }
func (p *Pipe) Write(b []byte) (int, error) { return p.Send(b) }

// Unread prepends a copy of b to the backlog so that the next Receive
// returns these bytes first. Used to hand pipelined excess back to the
// stream.
func (p *Pipe) Unread(b []byte) {
	if len(b) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	backlog := make([]byte, 0, len(b)+len(p.backlog))
	backlog = append(backlog, b...)
	backlog = append(backlog, p.backlog...)
	p.backlog = backlog
}

func (p *Pipe) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backlog)
}

// Peek waits until at least one byte is available and returns up to n
// buffered bytes without consuming them. It returns (nil, nil) at EOF.
func (p *Pipe) Peek(n int) ([]byte, error) {
	if p.Buffered() == 0 {
		buf := make([]byte, max(n, 512))
		m, err := p.Receive(buf)
		if m > 0 {
			p.Unread(buf[:m])
		}
		switch {
		case m > 0:
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			return nil, nil
		default:
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if n > len(p.backlog) {
		n = len(p.backlog)
	}
	return append([]byte(nil), p.backlog[:n]...), nil
}

// Close closes the underlying connection exactly once. Later calls return
// the first call's result.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		switch err := p.Conn.Close(); {
		case err == nil:
		case errors.Is(err, net.ErrClosed):
		default:
			p.closeErr = fmt.Errorf("close %s: %w", p.name, err)
		}
	})
	return p.closeErr
}

// CloseWrite half-closes the write side of the connection. If the underlying
// net.Conn is not half-closeable (i.e. not a *net.TCPConn), this is a no-op.
func (p *Pipe) CloseWrite() error {
	if c, ok := p.Conn.(interface{ CloseWrite() error }); ok {
		return c.CloseWrite()
	}
	return nil
}

// CloseRead half-closes the read side of the connection. If the underlying
// net.Conn is not half-closeable (i.e. not a *net.TCPConn), this is a no-op.
func (p *Pipe) CloseRead() error {
	if c, ok := p.Conn.(interface{ CloseRead() error }); ok {
		return c.CloseRead()
	}
	return nil
}

func (p *Pipe) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", p.name),
		slog.Bool("reused", p.reused),
		slog.Any("local", p.Conn.LocalAddr()),
		slog.Any("remote", p.Conn.RemoteAddr()),
	)
}

// Wrap returns a new pipe around conn that inherits p's name and deadlines.
// It is used after a TLS handshake turns p's ciphertext into a plaintext
// connection; closing the new pipe closes conn, which in turn closes p.
func (p *Pipe) Wrap(conn net.Conn, name string) *Pipe {
	return &Pipe{
		Conn:      conn,
		name:      name,
		reused:    p.reused,
		deadlines: p.deadlines,
	}
}
