// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package tunnel relays CONNECT and WebSocket tunnels between a client pipe
// and a server pipe, either blind or decrypted, and observes the traffic on
// the way through.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"proxycore.dev/certs"
	"proxycore.dev/config"
	"proxycore.dev/pipe"
	"proxycore.dev/session"
	"proxycore.dev/stats"
	"proxycore.dev/wsframe"
)

type State int32

const (
	StateCreated State = iota
	StateBlind
	StateSecuring
	StateServerHandshake
	StateClientHandshake
	StateAborted
	StateDecrypted
	StateBlindRelay
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBlind:
		return "blind"
	case StateSecuring:
		return "securing"
	case StateServerHandshake:
		return "server-handshake"
	case StateClientHandshake:
		return "client-handshake"
	case StateAborted:
		return "aborted"
	case StateDecrypted:
		return "decrypted"
	case StateBlindRelay:
		return "blind-relay"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Every state may also move to StateClosed.
var transitions = map[State][]State{
	StateCreated:         {StateBlind, StateSecuring},
	StateBlind:           {StateBlindRelay},
	StateSecuring:        {StateServerHandshake, StateBlind, StateAborted},
	StateServerHandshake: {StateClientHandshake, StateBlind, StateAborted},
	StateClientHandshake: {StateDecrypted, StateAborted},
	StateDecrypted:       {},
	StateBlindRelay:      {},
	StateAborted:         {},
}

type Mode int

const (
	ModeBlind Mode = iota
	ModeDecrypting
)

func (m Mode) String() string {
	if m == ModeDecrypting {
		return "decrypt"
	}
	return "blind"
}

var errBadTransition = errors.New("invalid tunnel state transition")

// MessageObserver receives every WebSocket message decoded from a relayed
// stream. It runs on the pump goroutine of the message's direction and must
// not block.
type MessageObserver interface {
	OnMessage(t *Tunnel, m *wsframe.Message)
}

type ObserverFunc func(t *Tunnel, m *wsframe.Message)

func (f ObserverFunc) OnMessage(t *Tunnel, m *wsframe.Message) { f(t, m) }

// Rewrite replaces the payload of a WebSocket message before it is
// forwarded. Masked frames keep their original key unless Rekey asks for a
// fresh one.
type Rewrite struct {
	Payload []byte
	Rekey   bool
}

// MessageRewriter marks messages for rewriting by returning a non-nil
// Rewrite. It is consulted only for text and binary messages that arrived
// in a single uncompressed frame and were not truncated; everything else is
// forwarded as received. Like MessageObserver it runs on the pump goroutine.
type MessageRewriter interface {
	RewriteMessage(t *Tunnel, m *wsframe.Message) *Rewrite
}

type RewriterFunc func(t *Tunnel, m *wsframe.Message) *Rewrite

func (f RewriterFunc) RewriteMessage(t *Tunnel, m *wsframe.Message) *Rewrite { return f(t, m) }

// Options carry the collaborators of a tunnel besides its two pipes.
type Options struct {
	// Host is the CONNECT target or the upgraded request's host.
	Host string

	Flags *session.Flags
	Certs certs.Provider

	// Redial opens a new server connection. It lets a tunnel whose server
	// handshake failed fall back to blind relay.
	Redial func(ctx context.Context) (*pipe.Pipe, error)

	Observer MessageObserver

	// Rewriter makes a WebSocket relay forward whole frames only, holding a
	// partial frame back until it is complete. Optional.
	Rewriter MessageRewriter
}

// Tunnel exclusively owns the client and server pipes moved into it. Its
// mode is fixed once it starts relaying.
type Tunnel struct {
	cfg   *config.Config
	opts  Options
	flags *session.Flags
	begin time.Time

	mu     sync.Mutex
	client *pipe.Handle
	server *pipe.Handle

	state atomic.Int32
	mode  atomic.Int32

	// egress counts client to server bytes, ingress server to client.
	egress  atomic.Int64
	ingress atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// New moves client and server into a new tunnel. Both handles are empty
// afterwards, even on error.
func New(c *config.Config, client, server *pipe.Handle, opts Options) (*Tunnel, error) {
	t := &Tunnel{
		cfg:    c,
		opts:   opts,
		flags:  opts.Flags,
		begin:  time.Now(),
		client: client.Move(),
		server: server.Move(),
		done:   make(chan struct{}),
	}
	if t.flags == nil {
		t.flags = session.New()
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	stats.Global.TunnelsOpen.Add(1)

	if !t.client.Valid() || !t.server.Valid() {
		t.Close()
		return nil, fmt.Errorf("new tunnel: %w", pipe.ErrMoved)
	}
	return t, nil
}

func (t *Tunnel) State() State { return State(t.state.Load()) }
func (t *Tunnel) Mode() Mode   { return Mode(t.mode.Load()) }
func (t *Tunnel) Host() string { return t.opts.Host }

func (t *Tunnel) Flags() *session.Flags { return t.flags }

// Egress returns the client to server byte count.
func (t *Tunnel) Egress() int64 { return t.egress.Load() }

// Ingress returns the server to client byte count.
func (t *Tunnel) Ingress() int64 { return t.ingress.Load() }

// Done is closed when the tunnel has been torn down.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

func (t *Tunnel) advance(to State) error {
	for {
		from := t.State()
		if from == StateClosed {
			return fmt.Errorf("%w: tunnel closed", errBadTransition)
		}
		ok := to == StateClosed
		for _, s := range transitions[from] {
			if s == to {
				ok = true
			}
		}
		if !ok {
			return fmt.Errorf("%w: %s -> %s", errBadTransition, from, to)
		}
		if t.state.CompareAndSwap(int32(from), int32(to)) {
			slog.Debug("tunnel state changed", "tunnel", t, "from", from, "to", to)
			return nil
		}
	}
}

// Close tears the tunnel down. It is safe to call any number of times from
// any goroutine; only the first call does anything and every call returns
// its result.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.state.Store(int32(StateClosed))

		t.mu.Lock()
		errs := make(chan error, 2)
		go func() {
			if err := t.client.Release(); err != nil {
				errs <- fmt.Errorf("close client side: %w", err)
				return
			}
			errs <- nil
		}()
		go func() {
			if err := t.server.Release(); err != nil {
				errs <- fmt.Errorf("close server side: %w", err)
				return
			}
			errs <- nil
		}()
		t.closeErr = errors.Join(<-errs, <-errs)
		t.mu.Unlock()

		t.writeCounters()

		stats.Global.TunnelsOpen.Add(-1)
		slog.Debug("tunnel closed", "tunnel", t,
			"egress", sizestr.ToString(t.egress.Load()),
			"ingress", sizestr.ToString(t.ingress.Load()),
			"duration", time.Since(t.begin))
		close(t.done)
	})
	return t.closeErr
}

// pipes returns the pipes currently owned by the tunnel.
func (t *Tunnel) pipes() (*pipe.Pipe, *pipe.Pipe, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cli, err := t.client.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("client pipe: %w", err)
	}
	srv, err := t.server.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("server pipe: %w", err)
	}
	return cli, srv, nil
}

func (t *Tunnel) writeCounters() {
	t.flags.Set(session.FlagTunnelMode, t.Mode().String())
	t.flags.Setf(session.FlagEgressBytes, "%d", t.egress.Load())
	t.flags.Setf(session.FlagIngressBytes, "%d", t.ingress.Load())
}

func (t *Tunnel) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("session", t.flags.ID()),
		slog.String("host", t.opts.Host),
		slog.String("mode", t.Mode().String()),
		slog.String("state", t.State().String()),
	)
}
