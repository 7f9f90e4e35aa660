// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"
	"proxycore.dev/fault"
	"proxycore.dev/pipe"
	"proxycore.dev/session"
	"proxycore.dev/stats"
	"proxycore.dev/tlssniff"
	"proxycore.dev/wsframe"
)

const defaultBufferBytes = 16 << 10

// direction is one half of a relay. Only its pump goroutine touches it.
type direction struct {
	name     string
	src, dst *pipe.Pipe
	counter  *atomic.Int64
	global   *atomic.Int64
	limiter  *rate.Limiter

	decoder      *wsframe.Decoder
	decodeFailed bool

	// held is the undelivered tail of the stream while frames are being
	// rewritten. It mirrors the decoder's buffered partial frame.
	held []byte
}

// Relay copies bytes between the two pipes until either side ends, ctx is
// cancelled or the tunnel is closed. The first chunk of each direction is
// inspected for a TLS hello. Relay always leaves the tunnel closed.
func (t *Tunnel) Relay(ctx context.Context) error {
	if err := t.enterRelay(); err != nil {
		t.Close()
		return err
	}
	stats.Global.TunnelsBlind.Add(1)
	return t.run(ctx, false)
}

// RelayWebSocket is Relay for a connection that completed a WebSocket
// upgrade. Both directions are decoded into messages for the observer while
// the original bytes are forwarded unchanged, except for messages the
// rewriter marks.
func (t *Tunnel) RelayWebSocket(ctx context.Context) error {
	if err := t.enterRelay(); err != nil {
		t.Close()
		return err
	}
	return t.run(ctx, true)
}

func (t *Tunnel) enterRelay() error {
	if t.State() == StateCreated {
		if err := t.advance(StateBlind); err != nil {
			return err
		}
	}
	return t.advance(StateBlindRelay)
}

func (t *Tunnel) bufferBytes() int {
	if t.cfg != nil && t.cfg.BufferBytes > 0 {
		return t.cfg.BufferBytes
	}
	return defaultBufferBytes
}

func (t *Tunnel) limiter(bps int) *rate.Limiter {
	if bps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bps), max(bps, t.bufferBytes()))
}

func (t *Tunnel) run(ctx context.Context, websocket bool) error {
	cli, srv, err := t.pipes()
	if err != nil {
		t.Close()
		return err
	}

	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	up := &direction{
		name:    "client->server",
		src:     cli,
		dst:     srv,
		counter: &t.egress,
		global:  &stats.Global.EgressBytes,
	}
	down := &direction{
		name:    "server->client",
		src:     srv,
		dst:     cli,
		counter: &t.ingress,
		global:  &stats.Global.IngressBytes,
	}
	if t.cfg != nil {
		up.limiter = t.limiter(t.cfg.Throttle.UploadBPS)
		down.limiter = t.limiter(t.cfg.Throttle.DownloadBPS)
	}
	if websocket {
		var limit int
		if t.cfg != nil {
			limit = int(t.cfg.Capture.PayloadLimit)
		}
		up.decoder = wsframe.NewDecoder(wsframe.ClientToServer, limit)
		down.decoder = wsframe.NewDecoder(wsframe.ServerToClient, limit)
	}

	slog.Debug("starting tunnel relay", "tunnel", t, "websocket", websocket)

	errs := make(chan error, 2)
	for _, d := range []*direction{up, down} {
		go func() {
			err := t.pump(d)
			t.Close()
			errs <- err
		}()
	}
	err = errors.Join(<-errs, <-errs)

	t.writeCounters()
	if websocket {
		t.flags.Setf(session.FlagWSMessages, "%d", up.decoder.Completed+down.decoder.Completed)
		t.flags.Setf(session.FlagWSOrphaned, "%d", up.decoder.Orphaned+down.decoder.Orphaned)
	}
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}

// pump is the loop of one direction: receive, inspect, send, count.
func (t *Tunnel) pump(d *direction) error {
	buf := make([]byte, t.bufferBytes())
	first := true
	for {
		n, err := d.src.Receive(buf)
		if n > 0 {
			out := buf[:n]
			if first {
				first = false
				t.sniff(d, out)
			}
			if d.decoder != nil && !d.decodeFailed {
				if t.opts.Rewriter != nil {
					out = t.rewrite(d, out)
				} else {
					t.decode(d, out)
				}
			}

			if serr := t.send(d, out); serr != nil {
				if fault.IsBenignClose(serr) || t.ctx.Err() != nil {
					return nil
				}
				return fault.Transport("send "+d.name, serr)
			}
		}

		switch {
		case err == nil && n > 0:
		case err == nil:
			return nil
		case errors.Is(err, io.EOF), fault.IsBenignClose(err), t.ctx.Err() != nil:
			return nil
		default:
			return fault.Transport("receive "+d.name, err)
		}
	}
}

// send forwards b in pieces no larger than the limiter's burst and counts
// only the bytes the destination accepted.
func (t *Tunnel) send(d *direction, b []byte) error {
	for len(b) > 0 {
		piece := b
		if d.limiter != nil {
			piece = b[:min(len(b), d.limiter.Burst())]
			if err := d.limiter.WaitN(t.ctx, len(piece)); err != nil {
				return context.Canceled
			}
		}
		n, err := d.dst.Send(piece)
		d.counter.Add(int64(n))
		d.global.Add(int64(n))
		if err != nil {
			return err
		}
		b = b[len(piece):]
	}
	return nil
}

// sniff records the TLS hello found in a direction's first chunk. Failures
// only lose diagnostics.
func (t *Tunnel) sniff(d *direction, chunk []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("tls sniffer panicked", "tunnel", t, "dir", d.name, "panic", r)
		}
	}()

	h, err := tlssniff.Parse(chunk)
	if h == nil {
		return
	}
	key := session.FlagClientHello
	if h.Kind == tlssniff.ServerHello {
		key = session.FlagServerHello
	}
	t.flags.Set(key, h.Summary())
	slog.Debug("observed tls hello", "tunnel", t, "dir", d.name, "hello", h, "err", err)
}

func (t *Tunnel) decode(d *direction, chunk []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.decodeFailed = true
			slog.Debug("websocket observer panicked", "tunnel", t, "dir", d.name, "panic", r)
		}
	}()

	_, msgs, err := d.decoder.Feed(chunk)
	for _, m := range msgs {
		stats.Global.WebSocketMessages.Add(1)
		if t.opts.Observer != nil {
			t.opts.Observer.OnMessage(t, m)
		}
	}
	if err != nil {
		d.decodeFailed = true
		slog.Debug("stopped decoding websocket stream", "tunnel", t, "dir", d.name, "err", err)
	}
}

// rewrite decodes chunk frame by frame and returns the bytes to forward: the
// original encoding of every complete frame, or a re-encoded frame where the
// rewriter replaced the message. A trailing partial frame is held back. If
// the stream stops decoding, everything held is released unchanged.
func (t *Tunnel) rewrite(d *direction, chunk []byte) (out []byte) {
	d.held = append(d.held, chunk...)
	pos := 0
	defer func() {
		if r := recover(); r != nil {
			d.decodeFailed = true
			slog.Debug("websocket rewriter panicked", "tunnel", t, "dir", d.name, "panic", r)
			out = append(out, d.held[pos:]...)
			d.held = nil
		}
	}()

	steps, err := d.decoder.Steps(chunk)
	for _, s := range steps {
		raw := d.held[pos : pos+s.Wire]
		if s.Message != nil {
			stats.Global.WebSocketMessages.Add(1)
			if t.opts.Observer != nil {
				t.opts.Observer.OnMessage(t, s.Message)
			}
		}
		out = append(out, t.rewriteFrame(d, s, raw)...)
		pos += s.Wire
	}

	if err != nil {
		d.decodeFailed = true
		slog.Debug("stopped decoding websocket stream", "tunnel", t, "dir", d.name, "err", err)
		out = append(out, d.held[pos:]...)
		d.held = nil
		return out
	}
	d.held = append(d.held[:0], d.held[pos:]...)
	return out
}

func (t *Tunnel) rewriteFrame(d *direction, s wsframe.Step, raw []byte) []byte {
	m := s.Message
	if m == nil || m.Frames != 1 || m.Truncated || s.Frame.Rsv != 0 {
		return raw
	}
	if m.Opcode != wsframe.OpText && m.Opcode != wsframe.OpBinary {
		return raw
	}

	rw := t.opts.Rewriter.RewriteMessage(t, m)
	if rw == nil {
		return raw
	}

	f := *s.Frame
	f.SetPayload(rw.Payload)
	if rw.Rekey && f.Masked {
		if err := f.Rekey(nil); err != nil {
			slog.Debug("keeping original websocket frame", "tunnel", t, "dir", d.name, "err", err)
			return raw
		}
	}
	slog.Debug("rewrote websocket message", "tunnel", t, "message", m, "size", len(rw.Payload), "rekey", rw.Rekey && f.Masked)
	return f.Append(nil)
}
