// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package proxy

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/jpillora/sizestr"
	"proxycore.dev/framer"
	"proxycore.dev/session"
	"proxycore.dev/tunnel"
)

// Some browsers replace error pages shorter than this with their own.
const minErrorBody = 512

var connectEstablished = []byte("HTTP/1.1 200 Connection Established\r\n\r\n")

// errorResponse synthesizes a response that closes the connection.
func errorResponse(status int, msg string, flags *session.Flags) []byte {
	body := new(bytes.Buffer)
	fmt.Fprintf(body, "[proxycore] %d %s\n\n%s\n", status, http.StatusText(status), msg)
	if flags != nil {
		fmt.Fprintf(body, "\nsession %s\n", flags.ID())
	}
	if status >= 400 && body.Len() < minErrorBody {
		body.WriteString(strings.Repeat(" ", minErrorBody-body.Len()))
	}

	b := new(bytes.Buffer)
	fmt.Fprintf(b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Cache-Control: no-cache, must-revalidate\r\n")
	b.WriteString("Connection: close\r\n")
	fmt.Fprintf(b, "Content-Length: %d\r\n\r\n", body.Len())
	b.Write(body.Bytes())
	return b.Bytes()
}

// diagnostic frames the synthetic response recorded for a CONNECT tunnel:
// a plain-text report of how the tunnel was handled.
func diagnostic(t *tunnel.Tunnel) (*framer.Message, error) {
	flags := t.Flags()

	body := new(bytes.Buffer)
	fmt.Fprintf(body, "This is a CONNECT tunnel to %s.\n\n", t.Host())
	fmt.Fprintf(body, "Mode: %s\n", t.Mode())
	if d := flags.Get(session.FlagTunnelDecision); d != "" {
		fmt.Fprintf(body, "Decision: %s\n", d)
	}
	if r := flags.Get(session.FlagAbortReason); r != "" {
		fmt.Fprintf(body, "Aborted: %s\n", r)
	}
	fmt.Fprintf(body, "Egress: %s\nIngress: %s\n", sizestr.ToString(t.Egress()), sizestr.ToString(t.Ingress()))
	for _, key := range []string{session.FlagClientHello, session.FlagServerHello} {
		if s := flags.Get(key); s != "" {
			fmt.Fprintf(body, "\n%s\n", s)
		}
	}

	b := new(bytes.Buffer)
	b.Write(connectEstablished[:len(connectEstablished)-2])
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(b, "Content-Length: %d\r\n\r\n", body.Len())
	b.Write(body.Bytes())

	acc := framer.NewAccumulator(framer.Scanner{Kind: framer.KindResponse})
	if _, err := acc.Feed(b.Bytes()); err != nil {
		return nil, fmt.Errorf("frame diagnostic: %w", err)
	}
	m, _ := acc.Message()
	return m, nil
}
