// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package sniff

import (
	"bytes"
	"crypto/tls"
	"encoding/hex"
	"net"
	"strings"
	"testing"
)

func clientHello(t *testing.T) []byte {
	t.Helper()
	c, s := net.Pipe()
	go func() {
		tls.Client(c, &tls.Config{ServerName: "example.com", InsecureSkipVerify: true}).Handshake()
	}()
	defer s.Close()

	buf := make([]byte, 64<<10)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	return buf[:n]
}

func TestRun(t *testing.T) {
	raw := clientHello(t)
	for _, tt := range []struct {
		name  string
		input []byte
	}{
		{"raw", raw},
		{"hex", []byte(hex.EncodeToString(raw) + "\n")},
		{"spaced hex", []byte(spaced(raw))},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := run(bytes.NewReader(tt.input), &out); err != nil {
				t.Fatalf("run: %v", err)
			}
			for _, sub := range []string{"ClientHello", "example.com"} {
				if !strings.Contains(out.String(), sub) {
					t.Fatalf("report missing %q:\n%s", sub, out.String())
				}
			}
		})
	}
}

func spaced(b []byte) string {
	var parts []string
	for _, c := range b {
		parts = append(parts, "0x"+hex.EncodeToString([]byte{c}))
	}
	return strings.Join(parts, " ")
}

func TestNotHandshake(t *testing.T) {
	var out bytes.Buffer
	if err := run(strings.NewReader("GET / HTTP/1.1\r\n\r\n"), &out); err == nil {
		t.Fatalf("expected error, got report:\n%s", out.String())
	}
}
