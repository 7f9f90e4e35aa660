// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package tlssniff

import (
	"fmt"
	"log/slog"
	"strings"
)

// Summary renders the hello as the plain-text connection security report
// attached to tunnel diagnostics.
func (h *Hello) Summary() string {
	b := new(strings.Builder)

	fmt.Fprintf(b, "A %s %s handshake was found.\n", h.Format, h.Kind)
	if h.Degraded != nil {
		fmt.Fprintf(b, "The message could not be fully parsed: %v\n", h.Degraded)
	}
	b.WriteByte('\n')

	fmt.Fprintf(b, "Version: %s\n", h.Version)
	if n := h.Negotiated(); n != h.Version {
		if h.Kind == ServerHello {
			fmt.Fprintf(b, "Negotiated: %s\n", n)
		} else {
			fmt.Fprintf(b, "Highest offered: %s\n", n)
		}
	}
	fmt.Fprintf(b, "Random: %s\n", hexOrEmpty(h.Random))
	fmt.Fprintf(b, "SessionID: %s\n", hexOrEmpty(h.SessionID))

	if h.Kind == ServerHello {
		fmt.Fprintf(b, "Cipher: %s [0x%04x]\n", h.CipherSuite, uint32(h.CipherSuite))
	}

	if len(h.Extensions) > 0 {
		b.WriteString("Extensions:\n")
		for _, e := range h.Extensions {
			fmt.Fprintf(b, "\t%s\t%s\n", e.Name, e.Description)
		}
	}

	if h.Kind == ClientHello && len(h.CipherSuites) > 0 {
		b.WriteString("Ciphers:\n")
		for _, c := range h.CipherSuites {
			if c > 0xffff {
				fmt.Fprintf(b, "\t[%06x]\t%s\n", uint32(c), c)
			} else {
				fmt.Fprintf(b, "\t[%04x]\t%s\n", uint32(c), c)
			}
		}
	}

	if len(h.CompressionMethods) > 0 && !h.Negotiated().atLeast13() {
		b.WriteString("Compression:\n")
		for _, m := range h.CompressionMethods {
			fmt.Fprintf(b, "\t[%02x]\t%s\n", m, compressionName(m))
		}
	}
	return b.String()
}

func hexOrEmpty(b []byte) string {
	if len(b) == 0 {
		return "empty"
	}
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("%02X", c)
	}
	return strings.Join(parts, " ")
}

func (h *Hello) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", h.Kind.String()),
		slog.String("version", h.Negotiated().String()),
	}
	if h.ServerName != "" {
		attrs = append(attrs, slog.String("sni", h.ServerName))
	}
	if len(h.ALPN) > 0 {
		attrs = append(attrs, slog.String("alpn", strings.Join(h.ALPN, ",")))
	}
	if h.Kind == ServerHello {
		attrs = append(attrs, slog.String("cipher", h.CipherSuite.String()))
	} else {
		attrs = append(attrs, slog.Int("ciphers", len(h.CipherSuites)))
	}
	if h.Degraded != nil {
		attrs = append(attrs, slog.Bool("degraded", true))
	}
	return slog.GroupValue(attrs...)
}
