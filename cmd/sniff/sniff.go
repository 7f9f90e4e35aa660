// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package sniff

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/peterbourgon/ff/v3/ffcli"
	"proxycore.dev/logging"
	"proxycore.dev/tlssniff"
)

type Command struct {
	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "sniff"
	c.ShortUsage = "proxycore sniff [flags] <file>"
	c.ShortHelp = "print a report of a captured TLS hello"
	c.LongHelp = `
The sniff command decodes the ClientHello or ServerHello at the start of the
given file and prints the same connection security report that tunnel
diagnostics carry. The file may hold the raw bytes or a hex dump of them. Use
"-" to read from standard input.
`

	c.FlagSet = flag.NewFlagSet("sniff", flag.ContinueOnError)
	c.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose logging")
	c.Exec = c.entrypoint
	return &c.Command
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	logging.Init()
	if len(args) != 1 {
		return flag.ErrHelp
	}

	var r io.Reader = os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		defer f.Close()
		r = f
	}
	return run(r, os.Stdout)
}

func run(r io.Reader, w io.Writer) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	b = unhex(b)

	h, err := tlssniff.Parse(b)
	switch {
	case errors.Is(err, tlssniff.ErrNotHandshake):
		return fmt.Errorf("input does not start with a TLS handshake (%d bytes, format %s)", len(b), tlssniff.Detect(b))
	case err != nil:
		slog.Debug("hello only partially decoded", "err", err)
	}
	_, err = io.WriteString(w, h.Summary())
	return err
}

// unhex returns the bytes spelled by b if b is a hex dump, and b otherwise.
// Whitespace and "0x" prefixes are ignored.
func unhex(b []byte) []byte {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':':
			return -1
		}
		return r
	}, strings.ReplaceAll(string(b), "0x", ""))
	if s == "" {
		return b
	}
	out, err := hex.DecodeString(s)
	if err != nil {
		return bytes.Clone(b)
	}
	return out
}
