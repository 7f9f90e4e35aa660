// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package tail

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/martian/v3/har"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"proxycore.dev/filter"
	"proxycore.dev/logging"
)

type filters []string

func (f *filters) String() string {
	var ret []string
	for _, s := range *f {
		ret = append(ret, fmt.Sprintf("%q", s))
	}
	return strings.Join(ret, " ")
}

func (f *filters) Set(s string) error {
	*f = append(*f, s)
	return nil
}

type Tail struct {
	ffcli.Command
	flags struct {
		filters filters
		format  string
		follow  bool
	}

	rules []filter.Rule
}

func NewCommand() *ffcli.Command {
	t := new(Tail)

	t.Name = "tail"
	t.ShortUsage = "proxycore tail [flags] <har-file>"
	t.ShortHelp = "print captured requests from a HAR lines file"

	t.FlagSet = flag.NewFlagSet(filepath.Base(os.Args[0]), flag.ContinueOnError)
	t.FlagSet.Var(&t.flags.filters, "filter", "CEL expression an entry must match (multiple okay)")
	t.FlagSet.StringVar(&t.flags.format, "format", "text", "either text (default) or json")
	t.FlagSet.BoolVar(&t.flags.follow, "f", false, "keep reading as entries are appended")
	t.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose logging")

	t.Options = []ff.Option{ff.WithEnvVarPrefix("PROXYCORE_TAIL")}
	t.Exec = t.entrypoint
	return &t.Command
}

func (t *Tail) entrypoint(ctx context.Context, args []string) error {
	logging.Init()

	switch t.flags.format {
	case "text":
	case "json":
	default:
		return fmt.Errorf("unknown format %q", t.flags.format)
	}
	if len(args) != 1 {
		return flag.ErrHelp
	}
	if err := t.compile(); err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	if err := t.run(ctx, f, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (t *Tail) compile() error {
	for _, expr := range t.flags.filters {
		r := filter.Rule{If: expr, Then: filter.ActionCapture}
		if err := r.Compile(); err != nil {
			return fmt.Errorf("filter %q: %w", expr, err)
		}
		t.rules = append(t.rules, r)
	}
	return nil
}

// run prints every entry read from r. In follow mode it waits for more
// lines at the end of the file until ctx is done.
func (t *Tail) run(ctx context.Context, r io.Reader, w io.Writer) error {
	br := bufio.NewReader(r)
	var pending []byte
	for {
		line, err := br.ReadBytes('\n')
		pending = append(pending, line...)
		switch {
		case err == nil:
			if err := t.print(w, bytes.TrimSpace(pending)); err != nil {
				slog.Debug("skipping malformed entry", "err", err)
			}
			pending = pending[:0]
			continue
		case !errors.Is(err, io.EOF):
			return fmt.Errorf("read: %w", err)
		case !t.flags.follow:
			if len(bytes.TrimSpace(pending)) > 0 {
				return t.print(w, bytes.TrimSpace(pending))
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (t *Tail) print(w io.Writer, line []byte) error {
	if len(line) == 0 {
		return nil
	}

	var entry har.Entry
	if err := json.Unmarshal(line, &entry); err != nil {
		return fmt.Errorf("decode entry: %w", err)
	}
	if entry.Request == nil || entry.Response == nil {
		return fmt.Errorf("entry %q has no request or response", entry.ID)
	}
	if !t.matches(&entry) {
		return nil
	}

	switch t.flags.format {
	case "json":
		_, err := fmt.Fprintf(w, "%s\n", line)
		return err
	default:
		_, err := fmt.Fprintf(w, "%8s    %d    %s %q\n", time.Duration(entry.Time)*time.Millisecond, entry.Response.Status, entry.Request.Method, entry.Request.URL)
		return err
	}
}

func (t *Tail) matches(entry *har.Entry) bool {
	if len(t.rules) == 0 {
		return true
	}

	in := filter.Input{
		Method: entry.Request.Method,
		URL:    entry.Request.URL,
		Status: entry.Response.Status,
	}
	if u, err := url.Parse(entry.Request.URL); err == nil {
		in.Host, in.Path = u.Host, u.RequestURI()
	}

	for i := range t.rules {
		ok, err := t.rules[i].Matches(in)
		if err != nil || !ok {
			return false
		}
	}
	return true
}
