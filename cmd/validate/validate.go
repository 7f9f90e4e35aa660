// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package validate

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"proxycore.dev/config"
	"proxycore.dev/filter"
)

type Command struct {
	flags struct {
		config string
	}
	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "validate"
	c.ShortUsage = "proxycore validate [flags] [<config>]"
	c.ShortHelp = "validate a proxycore configuration file"
	c.LongHelp = `
The validate command parses a configuration file, compiles its rules and
checks every setting without starting the proxy. The file is taken from the
argument, the -config flag or the PROXYCORE_CONFIG environment variable.

Examples:
  proxycore validate proxycore.yaml

  # Evaluate the rules against a sample request
  proxycore validate -method GET -url https://example.com/download/x proxycore.yaml

`

	c.FlagSet = flag.NewFlagSet("validate", flag.ContinueOnError)
	c.FlagSet.StringVar(&c.flags.config, "config", "", "configuration file path")
	sample := new(filter.Input)
	c.FlagSet.StringVar(&sample.Method, "method", "", "sample request method to evaluate the rules against")
	c.FlagSet.StringVar(&sample.URL, "url", "", "sample request URL to evaluate the rules against")
	c.FlagSet.StringVar(&sample.Process, "process", "", "sample client process name")
	c.FlagSet.IntVar(&sample.Status, "status", 0, "sample response status")

	c.Options = []ff.Option{ff.WithEnvVarPrefix("PROXYCORE")}
	c.Exec = func(ctx context.Context, args []string) error {
		return c.exec(ctx, args, *sample, os.Stdout)
	}
	return &c.Command
}

func (c *Command) exec(ctx context.Context, args []string, sample filter.Input, w io.Writer) error {
	path := c.flags.config
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("no config file provided as an argument, via -config or PROXYCORE_CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}
	slog.Debug("config is valid", "path", path)

	fmt.Fprintf(w, "%s: ok\n", path)
	fmt.Fprintf(w, "  listen %s, decrypt %t, process filter %s\n", cfg.Listen, cfg.Decrypt, cfg.ProcessFilter)
	fmt.Fprintf(w, "  %d skip_decrypt patterns (inverted %t), %d rules\n", len(cfg.SkipDecrypt), cfg.InvertSkipDecrypt, len(cfg.Rules))

	if sample.URL != "" {
		u, err := url.Parse(sample.URL)
		if err != nil {
			return fmt.Errorf("sample url: %w", err)
		}
		sample.Host, sample.Path = u.Host, u.RequestURI()
		if sample.Method == "" {
			sample.Method = "GET"
		}
		v := cfg.Rules.Evaluate(sample)
		fmt.Fprintf(w, "  %s %s: skip_capture %t, buffer_response %t\n", sample.Method, sample.URL, v.SkipCapture, v.BufferResponse)
	}
	return nil
}
