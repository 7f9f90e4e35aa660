// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package proxy

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"proxycore.dev/capture"
	"proxycore.dev/certs"
	"proxycore.dev/cmd/version"
	"proxycore.dev/config"
	"proxycore.dev/logging"
	"proxycore.dev/proxy"
	"proxycore.dev/stats"
	"proxycore.dev/web"
)

type Command struct {
	flags struct {
		config  string
		listen  string
		decrypt bool
		har     string
		caCert  string
		caKey   string
		stats   time.Duration
		admin   string
	}

	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "proxy"
	c.ShortUsage = "proxycore proxy [flags]"
	c.ShortHelp = "run the intercepting proxy"

	c.FlagSet = flag.NewFlagSet(filepath.Base(os.Args[0]), flag.ContinueOnError)
	c.FlagSet.StringVar(&c.flags.config, "config", "", "configuration file path")
	c.FlagSet.StringVar(&c.flags.listen, "listen", "", "local IP:PORT to listen on (overrides the config file)")
	c.FlagSet.BoolVar(&c.flags.decrypt, "decrypt", false, "decrypt HTTPS tunnels (overrides the config file)")
	c.FlagSet.StringVar(&c.flags.har, "har", "", "append captured HAR entries to this file")
	c.FlagSet.StringVar(&c.flags.caCert, "ca-cert", "", "CA certificate PEM path, created if missing")
	c.FlagSet.StringVar(&c.flags.caKey, "ca-key", "", "CA private key PEM path, created if missing")
	c.FlagSet.StringVar(&c.flags.admin, "admin", "", "IP:PORT to serve the HAR export, stats and live entry feed on")
	c.FlagSet.DurationVar(&c.flags.stats, "stats", time.Minute, "interval between stats log lines, 0 to disable")
	c.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose logging")
	c.FlagSet.BoolVar(&logging.JSON, "json", false, "log in JSON even on a terminal")

	c.Options = []ff.Option{ff.WithEnvVarPrefix("PROXYCORE")}
	c.Exec = c.entrypoint
	return &c.Command
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	logging.Init()
	slog.Debug("starting proxycore", "release", version.Release, slog.Group("commit", "hash", version.CommitHash, "time", version.CommitTime), "build", version.BuildTime)
	capture.Version = version.GetCanonicalString()

	cfg, err := c.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return flag.ErrHelp
	}

	ca, err := certs.FromConfig(cfg.CA)
	if err != nil {
		return fmt.Errorf("load CA: %w", err)
	}
	slog.Info("using certificate authority", "name", ca.Name, "key", ca.KeyType())

	rec, out, err := capture.Open(cfg.Capture)
	if err != nil {
		return err
	}
	if out != nil {
		defer out.Close()
	}

	store := config.NewStore(cfg)
	if c.flags.config != "" {
		go func() {
			if err := store.Watch(ctx, c.flags.config); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("stopped watching config file", "path", c.flags.config, "err", err)
			}
		}()
	}
	if c.flags.stats > 0 {
		go stats.Global.Run(ctx, c.flags.stats)
	}

	if c.flags.admin != "" {
		go func() {
			if err := web.ListenAndServe(ctx, c.flags.admin, web.NewServer(rec)); err != nil {
				slog.Error("inspection endpoint stopped", "err", err)
			}
		}()
	}

	srv := proxy.New(store, proxy.Options{Certs: ca.Provider(), Capture: rec})
	switch err := srv.ListenAndServe(ctx); {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

// loadConfig reads the config file, if any, and applies the flag overrides.
func (c *Command) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if c.flags.config != "" {
		var err error
		if cfg, err = config.Load(c.flags.config); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	if c.flags.listen != "" {
		if _, err := netip.ParseAddrPort(c.flags.listen); err != nil {
			return nil, fmt.Errorf("failed to parse -listen address: %w", err)
		}
		cfg.Listen = c.flags.listen
	}
	if c.flags.decrypt {
		cfg.Decrypt = true
	}
	if c.flags.har != "" {
		cfg.Capture.Output = c.flags.har
	}
	if c.flags.caCert != "" || c.flags.caKey != "" {
		cfg.CA.Cert, cfg.CA.Key = c.flags.caCert, c.flags.caKey
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
