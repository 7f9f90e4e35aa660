// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
	"proxycore.dev/filter"
)

type ProcessFilter string

const (
	ProcessAll         ProcessFilter = "all"
	ProcessBrowsers    ProcessFilter = "browsers"
	ProcessNonBrowsers ProcessFilter = "nonbrowsers"
	ProcessHideAll     ProcessFilter = "hideall"
)

// ShortBodyPolicy decides what happens when a stream ends before the declared
// Content-Length was received.
type ShortBodyPolicy string

const (
	ShortBodyFail  ShortBodyPolicy = "fail"
	ShortBodyPatch ShortBodyPolicy = "patch"
)

type Deadlines struct {
	Receive time.Duration `yaml:"receive"`
	Send    time.Duration `yaml:"send"`
}

// Timeouts holds distinct deadlines for freshly dialed and pooled
// connections.
type Timeouts struct {
	Fresh  Deadlines `yaml:"fresh"`
	Reused Deadlines `yaml:"reused"`
}

func (t Timeouts) For(reused bool) Deadlines {
	if reused {
		return t.Reused
	}
	return t.Fresh
}

type Throttle struct {
	UploadBPS   int `yaml:"upload_bps"`
	DownloadBPS int `yaml:"download_bps"`
}

type CA struct {
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
	Bundled bool   `yaml:"bundled"`
}

type Capture struct {
	PayloadLimit int64 `yaml:"payload_limit"`

	// Output is a file that receives one HAR entry per line. Empty means
	// entries are only logged.
	Output string `yaml:"output"`

	// Redact replaces credential header values in captured entries.
	Redact bool `yaml:"redact"`
}

// Config is an immutable snapshot. Components receive a pointer at
// construction time and never observe later edits; reloads produce a new
// snapshot (see Store).
type Config struct {
	Listen             string          `yaml:"listen"`
	Decrypt            bool            `yaml:"decrypt"`
	SkipDecrypt        []string        `yaml:"skip_decrypt"`
	InvertSkipDecrypt  bool            `yaml:"invert_skip_decrypt"`
	ProcessFilter      ProcessFilter   `yaml:"process_filter"`
	BlindOnCertFailure bool            `yaml:"blind_on_cert_failure"`
	ShortBodyPolicy    ShortBodyPolicy `yaml:"short_body_policy"`
	MaxHeaderBytes     int             `yaml:"max_header_bytes"`
	BufferBytes        int             `yaml:"buffer_bytes"`
	Timeouts           Timeouts        `yaml:"timeouts"`
	Throttle           Throttle        `yaml:"throttle"`
	CA                 CA              `yaml:"ca"`
	Capture            Capture         `yaml:"capture"`
	Diagnostics        bool            `yaml:"diagnostics"`
	Rules              filter.Rules    `yaml:"rules"`
}

func Default() *Config {
	return &Config{
		Listen:             "127.0.0.1:8888",
		ProcessFilter:      ProcessAll,
		BlindOnCertFailure: true,
		ShortBodyPolicy:    ShortBodyFail,
		MaxHeaderBytes:     64 << 10,
		BufferBytes:        16 << 10,
		Timeouts: Timeouts{
			Fresh:  Deadlines{Receive: 60 * time.Second, Send: 30 * time.Second},
			Reused: Deadlines{Receive: 30 * time.Second, Send: 30 * time.Second},
		},
		Capture: Capture{PayloadLimit: 4096, Redact: true},
	}
}

// Load reads a YAML file on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	c, err := Parse(b)
	if err != nil {
		return nil, err
	}

	slog.Debug("parsed config", "path", filepath.Base(path), "rules", len(c.Rules), "decrypt", c.Decrypt)
	return c, nil
}

func Parse(b []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch c.ProcessFilter {
	case ProcessAll, ProcessBrowsers, ProcessNonBrowsers, ProcessHideAll:
	case "":
		c.ProcessFilter = ProcessAll
	default:
		return fmt.Errorf("invalid process_filter %q", c.ProcessFilter)
	}

	switch c.ShortBodyPolicy {
	case ShortBodyFail, ShortBodyPatch:
	case "":
		c.ShortBodyPolicy = ShortBodyFail
	default:
		return fmt.Errorf("invalid short_body_policy %q", c.ShortBodyPolicy)
	}

	for _, pattern := range c.SkipDecrypt {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("skip_decrypt pattern %q: %w", pattern, err)
		}
	}

	if c.MaxHeaderBytes <= 0 {
		return fmt.Errorf("max_header_bytes must be positive, got %d", c.MaxHeaderBytes)
	}
	if c.BufferBytes <= 0 {
		return fmt.Errorf("buffer_bytes must be positive, got %d", c.BufferBytes)
	}
	if c.Throttle.UploadBPS < 0 || c.Throttle.DownloadBPS < 0 {
		return fmt.Errorf("throttle rates must not be negative")
	}
	if c.Capture.PayloadLimit < 0 {
		return fmt.Errorf("capture.payload_limit must not be negative")
	}
	if (c.CA.Cert == "") != (c.CA.Key == "") {
		return fmt.Errorf("ca.cert and ca.key must be set together")
	}

	if err := c.Rules.Compile(); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	return nil
}

// NeedsProcess reports whether the process filter decides on the client
// process name. Without a name every connection counts as unknown.
func (c *Config) NeedsProcess() bool {
	return c.ProcessFilter == ProcessBrowsers || c.ProcessFilter == ProcessNonBrowsers
}

// Clone returns a shallow copy with its own slices.
func (c *Config) Clone() *Config {
	d := *c
	d.SkipDecrypt = append([]string(nil), c.SkipDecrypt...)
	d.Rules = append(filter.Rules(nil), c.Rules...)
	return &d
}
