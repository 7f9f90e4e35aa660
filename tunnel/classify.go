// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package tunnel

import (
	"net"
	"path/filepath"
	"strings"

	"proxycore.dev/config"
)

type Decision int

const (
	DecisionBlind Decision = iota
	DecisionDecrypt
	DecisionAbort
)

func (d Decision) String() string {
	switch d {
	case DecisionDecrypt:
		return "decrypt"
	case DecisionAbort:
		return "abort"
	default:
		return "blind"
	}
}

// Override is a per-session instruction that takes precedence over the
// configured decrypt policy.
type Override string

const (
	OverrideNone         Override = ""
	OverrideForceDecrypt Override = "force-decrypt"
	OverrideForceBlind   Override = "force-blind"
)

// Input is everything Classify looks at besides the configuration.
type Input struct {
	// Host is the CONNECT target, with or without a port.
	Host string

	// Process names the client process, if known.
	Process string

	Override Override

	// CertErr is the result of the certificate lookup for Host. Callers that
	// have not looked one up yet leave it nil.
	CertErr error
}

var browsers = map[string]bool{
	"chrome":   true,
	"chromium": true,
	"firefox":  true,
	"msedge":   true,
	"iexplore": true,
	"opera":    true,
	"safari":   true,
	"brave":    true,
	"vivaldi":  true,
}

// IsBrowser reports whether the process name belongs to a known web browser.
func IsBrowser(process string) bool {
	name := strings.ToLower(filepath.Base(process))
	name = strings.TrimSuffix(name, ".exe")
	return browsers[name]
}

// Classify decides how a CONNECT tunnel is handled. It returns the decision
// and a short human-readable reason for the session log.
func Classify(c *config.Config, in Input) (Decision, string) {
	switch in.Override {
	case OverrideForceBlind:
		return DecisionBlind, "forced blind by session override"
	case OverrideForceDecrypt:
		return certDecision(c, in, "forced decrypt by session override")
	}

	if !c.Decrypt {
		return DecisionBlind, "decryption disabled"
	}

	host := hostOnly(in.Host)
	if matchesAny(c.SkipDecrypt, host) != c.InvertSkipDecrypt {
		if c.InvertSkipDecrypt {
			return DecisionBlind, "host not in decrypt list"
		}
		return DecisionBlind, "host in skip list"
	}

	switch c.ProcessFilter {
	case config.ProcessHideAll:
		return DecisionBlind, "process filter hides all traffic"
	case config.ProcessBrowsers:
		if in.Process == "" || !IsBrowser(in.Process) {
			return DecisionBlind, "process filter allows browsers only"
		}
	case config.ProcessNonBrowsers:
		if in.Process == "" || IsBrowser(in.Process) {
			return DecisionBlind, "process filter allows non-browsers only"
		}
	}

	return certDecision(c, in, "decrypt policy matched")
}

func certDecision(c *config.Config, in Input, reason string) (Decision, string) {
	if in.CertErr == nil {
		return DecisionDecrypt, reason
	}
	if c.BlindOnCertFailure {
		return DecisionBlind, "certificate unavailable: " + in.CertErr.Error()
	}
	return DecisionAbort, "certificate unavailable: " + in.CertErr.Error()
}

func hostOnly(hostport string) string {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}

func matchesAny(patterns []string, host string) bool {
	for _, p := range patterns {
		if ok, err := filepath.Match(strings.ToLower(p), host); err == nil && ok {
			return true
		}
	}
	return false
}
