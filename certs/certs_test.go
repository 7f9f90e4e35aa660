// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package certs

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"proxycore.dev/config"
)

func verify(t *testing.T, a *Authority, name string) {
	t.Helper()

	c, err := a.Certificate(name)
	if err != nil {
		t.Fatalf("certificate %q: %v", name, err)
	}
	if _, err := c.Leaf.Verify(x509.VerifyOptions{DNSName: name, Roots: a.Pool(), KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
		t.Fatalf("verify %q: %v", name, err)
	}
}

func TestEphemeral(t *testing.T) {
	a, err := NewEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	verify(t, a, "example.com")
	verify(t, a, "127.0.0.1")

	first, _ := a.Certificate("Example.COM.")
	second, _ := a.Certificate("example.com")
	if first != second {
		t.Fatalf("leaf not cached")
	}

	if _, err := a.Certificate(""); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestLoadOrCreate(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca.key")

	created, err := LoadOrCreate(certPath, keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(keyPath); err != nil {
		t.Fatalf("key not written: %v", err)
	}

	loaded, err := FromConfig(config.CA{Cert: certPath, Key: keyPath})
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.cert.Equal(created.cert) {
		t.Fatalf("reloaded CA differs")
	}
	verify(t, loaded, "api.example.net")
}

func TestBundled(t *testing.T) {
	a, err := FromConfig(config.CA{Bundled: true})
	if err != nil {
		t.Fatal(err)
	}
	verify(t, a, "bundled.example")
}
