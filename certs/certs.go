// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package certs mints the leaf certificates presented to clients of a
// decrypting tunnel.
package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"proxycore.dev/config"
)

// Provider returns the certificate to present for commonName.
type Provider func(commonName string) (*tls.Certificate, error)

var errNoCommonName = errors.New("empty common name")

// Authority signs leaf certificates and caches them per common name.
type Authority struct {
	Name string

	cert *x509.Certificate
	key  crypto.Signer

	mu    sync.Mutex
	cache map[string]*tls.Certificate
}

func newAuthority(name string, cert *x509.Certificate, key crypto.Signer) *Authority {
	return &Authority{Name: name, cert: cert, key: key, cache: make(map[string]*tls.Certificate)}
}

// FromConfig returns the authority selected by c: the bundled development CA,
// a CA loaded from (or created at) the configured PEM paths, or an in-memory
// ephemeral CA when no paths are set.
func FromConfig(c config.CA) (*Authority, error) {
	switch {
	case c.Bundled:
		return Bundled()
	case c.Cert != "" && c.Key != "":
		return LoadOrCreate(c.Cert, c.Key)
	default:
		return NewEphemeral()
	}
}

// NewEphemeral creates an in-memory CA that lives as long as the process.
func NewEphemeral() (*Authority, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	name := fmt.Sprintf("proxycore Ephemeral CA (generated on host: %q)", hostname)

	cert, key, err := generateCA(name)
	if err != nil {
		return nil, err
	}
	return newAuthority(name, cert, key), nil
}

// Bundled returns an authority backed by the well-known goproxy development
// CA. Its private key is public, so it must only be trusted in test setups.
func Bundled() (*Authority, error) {
	ca := goproxy.GoproxyCa
	if len(ca.Certificate) == 0 {
		return nil, fmt.Errorf("bundled CA is not available")
	}
	cert, err := x509.ParseCertificate(ca.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse bundled CA: %w", err)
	}
	key, ok := ca.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("bundled CA key of type %T cannot sign", ca.PrivateKey)
	}
	return newAuthority(cert.Subject.CommonName, cert, key), nil
}

// LoadOrCreate reads a PEM CA from certPath and keyPath. If either file is
// missing or empty a new CA is generated and written to both.
func LoadOrCreate(certPath, keyPath string) (*Authority, error) {
	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	if errors.Is(certErr, os.ErrNotExist) || errors.Is(keyErr, os.ErrNotExist) || len(certPEM) == 0 || len(keyPEM) == 0 {
		slog.Info("generating CA certificate", "cert", certPath, "key", keyPath)
		return create(certPath, keyPath)
	}
	if certErr != nil {
		return nil, fmt.Errorf("read CA certificate: %w", certErr)
	}
	if keyErr != nil {
		return nil, fmt.Errorf("read CA key: %w", keyErr)
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load CA key pair: %w", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("certificate %q is not a CA", cert.Subject.CommonName)
	}
	key, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("CA key of type %T cannot sign", pair.PrivateKey)
	}
	slog.Debug("loaded CA certificate", "cert", certPath, "subject", cert.Subject.CommonName)
	return newAuthority(cert.Subject.CommonName, cert, key), nil
}

func create(certPath, keyPath string) (*Authority, error) {
	name := "proxycore CA"
	cert, key, err := generateCA(name)
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		return nil, fmt.Errorf("write CA key: %w", err)
	}
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}), 0o644); err != nil {
		return nil, fmt.Errorf("write CA certificate: %w", err)
	}
	return newAuthority(name, cert, key), nil
}

func generateCA(name string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{name}, CommonName: name},
		NotBefore:             time.Now().AddDate(-1, 0, 0),
		NotAfter:              time.Now().AddDate(+10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, priv, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}

// Certificate returns a leaf certificate for commonName signed by the
// authority, minting it on first use.
func (a *Authority) Certificate(commonName string) (*tls.Certificate, error) {
	commonName = strings.ToLower(strings.TrimSuffix(commonName, "."))
	if commonName == "" {
		return nil, errNoCommonName
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.cache[commonName]; ok && time.Now().Before(c.Leaf.NotAfter) {
		return c, nil
	}

	c, err := a.newLeaf(commonName)
	if err != nil {
		return nil, fmt.Errorf("mint certificate for %q: %w", commonName, err)
	}
	a.cache[commonName] = c
	slog.Debug("minted leaf certificate", "cn", commonName)
	return c, nil
}

// Provider returns a.Certificate as a Provider.
func (a *Authority) Provider() Provider { return a.Certificate }

func (a *Authority) newLeaf(commonName string) (*tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	notAfter := time.Now().AddDate(1, 0, 0)
	if notAfter.After(a.cert.NotAfter) {
		notAfter = a.cert.NotAfter
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-24 * time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(commonName); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{commonName}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, priv.Public(), a.key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, a.cert.Raw},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}

// PEM returns the CA certificate in PEM form for installation into a trust
// store.
func (a *Authority) PEM() []byte {
	var b []byte
	b = append(b, fmt.Sprintf("# %s\n", a.Name)...)
	b = append(b, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.cert.Raw})...)
	return b
}

// Pool returns a pool trusting only the authority.
func (a *Authority) Pool() *x509.CertPool {
	p := x509.NewCertPool()
	p.AddCert(a.cert)
	return p
}

// KeyType names the algorithm of the CA key.
func (a *Authority) KeyType() string {
	switch a.key.(type) {
	case *ecdsa.PrivateKey:
		return "ecdsa"
	case *rsa.PrivateKey:
		return "rsa"
	default:
		return fmt.Sprintf("%T", a.key)
	}
}
