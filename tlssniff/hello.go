// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package tlssniff decodes TLS ClientHello and ServerHello messages for
// diagnostics. It never performs cryptographic operations, never mutates its
// input and never fails hard on malformed bytes: whatever could be read is
// returned along with a ParseDegraded error.
package tlssniff

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	"proxycore.dev/fault"
)

var ErrNotHandshake = errors.New("not a TLS handshake record")

const (
	recordTypeHandshake = 0x16

	typeClientHello = 1
	typeServerHello = 2

	sslv2ClientHello = 1
)

// Format is the record layer framing of the first bytes of a connection.
type Format int

const (
	FormatNone Format = iota
	FormatSSLv2
	FormatSSLv3
)

func (f Format) String() string {
	switch f {
	case FormatSSLv2:
		return "SSLv2-compatible"
	case FormatSSLv3:
		return "SSLv3-compatible"
	default:
		return "none"
	}
}

// Detect classifies the record header at the start of b. It needs at least
// three bytes.
func Detect(b []byte) Format {
	if len(b) < 3 {
		return FormatNone
	}
	if b[0] == recordTypeHandshake && b[1] == 0x03 && b[2] <= 0x04 {
		return FormatSSLv3
	}

	// SSLv2 records start with a 2-byte (high bit set) or 3-byte length
	// header; the first body byte is the message type.
	switch {
	case b[0]&0x80 != 0 && b[2] == sslv2ClientHello:
		if len(b) < 4 || b[3] == 0x00 || b[3] == 0x03 {
			return FormatSSLv2
		}
	case b[0]&0xc0 == 0 && len(b) >= 4 && b[3] == sslv2ClientHello:
		if len(b) < 5 || b[4] == 0x00 || b[4] == 0x03 {
			return FormatSSLv2
		}
	}
	return FormatNone
}

type HelloKind int

const (
	ClientHello HelloKind = iota + 1
	ServerHello
)

func (k HelloKind) String() string {
	switch k {
	case ClientHello:
		return "ClientHello"
	case ServerHello:
		return "ServerHello"
	default:
		return "unknown"
	}
}

type Extension struct {
	Type        uint16
	Name        string
	Data        []byte
	Description string
}

// Hello is a read-only snapshot of one hello message.
type Hello struct {
	Kind          HelloKind
	Format        Format
	RecordVersion Version

	// Version is the legacy_version field. The version actually negotiated
	// may be carried in supported_versions; see Negotiated.
	Version Version

	Random    []byte
	SessionID []byte

	// CipherSuites lists the offered suites of a ClientHello. SSLv2 hellos
	// carry 3-byte cipher kinds.
	CipherSuites []CipherSuite

	// CipherSuite is the suite selected by a ServerHello.
	CipherSuite CipherSuite

	CompressionMethods []uint8
	Extensions         []Extension

	ServerName        string
	ALPN              []string
	SupportedVersions []Version
	SelectedVersion   Version
	SupportedGroups   []uint16
	KeyShareGroups    []uint16

	// Degraded is set when the message could only be partially decoded.
	Degraded error
}

// Negotiated returns the protocol version the hello settles on (ServerHello)
// or the highest version offered (ClientHello).
func (h *Hello) Negotiated() Version {
	if h.SelectedVersion != 0 {
		return h.SelectedVersion
	}
	best := h.Version
	for _, v := range h.SupportedVersions {
		if !IsGREASE(uint16(v)) && v > best {
			best = v
		}
	}
	return best
}

// Extension returns the first extension of type t.
func (h *Hello) Extension(t uint16) (Extension, bool) {
	for _, e := range h.Extensions {
		if e.Type == t {
			return e, true
		}
	}
	return Extension{}, false
}

func (h *Hello) degrade(op string, raw []byte, err error) {
	if h.Degraded == nil {
		h.Degraded = fault.Degraded(op, raw, err)
	}
}

// Parse decodes the hello at the start of b, which may be either a
// ClientHello or a ServerHello. It returns ErrNotHandshake if b does not
// start with a handshake record. For partially decodable input it returns the
// fields that were read together with the ParseDegraded error stored in
// Hello.Degraded.
func Parse(b []byte) (h *Hello, err error) {
	defer func() {
		if r := recover(); r != nil {
			if h == nil {
				h = new(Hello)
			}
			h.degrade("parse hello", b, fmt.Errorf("panic: %v", r))
			err = h.Degraded
		}
	}()

	switch Detect(b) {
	case FormatSSLv3:
		h = parseV3(b)
	case FormatSSLv2:
		h = parseV2(b)
	default:
		return nil, ErrNotHandshake
	}
	if h == nil {
		return nil, ErrNotHandshake
	}
	return h, h.Degraded
}

// ParseClientHello is Parse restricted to ClientHello messages.
func ParseClientHello(b []byte) (*Hello, error) {
	return parseKind(b, ClientHello)
}

// ParseServerHello is Parse restricted to ServerHello messages.
func ParseServerHello(b []byte) (*Hello, error) {
	return parseKind(b, ServerHello)
}

func parseKind(b []byte, kind HelloKind) (*Hello, error) {
	h, err := Parse(b)
	if h == nil {
		return nil, err
	}
	if h.Kind != kind {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrNotHandshake, h.Kind, kind)
	}
	return h, err
}

// handshakeMessage joins the fragments of the first handshake message, which
// may span several records. It returns the message type, the body (possibly
// truncated) and whether the body is complete.
func handshakeMessage(b []byte) (recVersion uint16, msgType uint8, body []byte, complete bool) {
	var hs []byte
	s := cryptobyte.String(b)
	for !s.Empty() {
		var ctype uint8
		var version uint16
		if !s.ReadUint8(&ctype) || ctype != recordTypeHandshake || !s.ReadUint16(&version) {
			break
		}
		if recVersion == 0 {
			recVersion = version
		}

		if len(s) < 2 {
			break
		}
		var fragment cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&fragment) {
			// The length prefix was consumed; keep whatever part of the
			// record arrived.
			hs = append(hs, s...)
			break
		}
		hs = append(hs, fragment...)

		if len(hs) >= 4 {
			n := int(hs[1])<<16 | int(hs[2])<<8 | int(hs[3])
			if len(hs)-4 >= n {
				return recVersion, hs[0], hs[4 : 4+n], true
			}
		}
	}

	if len(hs) < 4 {
		if len(hs) > 0 {
			return recVersion, hs[0], nil, false
		}
		return recVersion, 0, nil, false
	}
	return recVersion, hs[0], hs[4:], false
}

func parseV3(b []byte) *Hello {
	recVersion, msgType, body, complete := handshakeMessage(b)

	h := &Hello{Format: FormatSSLv3, RecordVersion: Version(recVersion)}
	switch msgType {
	case typeClientHello:
		h.Kind = ClientHello
	case typeServerHello:
		h.Kind = ServerHello
	case 0:
		h.degrade("read handshake header", b, errors.New("truncated record"))
		return h
	default:
		return nil
	}

	if !complete {
		h.degrade("read "+h.Kind.String(), b, errors.New("handshake message truncated"))
	}

	s := cryptobyte.String(body)
	var version uint16
	if !s.ReadUint16(&version) {
		h.degrade("read version", body, errors.New("truncated"))
		return h
	}
	h.Version = Version(version)

	if !s.ReadBytes(&h.Random, 32) {
		h.degrade("read random", body, errors.New("truncated"))
		return h
	}
	h.Random = clone(h.Random)

	// Draft TLS 1.3 server hellos put the draft version in the legacy field
	// and carry neither a session ID nor a compression method.
	draft13Server := h.Kind == ServerHello && h.Version.atLeast13()

	if !draft13Server {
		var sid cryptobyte.String
		if !s.ReadUint8LengthPrefixed(&sid) {
			h.degrade("read session id", body, errors.New("truncated"))
			return h
		}
		h.SessionID = clone(sid)
	}

	switch h.Kind {
	case ClientHello:
		var suites cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&suites) {
			h.degrade("read cipher suites", body, errors.New("truncated"))
			return h
		}
		for !suites.Empty() {
			var c uint16
			if !suites.ReadUint16(&c) {
				h.degrade("read cipher suites", body, errors.New("odd length"))
				break
			}
			h.CipherSuites = append(h.CipherSuites, CipherSuite(c))
		}
		var comp cryptobyte.String
		if !s.ReadUint8LengthPrefixed(&comp) {
			h.degrade("read compression methods", body, errors.New("truncated"))
			return h
		}
		h.CompressionMethods = clone(comp)

	case ServerHello:
		var c uint16
		if !s.ReadUint16(&c) {
			h.degrade("read cipher suite", body, errors.New("truncated"))
			return h
		}
		h.CipherSuite = CipherSuite(c)
		if !draft13Server {
			var m uint8
			if !s.ReadUint8(&m) {
				h.degrade("read compression method", body, errors.New("truncated"))
				return h
			}
			h.CompressionMethods = []uint8{m}
		}
	}

	if s.Empty() {
		return h
	}

	var exts cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&exts) {
		h.degrade("read extensions", body, errors.New("truncated"))
		// Decode the extensions that did arrive.
		exts = s
	}
	h.readExtensions(exts)
	return h
}

func (h *Hello) readExtensions(exts cryptobyte.String) {
	for !exts.Empty() {
		var typ uint16
		var data cryptobyte.String
		if !exts.ReadUint16(&typ) || !exts.ReadUint16LengthPrefixed(&data) {
			h.degrade("read extensions", exts, errors.New("truncated extension"))
			return
		}
		h.Extensions = append(h.Extensions, h.decodeExtension(typ, clone(data)))
	}
}

// parseV2 decodes an SSLv2-compatible CLIENT-HELLO (RFC 6101 appendix E).
func parseV2(b []byte) *Hello {
	h := &Hello{Kind: ClientHello, Format: FormatSSLv2, RecordVersion: VersionSSL20}

	var body []byte
	if b[0]&0x80 != 0 {
		n := int(b[0]&0x7f)<<8 | int(b[1])
		body = b[2:]
		if len(body) > n {
			body = body[:n]
		} else if len(body) < n {
			h.degrade("read SSLv2 record", b, errors.New("record truncated"))
		}
	} else {
		n := int(b[0]&0x3f)<<8 | int(b[1])
		padding := int(b[2])
		body = b[3:]
		if len(body) >= n {
			body = body[:n]
			if padding <= len(body) {
				body = body[:len(body)-padding]
			}
		} else {
			h.degrade("read SSLv2 record", b, errors.New("record truncated"))
		}
	}

	s := cryptobyte.String(body)
	var msgType uint8
	var version, specLen, sidLen, challengeLen uint16
	if !s.ReadUint8(&msgType) || msgType != sslv2ClientHello {
		return nil
	}
	if !s.ReadUint16(&version) {
		h.degrade("read version", body, errors.New("truncated"))
		return h
	}
	h.Version = Version(version)
	if !s.ReadUint16(&specLen) || !s.ReadUint16(&sidLen) || !s.ReadUint16(&challengeLen) {
		h.degrade("read SSLv2 lengths", body, errors.New("truncated"))
		return h
	}

	var specs, sid, challenge []byte
	if !s.ReadBytes(&specs, int(specLen)) {
		h.degrade("read cipher specs", body, errors.New("truncated"))
		return h
	}
	for i := 0; i+3 <= len(specs); i += 3 {
		h.CipherSuites = append(h.CipherSuites, CipherSuite(uint32(specs[i])<<16|uint32(specs[i+1])<<8|uint32(specs[i+2])))
	}
	if len(specs)%3 != 0 {
		h.degrade("read cipher specs", specs, errors.New("length not a multiple of 3"))
	}

	if !s.ReadBytes(&sid, int(sidLen)) {
		h.degrade("read session id", body, errors.New("truncated"))
		return h
	}
	h.SessionID = clone(sid)

	if !s.ReadBytes(&challenge, int(challengeLen)) {
		h.degrade("read challenge", body, errors.New("truncated"))
		return h
	}
	h.Random = clone(challenge)
	return h
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

// Complete reports whether b holds the whole first handshake message, so that
// a caller accumulating socket reads knows when to stop.
func Complete(b []byte) bool {
	switch Detect(b) {
	case FormatSSLv3:
		_, _, _, complete := handshakeMessage(b)
		return complete
	case FormatSSLv2:
		if b[0]&0x80 != 0 {
			return len(b)-2 >= int(b[0]&0x7f)<<8|int(b[1])
		}
		return len(b)-3 >= int(b[0]&0x3f)<<8|int(b[1])
	default:
		return false
	}
}
