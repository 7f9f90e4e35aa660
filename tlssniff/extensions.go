// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package tlssniff

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/net/idna"
)

// maxHexBytes bounds how much of an undecoded extension is rendered.
const maxHexBytes = 64

// A decoder renders one extension's body and records any fields it carries
// on the hello. It returns false if the body is malformed.
type decoder func(h *Hello, data cryptobyte.String) (string, bool)

var decoders = map[uint16]decoder{
	extServerName:              decodeServerName,
	extMaxFragmentLength:       decodeMaxFragmentLength,
	extStatusRequest:           decodeStatusRequest,
	extSupportedGroups:         decodeSupportedGroups,
	extECPointFormats:          decodePointFormats,
	extSignatureAlgorithms:     decodeSignatureAlgorithms,
	extSignatureAlgorithmsCert: decodeSignatureAlgorithms,
	extDelegatedCredentials:    decodeSignatureAlgorithms,
	extALPN:                    decodeALPN,
	extPadding:                 decodePadding,
	extEncryptThenMAC:          decodeFlag,
	extExtendedMasterSecret:    decodeFlag,
	extPostHandshakeAuth:       decodeFlag,
	extCompressCertificate:     decodeCompressCertificate,
	extRecordSizeLimit:         decodeRecordSizeLimit,
	extSessionTicket:           decodeSessionTicket,
	extPreSharedKey:            decodePreSharedKey,
	extEarlyData:               decodeEarlyData,
	extSupportedVersions:       decodeSupportedVersions,
	extPSKKeyExchangeModes:     decodePSKModes,
	extKeyShare:                decodeKeyShare,
	extApplicationSettings:     decodeApplicationSettings,
	extApplicationSettingsNew:  decodeApplicationSettings,
	extEncryptedClientHello:    decodeEncryptedClientHello,
	extRenegotiationInfo:       decodeRenegotiationInfo,
}

func (h *Hello) decodeExtension(typ uint16, data []byte) Extension {
	e := Extension{Type: typ, Name: ExtensionName(typ), Data: data}

	dec, ok := decoders[typ]
	if !ok {
		e.Description = hexString(data)
		return e
	}
	desc, ok := dec(h, cryptobyte.String(data))
	if !ok {
		h.degrade("decode "+e.Name, data, fmt.Errorf("malformed %s extension", e.Name))
		desc = "malformed: " + hexString(data)
	}
	e.Description = desc
	return e
}

func hexString(b []byte) string {
	if len(b) == 0 {
		return "empty"
	}
	if len(b) > maxHexBytes {
		return hex.EncodeToString(b[:maxHexBytes]) + fmt.Sprintf("... (%d bytes)", len(b))
	}
	return hex.EncodeToString(b)
}

func decodeServerName(h *Hello, s cryptobyte.String) (string, bool) {
	if s.Empty() {
		// A server acknowledges the name it used with an empty extension.
		return "acknowledged", true
	}
	var list cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&list) || !s.Empty() {
		return "", false
	}
	var names []string
	for !list.Empty() {
		var typ uint8
		var name cryptobyte.String
		if !list.ReadUint8(&typ) || !list.ReadUint16LengthPrefixed(&name) {
			return "", false
		}
		if typ != 0 {
			names = append(names, fmt.Sprintf("name type %d: %s", typ, hexString(name)))
			continue
		}
		host := string(name)
		if h.ServerName == "" {
			h.ServerName = host
		}
		if strings.Contains(host, "xn--") {
			if u, err := idna.Display.ToUnicode(host); err == nil && u != host {
				host = fmt.Sprintf("%s (%s)", host, u)
			}
		}
		names = append(names, host)
	}
	return strings.Join(names, ", "), true
}

func decodeMaxFragmentLength(h *Hello, s cryptobyte.String) (string, bool) {
	var code uint8
	if !s.ReadUint8(&code) || !s.Empty() {
		return "", false
	}
	if code >= 1 && code <= 4 {
		return fmt.Sprintf("%d bytes", 1<<(8+code)), true
	}
	return fmt.Sprintf("unrecognized (%d)", code), true
}

func decodeStatusRequest(h *Hello, s cryptobyte.String) (string, bool) {
	if s.Empty() {
		return "acknowledged", true
	}
	var typ uint8
	if !s.ReadUint8(&typ) {
		return "", false
	}
	if typ == 1 {
		return "OCSP", true
	}
	return fmt.Sprintf("status type %d", typ), true
}

func decodeSupportedGroups(h *Hello, s cryptobyte.String) (string, bool) {
	var list cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&list) || !s.Empty() {
		return "", false
	}
	var names []string
	for !list.Empty() {
		var g uint16
		if !list.ReadUint16(&g) {
			return "", false
		}
		h.SupportedGroups = append(h.SupportedGroups, g)
		names = append(names, groupName(g))
	}
	return strings.Join(names, ", "), true
}

func decodePointFormats(h *Hello, s cryptobyte.String) (string, bool) {
	var list cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&list) || !s.Empty() {
		return "", false
	}
	var names []string
	for _, f := range list {
		name, ok := pointFormatNames[f]
		if !ok {
			name = fmt.Sprintf("unrecognized (%d)", f)
		}
		names = append(names, name)
	}
	return strings.Join(names, ", "), true
}

func decodeSignatureAlgorithms(h *Hello, s cryptobyte.String) (string, bool) {
	var list cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&list) || !s.Empty() {
		return "", false
	}
	var names []string
	for !list.Empty() {
		var alg uint16
		if !list.ReadUint16(&alg) {
			return "", false
		}
		names = append(names, signatureSchemeName(alg))
	}
	return strings.Join(names, ", "), true
}

func readProtocols(s cryptobyte.String) ([]string, bool) {
	var list cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&list) || !s.Empty() {
		return nil, false
	}
	var protos []string
	for !list.Empty() {
		var p cryptobyte.String
		if !list.ReadUint8LengthPrefixed(&p) || len(p) == 0 {
			return nil, false
		}
		protos = append(protos, string(p))
	}
	return protos, true
}

func decodeALPN(h *Hello, s cryptobyte.String) (string, bool) {
	protos, ok := readProtocols(s)
	if !ok {
		return "", false
	}
	h.ALPN = protos
	return strings.Join(protos, ", "), true
}

func decodeApplicationSettings(h *Hello, s cryptobyte.String) (string, bool) {
	protos, ok := readProtocols(s)
	if !ok {
		return "", false
	}
	return strings.Join(protos, ", "), true
}

func decodePadding(h *Hello, s cryptobyte.String) (string, bool) {
	for _, c := range s {
		if c != 0 {
			return fmt.Sprintf("%d bytes (non-zero)", len(s)), true
		}
	}
	return fmt.Sprintf("%d null bytes", len(s)), true
}

func decodeFlag(h *Hello, s cryptobyte.String) (string, bool) {
	if !s.Empty() {
		return "", false
	}
	return "empty", true
}

func decodeCompressCertificate(h *Hello, s cryptobyte.String) (string, bool) {
	var list cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&list) || !s.Empty() {
		return "", false
	}
	var names []string
	for !list.Empty() {
		var alg uint16
		if !list.ReadUint16(&alg) {
			return "", false
		}
		name, ok := certCompressionNames[alg]
		if !ok {
			name = fmt.Sprintf("unrecognized (%d)", alg)
		}
		names = append(names, name)
	}
	return strings.Join(names, ", "), true
}

func decodeRecordSizeLimit(h *Hello, s cryptobyte.String) (string, bool) {
	var n uint16
	if !s.ReadUint16(&n) || !s.Empty() {
		return "", false
	}
	return fmt.Sprintf("%d bytes", n), true
}

func decodeSessionTicket(h *Hello, s cryptobyte.String) (string, bool) {
	if s.Empty() {
		return "empty", true
	}
	return fmt.Sprintf("%d bytes", len(s)), true
}

func decodePreSharedKey(h *Hello, s cryptobyte.String) (string, bool) {
	if h.Kind == ServerHello {
		var idx uint16
		if !s.ReadUint16(&idx) || !s.Empty() {
			return "", false
		}
		return fmt.Sprintf("selected identity %d", idx), true
	}

	var identities, binders cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&identities) || !s.ReadUint16LengthPrefixed(&binders) || !s.Empty() {
		return "", false
	}
	n := 0
	for !identities.Empty() {
		var id cryptobyte.String
		var age uint32
		if !identities.ReadUint16LengthPrefixed(&id) || !identities.ReadUint32(&age) {
			return "", false
		}
		n++
	}
	return fmt.Sprintf("%d identities, %d bytes of binders", n, len(binders)), true
}

func decodeEarlyData(h *Hello, s cryptobyte.String) (string, bool) {
	if s.Empty() {
		return "requested", true
	}
	var limit uint32
	if !s.ReadUint32(&limit) || !s.Empty() {
		return "", false
	}
	return fmt.Sprintf("max %d bytes", limit), true
}

func decodeSupportedVersions(h *Hello, s cryptobyte.String) (string, bool) {
	if h.Kind == ServerHello {
		var v uint16
		if !s.ReadUint16(&v) || !s.Empty() {
			return "", false
		}
		h.SelectedVersion = Version(v)
		return Version(v).String(), true
	}

	var list cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&list) || !s.Empty() {
		return "", false
	}
	var names []string
	for !list.Empty() {
		var v uint16
		if !list.ReadUint16(&v) {
			return "", false
		}
		h.SupportedVersions = append(h.SupportedVersions, Version(v))
		names = append(names, Version(v).String())
	}
	return strings.Join(names, ", "), true
}

func decodePSKModes(h *Hello, s cryptobyte.String) (string, bool) {
	var list cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&list) || !s.Empty() {
		return "", false
	}
	var names []string
	for _, m := range list {
		name, ok := pskModeNames[m]
		if !ok {
			name = fmt.Sprintf("unrecognized (%d)", m)
		}
		names = append(names, name)
	}
	return strings.Join(names, ", "), true
}

func decodeKeyShare(h *Hello, s cryptobyte.String) (string, bool) {
	if h.Kind == ServerHello {
		var g uint16
		if !s.ReadUint16(&g) {
			return "", false
		}
		h.KeyShareGroups = append(h.KeyShareGroups, g)
		if s.Empty() {
			// HelloRetryRequest names only the group.
			return groupName(g) + " (retry)", true
		}
		var key cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&key) || !s.Empty() {
			return "", false
		}
		return fmt.Sprintf("%s (%d bytes)", groupName(g), len(key)), true
	}

	var list cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&list) || !s.Empty() {
		return "", false
	}
	var shares []string
	for !list.Empty() {
		var g uint16
		var key cryptobyte.String
		if !list.ReadUint16(&g) || !list.ReadUint16LengthPrefixed(&key) {
			return "", false
		}
		h.KeyShareGroups = append(h.KeyShareGroups, g)
		shares = append(shares, fmt.Sprintf("%s (%d bytes)", groupName(g), len(key)))
	}
	if len(shares) == 0 {
		return "empty", true
	}
	return strings.Join(shares, ", "), true
}

func decodeEncryptedClientHello(h *Hello, s cryptobyte.String) (string, bool) {
	if h.Kind == ServerHello {
		return fmt.Sprintf("retry configs, %d bytes", len(s)), true
	}
	var typ uint8
	if !s.ReadUint8(&typ) {
		return "", false
	}
	if typ == 1 {
		return "inner", s.Empty()
	}
	if typ != 0 {
		return fmt.Sprintf("unrecognized type %d", typ), true
	}

	var kdf, aead uint16
	var configID uint8
	var enc, payload cryptobyte.String
	if !s.ReadUint16(&kdf) || !s.ReadUint16(&aead) || !s.ReadUint8(&configID) ||
		!s.ReadUint16LengthPrefixed(&enc) || !s.ReadUint16LengthPrefixed(&payload) || !s.Empty() {
		return "", false
	}
	return fmt.Sprintf("outer, config %d, kdf 0x%04x, aead 0x%04x, %d byte payload", configID, kdf, aead, len(payload)), true
}

func decodeRenegotiationInfo(h *Hello, s cryptobyte.String) (string, bool) {
	var data cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&data) || !s.Empty() {
		return "", false
	}
	if len(data) == 0 {
		return "initial handshake", true
	}
	return fmt.Sprintf("renegotiation, %d bytes of verify data", len(data)), true
}
