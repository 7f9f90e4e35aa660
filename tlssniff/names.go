// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package tlssniff

import (
	"fmt"
)

// IsGREASE reports whether v is one of the reserved values (0x0a0a, 0x1a1a,
// ..., 0xfafa) clients send to keep peers tolerant of unknown codes.
func IsGREASE(v uint16) bool {
	return v&0x0f0f == 0x0a0a && v>>8 == v&0xff
}

type Version uint16

const (
	VersionSSL20 Version = 0x0002
	VersionSSL30 Version = 0x0300
	VersionTLS10 Version = 0x0301
	VersionTLS11 Version = 0x0302
	VersionTLS12 Version = 0x0303
	VersionTLS13 Version = 0x0304
)

var versionNames = map[Version]string{
	VersionSSL20: "SSL 2.0",
	VersionSSL30: "SSL 3.0",
	VersionTLS10: "TLS 1.0",
	VersionTLS11: "TLS 1.1",
	VersionTLS12: "TLS 1.2",
	VersionTLS13: "TLS 1.3",
}

func (v Version) String() string {
	if name, ok := versionNames[v]; ok {
		return name
	}
	if IsGREASE(uint16(v)) {
		return fmt.Sprintf("GREASE (0x%04x)", uint16(v))
	}
	if v>>8 == 0x7f {
		return fmt.Sprintf("TLS 1.3 draft %d", uint8(v))
	}
	return fmt.Sprintf("unrecognized (0x%04x)", uint16(v))
}

// atLeast13 reports whether v is TLS 1.3 or one of its drafts.
func (v Version) atLeast13() bool {
	return (v >= VersionTLS13 && v>>8 == 0x03) || v>>8 == 0x7f
}

// CipherSuite holds a 2-byte TLS suite or a 3-byte SSLv2 cipher kind.
type CipherSuite uint32

func (c CipherSuite) String() string {
	if c <= 0xffff {
		if IsGREASE(uint16(c)) {
			return "GREASE"
		}
		if name, ok := cipherSuiteNames[uint16(c)]; ok {
			return name
		}
		return "unrecognized"
	}
	if c>>16 == 0 {
		return CipherSuite(c & 0xffff).String()
	}
	if name, ok := sslv2CipherNames[uint32(c)]; ok {
		return name
	}
	return "unrecognized"
}

var sslv2CipherNames = map[uint32]string{
	0x010080: "SSL_CK_RC4_128_WITH_MD5",
	0x020080: "SSL_CK_RC4_128_EXPORT40_WITH_MD5",
	0x030080: "SSL_CK_RC2_128_CBC_WITH_MD5",
	0x040080: "SSL_CK_RC2_128_CBC_EXPORT40_WITH_MD5",
	0x050080: "SSL_CK_IDEA_128_CBC_WITH_MD5",
	0x060040: "SSL_CK_DES_64_CBC_WITH_MD5",
	0x0700c0: "SSL_CK_DES_192_EDE3_CBC_WITH_MD5",
	0x080080: "SSL_CK_RC4_64_WITH_MD5",
}

var cipherSuiteNames = map[uint16]string{
	0x0000: "TLS_NULL_WITH_NULL_NULL",
	0x0001: "TLS_RSA_WITH_NULL_MD5",
	0x0002: "TLS_RSA_WITH_NULL_SHA",
	0x0003: "TLS_RSA_EXPORT_WITH_RC4_40_MD5",
	0x0004: "TLS_RSA_WITH_RC4_128_MD5",
	0x0005: "TLS_RSA_WITH_RC4_128_SHA",
	0x0006: "TLS_RSA_EXPORT_WITH_RC2_CBC_40_MD5",
	0x0007: "TLS_RSA_WITH_IDEA_CBC_SHA",
	0x0008: "TLS_RSA_EXPORT_WITH_DES40_CBC_SHA",
	0x0009: "TLS_RSA_WITH_DES_CBC_SHA",
	0x000a: "TLS_RSA_WITH_3DES_EDE_CBC_SHA",
	0x0011: "TLS_DHE_DSS_EXPORT_WITH_DES40_CBC_SHA",
	0x0012: "TLS_DHE_DSS_WITH_DES_CBC_SHA",
	0x0013: "TLS_DHE_DSS_WITH_3DES_EDE_CBC_SHA",
	0x0014: "TLS_DHE_RSA_EXPORT_WITH_DES40_CBC_SHA",
	0x0015: "TLS_DHE_RSA_WITH_DES_CBC_SHA",
	0x0016: "TLS_DHE_RSA_WITH_3DES_EDE_CBC_SHA",
	0x002f: "TLS_RSA_WITH_AES_128_CBC_SHA",
	0x0032: "TLS_DHE_DSS_WITH_AES_128_CBC_SHA",
	0x0033: "TLS_DHE_RSA_WITH_AES_128_CBC_SHA",
	0x0035: "TLS_RSA_WITH_AES_256_CBC_SHA",
	0x0038: "TLS_DHE_DSS_WITH_AES_256_CBC_SHA",
	0x0039: "TLS_DHE_RSA_WITH_AES_256_CBC_SHA",
	0x003c: "TLS_RSA_WITH_AES_128_CBC_SHA256",
	0x003d: "TLS_RSA_WITH_AES_256_CBC_SHA256",
	0x0040: "TLS_DHE_DSS_WITH_AES_128_CBC_SHA256",
	0x0041: "TLS_RSA_WITH_CAMELLIA_128_CBC_SHA",
	0x0045: "TLS_DHE_RSA_WITH_CAMELLIA_128_CBC_SHA",
	0x0067: "TLS_DHE_RSA_WITH_AES_128_CBC_SHA256",
	0x006a: "TLS_DHE_DSS_WITH_AES_256_CBC_SHA256",
	0x006b: "TLS_DHE_RSA_WITH_AES_256_CBC_SHA256",
	0x0084: "TLS_RSA_WITH_CAMELLIA_256_CBC_SHA",
	0x0088: "TLS_DHE_RSA_WITH_CAMELLIA_256_CBC_SHA",
	0x008c: "TLS_PSK_WITH_AES_128_CBC_SHA",
	0x008d: "TLS_PSK_WITH_AES_256_CBC_SHA",
	0x009c: "TLS_RSA_WITH_AES_128_GCM_SHA256",
	0x009d: "TLS_RSA_WITH_AES_256_GCM_SHA384",
	0x009e: "TLS_DHE_RSA_WITH_AES_128_GCM_SHA256",
	0x009f: "TLS_DHE_RSA_WITH_AES_256_GCM_SHA384",
	0x00a2: "TLS_DHE_DSS_WITH_AES_128_GCM_SHA256",
	0x00a3: "TLS_DHE_DSS_WITH_AES_256_GCM_SHA384",
	0x00ff: "TLS_EMPTY_RENEGOTIATION_INFO_SCSV",
	0x1301: "TLS_AES_128_GCM_SHA256",
	0x1302: "TLS_AES_256_GCM_SHA384",
	0x1303: "TLS_CHACHA20_POLY1305_SHA256",
	0x1304: "TLS_AES_128_CCM_SHA256",
	0x1305: "TLS_AES_128_CCM_8_SHA256",
	0x5600: "TLS_FALLBACK_SCSV",
	0xc002: "TLS_ECDH_ECDSA_WITH_RC4_128_SHA",
	0xc003: "TLS_ECDH_ECDSA_WITH_3DES_EDE_CBC_SHA",
	0xc004: "TLS_ECDH_ECDSA_WITH_AES_128_CBC_SHA",
	0xc005: "TLS_ECDH_ECDSA_WITH_AES_256_CBC_SHA",
	0xc007: "TLS_ECDHE_ECDSA_WITH_RC4_128_SHA",
	0xc008: "TLS_ECDHE_ECDSA_WITH_3DES_EDE_CBC_SHA",
	0xc009: "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA",
	0xc00a: "TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA",
	0xc00c: "TLS_ECDH_RSA_WITH_RC4_128_SHA",
	0xc00d: "TLS_ECDH_RSA_WITH_3DES_EDE_CBC_SHA",
	0xc00e: "TLS_ECDH_RSA_WITH_AES_128_CBC_SHA",
	0xc00f: "TLS_ECDH_RSA_WITH_AES_256_CBC_SHA",
	0xc011: "TLS_ECDHE_RSA_WITH_RC4_128_SHA",
	0xc012: "TLS_ECDHE_RSA_WITH_3DES_EDE_CBC_SHA",
	0xc013: "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA",
	0xc014: "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA",
	0xc023: "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256",
	0xc024: "TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA384",
	0xc025: "TLS_ECDH_ECDSA_WITH_AES_128_CBC_SHA256",
	0xc026: "TLS_ECDH_ECDSA_WITH_AES_256_CBC_SHA384",
	0xc027: "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256",
	0xc028: "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA384",
	0xc029: "TLS_ECDH_RSA_WITH_AES_128_CBC_SHA256",
	0xc02a: "TLS_ECDH_RSA_WITH_AES_256_CBC_SHA384",
	0xc02b: "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
	0xc02c: "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
	0xc02d: "TLS_ECDH_ECDSA_WITH_AES_128_GCM_SHA256",
	0xc02e: "TLS_ECDH_ECDSA_WITH_AES_256_GCM_SHA384",
	0xc02f: "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
	0xc030: "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
	0xc031: "TLS_ECDH_RSA_WITH_AES_128_GCM_SHA256",
	0xc032: "TLS_ECDH_RSA_WITH_AES_256_GCM_SHA384",
	0xc035: "TLS_ECDHE_PSK_WITH_AES_128_CBC_SHA",
	0xc036: "TLS_ECDHE_PSK_WITH_AES_256_CBC_SHA",
	0xc09c: "TLS_RSA_WITH_AES_128_CCM",
	0xc09d: "TLS_RSA_WITH_AES_256_CCM",
	0xc0ac: "TLS_ECDHE_ECDSA_WITH_AES_128_CCM",
	0xc0ad: "TLS_ECDHE_ECDSA_WITH_AES_256_CCM",
	0xcc13: "OLD_TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
	0xcc14: "OLD_TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
	0xcca8: "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
	0xcca9: "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
	0xccaa: "TLS_DHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
	0xccab: "TLS_PSK_WITH_CHACHA20_POLY1305_SHA256",
	0xccac: "TLS_ECDHE_PSK_WITH_CHACHA20_POLY1305_SHA256",
}

const (
	extServerName                  uint16 = 0
	extMaxFragmentLength           uint16 = 1
	extStatusRequest               uint16 = 5
	extSupportedGroups             uint16 = 10
	extECPointFormats              uint16 = 11
	extSignatureAlgorithms         uint16 = 13
	extUseSRTP                     uint16 = 14
	extHeartbeat                   uint16 = 15
	extALPN                        uint16 = 16
	extStatusRequestV2             uint16 = 17
	extSCT                         uint16 = 18
	extPadding                     uint16 = 21
	extEncryptThenMAC              uint16 = 22
	extExtendedMasterSecret        uint16 = 23
	extTokenBinding                uint16 = 24
	extCompressCertificate         uint16 = 27
	extRecordSizeLimit             uint16 = 28
	extDelegatedCredentials        uint16 = 34
	extSessionTicket               uint16 = 35
	extPreSharedKey                uint16 = 41
	extEarlyData                   uint16 = 42
	extSupportedVersions           uint16 = 43
	extCookie                      uint16 = 44
	extPSKKeyExchangeModes         uint16 = 45
	extCertificateAuthorities      uint16 = 47
	extPostHandshakeAuth           uint16 = 49
	extSignatureAlgorithmsCert     uint16 = 50
	extKeyShare                    uint16 = 51
	extQUICTransportParameters     uint16 = 57
	extNextProtocolNegotiation     uint16 = 0x3374
	extApplicationSettings         uint16 = 0x4469
	extApplicationSettingsNew      uint16 = 0x44cd
	extChannelID                   uint16 = 0x7550
	extEncryptedClientHello        uint16 = 0xfe0d
	extRenegotiationInfo           uint16 = 0xff01
	extEncryptedClientHelloOuter   uint16 = 0xfd00
	extEncryptedServerNameDraft    uint16 = 0xffce
	extQUICTransportParametersOld  uint16 = 0xffa5
	extTokenBindingDraft           uint16 = 0x5500
	extNextProtocolNegotiationTest uint16 = 0x3375
)

var extensionNames = map[uint16]string{
	extServerName:                  "server_name",
	extMaxFragmentLength:           "max_fragment_length",
	extStatusRequest:               "status_request",
	extSupportedGroups:             "supported_groups",
	extECPointFormats:              "ec_point_formats",
	extSignatureAlgorithms:         "signature_algorithms",
	extUseSRTP:                     "use_srtp",
	extHeartbeat:                   "heartbeat",
	extALPN:                        "application_layer_protocol_negotiation",
	extStatusRequestV2:             "status_request_v2",
	extSCT:                         "signed_certificate_timestamp",
	extPadding:                     "padding",
	extEncryptThenMAC:              "encrypt_then_mac",
	extExtendedMasterSecret:        "extended_master_secret",
	extTokenBinding:                "token_binding",
	extCompressCertificate:         "compress_certificate",
	extRecordSizeLimit:             "record_size_limit",
	extDelegatedCredentials:        "delegated_credentials",
	extSessionTicket:               "session_ticket",
	extPreSharedKey:                "pre_shared_key",
	extEarlyData:                   "early_data",
	extSupportedVersions:           "supported_versions",
	extCookie:                      "cookie",
	extPSKKeyExchangeModes:         "psk_key_exchange_modes",
	extCertificateAuthorities:      "certificate_authorities",
	extPostHandshakeAuth:           "post_handshake_auth",
	extSignatureAlgorithmsCert:     "signature_algorithms_cert",
	extKeyShare:                    "key_share",
	extQUICTransportParameters:     "quic_transport_parameters",
	extNextProtocolNegotiation:     "next_protocol_negotiation",
	extApplicationSettings:         "application_settings",
	extApplicationSettingsNew:      "application_settings",
	extChannelID:                   "channel_id",
	extEncryptedClientHello:        "encrypted_client_hello",
	extRenegotiationInfo:           "renegotiation_info",
	extEncryptedClientHelloOuter:   "ech_outer_extensions",
	extEncryptedServerNameDraft:    "encrypted_server_name",
	extQUICTransportParametersOld:  "quic_transport_parameters (draft)",
	extTokenBindingDraft:           "token_binding (draft)",
	extNextProtocolNegotiationTest: "next_protocol_negotiation (test)",
}

// ExtensionName returns the registered name of an extension type, "GREASE"
// for the reserved extensibility values and "unrecognized" otherwise.
func ExtensionName(t uint16) string {
	if IsGREASE(t) {
		return "GREASE"
	}
	if name, ok := extensionNames[t]; ok {
		return name
	}
	return "unrecognized"
}

var groupNames = map[uint16]string{
	0x0017: "secp256r1",
	0x0018: "secp384r1",
	0x0019: "secp521r1",
	0x001d: "x25519",
	0x001e: "x448",
	0x0100: "ffdhe2048",
	0x0101: "ffdhe3072",
	0x0102: "ffdhe4096",
	0x0103: "ffdhe6144",
	0x0104: "ffdhe8192",
	0x11ec: "X25519MLKEM768",
	0x11eb: "SecP256r1MLKEM768",
	0x6399: "X25519Kyber768Draft00",
}

func groupName(g uint16) string {
	if IsGREASE(g) {
		return "GREASE"
	}
	if name, ok := groupNames[g]; ok {
		return name
	}
	return fmt.Sprintf("unrecognized (0x%04x)", g)
}

var signatureSchemeNames = map[uint16]string{
	0x0201: "rsa_pkcs1_sha1",
	0x0203: "ecdsa_sha1",
	0x0401: "rsa_pkcs1_sha256",
	0x0403: "ecdsa_secp256r1_sha256",
	0x0501: "rsa_pkcs1_sha384",
	0x0503: "ecdsa_secp384r1_sha384",
	0x0601: "rsa_pkcs1_sha512",
	0x0603: "ecdsa_secp521r1_sha512",
	0x0804: "rsa_pss_rsae_sha256",
	0x0805: "rsa_pss_rsae_sha384",
	0x0806: "rsa_pss_rsae_sha512",
	0x0807: "ed25519",
	0x0808: "ed448",
	0x0809: "rsa_pss_pss_sha256",
	0x080a: "rsa_pss_pss_sha384",
	0x080b: "rsa_pss_pss_sha512",
}

func signatureSchemeName(s uint16) string {
	if IsGREASE(s) {
		return "GREASE"
	}
	if name, ok := signatureSchemeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unrecognized (0x%04x)", s)
}

var compressionNames = map[uint8]string{
	0:  "NO_COMPRESSION",
	1:  "DEFLATE",
	64: "LZS",
}

func compressionName(c uint8) string {
	if name, ok := compressionNames[c]; ok {
		return name
	}
	return "unrecognized"
}

var certCompressionNames = map[uint16]string{
	1: "zlib",
	2: "brotli",
	3: "zstd",
}

var pointFormatNames = map[uint8]string{
	0: "uncompressed",
	1: "ansiX962_compressed_prime",
	2: "ansiX962_compressed_char2",
}

var pskModeNames = map[uint8]string{
	0: "psk_ke",
	1: "psk_dhe_ke",
}
