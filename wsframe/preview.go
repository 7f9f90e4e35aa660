// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package wsframe

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"google.golang.org/protobuf/encoding/protowire"
)

// maxPreviewFields bounds the protobuf fields listed in a binary preview.
const maxPreviewFields = 8

// Preview renders the payload for logs and capture records, at most limit
// bytes of it. JSON text is compacted and binary payloads that decode as a
// protobuf message are listed field by field.
func (m *Message) Preview(limit int) string {
	p := m.Payload
	switch m.Opcode {
	case OpText:
		if gjson.ValidBytes(p) {
			return "json " + cut(gjson.GetBytes(p, "@ugly").Raw, limit)
		}
		return cut(string(p), limit)

	case OpBinary:
		if fields, ok := protoFields(p); ok {
			return "protobuf " + cut(fields, limit)
		}
		return fmt.Sprintf("binary %d bytes %s", len(p), hexCut(p, limit))

	case OpClose:
		if m.CloseCode == 0 {
			return "close"
		}
		return fmt.Sprintf("close %d %s", m.CloseCode, cut(m.CloseReason, limit))

	default:
		return fmt.Sprintf("%s %s", m.Opcode, hexCut(p, limit))
	}
}

// JSON looks up a gjson path in a text message. The result does not exist
// for binary messages or payloads that are not JSON.
func (m *Message) JSON(path string) gjson.Result {
	if m.Opcode != OpText || !gjson.ValidBytes(m.Payload) {
		return gjson.Result{}
	}
	return gjson.GetBytes(m.Payload, path)
}

func cut(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	s = s[:limit]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s + "..."
}

func hexCut(b []byte, limit int) string {
	if limit > 0 && len(b) > limit/2 {
		return hex.EncodeToString(b[:limit/2]) + "..."
	}
	return hex.EncodeToString(b)
}

// protoFields walks b as a protobuf wire message. It succeeds only if every
// byte is consumed by well-formed fields.
func protoFields(b []byte) (string, bool) {
	if len(b) == 0 {
		return "", false
	}
	var out []string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || num <= 0 {
			return "", false
		}
		b = b[n:]

		var desc string
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", false
			}
			desc = fmt.Sprintf("%d:varint=%d", num, v)
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return "", false
			}
			desc = fmt.Sprintf("%d:fixed32=%d", num, v)
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return "", false
			}
			desc = fmt.Sprintf("%d:fixed64=%d", num, v)
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", false
			}
			if utf8.Valid(v) && len(v) > 0 {
				desc = fmt.Sprintf("%d:string=%q", num, cut(string(v), 32))
			} else {
				desc = fmt.Sprintf("%d:bytes[%d]", num, len(v))
			}
			b = b[n:]
		case protowire.StartGroupType:
			v, n := protowire.ConsumeGroup(num, b)
			if n < 0 {
				return "", false
			}
			desc = fmt.Sprintf("%d:group[%d]", num, len(v))
			b = b[n:]
		default:
			return "", false
		}
		if len(out) < maxPreviewFields {
			out = append(out, desc)
		} else if len(out) == maxPreviewFields {
			out = append(out, "...")
		}
	}
	return strings.Join(out, " "), true
}
