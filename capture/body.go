// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package capture

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

// decodeContent undoes the Content-Encoding of body, reading at most limit
// decoded bytes. Codings are listed in the order they were applied.
func decodeContent(codings string, body []byte, limit int64) ([]byte, error) {
	text := body
	list := strings.Split(codings, ",")
	for i := len(list) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(list[i]))
		var r io.Reader
		switch coding {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			gr, err := gzip.NewReader(bytes.NewReader(text))
			if err != nil {
				return nil, fmt.Errorf("create gzip reader: %w", err)
			}
			defer gr.Close()
			r = gr
		case "deflate":
			zr, err := zlib.NewReader(bytes.NewReader(text))
			if err != nil {
				return nil, fmt.Errorf("create zlib reader: %w", err)
			}
			defer zr.Close()
			r = zr
		case "br":
			r = brotli.NewReader(bytes.NewReader(text))
		case "zstd":
			zr, err := zstd.NewReader(bytes.NewReader(text))
			if err != nil {
				return nil, fmt.Errorf("create zstd reader: %w", err)
			}
			defer zr.Close()
			r = zr
		default:
			return nil, fmt.Errorf("unsupported content coding %q", coding)
		}

		raw, err := io.ReadAll(io.LimitReader(r, limit))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", coding, err)
		}
		text = raw
	}
	if int64(len(text)) > limit {
		text = text[:limit]
	}
	return text, nil
}

func decodeProtobuf(enc map[protowire.Number]any, buf []byte) error {
	for len(buf) > 0 {
		num, typ, tlen := protowire.ConsumeTag(buf)
		if tlen < 0 {
			return fmt.Errorf("consume tag: %w", protowire.ParseError(tlen))
		}
		buf = buf[tlen:]
		var vlen int
		switch typ {
		case protowire.VarintType:
			enc[num], vlen = protowire.ConsumeVarint(buf)
		case protowire.Fixed32Type:
			enc[num], vlen = protowire.ConsumeFixed32(buf)
		case protowire.Fixed64Type:
			enc[num], vlen = protowire.ConsumeFixed64(buf)
		case protowire.BytesType:
			var tmp []byte
			tmp, vlen = protowire.ConsumeBytes(buf)
			if vlen >= 0 {
				if _, _, size := protowire.ConsumeTag(tmp); size >= 0 {
					m := make(map[protowire.Number]any)
					if err := decodeProtobuf(m, tmp); err == nil {
						enc[num] = m
						break
					}
				}
				if utf8.Valid(tmp) {
					enc[num] = string(tmp)
				} else {
					enc[num] = base64.RawStdEncoding.EncodeToString(tmp)
				}
			}
		case protowire.StartGroupType:
			enc[num], vlen = protowire.ConsumeGroup(num, buf)
		default:
			return fmt.Errorf("consume num=%v, typ=%v: unknown type", num, typ)
		}
		if vlen < 0 {
			return fmt.Errorf("consume num=%v, typ=%v: %w", num, typ, protowire.ParseError(vlen))
		}
		buf = buf[vlen:]
	}
	return nil
}

// jsonify renders protobuf and gRPC bodies as JSON keyed by field number.
func jsonify(mime string, data []byte) ([]byte, bool) {
	base, _, _ := strings.Cut(mime, ";")
	switch strings.TrimSpace(strings.ToLower(base)) {
	case "application/grpc", "application/grpc+proto":
		// Length-prefixed message: compressed flag and a 4-byte length.
		if len(data) < 5 || data[0] != 0 {
			return nil, false
		}
		data = data[5:]
	case "application/x-protobuf", "application/protobuf":
	default:
		return nil, false
	}

	m := make(map[protowire.Number]any)
	if err := decodeProtobuf(m, data); err != nil {
		return nil, false
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, false
	}
	return b, true
}
