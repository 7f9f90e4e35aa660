// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package framer

import (
	"errors"
	"fmt"
	"strings"
)

var (
	errMalformedRequestLine = errors.New("malformed request line")
	errMissingURI           = errors.New("missing request URI")
	errMissingVersion       = errors.New("missing HTTP version")
	errBadMethod            = errors.New("invalid method token")
	errMissingHost          = errors.New("absolute URI has no host")
	errMalformedStatusLine  = errors.New("malformed status line")
)

// absoluteSchemes are the URI schemes recognized in absolute-form request
// targets.
var absoluteSchemes = []string{"http", "https", "ftp"}

// parseHead parses a complete header block (start line, fields and the
// terminating empty line).
func parseHead(block []byte, kind Kind) (*Headers, error) {
	h := new(Headers)

	lf, end, ok := findEOL(block, 0, len(block))
	if !ok {
		return nil, errMalformedRequestLine
	}
	line := string(block[:end])

	var err error
	switch kind {
	case KindRequest:
		h.Request, err = CrackRequestLine(line, h)
	case KindResponse:
		h.Status, err = parseStatusLine(line)
	}
	if err != nil {
		return nil, err
	}

	for pos := lf + 1; pos < len(block); {
		lf, end, ok := findEOL(block, pos, len(block))
		if !ok || end == pos {
			break
		}
		h.parseField(block[pos:end])
		pos = lf + 1
	}
	return h, nil
}

func (h *Headers) parseField(line []byte) {
	if line[0] == ' ' || line[0] == '\t' {
		if len(h.Fields) == 0 {
			h.warn("continuation line before first header field")
			return
		}
		h.warn("obsolete line folding")
		last := &h.Fields[len(h.Fields)-1]
		last.Value = strings.TrimSpace(last.Value + " " + strings.TrimSpace(string(line)))
		return
	}

	colon, ok := findByte(line, 0, len(line), ':')
	if !ok {
		h.warn(fmt.Sprintf("header line without colon: %.32q", line))
		return
	}

	name := string(line[:colon])
	if trimmed := strings.TrimRight(name, " \t"); trimmed != name {
		h.warn("whitespace between field name and colon")
		name = trimmed
	}
	if name == "" {
		h.warn("empty header field name")
		return
	}
	h.Fields = append(h.Fields, Field{Name: name, Value: strings.TrimSpace(string(line[colon+1:]))})
}

// CrackRequestLine splits a request line into its method, target and
// version. Absolute-form targets are further split into scheme, user-info,
// host and path. Tolerated irregularities are recorded as warnings on h, which
// may be nil.
func CrackRequestLine(line string, h *Headers) (*RequestLine, error) {
	warn := func(msg string) {
		if h != nil {
			h.warn(msg)
		}
	}

	trimmed := strings.TrimLeft(line, " \t")
	if trimmed != line {
		warn("leading whitespace in request line")
	}
	trimmed = strings.TrimRight(trimmed, " \t")

	first := strings.IndexAny(trimmed, " \t")
	if first < 0 {
		return nil, errMalformedRequestLine
	}
	last := strings.LastIndexAny(trimmed, " \t")

	r := &RequestLine{Method: trimmed[:first]}
	if !isToken(r.Method) {
		return nil, errBadMethod
	}

	if first == last {
		// "GET HTTP/1.1" has a version but no target, "GET /path" the
		// reverse.
		if strings.HasPrefix(trimmed[last+1:], "HTTP/") {
			return nil, errMissingURI
		}
		return nil, errMissingVersion
	}
	r.Version = trimmed[last+1:]
	if !strings.HasPrefix(r.Version, "HTTP/") {
		return nil, errMissingVersion
	}

	uri := trimmed[first+1 : last]
	if u := strings.Trim(uri, " \t"); u != uri {
		warn("extra whitespace in request line")
		uri = u
	}
	if uri == "" {
		return nil, errMissingURI
	}
	if strings.ContainsAny(uri, " \t") {
		warn("whitespace inside request target")
	}
	r.URI = uri
	r.Path = uri

	if r.Method == "CONNECT" {
		return r, nil
	}

	lower := strings.ToLower(uri)
	for _, scheme := range absoluteSchemes {
		if !strings.HasPrefix(lower, scheme+"://") {
			continue
		}
		r.Scheme = scheme
		rest := uri[len(scheme)+3:]

		authority, path := rest, "/"
		if i := strings.IndexAny(rest, "/?#"); i >= 0 {
			authority, path = rest[:i], rest[i:]
			if path[0] != '/' {
				path = "/" + path
			}
		}
		if at := strings.LastIndexByte(authority, '@'); at >= 0 {
			r.UserInfo = authority[:at]
			authority = authority[at+1:]
			warn("credentials in request URI")
		}
		if authority == "" {
			return nil, errMissingHost
		}
		r.Host = authority
		r.Path = path
		break
	}
	return r, nil
}

func parseStatusLine(line string) (*StatusLine, error) {
	if !strings.HasPrefix(line, "HTTP/") {
		return nil, errMalformedStatusLine
	}
	sp := strings.IndexByte(line, ' ')
	if sp < 0 {
		return nil, errMalformedStatusLine
	}
	s := &StatusLine{Version: line[:sp]}

	rest := strings.TrimLeft(line[sp+1:], " ")
	if len(rest) < 3 {
		return nil, errMalformedStatusLine
	}
	for i := 0; i < 3; i++ {
		c := rest[i]
		if c < '0' || c > '9' {
			return nil, errMalformedStatusLine
		}
		s.Code = s.Code*10 + int(c-'0')
	}
	if len(rest) > 3 && rest[3] != ' ' {
		return nil, errMalformedStatusLine
	}
	s.Reason = strings.TrimSpace(rest[3:])
	return s, nil
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}
