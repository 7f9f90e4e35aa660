// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package framer

import (
	"bytes"
	"strconv"
	"strings"
)

type Field struct {
	Name  string
	Value string
}

// Fields is an ordered, case-insensitive multi-map. Order is preserved for
// serialization and duplicates are kept.
type Fields []Field

func (f Fields) Get(name string) string {
	for i := range f {
		if strings.EqualFold(f[i].Name, name) {
			return f[i].Value
		}
	}
	return ""
}

func (f Fields) Has(name string) bool {
	for i := range f {
		if strings.EqualFold(f[i].Name, name) {
			return true
		}
	}
	return false
}

func (f Fields) Values(name string) []string {
	var vals []string
	for i := range f {
		if strings.EqualFold(f[i].Name, name) {
			vals = append(vals, f[i].Value)
		}
	}
	return vals
}

func (f *Fields) Add(name, value string) {
	*f = append(*f, Field{Name: name, Value: value})
}

// Set replaces the first field with this name and removes the others. If no
// field exists, it is appended.
func (f *Fields) Set(name, value string) {
	out := (*f)[:0]
	set := false
	for _, fl := range *f {
		if strings.EqualFold(fl.Name, name) {
			if set {
				continue
			}
			fl.Value = value
			set = true
		}
		out = append(out, fl)
	}
	if !set {
		out = append(out, Field{Name: name, Value: value})
	}
	*f = out
}

func (f *Fields) Del(name string) {
	out := (*f)[:0]
	for _, fl := range *f {
		if !strings.EqualFold(fl.Name, name) {
			out = append(out, fl)
		}
	}
	*f = out
}

// HasToken reports whether any comma-separated element of any field named
// name equals token case-insensitively (e.g. Connection: keep-alive, Upgrade).
func (f Fields) HasToken(name, token string) bool {
	for _, v := range f.Values(name) {
		for _, el := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(el), token) {
				return true
			}
		}
	}
	return false
}

type RequestLine struct {
	Method  string
	URI     string
	Version string

	// Set only for absolute-form URIs.
	Scheme   string
	UserInfo string
	Host     string

	// Path is the origin-form target (path and query). For CONNECT it is the
	// authority.
	Path string
}

func (r *RequestLine) IsAbsolute() bool { return r.Scheme != "" }

type StatusLine struct {
	Version string
	Code    int
	Reason  string
}

// Headers is the parsed head of one HTTP message: exactly one of Request and
// Status is set.
type Headers struct {
	Request *RequestLine
	Status  *StatusLine
	Fields  Fields

	Terminator Terminator

	// Warnings lists non-fatal protocol violations found while parsing.
	Warnings []string
}

func (h *Headers) IsRequest() bool { return h.Request != nil }

func (h *Headers) Version() string {
	if h.Request != nil {
		return h.Request.Version
	}
	if h.Status != nil {
		return h.Status.Version
	}
	return ""
}

// Host returns the target host: the absolute URI's authority if present,
// otherwise the Host field.
func (h *Headers) Host() string {
	if h.Request != nil {
		if h.Request.Host != "" {
			return h.Request.Host
		}
		if h.Request.Method == "CONNECT" {
			return h.Request.Path
		}
	}
	return h.Fields.Get("Host")
}

// KeepAlive reports whether the connection may carry another message after
// this one.
func (h *Headers) KeepAlive() bool {
	if h.Fields.HasToken("Connection", "close") {
		return false
	}
	if h.Version() == "HTTP/1.0" {
		return h.Fields.HasToken("Connection", "keep-alive")
	}
	return true
}

// IsUpgrade reports whether the message asks to switch to the given protocol.
func (h *Headers) IsUpgrade(proto string) bool {
	return h.Fields.HasToken("Connection", "upgrade") && h.Fields.HasToken("Upgrade", proto)
}

func (h *Headers) warn(msg string) {
	h.Warnings = append(h.Warnings, msg)
}

// Bytes serializes the head with canonical CRLF line endings.
func (h *Headers) Bytes() []byte {
	b := new(bytes.Buffer)
	switch {
	case h.Request != nil:
		b.WriteString(h.Request.Method)
		b.WriteByte(' ')
		b.WriteString(h.Request.URI)
		b.WriteByte(' ')
		b.WriteString(h.Request.Version)
	case h.Status != nil:
		b.WriteString(h.Status.Version)
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(h.Status.Code))
		if h.Status.Reason != "" {
			b.WriteByte(' ')
			b.WriteString(h.Status.Reason)
		}
	}
	b.WriteString("\r\n")
	for _, f := range h.Fields {
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}
