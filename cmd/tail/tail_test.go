// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package tail

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/martian/v3/har"
)

func entryLine(t *testing.T, method, url string, status int, ms int64) string {
	t.Helper()
	b, err := json.Marshal(&har.Entry{
		ID:       "id",
		Time:     ms,
		Request:  &har.Request{Method: method, URL: url},
		Response: &har.Response{Status: status, Content: &har.Content{}},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestRun(t *testing.T) {
	lines := []string{
		entryLine(t, "GET", "http://example.com/a", 200, 12),
		"not json",
		entryLine(t, "POST", "https://api.example.com/v1/items?x=1", 503, 1500),
	}
	input := strings.Join(lines, "\n")

	for _, tt := range []struct {
		name    string
		filters []string
		format  string
		want    []string
	}{
		{"all", nil, "text", []string{
			`    12ms    200    GET "http://example.com/a"`,
			`    1.5s    503    POST "https://api.example.com/v1/items?x=1"`,
		}},
		{"errors only", []string{"response.status >= 500"}, "text", []string{
			`    1.5s    503    POST "https://api.example.com/v1/items?x=1"`,
		}},
		{"host and path", []string{`request.host == "api.example.com"`, `request.path.startsWith("/v1/")`}, "json", []string{lines[2]}},
		{"no match", []string{`request.method == "PUT"`}, "text", nil},
	} {
		t.Run(tt.name, func(t *testing.T) {
			tl := new(Tail)
			tl.flags.format = tt.format
			tl.flags.filters = tt.filters
			if err := tl.compile(); err != nil {
				t.Fatalf("compile: %v", err)
			}

			var out bytes.Buffer
			if err := tl.run(context.Background(), strings.NewReader(input), &out); err != nil {
				t.Fatalf("run: %v", err)
			}

			got := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
			if out.Len() == 0 {
				got = nil
			}
			if strings.Join(got, "\n") != strings.Join(tt.want, "\n") {
				t.Fatalf("got:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(tt.want, "\n"))
			}
		})
	}
}

func TestBadFilter(t *testing.T) {
	tl := new(Tail)
	tl.flags.filters = []string{"request.method +"}
	if err := tl.compile(); err == nil {
		t.Fatalf("expected compile error")
	}
}
