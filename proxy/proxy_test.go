// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"proxycore.dev/capture"
	"proxycore.dev/certs"
	"proxycore.dev/config"
	"proxycore.dev/filter"
	"proxycore.dev/framer"
	"proxycore.dev/logging"
	"proxycore.dev/session"
	"proxycore.dev/stats"
	"proxycore.dev/tunnel"
	"proxycore.dev/wsframe"
)

func testConfig() *config.Config {
	c := config.Default()
	c.Timeouts = config.Timeouts{}
	c.Diagnostics = true
	return c
}

// startProxy serves on a loopback listener until the test ends and returns
// the proxy URL.
func startProxy(t *testing.T, c *config.Config, opts Options) *url.URL {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		New(config.NewStore(c), opts).Serve(ctx, lis)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &url.URL{Scheme: "http", Host: lis.Addr().String()}
}

func proxyClient(proxy *url.URL, tlsConfig *tls.Config) *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxy),
			TLSClientConfig: tlsConfig,
		},
	}
}

func get(t *testing.T, c *http.Client, u string) (int, string) {
	t.Helper()
	resp, err := c.Get(u)
	if err != nil {
		t.Fatalf("get %s: %v", u, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", u, err)
	}
	return resp.StatusCode, string(b)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestForward(t *testing.T) {
	var conns atomic.Int64
	origin := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Proxy-Connection") != "" {
			t.Errorf("Proxy-Connection leaked upstream")
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "hello %s", r.URL.Path)
	}))
	origin.Config.ConnState = func(_ net.Conn, s http.ConnState) {
		if s == http.StateNew {
			conns.Add(1)
		}
	}
	origin.Start()
	defer origin.Close()

	rec := capture.New(config.Capture{PayloadLimit: 4096}, nil)
	client := proxyClient(startProxy(t, testConfig(), Options{Capture: rec}), nil)

	for _, path := range []string{"/a", "/b", "/c"} {
		code, body := get(t, client, origin.URL+path)
		if code != http.StatusOK || body != "hello "+path {
			t.Fatalf("%s: got %d %q", path, code, body)
		}
	}

	if got := conns.Load(); got != 1 {
		t.Errorf("upstream connections: got %d, want 1", got)
	}
	waitFor(t, "captured entries", func() bool { return len(rec.Entries()) == 3 })
	entries := rec.Entries()
	if got, want := entries[1].Request.URL, origin.URL+"/b"; got != want {
		t.Errorf("captured url: got %q, want %q", got, want)
	}
	if got, want := string(entries[2].Response.Content.Text), "hello /c"; got != want {
		t.Errorf("captured body: got %q, want %q", got, want)
	}
}

func TestForwardRules(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 100<<10))
	}))
	defer origin.Close()

	c := testConfig()
	c.Rules = filter.Rules{
		{If: `request.path.startsWith("/download")`, Then: filter.ActionBufferResponse},
		{If: `request.path == "/private"`, Then: filter.ActionSkipCapture},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	rec := capture.New(config.Capture{PayloadLimit: 16}, nil)
	client := proxyClient(startProxy(t, c, Options{Capture: rec}), nil)

	for _, path := range []string{"/download/big", "/stream", "/private"} {
		code, body := get(t, client, origin.URL+path)
		if code != http.StatusOK || len(body) != 100<<10 {
			t.Fatalf("%s: got %d with %d bytes", path, code, len(body))
		}
	}

	waitFor(t, "captured entries", func() bool { return len(rec.Entries()) == 2 })
	entries := rec.Entries()
	if got := len(entries[0].Response.Content.Text); got != 16 {
		t.Errorf("captured content not cut at the payload limit: %d bytes", got)
	}
}

func TestViolationPoisonsConnection(t *testing.T) {
	before := stats.Global.Violations.Load()
	proxy := startProxy(t, testConfig(), Options{})

	conn, err := net.Dial("tcp", proxy.Host)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "POST http://origin.invalid/ HTTP/1.1\r\nHost: origin.invalid\r\nContent-Length: 3\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", resp.StatusCode)
	}
	if len(body) < minErrorBody {
		t.Errorf("error body is %d bytes, want at least %d", len(body), minErrorBody)
	}
	if !resp.Close {
		t.Errorf("error response does not close the connection")
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if n, err := conn.Read(make([]byte, 1)); n != 0 || err == nil {
		t.Errorf("connection still open after violation: n=%d err=%v", n, err)
	}
	if got := stats.Global.Violations.Load(); got <= before {
		t.Errorf("violation not counted")
	}
}

func TestConnectBlind(t *testing.T) {
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "secret")
	}))
	defer origin.Close()

	c := testConfig()
	c.Decrypt = false
	rec := capture.New(config.Capture{PayloadLimit: 64 << 10}, nil)
	client := proxyClient(startProxy(t, c, Options{Capture: rec}), &tls.Config{InsecureSkipVerify: true})

	code, body := get(t, client, origin.URL+"/x")
	if code != http.StatusOK || body != "secret" {
		t.Fatalf("got %d %q", code, body)
	}
	client.CloseIdleConnections()

	waitFor(t, "tunnel diagnostic", func() bool { return len(rec.Entries()) == 1 })
	entry := rec.Entries()[0]
	if entry.Request.Method != http.MethodConnect {
		t.Fatalf("captured %s, want CONNECT", entry.Request.Method)
	}
	text := string(entry.Response.Content.Text)
	for _, want := range []string{"Mode: blind", "decryption disabled", "ClientHello", "ServerHello"} {
		if !strings.Contains(text, want) {
			t.Errorf("diagnostic lacks %q:\n%s", want, text)
		}
	}
}

func TestConnectDecrypt(t *testing.T) {
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "decrypted %s", r.URL.Path)
	}))
	defer origin.Close()

	ca, err := certs.NewEphemeral()
	if err != nil {
		t.Fatalf("ca: %v", err)
	}

	c := testConfig()
	c.Decrypt = true
	rec := capture.New(config.Capture{PayloadLimit: 4096}, nil)
	client := proxyClient(startProxy(t, c, Options{Capture: rec, Certs: ca.Provider()}), &tls.Config{RootCAs: ca.Pool()})

	for _, path := range []string{"/one", "/two"} {
		code, body := get(t, client, origin.URL+path)
		if code != http.StatusOK || body != "decrypted "+path {
			t.Fatalf("%s: got %d %q", path, code, body)
		}
	}
	client.CloseIdleConnections()

	waitFor(t, "tunnel diagnostic", func() bool { return len(rec.Entries()) == 3 })
	entries := rec.Entries()
	if got, want := entries[0].Request.URL, origin.URL+"/one"; got != want {
		t.Errorf("decrypted url: got %q, want %q", got, want)
	}
	if got, want := string(entries[1].Response.Content.Text), "decrypted /two"; got != want {
		t.Errorf("decrypted body: got %q, want %q", got, want)
	}
	if text := string(entries[2].Response.Content.Text); !strings.Contains(text, "Mode: decrypt") {
		t.Errorf("diagnostic does not report decryption:\n%s", text)
	}
}

func TestConnectAbort(t *testing.T) {
	c := testConfig()
	c.Decrypt = true
	c.BlindOnCertFailure = false
	failing := certs.Provider(func(string) (*tls.Certificate, error) { return nil, errors.New("no key") })
	proxy := startProxy(t, c, Options{Certs: failing})

	conn, err := net.Dial("tcp", proxy.Host)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT origin.invalid:443 HTTP/1.1\r\nHost: origin.invalid:443\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status: got %d, want 502", resp.StatusCode)
	}
	if !strings.Contains(string(body), "no key") {
		t.Errorf("body does not explain the abort: %q", body)
	}
}

func TestWebSocket(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{CompressionMode: websocket.CompressionDisabled})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		for {
			typ, b, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), typ, b); err != nil {
				return
			}
		}
	}))
	defer origin.Close()

	before := stats.Global.WebSocketMessages.Load()
	rec := capture.New(config.Capture{PayloadLimit: 4096}, nil)
	proxy := startProxy(t, testConfig(), Options{Capture: rec})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(origin.URL, "http"), &websocket.DialOptions{
		HTTPClient:      &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxy)}},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	for _, msg := range []string{"AB", `{"ok":true}`, strings.Repeat("z", 70000)} {
		if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
		_, got, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != msg {
			t.Fatalf("echo differs: got %d bytes, want %d", len(got), len(msg))
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")

	if got := stats.Global.WebSocketMessages.Load() - before; got < 6 {
		t.Errorf("decoded %d websocket messages, want at least 6", got)
	}
	waitFor(t, "captured upgrade", func() bool { return len(rec.Entries()) == 1 })
	if got := rec.Entries()[0].Response.Status; got != http.StatusSwitchingProtocols {
		t.Errorf("captured status %d, want 101", got)
	}
}

func TestDialRetry(t *testing.T) {
	var attempts int
	s := New(config.NewStore(testConfig()), Options{
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			attempts++
			if attempts < maxDialAttempts {
				return nil, errors.New("connection refused")
			}
			a, b := net.Pipe()
			b.Close()
			return a, nil
		},
	})
	conn, err := s.dial(context.Background(), "origin.invalid:80")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
	if attempts != maxDialAttempts {
		t.Fatalf("attempts: got %d, want %d", attempts, maxDialAttempts)
	}

	attempts = -10
	if _, err := s.dial(context.Background(), "origin.invalid:80"); err == nil {
		t.Fatalf("expected dial to give up")
	}
}

func TestTargetRewrite(t *testing.T) {
	for _, tt := range []struct {
		name, raw, addr, head string
	}{
		{
			"absolute",
			"GET http://example.com/a?b=1 HTTP/1.1\r\nHost: example.com\r\nProxy-Connection: keep-alive\r\n\r\n",
			"example.com:80",
			"GET /a?b=1 HTTP/1.1\r\nHost: example.com\r\n\r\n",
		},
		{
			"origin form",
			"GET /x HTTP/1.1\r\nHost: example.com:8080\r\n\r\n",
			"example.com:8080",
			"GET /x HTTP/1.1\r\nHost: example.com:8080\r\n\r\n",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			acc := framer.NewAccumulator(framer.Scanner{Kind: framer.KindRequest})
			if _, err := acc.Feed([]byte(tt.raw)); err != nil {
				t.Fatalf("feed: %v", err)
			}
			req, _ := acc.Message()

			c := &clientConn{cfg: testConfig(), scheme: "http"}
			addr, head, err := c.target(req)
			if err != nil {
				t.Fatalf("target: %v", err)
			}
			if addr != tt.addr || string(head) != tt.head {
				t.Fatalf("got %s %q, want %s %q", addr, head, tt.addr, tt.head)
			}
		})
	}
}

func TestErrorResponse(t *testing.T) {
	flags := session.New()
	b := errorResponse(http.StatusBadGateway, "upstream refused", flags)
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusBadGateway || len(body) != minErrorBody {
		t.Fatalf("got %d with %d body bytes", resp.StatusCode, len(body))
	}
	if !strings.Contains(string(body), flags.ID()) {
		t.Errorf("body lacks the session id")
	}
}

func TestOverride(t *testing.T) {
	for _, tt := range []struct {
		value string
		want  tunnel.Override
	}{
		{"", tunnel.OverrideNone},
		{"decrypt", tunnel.OverrideForceDecrypt},
		{" Blind ", tunnel.OverrideForceBlind},
		{"maybe", tunnel.OverrideNone},
	} {
		raw := "CONNECT a.example:443 HTTP/1.1\r\nHost: a.example:443\r\n"
		if tt.value != "" {
			raw += OverrideHeader + ": " + tt.value + "\r\n"
		}
		acc := framer.NewAccumulator(framer.Scanner{Kind: framer.KindRequest})
		if _, err := acc.Feed([]byte(raw + "\r\n")); err != nil {
			t.Fatalf("feed: %v", err)
		}
		req, _ := acc.Message()
		if got := override(req); got != tt.want {
			t.Errorf("%q: got %q, want %q", tt.value, got, tt.want)
		}
	}
}

func TestStreamedResponse(t *testing.T) {
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "first")
		w.(http.Flusher).Flush()
		<-release
		io.WriteString(w, "second")
	}))
	defer origin.Close()

	rec := capture.New(config.Capture{PayloadLimit: 4096}, nil)
	client := proxyClient(startProxy(t, testConfig(), Options{Capture: rec}), nil)

	resp, err := client.Get(origin.URL + "/feed")
	if err != nil {
		close(release)
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	first := make([]byte, 5)
	_, err = io.ReadFull(resp.Body, first)
	close(release)
	if err != nil || string(first) != "first" {
		t.Fatalf("first part: %q %v", first, err)
	}
	rest, err := io.ReadAll(resp.Body)
	if err != nil || string(rest) != "second" {
		t.Fatalf("rest: %q %v", rest, err)
	}

	waitFor(t, "captured entry", func() bool { return len(rec.Entries()) == 1 })
	content := rec.Entries()[0].Response.Content
	if string(content.Text) != "firstsecond" || content.Size != 11 {
		t.Errorf("captured content %q size %d", content.Text, content.Size)
	}
}

// logBuffer collects log output written from the proxy goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestToleratedViolationLogged(t *testing.T) {
	logs := new(logBuffer)
	prev := slog.Default()
	logging.InitWriter(logs, true)
	t.Cleanup(func() { slog.SetDefault(prev) })

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer origin.Close()

	proxy := startProxy(t, testConfig(), Options{})
	conn, err := net.Dial("tcp", proxy.Host)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	host := strings.TrimPrefix(origin.URL, "http://")
	fmt.Fprintf(conn, "GET http://%s/lf HTTP/1.1\nHost: %s\nConnection: close\n\n", host, host)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("got %d %q", resp.StatusCode, body)
	}

	var line map[string]any
	for _, l := range strings.Split(logs.String(), "\n") {
		if strings.Contains(l, `"msg":"tolerated request violation"`) {
			if err := json.Unmarshal([]byte(l), &line); err != nil {
				t.Fatalf("decode log line: %v", err)
			}
			break
		}
	}
	if line == nil {
		t.Fatalf("no tolerated violation logged:\n%s", logs.String())
	}
	if line["level"] != "WARN" {
		t.Errorf("level %v, want WARN", line["level"])
	}
	if got, _ := line["received"].(float64); got <= 0 {
		t.Errorf("received %v, want the byte count", line["received"])
	}
	errAttr, _ := line["err"].(map[string]any)
	if snippet, _ := errAttr["snippet"].(string); !strings.Contains(snippet, "GET http://") {
		t.Errorf("snippet %q does not show the head", snippet)
	}
}

func TestProcessFilterWithoutResolver(t *testing.T) {
	logs := new(logBuffer)
	prev := slog.Default()
	logging.InitWriter(logs, true)
	t.Cleanup(func() { slog.SetDefault(prev) })

	c := testConfig()
	c.ProcessFilter = config.ProcessBrowsers
	proxy := startProxy(t, c, Options{})

	for range 2 {
		conn, err := net.Dial("tcp", proxy.Host)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		fmt.Fprintf(conn, "GET / HTTP/1.1\r\nConnection: close\r\n\r\n")
		io.Copy(io.Discard, conn)
		conn.Close()
	}

	if got := strings.Count(logs.String(), "process_filter needs the client process"); got != 1 {
		t.Fatalf("warned %d times, want once:\n%s", got, logs.String())
	}
}

func TestWebSocketRewrite(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{CompressionMode: websocket.CompressionDisabled})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		typ, b, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		conn.Write(r.Context(), typ, b)
	}))
	defer origin.Close()

	rewriter := tunnel.RewriterFunc(func(_ *tunnel.Tunnel, m *wsframe.Message) *tunnel.Rewrite {
		if string(m.Payload) != "secret" {
			return nil
		}
		return &tunnel.Rewrite{Payload: []byte("[gone]"), Rekey: true}
	})
	proxy := startProxy(t, testConfig(), Options{Rewriter: rewriter})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(origin.URL, "http"), &websocket.DialOptions{
		HTTPClient:      &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxy)}},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, []byte("secret")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, got, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "[gone]" {
		t.Fatalf("echo %q, want the rewritten message", got)
	}
}
