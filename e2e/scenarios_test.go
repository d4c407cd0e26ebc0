package e2e

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ductlabs/duct/internal/protocol"
	"github.com/ductlabs/duct/pkg/client"
	"github.com/stretchr/testify/require"
)

// captureServer records every request it receives while always
// replying with a canned response, standing in for the developer's
// local service behind the tunnel.
type captureServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
}

func newCaptureServer(t *testing.T, status int, body []byte, headers map[string]string) *captureServer {
	t.Helper()
	c := &captureServer{}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.requests = append(c.requests, r)
		c.bodies = append(c.bodies, b)
		c.mu.Unlock()
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
		w.Write(body)
	}))
	t.Cleanup(c.Close)
	return c
}

func (c *captureServer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *captureServer) last() (*http.Request, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.requests)
	return c.requests[n-1], c.bodies[n-1]
}

func (c *captureServer) addr() string {
	return c.Listener.Addr().String()
}

// Scenario 1: HTTP GET round-trips through a real client and server.
func TestE2EHTTPGet(t *testing.T) {
	h := newHarness(t, 41000, 41009)
	upstream := newCaptureServer(t, http.StatusOK, []byte("Hello from local service!"), nil)

	agent := h.newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tun, err := agent.Forward(ctx, client.WithKind(protocol.KindHTTP), client.WithUpstream(upstream.addr()))
	require.NoError(t, err)

	resp := h.httpRequest(t, http.MethodGet, tun.Subdomain(), "/test-path", nil)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Hello from local service!", string(body))
	require.Equal(t, 1, upstream.count())
	req, _ := upstream.last()
	require.Equal(t, http.MethodGet, req.Method)
	require.Equal(t, "/test-path", req.URL.RequestURI())
	require.True(t, h.dns.HasSubdomain(tun.Subdomain()))
}

// Scenario 2: HTTP POST with a body round-trips exactly.
func TestE2EHTTPPostWithBody(t *testing.T) {
	h := newHarness(t, 41010, 41019)
	upstream := newCaptureServer(t, http.StatusCreated, []byte(`{"id":123,"status":"created"}`), map[string]string{"Content-Type": "application/json"})

	agent := h.newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tun, err := agent.Forward(ctx, client.WithKind(protocol.KindHTTP), client.WithUpstream(upstream.addr()))
	require.NoError(t, err)

	reqBody := `{"name":"Test User","email":"test@example.com"}`
	resp := h.httpRequest(t, http.MethodPost, tun.Subdomain(), "/api/users", strings.NewReader(reqBody))
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Contains(t, string(body), "created")
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	req, gotBody := upstream.last()
	require.Equal(t, http.MethodPost, req.Method)
	require.Equal(t, "/api/users", req.URL.RequestURI())
	require.JSONEq(t, reqBody, string(gotBody))
}

// Scenario 3: a client-requested custom subdomain is honored exactly.
func TestE2ECustomSubdomain(t *testing.T) {
	h := newHarness(t, 41020, 41029)
	upstream := newCaptureServer(t, http.StatusOK, []byte("ok"), nil)

	agent := h.newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tun, err := agent.Forward(ctx, client.WithKind(protocol.KindHTTP), client.WithUpstream(upstream.addr()), client.WithSubdomain("my-custom-app"))
	require.NoError(t, err)
	require.Equal(t, "my-custom-app", tun.Subdomain())

	resp := h.httpRequest(t, http.MethodGet, "my-custom-app", "/", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, upstream.count())
}

// Scenario 4: two independent tunnels route to exactly their own
// mock and publish exactly one DNS record apiece.
func TestE2EMultipleIndependentTunnels(t *testing.T) {
	h := newHarness(t, 41030, 41039)
	mock1 := newCaptureServer(t, http.StatusOK, []byte("from app1"), nil)
	mock2 := newCaptureServer(t, http.StatusOK, []byte("from app2"), nil)

	agent1 := h.newClient(t)
	agent2 := h.newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tun1, err := agent1.Forward(ctx, client.WithKind(protocol.KindHTTP), client.WithUpstream(mock1.addr()), client.WithSubdomain("app1"))
	require.NoError(t, err)
	tun2, err := agent2.Forward(ctx, client.WithKind(protocol.KindHTTP), client.WithUpstream(mock2.addr()), client.WithSubdomain("app2"))
	require.NoError(t, err)

	resp1 := h.httpRequest(t, http.MethodGet, tun1.Subdomain(), "/", nil)
	body1, _ := io.ReadAll(resp1.Body)
	resp1.Body.Close()
	resp2 := h.httpRequest(t, http.MethodGet, tun2.Subdomain(), "/", nil)
	body2, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()

	require.Equal(t, "from app1", string(body1))
	require.Equal(t, "from app2", string(body2))
	require.Equal(t, 1, mock1.count())
	require.Equal(t, 1, mock2.count())
	require.Equal(t, 2, h.dns.RecordCount())
}

// Scenario 5: a TCP tunnel echoes bytes written by an external peer.
func TestE2ETCPEcho(t *testing.T) {
	h := newHarness(t, 41040, 41049)
	echoAddr := startEchoServer(t)

	agent := h.newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tun, err := agent.ForwardTCP(ctx, client.WithUpstream(echoAddr))
	require.NoError(t, err)
	require.NotNil(t, tun.TCPPort())

	conn := dialTCP(t, *tun.TCPPort())
	defer conn.Close()

	const msg = "Hello through TCP tunnel!"
	_, err = conn.Write([]byte(msg))
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, msg, string(buf))
}

// Scenario 6: a 64KiB payload written in one shot is received intact.
func TestE2ETCPLargePayload(t *testing.T) {
	h := newHarness(t, 41050, 41059)
	echoAddr := startEchoServer(t)

	agent := h.newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tun, err := agent.ForwardTCP(ctx, client.WithUpstream(echoAddr))
	require.NoError(t, err)

	conn := dialTCP(t, *tun.TCPPort())
	defer conn.Close()

	payload := make([]byte, 65536)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	_, err = conn.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

// startEchoServer runs a plain TCP echo listener standing in for the
// developer's local TCP service, and returns its address.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}
