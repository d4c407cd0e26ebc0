// Package e2e drives a real pkg/client.Agent against a real
// controlplane.Server and real ingress planes over loopback sockets,
// covering the scenarios that a layer-by-layer unit test cannot: a
// genuine mTLS handshake, genuine tunnel negotiation, and genuine
// HTTP/TCP traffic crossing the wire in both directions.
package e2e

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ductlabs/duct/internal/controlplane"
	"github.com/ductlabs/duct/internal/dnsprovider"
	"github.com/ductlabs/duct/internal/ingress"
	"github.com/ductlabs/duct/internal/metrics"
	"github.com/ductlabs/duct/internal/tlsutil"
	"github.com/ductlabs/duct/internal/tunnel"
	"github.com/ductlabs/duct/pkg/client"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const baseDomain = "test.example.com"

// harness wires one controlplane.Server, its HTTP ingress plane, and
// a shared dnsprovider.Mock, listening on real loopback sockets. Each
// test gets its own harness so tunnel state never leaks across tests.
type harness struct {
	t   *testing.T
	pki pki

	controlAddr string
	dns         *dnsprovider.Mock
	httpClient  *http.Client
}

// newHarness starts a full broker stack bound to real loopback
// sockets: an mTLS control-plane listener, the HTTP ingress plane
// behind a real http.Server, and the TCP ingress plane allocating
// from [tcpPortLow, tcpPortHigh]. Everything is torn down via
// t.Cleanup.
func newHarness(t *testing.T, tcpPortLow, tcpPortHigh uint16) *harness {
	t.Helper()
	pk := generatePKI(t)

	router := tunnel.NewRouter()
	ports := tunnel.NewPortAllocator(tcpPortLow, tcpPortHigh)
	pending := tunnel.NewPendingRegistry()
	tcpRegistry := tunnel.NewTCPRegistry()
	streamIDs := tunnel.NewStreamIDGenerator()
	dns := dnsprovider.NewMock()
	m := metrics.New()
	ports.Metrics = m
	pending.Metrics = m

	tcpPlane := ingress.NewTCPPlane(tcpRegistry, streamIDs, nil)
	tcpPlane.Metrics = m
	httpPlane := ingress.NewHTTPPlane(router, streamIDs, pending, baseDomain, nil)

	serverTLS, err := tlsutil.ServerMTLSConfig(pk.serverCertPEM, pk.serverKeyPEM, pk.caPEM)
	require.NoError(t, err)

	rawLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	controlLn := tls.NewListener(rawLn, serverTLS)

	server := controlplane.NewServer(controlLn, router, ports, pending, tcpRegistry, dns, baseDomain, tcpPlane.Serve, m, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go server.Serve(ctx)

	httpServer := httptest.NewServer(httpPlane)

	t.Cleanup(func() {
		cancel()
		controlLn.Close()
		httpServer.Close()
	})

	httpClient := &http.Client{
		Transport: &http.Transport{
			// The request's Host header still carries the tunnel
			// subdomain; only the TCP destination is pinned here, so
			// httpPlane.ServeHTTP sees the real vhost routing path.
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, network, httpServer.Listener.Addr().String())
			},
		},
		Timeout: 10 * time.Second,
	}

	return &harness{
		t:           t,
		pki:         pk,
		controlAddr: controlLn.Addr().String(),
		dns:         dns,
		httpClient:  httpClient,
	}
}

// newClient builds an Agent dialing this harness's control-plane
// listener with a client certificate signed by the harness CA.
func (h *harness) newClient(t *testing.T) *client.Agent {
	t.Helper()
	agent, err := client.NewAgent(
		client.WithServerAddr(h.controlAddr),
		client.WithClientCertificate(h.pki.clientCertPEM, h.pki.clientKeyPEM, h.pki.caPEM),
		client.WithLogger(client.NewLogrusLogger(logrus.WarnLevel)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { agent.Close() })
	return agent
}

func (h *harness) httpRequest(t *testing.T, method, subdomain, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, fmt.Sprintf("http://%s.%s%s", subdomain, baseDomain, path), body)
	require.NoError(t, err)
	resp, err := h.httpClient.Do(req)
	require.NoError(t, err)
	return resp
}

func dialTCP(t *testing.T, port uint16) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	require.Eventually(t, func() bool {
		conn, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "tcp ingress listener never came up")
	require.NoError(t, err)
	return conn
}
