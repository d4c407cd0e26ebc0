package ingress

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ductlabs/duct/internal/controlplane"
	"github.com/ductlabs/duct/internal/protocol"
	"github.com/ductlabs/duct/internal/tunnel"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestPlane() (*HTTPPlane, *tunnel.Router) {
	router := tunnel.NewRouter()
	plane := NewHTTPPlane(router, tunnel.NewStreamIDGenerator(), tunnel.NewPendingRegistry(), "test.example.com", nil)
	return plane, router
}

func TestHTTPPlaneMissingSubdomain(t *testing.T) {
	plane, _ := newTestPlane()
	req := httptest.NewRequest(http.MethodGet, "http://unrelated.example.org/", nil)
	rec := httptest.NewRecorder()
	plane.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "Invalid or missing subdomain")
}

func TestHTTPPlaneNoTunnel(t *testing.T) {
	plane, _ := newTestPlane()
	req := httptest.NewRequest(http.MethodGet, "http://ghost.test.example.com/", nil)
	rec := httptest.NewRecorder()
	plane.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "Tunnel not found for: ghost")
}

func TestHTTPPlaneRoundTrip(t *testing.T) {
	plane, router := newTestPlane()
	outbound := make(chan protocol.ServerMessage, 4)
	require.NoError(t, router.Register(tunnel.Handle{Subdomain: "app1", Kind: protocol.KindHTTP, Outbound: outbound}))

	go func() {
		msg := <-outbound
		httpReq, ok := msg.(protocol.HTTPRequest)
		require.True(t, ok)
		require.Equal(t, "GET", httpReq.Method)
		require.Equal(t, "/test-path", httpReq.URI)
		plane.Pending.Resolve(httpReq.StreamID, tunnel.HTTPResult{
			Status: 200,
			Body:   []byte("Hello from local service!"),
		})
	}()

	req := httptest.NewRequest(http.MethodGet, "http://app1.test.example.com/test-path", nil)
	rec := httptest.NewRecorder()
	plane.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Hello from local service!", rec.Body.String())
}

func TestHTTPPlaneTunnelDisconnectedMidRequest(t *testing.T) {
	plane, router := newTestPlane()
	outbound := make(chan protocol.ServerMessage, 4)
	require.NoError(t, router.Register(tunnel.Handle{Subdomain: "app1", Kind: protocol.KindHTTP, Outbound: outbound}))

	go func() {
		<-outbound
		// Simulate the tunnel tearing down before the client replies.
		plane.Pending.CloseSubdomain("app1")
	}()

	req := httptest.NewRequest(http.MethodGet, "http://app1.test.example.com/", nil)
	rec := httptest.NewRecorder()
	plane.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "Tunnel disconnected")
}

func TestHTTPPlaneSendFailsWhenOutboundClosed(t *testing.T) {
	plane, router := newTestPlane()
	outbound := make(chan protocol.ServerMessage)
	close(outbound)
	require.NoError(t, router.Register(tunnel.Handle{Subdomain: "app1", Kind: protocol.KindHTTP, Outbound: outbound}))

	req := httptest.NewRequest(http.MethodGet, "http://app1.test.example.com/", nil)
	rec := httptest.NewRecorder()
	plane.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "Tunnel connection lost")
}

// sanity check that SendOutbound itself is exercised by this package's
// import of controlplane (no import cycle).
var _ = controlplane.SendOutbound

func TestHTTPPlaneTimeout(t *testing.T) {
	plane, router := newTestPlane()
	fakeClock := clockwork.NewFakeClock()
	plane.Clock = fakeClock
	outbound := make(chan protocol.ServerMessage, 4)
	require.NoError(t, router.Register(tunnel.Handle{Subdomain: "slow", Kind: protocol.KindHTTP, Outbound: outbound}))

	// Drain the HttpRequest frame but never reply, forcing the
	// deadline to fire once the fake clock advances past it.
	requestSent := make(chan struct{})
	go func() {
		<-outbound
		close(requestSent)
	}()
	go func() {
		<-requestSent
		fakeClock.BlockUntil(1)
		fakeClock.Advance(plane.Deadline)
	}()

	req := httptest.NewRequest(http.MethodGet, "http://slow.test.example.com/", nil)
	rec := httptest.NewRecorder()
	plane.ServeHTTP(rec, req)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	require.Contains(t, rec.Body.String(), "Tunnel response timeout")

	_, stillPending := plane.Pending.Take(1)
	require.False(t, stillPending, "the pending sink must be removed after the deadline fires")
}
