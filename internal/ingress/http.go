// Package ingress implements the broker's two public-facing data
// planes: the HTTP listener that converts external HTTP requests into
// framed protocol messages, and the TCP listener that pumps bytes for
// established TCP tunnels.
package ingress

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ductlabs/duct/internal/controlplane"
	"github.com/ductlabs/duct/internal/protocol"
	"github.com/ductlabs/duct/internal/tunnel"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// ResponseDeadline is the fixed time the HTTP plane waits for a
// client's HttpResponse before giving up and returning 504.
const ResponseDeadline = 30 * time.Second

// MaxRequestBodyBytes bounds how much of an inbound request body the
// ingress plane will buffer before forwarding it as a frame.
const MaxRequestBodyBytes = 16 * 1024 * 1024

// HTTPPlane is an http.Handler that routes by Host header to the
// tunnel registered for that subdomain.
type HTTPPlane struct {
	Router     *tunnel.Router
	StreamIDs  *tunnel.StreamIDGenerator
	Pending    *tunnel.PendingRegistry
	BaseDomain string
	Logger     logrus.FieldLogger

	// Deadline overrides ResponseDeadline; exported so tests can shrink
	// it. Zero means ResponseDeadline.
	Deadline time.Duration

	// Clock is the source of time for the response deadline; tests
	// inject a clockwork.FakeClock to fire the deadline without a real
	// sleep. Defaults to clockwork.NewRealClock().
	Clock clockwork.Clock
}

// NewHTTPPlane constructs an HTTPPlane. logger may be nil, in which
// case logrus.StandardLogger() is used.
func NewHTTPPlane(router *tunnel.Router, streamIDs *tunnel.StreamIDGenerator, pending *tunnel.PendingRegistry, baseDomain string, logger logrus.FieldLogger) *HTTPPlane {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HTTPPlane{Router: router, StreamIDs: streamIDs, Pending: pending, BaseDomain: baseDomain, Logger: logger, Deadline: ResponseDeadline, Clock: clockwork.NewRealClock()}
}

// ServeHTTP looks up the tunnel for the request's subdomain, forwards
// the request as a framed HttpRequest message, and waits for the
// matching HttpResponse (or a timeout/disconnect) before replying.
func (p *HTTPPlane) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Step 1: extract and validate the subdomain from Host.
	host := r.Host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	suffix := "." + p.BaseDomain
	if !strings.HasSuffix(host, suffix) {
		http.Error(w, "Invalid or missing subdomain", http.StatusBadRequest)
		return
	}
	sub := strings.TrimSuffix(host, suffix)
	if i := strings.IndexByte(sub, '.'); i >= 0 {
		sub = sub[:i]
	}

	// Step 2: look up the tunnel.
	outbound, ok := p.Router.SenderFor(sub)
	if !ok {
		http.Error(w, "Tunnel not found for: "+sub, http.StatusNotFound)
		return
	}

	// Step 3: mint a stream id, collect the request, register a
	// pending sink, and send.
	streamID := p.StreamIDs.Next()
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodyBytes+1))
	if err != nil {
		http.Error(w, "Tunnel connection lost", http.StatusBadGateway)
		return
	}
	headers := make([]protocol.Header, 0, len(r.Header))
	for name, values := range r.Header {
		for _, v := range values {
			headers = append(headers, protocol.Header{Name: name, Value: v})
		}
	}

	sink := p.Pending.Insert(streamID, sub)
	req := protocol.HTTPRequest{
		StreamID: streamID,
		Method:   r.Method,
		URI:      r.URL.RequestURI(),
		Headers:  headers,
		Body:     body,
	}
	if !controlplane.SendOutbound(outbound, req) {
		p.Pending.Take(streamID)
		http.Error(w, "Tunnel connection lost", http.StatusBadGateway)
		return
	}

	// Step 4: await the response with a fixed deadline.
	deadline := p.Deadline
	if deadline <= 0 {
		deadline = ResponseDeadline
	}
	select {
	case result, open := <-sink:
		if !open {
			http.Error(w, "Tunnel disconnected", http.StatusBadGateway)
			return
		}
		writeResult(w, result)
	case <-p.Clock.After(deadline):
		p.Pending.Take(streamID)
		http.Error(w, "Tunnel response timeout", http.StatusGatewayTimeout)
	}
}

func writeResult(w http.ResponseWriter, result tunnel.HTTPResult) {
	for _, h := range result.Headers {
		w.Header().Add(h.Name, h.Value)
	}
	status := int(result.Status)
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(result.Body)
}
