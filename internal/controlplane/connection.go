// Package controlplane implements the per-client control-plane state
// machine: transport handshake, tunnel negotiation, established-phase
// message dispatch, and teardown.
package controlplane

import (
	"context"
	"crypto/tls"
	"fmt"
	"hash/fnv"
	"io"
	"net"

	"github.com/ductlabs/duct/internal/dnsprovider"
	"github.com/ductlabs/duct/internal/metrics"
	"github.com/ductlabs/duct/internal/protocol"
	"github.com/ductlabs/duct/internal/tunnel"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// state names the control-plane connection's position in its
// handshake/negotiation/established/teardown state machine.
type state int

const (
	stateAwaitHandshake state = iota
	stateAwaitRequest
	stateNegotiating
	stateEstablished
	stateDraining
	stateClosed
)

// outboundBuffer is the bounded outbound channel's capacity; a full
// channel applies backpressure to senders rather than growing
// unbounded.
const outboundBuffer = 64

// TCPServeFunc starts the public TCP ingress listener for an
// established TCP tunnel on port, forwarding TcpConnect/TcpData/
// TcpClose frames onto outbound, and blocks until ctx is canceled or
// the listener fails. Injected by the caller (cmd/duct-server wires
// it to an *ingress.TCPPlane) so this package never imports the
// ingress package, which in turn imports this one's exported helpers.
type TCPServeFunc func(ctx context.Context, port uint16, outbound chan<- protocol.ServerMessage) error

// Connection is one accepted, already-TLS-handshaked client
// connection and its control-plane state.
type Connection struct {
	conn     net.Conn
	reader   *protocol.FrameReader
	outbound chan protocol.ServerMessage

	deps        negotiateDeps
	pending     *tunnel.PendingRegistry
	tcpRegistry *tunnel.TCPRegistry
	tcpServe    TCPServeFunc
	metrics     *metrics.Metrics
	logger      logrus.FieldLogger

	st  state
	tun *tunnel.Tunnel
}

// NewConnection builds a Connection ready to Run. conn must already
// have completed its TLS handshake.
func NewConnection(
	conn net.Conn,
	router *tunnel.Router,
	ports *tunnel.PortAllocator,
	pending *tunnel.PendingRegistry,
	tcpRegistry *tunnel.TCPRegistry,
	dns dnsprovider.Provider,
	baseDomain string,
	tcpServe TCPServeFunc,
	m *metrics.Metrics,
	logger logrus.FieldLogger,
) *Connection {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Connection{
		conn:     conn,
		reader:   protocol.NewFrameReader(conn),
		outbound: make(chan protocol.ServerMessage, outboundBuffer),
		deps: negotiateDeps{
			router:     router,
			ports:      ports,
			dns:        dns,
			baseDomain: baseDomain,
		},
		pending:     pending,
		tcpRegistry: tcpRegistry,
		tcpServe:    tcpServe,
		metrics:     m,
		logger:      logger,
		st:          stateAwaitRequest,
	}
}

// SendOutbound attempts to enqueue msg on ch. It recovers from a send
// on a closed channel and reports ok=false in that case, so a send to
// a tunnel that has already gone away is reported to the caller
// instead of panicking on Go's channel-close semantics.
func SendOutbound(ch chan<- protocol.ServerMessage, msg protocol.ServerMessage) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	ch <- msg
	return true
}

// clientIdentity derives a stable-for-the-connection id from the
// peer's leaf certificate, or a fresh opaque id if none was
// presented. The hash is intentionally non-cryptographic: it is a
// log/metrics label, not a security boundary (mTLS verification is).
func clientIdentity(conn net.Conn) string {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return "unknown-" + uuid.NewString()
	}
	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return "unknown-" + uuid.NewString()
	}
	h := fnv.New64a()
	h.Write(certs[0].Raw)
	return fmt.Sprintf("client-%x", h.Sum64())
}

// Run drives the connection through negotiation, the established
// phase, and teardown. It blocks until the connection ends and always
// closes conn before returning.
func (c *Connection) Run(ctx context.Context) {
	defer c.conn.Close()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	identity := clientIdentity(c.conn)
	logger := c.logger.WithField("client", identity)

	defer func() {
		close(c.outbound)
		<-writerDone
		c.st = stateClosed
	}()

	payload, err := c.reader.ReadFrame()
	if err != nil {
		logger.WithError(err).Debug("connection closed before request-tunnel")
		return
	}
	msg, err := protocol.DecodeClientMessage(payload)
	if err != nil {
		logger.WithError(err).Warn("malformed first frame")
		return
	}
	req, ok := msg.(protocol.RequestTunnel)
	if !ok {
		logger.Warn("first message was not request_tunnel; closing")
		return
	}

	c.st = stateNegotiating
	result, denialErr, err := negotiateTunnel(ctx, c.deps, identity, req, c.outbound)
	if err != nil {
		logger.WithError(err).Error("negotiation failed")
		return
	}
	if denialErr != nil {
		logger.WithField("reason", denialErr.Reason).Info("tunnel denied")
		SendOutbound(c.outbound, protocol.TunnelDenied{Reason: denialErr.Reason})
		return
	}

	c.tun = &result.tun
	c.st = stateEstablished
	logger = logger.WithField("subdomain", c.tun.Subdomain)
	logger.Info("tunnel established")
	if c.metrics != nil {
		c.metrics.ActiveTunnels.WithLabelValues(string(c.tun.Kind)).Inc()
		defer c.metrics.ActiveTunnels.WithLabelValues(string(c.tun.Kind)).Dec()
	}
	SendOutbound(c.outbound, result.reply)

	var tcpCancel context.CancelFunc
	if c.tun.Kind == protocol.KindTCP && c.tcpServe != nil {
		var tcpCtx context.Context
		tcpCtx, tcpCancel = context.WithCancel(ctx)
		port := *c.tun.TCPPort
		go func() {
			if err := c.tcpServe(tcpCtx, port, c.outbound); err != nil && tcpCtx.Err() == nil {
				logger.WithError(err).Warn("tcp ingress listener stopped")
			}
		}()
	}

	c.dispatchLoop(logger)

	c.st = stateDraining
	if tcpCancel != nil {
		// Cancellation tells the tunnel's TCP ingress listener to stop
		// accepting and to close out every stream it owns; it is
		// responsible for its own registry cleanup since it is the
		// only component that knows which stream ids it minted.
		tcpCancel()
	}
	// Every HTTP request still awaiting a response on this tunnel
	// resolves via the closed-sink path to a disconnected-tunnel
	// response. CloseSubdomain matches entries by subdomain name alone,
	// so it runs before teardownTunnel unregisters the subdomain: once
	// the name is free, a new tunnel may register it and insert pending
	// requests of its own.
	c.pending.CloseSubdomain(c.tun.Subdomain)
	if err := teardownTunnel(ctx, c.deps, *c.tun); err != nil {
		logger.WithError(err).Warn("dns record cleanup failed")
	}
}

// dispatchLoop implements the established-phase message dispatch
// table: HttpResponse resolves a pending sink, TcpData/TcpClose drive
// the TCP registry, Ping is answered with Pong. It returns on read
// error, decode error, or EOF — all of which are fatal to the
// connection.
func (c *Connection) dispatchLoop(logger logrus.FieldLogger) {
	for {
		payload, err := c.reader.ReadFrame()
		if err != nil {
			if err != io.EOF {
				logger.WithError(err).Debug("read loop ended")
			}
			return
		}
		msg, err := protocol.DecodeClientMessage(payload)
		if err != nil {
			logger.WithError(err).Warn("dropping connection on malformed frame")
			return
		}
		switch m := msg.(type) {
		case protocol.HTTPResponse:
			if !c.pending.Resolve(m.StreamID, tunnel.HTTPResult{Status: m.Status, Headers: m.Headers, Body: m.Body}) {
				logger.WithField("stream_id", m.StreamID).Debug("dropping http_response for expired request")
			}
		case protocol.TCPData:
			if sink, ok := c.tcpRegistry.WriterFor(m.StreamID); ok {
				sink <- m.Data
			} else {
				logger.WithField("stream_id", m.StreamID).Debug("dropping tcp_data for unknown stream")
			}
		case protocol.TCPClose:
			if sink, ok := c.tcpRegistry.Remove(m.StreamID); ok {
				close(sink)
			}
		case protocol.Ping:
			SendOutbound(c.outbound, protocol.Pong{Timestamp: m.Timestamp})
		default:
			logger.Warnf("unexpected message type %T in established phase", m)
			return
		}
	}
}

func (c *Connection) writeLoop() {
	for msg := range c.outbound {
		payload, err := protocol.EncodeServerMessage(msg)
		if err != nil {
			c.logger.WithError(err).Error("failed to encode outbound message")
			continue
		}
		if err := protocol.WriteFrame(c.conn, payload); err != nil {
			c.logger.WithError(err).Debug("write failed, closing connection")
			c.conn.Close()
			return
		}
	}
}
