package ingress

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/ductlabs/duct/internal/controlplane"
	"github.com/ductlabs/duct/internal/metrics"
	"github.com/ductlabs/duct/internal/protocol"
	"github.com/ductlabs/duct/internal/tunnel"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// ReadBufferSize is how much the TCP ingress plane reads from an
// external connection per TcpData frame.
const ReadBufferSize = 8 * 1024

// TCPSinkBuffer bounds how many write buffers may queue for an
// external TCP connection before the control-plane dispatcher's send
// applies backpressure.
const TCPSinkBuffer = 32

// TCPPlane serves one public TCP listener per established TCP tunnel,
// pumping bytes between accepted external connections and
// TcpData/TcpConnect/TcpClose frames on the tunnel's outbound channel.
type TCPPlane struct {
	Registry  *tunnel.TCPRegistry
	StreamIDs *tunnel.StreamIDGenerator
	Logger    logrus.FieldLogger

	// Metrics observes streams opened and bytes transferred; nil skips
	// instrumentation.
	Metrics *metrics.Metrics
}

// NewTCPPlane constructs a TCPPlane. logger may be nil, in which case
// logrus.StandardLogger() is used.
func NewTCPPlane(registry *tunnel.TCPRegistry, streamIDs *tunnel.StreamIDGenerator, logger logrus.FieldLogger) *TCPPlane {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TCPPlane{Registry: registry, StreamIDs: streamIDs, Logger: logger}
}

// Serve implements controlplane.TCPServeFunc: it listens on port until
// ctx is canceled, accepting external connections and pumping each
// one against outbound. Accept errors other than cancellation are
// logged and end the listener.
func (p *TCPPlane) Serve(ctx context.Context, port uint16, outbound chan<- protocol.ServerMessage) error {
	ln, err := p.Listen(ctx, port)
	if err != nil {
		return trace.Wrap(err)
	}
	return p.ServeListener(ctx, ln, outbound)
}

// Listen binds the public TCP ingress listener for port. Split out of
// Serve so tests can bind port 0 (an OS-assigned ephemeral port) and
// discover the real address before driving ServeListener.
func (p *TCPPlane) Listen(ctx context.Context, port uint16) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, trace.Wrap(err, "listen on tcp port %d", port)
	}
	return ln, nil
}

// ServeListener accepts connections from ln until ctx is canceled or
// Accept fails for another reason, pumping each one against outbound.
func (p *TCPPlane) ServeListener(ctx context.Context, ln net.Listener, outbound chan<- protocol.ServerMessage) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.Logger.WithError(err).WithField("addr", ln.Addr().String()).Warn("tcp ingress accept error")
			break
		}
		streamID := p.StreamIDs.Next()
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.handleConn(conn, streamID, outbound)
		}()
	}
	wg.Wait()
	return nil
}

// handleConn registers a write sink, announces TcpConnect, then runs
// a reader (external->tunnel) and writer (tunnel->external) side by
// side until either ends, cleaning up exactly once.
func (p *TCPPlane) handleConn(conn net.Conn, streamID uint64, outbound chan<- protocol.ServerMessage) {
	defer conn.Close()

	sink := make(chan []byte, TCPSinkBuffer)
	p.Registry.Insert(streamID, sink)

	closeStream := func() {
		if _, ok := p.Registry.Remove(streamID); ok {
			close(sink)
			controlplane.SendOutbound(outbound, protocol.TCPClose{StreamID: streamID})
		}
		conn.Close()
	}

	if !controlplane.SendOutbound(outbound, protocol.TCPConnect{StreamID: streamID}) {
		closeStream()
		return
	}
	p.Metrics.StreamOpened("tcp")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for buf := range sink {
			if _, err := conn.Write(buf); err != nil {
				break
			}
			p.Metrics.AddBytes("response", len(buf))
		}
		// Unblocks the reader below whether the sink closed normally
		// (peer-initiated TcpClose) or a local write failed.
		conn.Close()
	}()

	buf := make([]byte, ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if !controlplane.SendOutbound(outbound, protocol.TCPData{StreamID: streamID, Data: data}) {
				break
			}
			p.Metrics.AddBytes("request", n)
		}
		if err != nil {
			break
		}
	}
	closeStream()
	<-writerDone
}
