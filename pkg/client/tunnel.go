package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ductlabs/duct/internal/protocol"
	"github.com/gravitational/trace"
)

// Tunnel represents an active tunnel to the duct relay. A Tunnel owns
// its own control connection independent of other tunnels on the same
// Agent: the wire protocol is one mTLS connection per tunnel.
type Tunnel struct {
	agent  *Agent
	config *TunnelConfig

	mu        sync.RWMutex
	conn      *transport
	subdomain string
	url       string
	tcpPort   *uint16

	outbound chan protocol.ClientMessage

	localStreams   map[uint64]chan []byte
	localStreamsMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	denied atomic.Bool
}

func newTunnel(ctx context.Context, agent *Agent, config *TunnelConfig) *Tunnel {
	tunnelCtx, cancel := context.WithCancel(ctx)
	return &Tunnel{
		agent:        agent,
		config:       config,
		ctx:          tunnelCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
		localStreams: make(map[uint64]chan []byte),
	}
}

// URL returns the address assigned by the server: an https:// URL for
// HTTP tunnels, or the bare <subdomain>.<base domain> host name for TCP
// tunnels (the port is reported by TCPPort).
func (t *Tunnel) URL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.url
}

// Subdomain returns the subdomain assigned (or requested) for this
// tunnel.
func (t *Tunnel) Subdomain() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.subdomain
}

// TCPPort returns the allocated remote port for a TCP tunnel, or nil
// for an HTTP tunnel.
func (t *Tunnel) TCPPort() *uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tcpPort
}

// Done returns a channel closed when the tunnel is no longer running.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// Close tears down the tunnel and stops any reconnection attempts.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.cancel()
		<-t.done
	})
	return nil
}

// runFromExisting drives the tunnel for its entire lifetime: dispatch
// frames until the connection drops, then dial, register and retry on a fixed
// backoff until the tunnel is closed or the server denies the
// request. The first connection is dialed synchronously by
// Agent.start before runFromExisting is launched, so a TunnelDenied
// surfaces as an error from Forward rather than a silently dead
// Tunnel.
func (t *Tunnel) runFromExisting(ctx context.Context, conn *transport) {
	defer close(t.done)

	retry := backoff.WithContext(backoff.NewConstantBackOff(ReconnectBackoff), t.ctx)

	err := t.serve(t.ctx, conn)
	for {
		if t.closed.Load() || t.denied.Load() || t.ctx.Err() != nil {
			return
		}
		if err != nil {
			t.agent.config.Logger.Error("tunnel connection lost, will retry", "error", err)
		}

		d := retry.NextBackOff()
		if d == backoff.Stop {
			return
		}
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(d):
		}

		newConn, established, cerr := t.connectAndRegister(t.ctx)
		if cerr != nil {
			if _, ok := cerr.(*deniedError); ok {
				t.denied.Store(true)
				t.agent.config.Logger.Error("tunnel request denied", "reason", cerr.Error())
				return
			}
			err = cerr
			continue
		}

		t.mu.Lock()
		t.conn = newConn
		t.subdomain = established.Subdomain
		t.url = established.URL
		t.tcpPort = established.Port
		t.mu.Unlock()
		t.agent.config.Logger.Info("tunnel reconnected", "url", t.url, "subdomain", t.subdomain)

		err = t.serve(t.ctx, newConn)
	}
}

// serve runs the writer, ping, and dispatch loops over an established
// connection until it ends, returning the error that ended it (or nil
// on clean shutdown).
func (t *Tunnel) serve(ctx context.Context, conn *transport) error {
	t.outbound = make(chan protocol.ClientMessage, 64)
	defer conn.Close()

	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		t.writeLoop(conn)
	}()
	go func() {
		defer wg.Done()
		t.pingLoop(dispatchCtx)
	}()
	go func() {
		// conn.recv() does not observe ctx; closing the connection is
		// what unblocks dispatchLoop on external cancellation (e.g.
		// Tunnel.Close).
		defer wg.Done()
		<-dispatchCtx.Done()
		conn.Close()
	}()

	err := t.dispatchLoop(dispatchCtx, conn)
	cancel()
	close(t.outbound)
	wg.Wait()
	return err
}

type deniedError struct{ reason string }

func (e *deniedError) Error() string { return e.reason }

// connectAndRegister dials a fresh control connection and negotiates
// the tunnel, returning the established transport and server reply.
func (t *Tunnel) connectAndRegister(ctx context.Context) (*transport, *protocol.TunnelEstablished, error) {
	tlsConfig, err := buildClientTLSConfig(t.agent.config)
	if err != nil {
		return nil, nil, trace.Wrap(err, "build tls config")
	}

	dialCtx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()
	conn, err := dial(dialCtx, t.agent.config.ServerAddr, tlsConfig)
	if err != nil {
		return nil, nil, trace.Wrap(err, "dial relay")
	}

	req := protocol.RequestTunnel{
		Subdomain: t.config.Subdomain,
		Kind:      t.config.Kind,
		LocalPort: t.config.LocalPort(),
	}
	if err := conn.send(req); err != nil {
		conn.Close()
		return nil, nil, trace.Wrap(err, "send request_tunnel")
	}

	msgCh := make(chan protocol.ServerMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		msg, err := conn.recv()
		if err != nil {
			errCh <- err
			return
		}
		msgCh <- msg
	}()

	select {
	case <-time.After(DefaultRegisterTimeout):
		conn.Close()
		return nil, nil, trace.ConnectionProblem(nil, "timed out waiting for tunnel_established")
	case err := <-errCh:
		conn.Close()
		return nil, nil, trace.Wrap(err, "read registration response")
	case msg := <-msgCh:
		switch m := msg.(type) {
		case protocol.TunnelEstablished:
			return conn, &m, nil
		case protocol.TunnelDenied:
			conn.Close()
			return nil, nil, &deniedError{reason: m.Reason}
		default:
			conn.Close()
			return nil, nil, trace.BadParameter("unexpected response %T during registration", msg)
		}
	}
}

func (t *Tunnel) writeLoop(conn *transport) {
	for msg := range t.outbound {
		if err := conn.send(msg); err != nil {
			t.agent.config.Logger.Error("write to relay failed", "error", err)
			return
		}
	}
}

func (t *Tunnel) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(DefaultPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.sendOutbound(protocol.Ping{Timestamp: uint64(now.UnixMilli())})
		}
	}
}

// dispatchLoop reads server frames until the connection ends,
// dispatching each to its handler.
func (t *Tunnel) dispatchLoop(ctx context.Context, conn *transport) error {
	for {
		msg, err := conn.recv()
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case protocol.HTTPRequest:
			go t.handleHTTPRequest(ctx, m)
		case protocol.TCPConnect:
			go t.handleTCPConnect(ctx, m)
		case protocol.TCPData:
			t.routeLocalData(m)
		case protocol.TCPClose:
			t.closeLocalStream(m.StreamID)
		case protocol.Pong:
			// liveness confirmed; nothing further to do.
		default:
			t.agent.config.Logger.Debug("unexpected server message", "type", fmt.Sprintf("%T", msg))
		}
	}
}

// sendOutbound queues msg for the writer goroutine. It is safe to call
// concurrently; if the outbound channel is already closed (connection
// tearing down) the send is silently dropped.
func (t *Tunnel) sendOutbound(msg protocol.ClientMessage) {
	defer func() { recover() }()
	t.outbound <- msg
}
