package controlplane

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/ductlabs/duct/internal/dnsprovider"
	"github.com/ductlabs/duct/internal/metrics"
	"github.com/ductlabs/duct/internal/tunnel"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultAcceptRate is the maximum number of new control-plane
// connections accepted per second, absent an explicit rate passed to
// NewServer. The limiter's burst is one more than the rate, so a cold
// start presenting many clients at once isn't immediately throttled.
const DefaultAcceptRate rate.Limit = 50

// Server accepts mutually-authenticated control-plane connections and
// runs one Connection per accepted client.
type Server struct {
	listener    net.Listener
	router      *tunnel.Router
	ports       *tunnel.PortAllocator
	pending     *tunnel.PendingRegistry
	tcpRegistry *tunnel.TCPRegistry
	dns         dnsprovider.Provider
	baseDomain  string
	tcpServe    TCPServeFunc
	metrics     *metrics.Metrics
	logger      logrus.FieldLogger
	limiter     *rate.Limiter
}

// NewServer wraps an already-listening net.Listener (expected to be a
// tls.Listener built with a ServerMTLSConfig) with the broker's
// control-plane accept loop. acceptRate gates how many new connections
// per second the server will hand off to a TLS handshake; zero uses
// DefaultAcceptRate. A client that arrives over the limit has its raw
// connection closed before any TLS or protocol work is spent on it.
func NewServer(
	listener net.Listener,
	router *tunnel.Router,
	ports *tunnel.PortAllocator,
	pending *tunnel.PendingRegistry,
	tcpRegistry *tunnel.TCPRegistry,
	dns dnsprovider.Provider,
	baseDomain string,
	tcpServe TCPServeFunc,
	m *metrics.Metrics,
	logger logrus.FieldLogger,
	acceptRate rate.Limit,
) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if acceptRate <= 0 {
		acceptRate = DefaultAcceptRate
	}
	return &Server{
		listener:    listener,
		router:      router,
		ports:       ports,
		pending:     pending,
		tcpRegistry: tcpRegistry,
		dns:         dns,
		baseDomain:  baseDomain,
		tcpServe:    tcpServe,
		metrics:     m,
		logger:      logger,
		limiter:     rate.NewLimiter(acceptRate, int(acceptRate)+1),
	}
}

// Serve accepts connections until ctx is canceled or the listener
// returns a fatal error. Each accepted connection completes its TLS
// handshake and runs independently under an errgroup so one faulted
// client cannot destabilize the others.
func (s *Server) Serve(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		return s.listener.Close()
	})

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return trace.Wrap(err, "control-plane accept")
		}
		if !s.limiter.Allow() {
			s.logger.Debug("control-plane accept rate exceeded, dropping connection")
			conn.Close()
			continue
		}
		group.Go(func() error {
			s.handle(ctx, conn)
			return nil
		})
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			s.logger.WithError(err).Debug("tls handshake failed")
			conn.Close()
			return
		}
	}
	c := NewConnection(conn, s.router, s.ports, s.pending, s.tcpRegistry, s.dns, s.baseDomain, s.tcpServe, s.metrics, s.logger)
	c.Run(ctx)
}
