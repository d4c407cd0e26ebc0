// Package client provides a Go SDK for exposing local services through
// the duct reverse-tunnel relay.
//
// Example usage:
//
//	agent, err := client.NewAgent(
//	    client.WithServerAddr("relay.example.com:4443"),
//	    client.WithClientCertificate(certPEM, keyPEM, caPEM),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	tun, err := agent.Forward(ctx,
//	    client.WithUpstream("http://localhost:8080"),
//	    client.WithSubdomain("myapp"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Println("Tunnel online:", tun.URL())
//	<-tun.Done()
package client

import (
	"context"
	"crypto/tls"
	"sync"

	"github.com/ductlabs/duct/internal/metrics"
	"github.com/ductlabs/duct/internal/protocol"
	"github.com/gravitational/trace"
	"github.com/hashicorp/go-multierror"
)

// Agent manages tunnels to the duct relay.
type Agent struct {
	config  *AgentConfig
	mu      sync.RWMutex
	tunnels map[*Tunnel]struct{}
}

// AgentConfig holds the configuration for an Agent.
type AgentConfig struct {
	// ServerAddr is the address of the duct relay's control port.
	// Format: "host:port" (e.g., "relay.example.com:4443").
	ServerAddr string

	// ClientCertPEM, ClientKeyPEM, ServerCAPEM are the mTLS
	// credentials used to dial the relay, unless TLSConfig overrides
	// them.
	ClientCertPEM string
	ClientKeyPEM  string
	ServerCAPEM   string

	// TLSConfig overrides the mTLS configuration built from the PEM
	// fields above, when set.
	TLSConfig *tls.Config

	// Logger receives debug/info/warn/error output. Defaults to a
	// logrus logger at DUCT_LOG's level.
	Logger Logger

	// Metrics observes stream counts and bytes transferred for every
	// tunnel this agent opens. Nil (the default) skips instrumentation.
	Metrics *metrics.Metrics
}

// AgentOption configures an AgentConfig.
type AgentOption func(*AgentConfig)

// WithServerAddr sets the relay's control-plane address.
func WithServerAddr(addr string) AgentOption {
	return func(c *AgentConfig) {
		c.ServerAddr = addr
	}
}

// WithClientCertificate sets the mTLS client credentials and the CA
// used to verify the relay's server certificate.
func WithClientCertificate(certPEM, keyPEM, caPEM string) AgentOption {
	return func(c *AgentConfig) {
		c.ClientCertPEM = certPEM
		c.ClientKeyPEM = keyPEM
		c.ServerCAPEM = caPEM
	}
}

// WithTLSConfig overrides the mTLS configuration entirely.
func WithTLSConfig(tlsConfig *tls.Config) AgentOption {
	return func(c *AgentConfig) {
		c.TLSConfig = tlsConfig
	}
}

// WithLogger sets a custom logger for the agent.
func WithLogger(logger Logger) AgentOption {
	return func(c *AgentConfig) {
		c.Logger = logger
	}
}

// WithMetrics attaches a Metrics instance that every tunnel opened by
// this agent will report stream and byte counts to.
func WithMetrics(m *metrics.Metrics) AgentOption {
	return func(c *AgentConfig) {
		c.Metrics = m
	}
}

// NewAgent creates a new duct agent with the given options.
func NewAgent(opts ...AgentOption) (*Agent, error) {
	config := &AgentConfig{
		ServerAddr: DefaultServerAddr,
		Logger:     LoggerFromEnv(),
	}
	for _, opt := range opts {
		opt(config)
	}

	if config.ServerAddr == "" {
		return nil, trace.BadParameter("server address is required: use WithServerAddr")
	}
	if config.TLSConfig == nil && (config.ClientCertPEM == "" || config.ClientKeyPEM == "" || config.ServerCAPEM == "") {
		return nil, trace.BadParameter("client mTLS credentials are required: use WithClientCertificate or WithTLSConfig")
	}

	return &Agent{
		config:  config,
		tunnels: make(map[*Tunnel]struct{}),
	}, nil
}

// Forward opens a tunnel to the configured upstream: an HTTP tunnel
// unless WithKind selects TCP. It blocks until the tunnel is established (or denied) and
// returns a running Tunnel that reconnects on its own until closed.
//
// Example:
//
//	tun, err := agent.Forward(ctx,
//	    client.WithKind(protocol.KindHTTP),
//	    client.WithUpstream("http://localhost:8080"),
//	    client.WithSubdomain("myapp"),
//	)
func (a *Agent) Forward(ctx context.Context, opts ...TunnelOption) (*Tunnel, error) {
	config := &TunnelConfig{Kind: protocol.KindHTTP}
	for _, opt := range opts {
		opt(config)
	}
	if err := config.Validate(); err != nil {
		return nil, trace.Wrap(err, "invalid tunnel config")
	}
	return a.start(ctx, config)
}

// ForwardTCP opens a raw-TCP tunnel to the configured upstream.
func (a *Agent) ForwardTCP(ctx context.Context, opts ...TunnelOption) (*Tunnel, error) {
	config := &TunnelConfig{Kind: protocol.KindTCP}
	for _, opt := range opts {
		opt(config)
	}
	if err := config.Validate(); err != nil {
		return nil, trace.Wrap(err, "invalid tunnel config")
	}
	return a.start(ctx, config)
}

func (a *Agent) start(ctx context.Context, config *TunnelConfig) (*Tunnel, error) {
	t := newTunnel(ctx, a, config)

	// The first connection attempt happens synchronously so Forward
	// can report a TunnelDenied as an error instead of a silently
	// dead Tunnel.
	conn, established, err := t.connectAndRegister(ctx)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.conn = conn
	t.subdomain = established.Subdomain
	t.url = established.URL
	t.tcpPort = established.Port
	t.mu.Unlock()
	a.config.Logger.Info("tunnel established", "url", t.url, "subdomain", t.subdomain)

	a.mu.Lock()
	a.tunnels[t] = struct{}{}
	a.mu.Unlock()

	go t.runFromExisting(ctx, conn)
	return t, nil
}

// Close closes every tunnel opened through this agent.
func (a *Agent) Close() error {
	a.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(a.tunnels))
	for t := range a.tunnels {
		tunnels = append(tunnels, t)
	}
	a.tunnels = make(map[*Tunnel]struct{})
	a.mu.Unlock()

	// Each tunnel's Close is independent of the others' outcome; closing
	// one slowly or with an error must not stop the rest from tearing
	// down, so every failure is collected rather than short-circuited.
	var result *multierror.Error
	for _, t := range tunnels {
		if err := t.Close(); err != nil {
			result = multierror.Append(result, trace.Wrap(err, "close tunnel %q", t.Subdomain()))
		}
	}
	return result.ErrorOrNil()
}
