package client

import (
	"errors"
	"net/url"
	"strings"

	"github.com/ductlabs/duct/internal/protocol"
)

// TunnelConfig holds the configuration for a single tunnel requested
// over the control connection.
type TunnelConfig struct {
	// Kind is the tunnel kind: HTTP or TCP.
	Kind protocol.TunnelKind

	// Upstream is the local address to forward traffic to.
	// Format: "http://localhost:8080" or "localhost:8080".
	Upstream string

	// Subdomain is the subdomain to request, for HTTP and TCP tunnels
	// alike. Empty means the server synthesizes one.
	Subdomain string

	// URL is the full URL passed to WithURL. WithURL writes the Kind
	// and Subdomain it derives from it when the option is applied; a
	// later WithKind or WithSubdomain overrides them.
	URL string

	// Metadata contains optional key-value pairs for this tunnel.
	// Carried client-side only; the wire protocol has no metadata
	// field.
	Metadata map[string]string
}

// TunnelOption configures a TunnelConfig.
type TunnelOption func(*TunnelConfig)

// WithUpstream sets the local address to forward traffic to.
func WithUpstream(addr string) TunnelOption {
	return func(c *TunnelConfig) {
		c.Upstream = addr
	}
}

// WithKind sets the tunnel kind.
func WithKind(kind protocol.TunnelKind) TunnelOption {
	return func(c *TunnelConfig) {
		c.Kind = kind
	}
}

// WithSubdomain sets the subdomain to request.
func WithSubdomain(subdomain string) TunnelOption {
	return func(c *TunnelConfig) {
		c.Subdomain = subdomain
	}
}

// WithURL sets a full URL to request, deriving Kind and Subdomain
// from it. Example: "https://myapp.duct.example.com".
func WithURL(urlStr string) TunnelOption {
	return func(c *TunnelConfig) {
		c.URL = urlStr

		u, err := url.Parse(urlStr)
		if err != nil {
			return
		}
		switch u.Scheme {
		case "http", "https":
			c.Kind = protocol.KindHTTP
		case "tcp":
			c.Kind = protocol.KindTCP
		}

		parts := strings.Split(u.Hostname(), ".")
		if len(parts) > 2 {
			c.Subdomain = parts[0]
		}
	}
}

// WithTunnelMetadata sets metadata for this specific tunnel.
func WithTunnelMetadata(metadata map[string]string) TunnelOption {
	return func(c *TunnelConfig) {
		c.Metadata = metadata
	}
}

// Validate checks if the tunnel configuration is valid.
func (c *TunnelConfig) Validate() error {
	switch c.Kind {
	case protocol.KindHTTP, protocol.KindTCP:
	case "":
		return errors.New("tunnel kind is required")
	default:
		return errors.New("unknown tunnel kind: " + string(c.Kind))
	}
	if c.Upstream == "" {
		return errors.New("upstream address is required")
	}
	return nil
}

// LocalHost returns the host portion of the upstream address.
func (c *TunnelConfig) LocalHost() string {
	host, _ := splitUpstream(c.Upstream)
	if host == "" {
		return "localhost"
	}
	return host
}

// LocalPort returns the port portion of the upstream address.
func (c *TunnelConfig) LocalPort() uint16 {
	_, port := splitUpstream(c.Upstream)
	return port
}

// LocalAddr returns the host:port to dial for each forwarded stream.
func (c *TunnelConfig) LocalAddr() string {
	host, port := splitUpstream(c.Upstream)
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = 80
	}
	return host + ":" + portString(port)
}

func splitUpstream(upstream string) (string, uint16) {
	if upstream == "" {
		return "", 0
	}
	addr := upstream
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", 0
	}
	host := u.Hostname()
	portStr := u.Port()
	if portStr == "" {
		if u.Scheme == "https" {
			return host, 443
		}
		return host, 80
	}
	var p uint16
	for _, ch := range portStr {
		if ch < '0' || ch > '9' {
			return host, 0
		}
		p = p*10 + uint16(ch-'0')
	}
	return host, p
}

func portString(p uint16) string {
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = byte('0' + p%10)
		p /= 10
	}
	return string(buf[i:])
}
