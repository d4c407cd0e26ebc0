package config

import "github.com/ductlabs/duct/internal/protocol"

// Client is the fully-resolved configuration for cmd/duct-client (and
// for pkg/client.Agent callers that build their own config by hand).
type Client struct {
	ServerAddr string // host:port of the control-plane listener

	ClientCertPEM string
	ClientKeyPEM  string
	ServerCAPEM   string

	Subdomain  string // optional; empty asks the server to synthesize one
	LocalAddr  string // host:port of the local service to forward to
	TunnelKind protocol.TunnelKind
}
