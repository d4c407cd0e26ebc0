// Package tunnel implements the router, allocators, and registries
// that make up the broker's stream multiplexer: the subdomain and
// TCP-port maps, the monotonic stream-id generator, the pending-HTTP-
// response registry, and the live-TCP-connection registry.
package tunnel

import "github.com/ductlabs/duct/internal/protocol"

// Tunnel is one active client<->server session, owned exclusively by
// its control-plane connection task. The router holds only a Handle
// (a clone of the outbound sender) sufficient to enqueue frames; it
// never reaches back into this struct.
type Tunnel struct {
	Subdomain      string
	Kind           protocol.TunnelKind
	ClientIdentity string
	TCPPort        *uint16
	DNSHandle      string // opaque token from the DNS provider; empty if none was created
}
