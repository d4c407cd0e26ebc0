package controlplane

import (
	"context"
	"fmt"

	"github.com/ductlabs/duct/internal/dnsprovider"
	"github.com/ductlabs/duct/internal/protocol"
	"github.com/ductlabs/duct/internal/subdomain"
	"github.com/ductlabs/duct/internal/tunnel"
	"github.com/gravitational/trace"
)

// DenialError is the normal-path rejection of a RequestTunnel: one of
// these maps directly to a TunnelDenied{reason} reply, never to a
// connection-fatal error.
type DenialError struct {
	Reason string
}

func (e *DenialError) Error() string { return e.Reason }

func denied(format string, args ...interface{}) *DenialError {
	return &DenialError{Reason: fmt.Sprintf(format, args...)}
}

// negotiateDeps bundles the shared router/allocator/DNS state the
// negotiation steps consult. NewConnection builds one per connection
// from the shared state Server passes in.
type negotiateDeps struct {
	router     *tunnel.Router
	ports      *tunnel.PortAllocator
	dns        dnsprovider.Provider
	baseDomain string
}

// negotiateResult is the outcome of a successful negotiation: the
// tunnel now owned by the caller's connection task, the router handle
// already registered, and the reply to send back.
type negotiateResult struct {
	tun   tunnel.Tunnel
	reply protocol.TunnelEstablished
}

// negotiateTunnel validates req and allocates everything a tunnel
// needs: a subdomain, a TCP port (if applicable), and a DNS record.
// On success it has already allocated a port (if TCP), created a
// DNS record, and registered the tunnel in the router — the caller
// need only keep the result and, later, hand its tunnel to
// teardownTunnel. On denial (a *DenialError) nothing
// has been left allocated or registered. On infra error the caller
// should close the connection without a TunnelDenied reply only if a
// reply truly cannot be formed; in practice every failure here is
// representable as a DenialError.
func negotiateTunnel(ctx context.Context, deps negotiateDeps, clientIdentity string, req protocol.RequestTunnel, outbound chan<- protocol.ServerMessage) (*negotiateResult, *DenialError, error) {
	if req.Kind != protocol.KindHTTP && req.Kind != protocol.KindTCP {
		return nil, denied("Invalid tunnel kind"), nil
	}

	// Step 1: synthesize a subdomain if the client didn't request one.
	sub := req.Subdomain
	if sub == "" {
		sub = subdomain.Synthesize()
	} else {
		sub = subdomain.Fold(sub)
	}

	// Step 2: validate.
	if err := subdomain.Validate(sub); err != nil {
		return nil, denied("Invalid subdomain format"), nil
	}

	// Step 3: availability check (an early, non-atomic reject; the
	// atomic check-and-insert happens at Register below).
	if !deps.router.IsAvailable(sub) {
		return nil, denied("Subdomain already in use"), nil
	}

	var tcpPort *uint16
	var dnsHandle string

	// Step 4: allocate a port for TCP tunnels.
	if req.Kind == protocol.KindTCP {
		port, err := deps.ports.Allocate()
		if err != nil {
			return nil, denied("No TCP ports available"), nil
		}
		tcpPort = &port
	}

	releasePort := func() {
		if tcpPort != nil {
			deps.ports.Release(*tcpPort)
		}
	}

	// Step 5: ask the DNS provider to publish the record. HTTP tunnels
	// proxy through the CDN; TCP tunnels do not.
	if deps.dns != nil {
		handle, err := deps.dns.CreateRecord(ctx, sub, req.Kind == protocol.KindHTTP)
		if err != nil {
			releasePort()
			return nil, denied("Failed to publish DNS record: %s", err.Error()), nil
		}
		dnsHandle = handle
	}

	// Step 6: register in the router; undo DNS and port allocation on
	// failure (a race lost to a concurrent RequestTunnel for the same
	// subdomain between steps 3 and 6).
	handle := tunnel.Handle{
		Subdomain:      sub,
		Kind:           req.Kind,
		ClientIdentity: clientIdentity,
		Outbound:       outbound,
		TCPPort:        tcpPort,
	}
	if err := deps.router.Register(handle); err != nil {
		if deps.dns != nil && dnsHandle != "" {
			_ = deps.dns.DeleteRecord(ctx, dnsHandle)
		}
		releasePort()
		return nil, denied("Subdomain already in use"), nil
	}

	// Step 7: build the reply.
	var url string
	if req.Kind == protocol.KindHTTP {
		url = fmt.Sprintf("https://%s.%s", sub, deps.baseDomain)
	} else {
		url = fmt.Sprintf("%s.%s", sub, deps.baseDomain)
	}

	result := &negotiateResult{
		tun: tunnel.Tunnel{
			Subdomain:      sub,
			Kind:           req.Kind,
			ClientIdentity: clientIdentity,
			TCPPort:        tcpPort,
			DNSHandle:      dnsHandle,
		},
		reply: protocol.TunnelEstablished{
			Subdomain: sub,
			URL:       url,
			Port:      tcpPort,
		},
	}
	return result, nil, nil
}

// teardownTunnel reverses negotiateTunnel's side effects as a flat
// sequence: unregister, release the port, delete the DNS record
// (best-effort). Only the DNS deletion can fail; its error is wrapped
// and returned, never fatal to the caller's own shutdown.
func teardownTunnel(ctx context.Context, deps negotiateDeps, tun tunnel.Tunnel) error {
	deps.router.Unregister(tun.Subdomain)
	if tun.TCPPort != nil {
		deps.ports.Release(*tun.TCPPort)
	}
	if deps.dns != nil && tun.DNSHandle != "" {
		if err := deps.dns.DeleteRecord(ctx, tun.DNSHandle); err != nil {
			return trace.Wrap(err, "delete dns record for %q", tun.Subdomain)
		}
	}
	return nil
}
