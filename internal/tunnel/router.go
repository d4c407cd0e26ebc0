package tunnel

import (
	"sync"

	"github.com/ductlabs/duct/internal/protocol"
	"github.com/gravitational/trace"
)

// Handle is the router's weak reference to a registered tunnel: just
// enough to route frames to it and to reverse-map a TCP port back to
// its subdomain. It is a value, not a pointer to the owning
// connection's state, matching the "back references without cycles"
// design: the router never reaches back into the connection that
// registered it.
type Handle struct {
	Subdomain      string
	Kind           protocol.TunnelKind
	ClientIdentity string
	Outbound       chan<- protocol.ServerMessage
	TCPPort        *uint16
}

// Router maps subdomains to outbound-channel senders and TCP ports to
// the subdomain that owns them. All operations are short, lock-held
// critical sections; none may block on I/O or channel sends.
type Router struct {
	mu          sync.RWMutex
	bySubdomain map[string]Handle
	byPort      map[uint16]string
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		bySubdomain: make(map[string]Handle),
		byPort:      make(map[uint16]string),
	}
}

// Register atomically inserts h, failing with trace.AlreadyExists if
// the subdomain is already taken.
func (r *Router) Register(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bySubdomain[h.Subdomain]; ok {
		return trace.AlreadyExists("subdomain %q already in use", h.Subdomain)
	}
	r.bySubdomain[h.Subdomain] = h
	if h.TCPPort != nil {
		r.byPort[*h.TCPPort] = h.Subdomain
	}
	return nil
}

// Unregister removes subdomain and any TCP-port mapping pointing at
// it, returning the removed Handle if one existed.
func (r *Router) Unregister(subdomain string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.bySubdomain[subdomain]
	if !ok {
		return Handle{}, false
	}
	delete(r.bySubdomain, subdomain)
	if h.TCPPort != nil {
		delete(r.byPort, *h.TCPPort)
	}
	return h, true
}

// IsAvailable reports whether subdomain has no registered tunnel.
func (r *Router) IsAvailable(subdomain string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, taken := r.bySubdomain[subdomain]
	return !taken
}

// SenderFor returns the outbound channel registered for subdomain, if
// any. This is the hot path for ingress: cheap, lock-friendly.
func (r *Router) SenderFor(subdomain string) (chan<- protocol.ServerMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.bySubdomain[subdomain]
	if !ok {
		return nil, false
	}
	return h.Outbound, true
}

// SubdomainForPort reverse-maps an allocated TCP port to its owning
// subdomain.
func (r *Router) SubdomainForPort(port uint16) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byPort[port]
	return sub, ok
}

// ListSubdomains returns a snapshot of currently registered
// subdomains, for diagnostics.
func (r *Router) ListSubdomains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySubdomain))
	for sub := range r.bySubdomain {
		out = append(out, sub)
	}
	return out
}
