// Package protocol defines the closed set of control-plane messages
// exchanged between a duct client and server, and the length-prefixed
// JSON codec that frames them on the wire.
package protocol

// TunnelKind distinguishes an HTTP tunnel from a raw-TCP tunnel.
type TunnelKind string

const (
	KindHTTP TunnelKind = "http"
	KindTCP  TunnelKind = "tcp"
)

// Header is a single HTTP header name/value pair. Using a slice of
// pairs rather than map[string][]string preserves wire order and
// allows repeated header names without special-casing.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Message type discriminators, lowercase snake_case per the wire
// contract. These are the only values ever seen in a frame's "type"
// field.
const (
	TypeRequestTunnel    = "request_tunnel"
	TypeHTTPResponse     = "http_response"
	TypeTCPData          = "tcp_data"
	TypeTCPClose         = "tcp_close"
	TypePing             = "ping"
	TypeTunnelEstablished = "tunnel_established"
	TypeTunnelDenied     = "tunnel_denied"
	TypeHTTPRequest      = "http_request"
	TypeTCPConnect       = "tcp_connect"
	TypePong             = "pong"
)

// envelope is the wire shape every frame shares: a type tag plus the
// variant's own fields flattened alongside it.
type envelope struct {
	Type string `json:"type"`
}

// --- Client -> Server -------------------------------------------------

// RequestTunnel is the mandatory first message a client sends after
// the transport handshake completes.
type RequestTunnel struct {
	Subdomain string     `json:"subdomain,omitempty"`
	Kind      TunnelKind `json:"kind"`
	LocalPort uint16     `json:"local_port"`
}

// HTTPResponse carries a client's buffered reply to a prior
// HttpRequest, correlated by StreamID.
type HTTPResponse struct {
	StreamID uint64   `json:"stream_id"`
	Status   uint16   `json:"status"`
	Headers  []Header `json:"headers"`
	Body     []byte   `json:"body"`
}

// TCPData carries a chunk of bytes for an established TCP stream, in
// either direction.
type TCPData struct {
	StreamID uint64 `json:"stream_id"`
	Data     []byte `json:"data"`
}

// TCPClose signals that one side of a TCP stream has closed.
type TCPClose struct {
	StreamID uint64 `json:"stream_id"`
}

// Ping is a liveness probe; the peer must reply with a Pong carrying
// the same timestamp.
type Ping struct {
	Timestamp uint64 `json:"timestamp"`
}

// --- Server -> Client -------------------------------------------------

// TunnelEstablished confirms a successful negotiation. Port is nil
// (absent) for HTTP tunnels.
type TunnelEstablished struct {
	Subdomain string  `json:"subdomain"`
	URL       string  `json:"url"`
	Port      *uint16 `json:"port,omitempty"`
}

// TunnelDenied rejects a RequestTunnel with a human-readable reason.
// It is terminal: no further messages follow on this connection.
type TunnelDenied struct {
	Reason string `json:"reason"`
}

// HTTPRequest is a reissued external HTTP request the client must
// forward to its local service.
type HTTPRequest struct {
	StreamID uint64   `json:"stream_id"`
	Method   string   `json:"method"`
	URI      string   `json:"uri"`
	Headers  []Header `json:"headers"`
	Body     []byte   `json:"body"`
}

// TCPConnect instructs the client to open a new local TCP connection
// for the given stream.
type TCPConnect struct {
	StreamID uint64 `json:"stream_id"`
}

// Pong answers a Ping, echoing its timestamp.
type Pong struct {
	Timestamp uint64 `json:"timestamp"`
}
