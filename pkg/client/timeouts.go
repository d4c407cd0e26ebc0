package client

import "time"

// Timeout, keepalive, and reconnect constants.
const (
	// DefaultConnectTimeout bounds the initial mTLS dial.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultRegisterTimeout bounds how long the client waits for
	// TunnelEstablished/TunnelDenied after sending RequestTunnel.
	DefaultRegisterTimeout = 5 * time.Second

	// DefaultPingInterval is the interval between client-sent Ping
	// messages.
	DefaultPingInterval = 15 * time.Second

	// DefaultPingTimeout is the timeout waiting for a Pong.
	DefaultPingTimeout = 5 * time.Second

	// ReconnectBackoff is the fixed reconnect delay: on transport loss
	// the client waits this long and retries forever until a shutdown
	// signal.
	ReconnectBackoff = 5 * time.Second

	// LocalDialTimeout bounds opening a local TCP connection or
	// issuing a local HTTP call in response to a server frame.
	LocalDialTimeout = 10 * time.Second
)
