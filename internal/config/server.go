// Package config holds the already-resolved server and client
// configuration structs the core consumes. Turning flags, env vars,
// or a config file into these structs is a cmd/ concern; file parsing
// itself is out of scope here.
package config

// Server is the fully-resolved configuration for cmd/duct-server.
// Certificate and key fields hold PEM text, not file paths — the
// caller has already run them through internal/secrets.
type Server struct {
	ControlPort int    // default 4443
	HTTPPort    int    // default 8080
	BaseDomain  string // required

	ServerCertPEM string
	ServerKeyPEM  string
	ClientCAPEM   string

	// HTTPIngressCertPEM/KeyPEM optionally wrap the public HTTP
	// listener in TLS. Both empty means cleartext HTTP ingress.
	HTTPIngressCertPEM string
	HTTPIngressKeyPEM  string

	TCPPortLow  uint16 // default 30000
	TCPPortHigh uint16 // default 40000

	MetricsAddr string // empty disables the metrics listener
}

// DefaultServer returns a Server with its documented default ports
// and port range; BaseDomain and the certificate/key fields must
// still be supplied by the caller.
func DefaultServer() Server {
	return Server{
		ControlPort: 4443,
		HTTPPort:    8080,
		TCPPortLow:  30000,
		TCPPortHigh: 40000,
	}
}
