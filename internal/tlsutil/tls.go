// Package tlsutil builds the TLS configurations the control plane
// and HTTP ingress need from already-resolved PEM strings. It is the
// thin interface the core uses in place of a dedicated mTLS library.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/gravitational/trace"
)

// ServerMTLSConfig builds a tls.Config for the control-plane listener:
// it presents certPEM/keyPEM and requires and verifies a client
// certificate against caPEM.
func ServerMTLSConfig(certPEM, keyPEM, caPEM string) (*tls.Config, error) {
	cert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, trace.Wrap(err, "load server key pair")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(caPEM)) {
		return nil, trace.BadParameter("failed to parse client CA certificate")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientMTLSConfig builds a tls.Config for the client's control-plane
// dial: it presents certPEM/keyPEM and verifies the server against
// caPEM.
func ClientMTLSConfig(certPEM, keyPEM, caPEM string) (*tls.Config, error) {
	cert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, trace.Wrap(err, "load client key pair")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(caPEM)) {
		return nil, trace.BadParameter("failed to parse server CA certificate")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ServerHTTPConfig builds an optional TLS config for the public HTTP
// ingress listener: it presents certPEM/keyPEM with no client
// certificate requirement. Returns nil, nil if both are empty,
// signaling the ingress plane should serve cleartext (the upstream
// CDN terminates public TLS in that deployment).
func ServerHTTPConfig(certPEM, keyPEM string) (*tls.Config, error) {
	if certPEM == "" && keyPEM == "" {
		return nil, nil
	}
	cert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, trace.Wrap(err, "load http ingress key pair")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
