package client

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/ductlabs/duct/internal/protocol"
	"github.com/ductlabs/duct/internal/tlsutil"
	"github.com/gravitational/trace"
)

// transport is the single mTLS control connection to the relay,
// wrapped with the frame codec. A single connection carries every
// multiplexed stream as framed messages; there is no separate
// per-stream transport.
type transport struct {
	conn   net.Conn
	reader *protocol.FrameReader
}

// dial opens the mTLS control connection to addr.
func dial(ctx context.Context, addr string, tlsConfig *tls.Config) (*transport, error) {
	dialer := &tls.Dialer{Config: tlsConfig}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, trace.Wrap(err, "dial %s", addr)
	}
	return &transport{conn: conn, reader: protocol.NewFrameReader(conn)}, nil
}

func buildClientTLSConfig(config *AgentConfig) (*tls.Config, error) {
	if config.TLSConfig != nil {
		return config.TLSConfig, nil
	}
	return tlsutil.ClientMTLSConfig(config.ClientCertPEM, config.ClientKeyPEM, config.ServerCAPEM)
}

func (t *transport) send(msg protocol.ClientMessage) error {
	payload, err := protocol.EncodeClientMessage(msg)
	if err != nil {
		return trace.Wrap(err, "encode message")
	}
	return protocol.WriteFrame(t.conn, payload)
}

func (t *transport) recv() (protocol.ServerMessage, error) {
	payload, err := t.reader.ReadFrame()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeServerMessage(payload)
}

func (t *transport) Close() error {
	return t.conn.Close()
}
