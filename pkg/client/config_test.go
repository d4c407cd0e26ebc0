package client

import (
	"testing"

	"github.com/ductlabs/duct/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestTunnelConfigLocalAddr(t *testing.T) {
	c := &TunnelConfig{Upstream: "http://localhost:8080"}
	require.Equal(t, "localhost:8080", c.LocalAddr())
	require.Equal(t, "localhost", c.LocalHost())
	require.Equal(t, uint16(8080), c.LocalPort())
}

func TestTunnelConfigLocalAddrNoScheme(t *testing.T) {
	c := &TunnelConfig{Upstream: "127.0.0.1:9000"}
	require.Equal(t, "127.0.0.1:9000", c.LocalAddr())
}

func TestTunnelConfigLocalAddrDefaultPort(t *testing.T) {
	c := &TunnelConfig{Upstream: "https://localhost"}
	require.Equal(t, uint16(443), c.LocalPort())
}

func TestTunnelConfigValidate(t *testing.T) {
	require.Error(t, (&TunnelConfig{}).Validate())
	require.Error(t, (&TunnelConfig{Kind: protocol.KindHTTP}).Validate())
	require.NoError(t, (&TunnelConfig{Kind: protocol.KindHTTP, Upstream: "localhost:8080"}).Validate())
}

func TestWithURLDerivesKindAndSubdomain(t *testing.T) {
	c := &TunnelConfig{}
	WithURL("https://myapp.duct.example.com")(c)
	require.Equal(t, protocol.KindHTTP, c.Kind)
	require.Equal(t, "myapp", c.Subdomain)
}

func TestWithURLTCPScheme(t *testing.T) {
	c := &TunnelConfig{}
	WithURL("tcp://gateway.duct.example.com")(c)
	require.Equal(t, protocol.KindTCP, c.Kind)
}
