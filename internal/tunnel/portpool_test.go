package tunnel

import (
	"testing"

	"github.com/ductlabs/duct/internal/metrics"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPortAllocatorLowestFreeFirst(t *testing.T) {
	p := NewPortAllocator(30000, 30002)

	a, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint16(30000), a)

	b, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint16(30001), b)

	p.Release(a)

	c, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint16(30000), c, "lowest freed port should be reused before higher ones")
}

func TestPortAllocatorExhaustion(t *testing.T) {
	p := NewPortAllocator(30000, 30000)
	_, err := p.Allocate()
	require.NoError(t, err)

	_, err = p.Allocate()
	require.Error(t, err)
	require.True(t, trace.IsLimitExceeded(err))
}

func TestPortAllocatorReleaseIsIdempotent(t *testing.T) {
	p := NewPortAllocator(30000, 30000)
	require.NotPanics(t, func() {
		p.Release(30000)
		p.Release(30000)
	})
}

func TestPortAllocatorUpdatesMetricsGauge(t *testing.T) {
	m := metrics.New()
	p := NewPortAllocator(30000, 30001)
	p.Metrics = m

	a, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(m.TCPPortsAllocated))

	_, err = p.Allocate()
	require.NoError(t, err)
	require.Equal(t, float64(2), testutil.ToFloat64(m.TCPPortsAllocated))

	p.Release(a)
	require.Equal(t, float64(1), testutil.ToFloat64(m.TCPPortsAllocated))

	// Releasing an unallocated port must not drive the gauge negative.
	p.Release(a)
	require.Equal(t, float64(1), testutil.ToFloat64(m.TCPPortsAllocated))
}
