package tunnel

import (
	"sync"

	"github.com/ductlabs/duct/internal/metrics"
	"github.com/gravitational/trace"
)

// PortAllocator hands out the lowest free port in a configured
// inclusive range. Allocation is an O(range) linear scan under a
// mutex, matching the process-local, non-persisted allocation policy.
type PortAllocator struct {
	mu        sync.Mutex
	lo, hi    uint16
	allocated map[uint16]struct{}

	// Metrics observes allocate/release calls; nil skips instrumentation.
	Metrics *metrics.Metrics
}

// NewPortAllocator returns an allocator over the inclusive range
// [lo, hi].
func NewPortAllocator(lo, hi uint16) *PortAllocator {
	return &PortAllocator{
		lo:        lo,
		hi:        hi,
		allocated: make(map[uint16]struct{}),
	}
}

// Allocate returns the lowest currently-free port, or
// trace.LimitExceeded if the pool is exhausted.
func (p *PortAllocator) Allocate() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.lo; ; port++ {
		if _, taken := p.allocated[port]; !taken {
			p.allocated[port] = struct{}{}
			p.Metrics.TCPPortAllocated()
			return port, nil
		}
		if port == p.hi {
			break
		}
	}
	return 0, trace.LimitExceeded("tcp port pool [%d,%d] exhausted", p.lo, p.hi)
}

// Release marks port free again. Releasing a port that was never
// allocated, or releasing twice, is a no-op.
func (p *PortAllocator) Release(port uint16) {
	p.mu.Lock()
	_, allocated := p.allocated[port]
	delete(p.allocated, port)
	p.mu.Unlock()
	if allocated {
		p.Metrics.TCPPortReleased()
	}
}
