package tunnel

import "sync/atomic"

// StreamIDGenerator is a single process-wide monotonic counter for
// stream ids, shared by both HTTP and TCP ingress. This is the
// canonical resolution of the ambiguity between the HTTP-plane and
// TCP-plane each holding their own generator: one counter, fed by
// every ingress path.
type StreamIDGenerator struct {
	counter atomic.Uint64
}

// NewStreamIDGenerator returns a generator whose first Next() call
// returns 1.
func NewStreamIDGenerator() *StreamIDGenerator {
	return &StreamIDGenerator{}
}

// Next returns the next stream id. Safe for concurrent use.
func (g *StreamIDGenerator) Next() uint64 {
	return g.counter.Add(1)
}
