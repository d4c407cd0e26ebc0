package tunnel

import "sync"

// TCPRegistry tracks the write-sink of every live TCP stream, keyed
// by stream id. The sink is the send side of a bounded channel feeding
// the goroutine that writes to the stream's real socket half.
type TCPRegistry struct {
	mu      sync.Mutex
	writers map[uint64]chan []byte
}

// NewTCPRegistry returns an empty registry.
func NewTCPRegistry() *TCPRegistry {
	return &TCPRegistry{writers: make(map[uint64]chan []byte)}
}

// Insert registers the write sink for streamID.
func (t *TCPRegistry) Insert(streamID uint64, sink chan []byte) {
	t.mu.Lock()
	t.writers[streamID] = sink
	t.mu.Unlock()
}

// WriterFor returns the write sink for streamID, if the stream is
// still live.
func (t *TCPRegistry) WriterFor(streamID uint64) (chan []byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sink, ok := t.writers[streamID]
	return sink, ok
}

// Remove deletes the entry for streamID, returning it if present.
// Idempotent: removing twice is safe and reports ok=false the second
// time.
func (t *TCPRegistry) Remove(streamID uint64) (chan []byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sink, ok := t.writers[streamID]
	if ok {
		delete(t.writers, streamID)
	}
	return sink, ok
}

// Keys returns a snapshot of all currently-registered stream ids, for
// bulk teardown when a tunnel is torn down.
func (t *TCPRegistry) Keys() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint64, 0, len(t.writers))
	for id := range t.writers {
		out = append(out, id)
	}
	return out
}
