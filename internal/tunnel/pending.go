package tunnel

import (
	"sync"

	"github.com/ductlabs/duct/internal/metrics"
	"github.com/ductlabs/duct/internal/protocol"
)

// HTTPResult is the eventual outcome of one in-flight HTTP request:
// the reconstructed response to return to the external caller.
type HTTPResult struct {
	Status  uint16
	Headers []protocol.Header
	Body    []byte
}

type pendingEntry struct {
	sink      chan HTTPResult
	subdomain string
}

// PendingRegistry tracks in-flight HTTP requests awaiting a response
// frame, keyed by stream id. Each entry is a one-shot, buffered-by-one
// channel so Resolve never blocks on a slow or absent receiver. Each
// entry also remembers which subdomain's tunnel it belongs to, so a
// tunnel's teardown can close out exactly its own pending requests
// without disturbing any other tunnel's.
type PendingRegistry struct {
	mu      sync.Mutex
	entries map[uint64]pendingEntry

	// Metrics observes how many requests are currently pending; nil
	// skips instrumentation.
	Metrics *metrics.Metrics
}

// NewPendingRegistry returns an empty registry.
func NewPendingRegistry() *PendingRegistry {
	return &PendingRegistry{entries: make(map[uint64]pendingEntry)}
}

// Insert registers a fresh sink for streamID, owned by subdomain's
// tunnel, and returns the receive-only side for the caller to await.
func (p *PendingRegistry) Insert(streamID uint64, subdomain string) <-chan HTTPResult {
	ch := make(chan HTTPResult, 1)
	p.mu.Lock()
	p.entries[streamID] = pendingEntry{sink: ch, subdomain: subdomain}
	p.mu.Unlock()
	p.Metrics.PendingResponseOpened()
	return ch
}

// Resolve delivers result to the sink for streamID, if one is still
// registered, and removes it. Returns false if the request already
// timed out or was otherwise removed — the caller should log and
// drop in that case, per the dispatch contract.
func (p *PendingRegistry) Resolve(streamID uint64, result HTTPResult) bool {
	p.mu.Lock()
	e, ok := p.entries[streamID]
	if ok {
		delete(p.entries, streamID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.Metrics.PendingResponseClosed()
	e.sink <- result
	return true
}

// Take removes the sink for streamID without resolving it, for the
// timeout cleanup path. Idempotent: a second call for the same id
// reports ok=false.
func (p *PendingRegistry) Take(streamID uint64) (chan HTTPResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[streamID]
	if ok {
		delete(p.entries, streamID)
	}
	if ok {
		p.Metrics.PendingResponseClosed()
	}
	return e.sink, ok
}

// CloseSubdomain removes and closes every pending sink belonging to
// subdomain's tunnel. Each waiting HTTP ingress goroutine observes the
// closed channel and reports a disconnected-tunnel response. Safe to
// call once per teardown; idempotent if called again (finds nothing
// left to close).
func (p *PendingRegistry) CloseSubdomain(subdomain string) {
	p.mu.Lock()
	var toClose []chan HTTPResult
	for id, e := range p.entries {
		if e.subdomain == subdomain {
			toClose = append(toClose, e.sink)
			delete(p.entries, id)
		}
	}
	p.mu.Unlock()
	for _, ch := range toClose {
		p.Metrics.PendingResponseClosed()
		close(ch)
	}
}
