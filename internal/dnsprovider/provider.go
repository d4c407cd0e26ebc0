// Package dnsprovider defines the thin external-collaborator
// interface the control plane uses to publish and retract DNS records
// for HTTP tunnels, plus an in-memory Mock for tests.
package dnsprovider

import (
	"context"
	"fmt"
	"sync"

	"github.com/gravitational/trace"
)

// OriginCertificate is a PEM-encoded certificate/key pair issued for
// the base domain's origin, when the provider supports issuing one.
type OriginCertificate struct {
	CertPEM string
	KeyPEM  string
}

// Provider is implemented by anything that can publish and retract
// DNS records for tunnel subdomains. A real implementation talks to a
// DNS API (e.g. Cloudflare); it is explicitly out of scope here.
type Provider interface {
	// CreateRecord publishes subdomain as an A-or-CNAME record
	// pointing at the broker's public address. proxied indicates
	// whether the record should route through a CDN/proxy layer
	// (true for HTTP tunnels; TCP tunnels never proxy). It returns an
	// opaque handle used later to delete the record.
	CreateRecord(ctx context.Context, subdomain string, proxied bool) (recordHandle string, err error)

	// DeleteRecord retracts a previously created record. Best-effort:
	// callers log failures rather than propagating them during
	// teardown.
	DeleteRecord(ctx context.Context, recordHandle string) error

	// CreateOriginCertificate optionally issues an origin certificate
	// valid for validityDays. Returns (nil, nil) if the provider does
	// not support certificate issuance.
	CreateOriginCertificate(ctx context.Context, validityDays int) (*OriginCertificate, error)

	// CleanupOldOriginCertificates optionally removes expired or
	// superseded origin certificates, returning the count removed.
	CleanupOldOriginCertificates(ctx context.Context) (int, error)
}

// Mock is an in-memory Provider for tests: it records every created
// record and never talks to the network.
type Mock struct {
	mu      sync.Mutex
	nextID  int
	records map[string]string // handle -> subdomain
}

// NewMock returns an empty Mock.
func NewMock() *Mock {
	return &Mock{records: make(map[string]string)}
}

// CreateRecord records subdomain and returns a fresh handle.
func (m *Mock) CreateRecord(_ context.Context, subdomain string, _ bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	handle := fmt.Sprintf("%s-record-%d", subdomain, m.nextID)
	m.records[handle] = subdomain
	return handle, nil
}

// DeleteRecord removes a previously created record. Deleting an
// unknown handle is a trace.NotFound error so tests can assert
// double-delete never happens, while the control plane's teardown
// path treats it as best-effort and only logs.
func (m *Mock) DeleteRecord(_ context.Context, recordHandle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[recordHandle]; !ok {
		return trace.NotFound("dns record %q not found", recordHandle)
	}
	delete(m.records, recordHandle)
	return nil
}

// CreateOriginCertificate is unsupported by Mock.
func (m *Mock) CreateOriginCertificate(context.Context, int) (*OriginCertificate, error) {
	return nil, nil
}

// CleanupOldOriginCertificates is unsupported by Mock.
func (m *Mock) CleanupOldOriginCertificates(context.Context) (int, error) {
	return 0, nil
}

// RecordCount returns how many records are currently live, for test
// assertions.
func (m *Mock) RecordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// HasSubdomain reports whether any live record names subdomain.
func (m *Mock) HasSubdomain(subdomain string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.records {
		if s == subdomain {
			return true
		}
	}
	return false
}
