package client

// SDKVersion is the version of this client package.
const SDKVersion = "0.1.0"

// DefaultServerAddr is the default control-plane address.
const DefaultServerAddr = "duct.example.com:4443"

// MaxFrameSize and LengthPrefixSize mirror internal/protocol's wire
// contract; duplicated here as documentation-level constants so
// callers of this package can reason about framing without importing
// internal/protocol directly.
const (
	MaxFrameSize     = 16 * 1024 * 1024
	LengthPrefixSize = 4
)
