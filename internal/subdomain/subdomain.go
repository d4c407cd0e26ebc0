// Package subdomain validates and synthesizes the DNS labels used to
// identify tunnels.
package subdomain

import (
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// MaxLength is the longest a DNS label may be (RFC 1035).
const MaxLength = 63

// SynthesizedLength is how many characters a server-synthesized label
// is truncated to. Short auto-generated subdomains stay readable in
// URLs while still being collision-unlikely within one process.
const SynthesizedLength = 8

// firstCharMap coerces a leading digit into a letter so a synthesized
// id always starts with a letter, per the fixed 0-9 -> a-j mapping.
var firstCharMap = map[byte]byte{
	'0': 'a', '1': 'b', '2': 'c', '3': 'd', '4': 'e',
	'5': 'f', '6': 'g', '7': 'h', '8': 'i', '9': 'j',
}

// Synthesize generates a fresh, short, DNS-safe subdomain label: a
// random identifier with any leading digit remapped to a letter,
// truncated to SynthesizedLength characters.
func Synthesize() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(raw) > SynthesizedLength {
		raw = raw[:SynthesizedLength]
	}
	b := []byte(raw)
	if mapped, ok := firstCharMap[b[0]]; ok {
		b[0] = mapped
	}
	return string(b)
}

// Validate checks label against the DNS-label rules: 1-63 characters,
// lowercase letters/digits/hyphens only, no leading or trailing
// hyphen. label is expected to already be case-folded by the caller;
// Validate does not fold case itself so that callers can distinguish
// "needs folding" from "invalid" if they care to.
func Validate(label string) error {
	if len(label) < 1 || len(label) > MaxLength {
		return trace.BadParameter("invalid subdomain format")
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return trace.BadParameter("invalid subdomain format")
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return trace.BadParameter("invalid subdomain format")
		}
	}
	return nil
}

// Fold lowercases label, matching the case-folded storage rule for
// subdomains.
func Fold(label string) string {
	return strings.ToLower(label)
}
