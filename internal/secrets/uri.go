package secrets

import (
	"strings"

	"github.com/gravitational/trace"
)

// Scheme identifies which backend a secret URI names.
type Scheme string

const (
	SchemeEnv      Scheme = "env"
	SchemeFile     Scheme = "file"
	SchemeKeychain Scheme = "keychain"
	SchemeVault    Scheme = "vault"
	SchemeBase64   Scheme = "base64"
	SchemeLiteral  Scheme = "literal"
)

// URI is a parsed secret reference: a scheme plus its scheme-specific
// path/payload.
type URI struct {
	Scheme Scheme
	Path   string
}

// ParseURI recognizes "env://VAR", "file:///path",
// "keychain://service/key", "vault://a/b/c", "base64://..." and
// treats anything without a "scheme://" prefix as a bare literal or
// filesystem path.
func ParseURI(raw string) (URI, error) {
	for _, s := range []Scheme{SchemeEnv, SchemeFile, SchemeKeychain, SchemeVault, SchemeBase64} {
		prefix := string(s) + "://"
		if strings.HasPrefix(raw, prefix) {
			return URI{Scheme: s, Path: strings.TrimPrefix(raw, prefix)}, nil
		}
	}
	if strings.Contains(raw, "://") {
		return URI{}, trace.BadParameter("unrecognized secret uri scheme in %q", raw)
	}
	return URI{Scheme: SchemeLiteral, Path: raw}, nil
}
