package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Delimiter joined between header values before hashing. Control characters
// cannot appear inside HTTP header values, so concatenation is unambiguous.
const fieldSeparator = "\x1f"

// Raw request metadata the resolver derives a fingerprint from.
type RequestMeta struct {
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string

	// Optional richer fingerprint collected client-side and persisted by
	// the caller. Treated as an opaque stable string, never validated or
	// recomputed here.
	ClientToken string
}

// Derives a stable visitor fingerprint from request metadata. Pure and
// deterministic: identical inputs always resolve to identical output, which
// the ledger's get-or-create uniqueness depends on.
//
// A client-supplied token wins whenever present. The server-side header
// digest is a low-entropy fallback; distinct users legitimately collide on it.
func Resolve(meta RequestMeta) string {
	if token := strings.TrimSpace(meta.ClientToken); token != "" {
		return token
	}

	digest := sha256.Sum256([]byte(
		meta.UserAgent + fieldSeparator +
			meta.AcceptLanguage + fieldSeparator +
			meta.AcceptEncoding,
	))
	return hex.EncodeToString(digest[:])
}
