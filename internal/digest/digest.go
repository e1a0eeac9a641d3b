// Package digest wraps the content-digest primitive the spec treats as an
// external black box: bytes in, lowercase hex SHA-256 out. crypto/sha256 is
// used directly rather than a third-party hashing library because the
// algorithm itself is pinned by the spec (§6.4), leaving nothing for an
// ecosystem package to abstract over.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hex returns the lowercase hex-encoded SHA-256 digest of b.
func Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
