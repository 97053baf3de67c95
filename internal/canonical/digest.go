package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	Algorithm    = "sha256"
	DigestPrefix = "sha256:"
)

// DigestHex returns the SHA-256 digest as lowercase hex.
func DigestHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestWithPrefix returns the SHA-256 digest with the "sha256:" prefix.
func DigestWithPrefix(data []byte) string {
	return DigestPrefix + DigestHex(data)
}

// IsHexDigest reports whether s is a 64 character lowercase hex string.
func IsHexDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ParseDigestRef extracts the hex digest from a "sha256:<hex>" content ref.
// ok is false for refs that are not content digests.
func ParseDigestRef(ref string) (string, bool) {
	if !strings.HasPrefix(ref, DigestPrefix) {
		return "", false
	}
	digest := strings.TrimPrefix(ref, DigestPrefix)
	if !IsHexDigest(digest) {
		return "", false
	}
	return digest, true
}
