package crypto

import "fmt"

// Fingerprint formats the SHA-256 digest of an identity public key as
// twelve 5-hex-digit groups separated by spaces, using the leading 30
// bytes of the digest (60 hex characters = 12 groups of 5).
func Fingerprint(identityPublic []byte) string {
	digest := SHA256(identityPublic)
	return formatFingerprint(digest[:30])
}

// SafetyNumber formats the SHA-256 digest of two identity keys
// concatenated in a canonical (sorted) order, so that both parties
// derive the same string regardless of who computes it first.
func SafetyNumber(idA, idB string, keyA, keyB []byte) string {
	var concat []byte
	if idA <= idB {
		concat = append(append([]byte{}, keyA...), keyB...)
	} else {
		concat = append(append([]byte{}, keyB...), keyA...)
	}
	digest := SHA256(concat)
	return formatFingerprint(digest[:30])
}

func formatFingerprint(b []byte) string {
	hexStr := fmt.Sprintf("%x", b)
	out := make([]byte, 0, len(hexStr)+len(hexStr)/5)
	for i := 0; i < len(hexStr); i += 5 {
		end := i + 5
		if end > len(hexStr) {
			end = len(hexStr)
		}
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, hexStr[i:end]...)
	}
	return string(out)
}
