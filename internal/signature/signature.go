// Package signature implements the platform's SHA-1 request signatures.
//
// A signature is the hex SHA-1 of the request parts sorted in byte order and
// concatenated without a separator. Plain deliveries sign {token, timestamp,
// nonce}; encrypted deliveries add the ciphertext for the msg_signature.
package signature

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
)

// Compute returns the hex signature over parts.
func Compute(parts ...string) string {
	sorted := make([]string, len(parts))
	copy(sorted, parts)
	sort.Strings(sorted) // byte-wise, not locale aware

	h := sha1.New()
	h.Write([]byte(strings.Join(sorted, "")))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches {token, timestamp, nonce} plus any
// extra parts.
func Verify(token, timestamp, nonce, signature string, extra ...string) bool {
	if signature == "" {
		return false
	}
	parts := append([]string{token, timestamp, nonce}, extra...)
	expected := Compute(parts...)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// VerifyEnvelope checks both signatures carried by an encrypted delivery:
// the transport signature over {token, timestamp, nonce} and the content
// msg_signature that also covers the ciphertext.
func VerifyEnvelope(token, timestamp, nonce, encrypt, signature, msgSignature string) bool {
	outer := Verify(token, timestamp, nonce, signature)
	inner := Verify(token, timestamp, nonce, msgSignature, encrypt)
	return outer && inner
}
