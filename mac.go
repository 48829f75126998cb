package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// hexKeyPattern matches a 64-hex-digit (32-byte) secret.
var hexKeyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// macKey returns the initial HMAC key for a secret: the secret decoded from
// hex if it looks like 32 raw bytes, otherwise its UTF-8 bytes verbatim.
func macKey(secret string) []byte {
	if hexKeyPattern.MatchString(secret) {
		b, err := hex.DecodeString(secret)
		if err == nil {
			return b
		}
	}
	return []byte(secret)
}

// chainHMAC computes sig = HMAC-SHA256(key, msg) and returns it hex-encoded.
func chainHMAC(key []byte, msg string) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(msg))
	return hex.EncodeToString(h.Sum(nil))
}

// computeSignature runs the chained-HMAC construction from spec §4.2 over id
// and an ordered caveat list: sig0 = HMAC(secret, id); sigN+1 = HMAC(hex(sigN), caveat).
func computeSignature(secret, id string, caveats []string) string {
	sig := chainHMAC(macKey(secret), id)
	for _, c := range caveats {
		sig = chainHMAC([]byte(sig), c)
	}
	return sig
}

// constantTimeEqual compares two hex digests without leaking timing info.
func constantTimeEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
