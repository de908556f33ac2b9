package transform

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"
)

// HexDigest hashes s with algo ("sha256" or "sha512") and returns the lowercase
// hex digest truncated to n characters. n <= 0 returns the full digest.
func HexDigest(algo, s string, n int) (string, error) {
	var sum []byte
	switch strings.ToLower(algo) {
	case "", "sha256":
		h := sha256.Sum256([]byte(s))
		sum = h[:]
	case "sha512":
		h := sha512.Sum512([]byte(s))
		sum = h[:]
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", algo)
	}
	out := hex.EncodeToString(sum)
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out, nil
}
