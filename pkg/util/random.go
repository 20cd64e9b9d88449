package util

import (
	"crypto/rand"
	"encoding/base64"
)

// GenerateRandomString returns a URL-safe random string of length n.
func GenerateRandomString(n int) string {
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	if err != nil {
		panic("Random number generation failed")
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:n]
}
