package oauth2

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"math/big"
)

// PKCE holds the verifier/challenge pair for one authorization attempt.
// The verifier must survive the redirect boundary in the session store and
// must never be logged or transmitted; only the challenge crosses the
// network before the code exchange.
type PKCE struct {
	Verifier  string
	Challenge string
	Method    CodeChallengeMethod
}

// GeneratePKCE creates a fresh verifier and its S256 challenge.
func GeneratePKCE() *PKCE {
	verifier := GenerateCodeVerifier()
	return &PKCE{
		Verifier:  verifier,
		Challenge: S256ChallengeFromVerifier(verifier),
		Method:    CodeChallengeMethodS256,
	}
}

const letters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-"

func GenerateCodeVerifier() string {
	n := 128
	ret := make([]byte, n)
	for i := 0; i < n; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			panic("Random number generation failed")
		}
		ret[i] = letters[num.Int64()]
	}

	return string(ret)
}

func S256ChallengeFromVerifier(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(hash[:])
}
