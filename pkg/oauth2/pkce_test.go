package oauth2_test

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/openbanking-lab/fapi-rp/pkg/oauth2"
)

func TestGeneratePKCE(t *testing.T) {
	pkce := oauth2.GeneratePKCE()

	if pkce.Method != oauth2.CodeChallengeMethodS256 {
		t.Errorf("expected method S256, got %s", pkce.Method)
	}
	if len(pkce.Verifier) < 43 || len(pkce.Verifier) > 128 {
		t.Errorf("verifier length %d out of the allowed range", len(pkce.Verifier))
	}

	const allowed = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-"
	for _, r := range pkce.Verifier {
		if !strings.ContainsRune(allowed, r) {
			t.Fatalf("verifier contains forbidden character %q", r)
		}
	}
}

// Deriving the challenge from the verifier must reproduce the generated
// challenge for every pair.
func TestChallengeRoundTrip(t *testing.T) {
	for i := 0; i < 32; i++ {
		pkce := oauth2.GeneratePKCE()

		hash := sha256.Sum256([]byte(pkce.Verifier))
		derived := base64.RawURLEncoding.EncodeToString(hash[:])

		if derived != pkce.Challenge {
			t.Fatalf("challenge %s does not derive from verifier", pkce.Challenge)
		}
		if oauth2.S256ChallengeFromVerifier(pkce.Verifier) != pkce.Challenge {
			t.Fatal("S256ChallengeFromVerifier does not reproduce the challenge")
		}
	}
}

func TestVerifierUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		v := oauth2.GenerateCodeVerifier()
		if seen[v] {
			t.Fatal("verifier generated twice")
		}
		seen[v] = true
	}
}
