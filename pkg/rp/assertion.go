package rp

import (
	"fmt"
	"os"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/segmentio/ksuid"
)

// AssertionLifetime is the exact validity window of a client assertion.
const AssertionLifetime = 30 * time.Minute

// ClientAssertionType is the client_assertion_type parameter value for
// JWT bearer assertions (RFC 7523).
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// AssertionBuilder signs short-lived client assertions for token-endpoint
// authentication. Every build produces a fresh jti and timestamps; the
// audience differs per call because the token request and the code
// exchange target different endpoints.
type AssertionBuilder struct {
	clientID   string
	signingKey jwk.Key
	alg        jwa.SignatureAlgorithm
	now        func() time.Time
}

func NewAssertionBuilder(clientID, signingKeyPath string) (*AssertionBuilder, error) {
	data, err := os.ReadFile(signingKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key file: %w", err)
	}
	key, err := jwk.ParseKey(data, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key file %s: %w", signingKeyPath, err)
	}
	return NewAssertionBuilderWithKey(clientID, key)
}

func NewAssertionBuilderWithKey(clientID string, signingKey jwk.Key) (*AssertionBuilder, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if signingKey == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	return &AssertionBuilder{
		clientID:   clientID,
		signingKey: signingKey,
		alg:        jwa.PS256,
		now:        time.Now,
	}, nil
}

// Build signs a new assertion for the given audience.
func (b *AssertionBuilder) Build(audience string) (string, error) {
	if audience == "" {
		return "", fmt.Errorf("audience is required")
	}

	iat := b.now()
	token, err := jwt.NewBuilder().
		Issuer(b.clientID).
		Subject(b.clientID).
		Audience([]string{audience}).
		JwtID(ksuid.New().String()).
		IssuedAt(iat).
		Expiration(iat.Add(AssertionLifetime)).
		Build()
	if err != nil {
		return "", fmt.Errorf("unable to build assertion: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(b.alg, b.signingKey))
	if err != nil {
		return "", fmt.Errorf("unable to sign assertion: %w", err)
	}

	return string(signed), nil
}
