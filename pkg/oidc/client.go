package oidc

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

type Config struct {
	Issuer     string
	ClientID   string
	SigningAlg string
}

// Client wraps the authorization-server metadata and the signing keys
// needed to verify ID tokens against it.
type Client interface {
	Issuer() string
	ClientID() string
	DiscoveryDocument() *DiscoveryDocument
	ParseIDToken(serialized, expectedNonce string) (jwt.Token, error)
}

type client struct {
	cfg               *Config
	discoveryDocument *DiscoveryDocument
	keyCache          *jwk.Cache
	signingAlg        jwa.SignatureAlgorithm
}

func NewClient(cfg *Config) (Client, error) {
	c := &client{
		cfg:        cfg,
		signingAlg: jwa.PS256,
	}

	if cfg.SigningAlg != "" {
		c.signingAlg = jwa.SignatureAlgorithm(cfg.SigningAlg)
	}

	var err error
	discoveryDocumentUrl := cfg.Issuer + "/.well-known/openid-configuration"
	c.discoveryDocument, err = FetchDiscoveryDocument(discoveryDocumentUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document from %s: %w", discoveryDocumentUrl, err)
	}

	// prepare the auto-refreshing signing key cache
	c.keyCache = jwk.NewCache(context.Background())
	c.keyCache.Register(c.discoveryDocument.JwksURI, jwk.WithMinRefreshInterval(15*time.Minute))
	_, err = c.keyCache.Refresh(context.Background(), c.discoveryDocument.JwksURI)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signing keys: %w", err)
	}

	return c, nil
}

func (c *client) ClientID() string {
	return c.cfg.ClientID
}

func (c *client) Issuer() string {
	return c.discoveryDocument.Issuer
}

func (c *client) DiscoveryDocument() *DiscoveryDocument {
	return c.discoveryDocument
}

// ParseIDToken parses and verifies an ID token against the keys from the
// discovery document. The negotiated signing algorithm, issuer, audience
// and freshness are all enforced; the nonce claim must equal the one bound
// to the authorization attempt.
func (c *client) ParseIDToken(serialized, expectedNonce string) (jwt.Token, error) {
	keySet, err := c.keyCache.Get(context.Background(), c.discoveryDocument.JwksURI)
	if err != nil {
		return nil, fmt.Errorf("unable to get key set: %w", err)
	}

	if err := c.checkSigningAlg(serialized); err != nil {
		return nil, err
	}

	token, err := jwt.ParseString(
		serialized,
		jwt.WithKeySet(keySet),
		jwt.WithIssuer(c.discoveryDocument.Issuer),
		jwt.WithAudience(c.cfg.ClientID),
		jwt.WithRequiredClaim("nonce"),
		jwt.WithRequiredClaim("exp"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to parse id token: %w", err)
	}

	if expectedNonce != "" {
		nonce, _ := token.Get("nonce")
		if nonce != expectedNonce {
			return nil, fmt.Errorf("id token nonce does not match the authorization attempt")
		}
	}

	return token, nil
}

// The FAPI profile pins the ID token signature to one algorithm. Reject
// anything else before signature verification is even attempted.
func (c *client) checkSigningAlg(serialized string) error {
	message, err := jws.ParseString(serialized)
	if err != nil {
		return fmt.Errorf("unable to parse id token signature: %w", err)
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return fmt.Errorf("id token carries no signature")
	}
	if alg := signatures[0].ProtectedHeaders().Algorithm(); alg != c.signingAlg {
		return fmt.Errorf("id token signed with %s, expected %s", alg, c.signingAlg)
	}
	return nil
}
