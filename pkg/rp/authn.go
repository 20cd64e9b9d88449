package rp

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ClientAuthenticator applies the configured client authentication to an
// outbound authorization-server call. The variant is selected once at
// startup; signed assertions and mutual TLS are never combined as
// authentication methods, though certificate-bound tokens attach the
// certificate alongside assertions.
type ClientAuthenticator interface {
	// Apply adds the authentication parameters for a call whose audience
	// is the given endpoint.
	Apply(params url.Values, audience string) error
	// HTTPClient returns the client all token-endpoint and PAR calls must
	// use. It carries the client certificate when one is configured.
	HTTPClient() *http.Client
	// CertificateBound reports whether outbound calls present the client
	// certificate, which selects the mTLS endpoint aliases.
	CertificateBound() bool
}

// NewClientAuthenticator resolves the closed authentication variant from
// configuration.
func NewClientAuthenticator(cfg *Config) (ClientAuthenticator, error) {
	switch cfg.AuthMethod {
	case AuthMethodTLSClientAuth:
		httpClient, err := newMtlsHTTPClient(cfg.ClientCertPath, cfg.ClientKeyPath)
		if err != nil {
			return nil, err
		}
		return &mtlsAuthenticator{clientID: cfg.ClientID, httpClient: httpClient}, nil

	case AuthMethodPrivateKeyJWT:
		builder, err := NewAssertionBuilder(cfg.ClientID, cfg.SigningKeyPath)
		if err != nil {
			return nil, err
		}
		httpClient := &http.Client{Timeout: 10 * time.Second}
		certBound := false
		if cfg.CertBoundTokens {
			httpClient, err = newMtlsHTTPClient(cfg.ClientCertPath, cfg.ClientKeyPath)
			if err != nil {
				return nil, err
			}
			certBound = true
		}
		return &assertionAuthenticator{
			clientID:   cfg.ClientID,
			builder:    builder,
			httpClient: httpClient,
			certBound:  certBound,
		}, nil

	default:
		return nil, fmt.Errorf("unknown auth method: %s", cfg.AuthMethod)
	}
}

func newMtlsHTTPClient(certPath, keyPath string) (*http.Client, error) {
	tlsCert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{tlsCert},
			},
		},
	}, nil
}

// assertionAuthenticator authenticates with a fresh signed assertion per
// call. With certificate-bound tokens enabled it additionally presents
// the client certificate so issued access tokens are bound to it.
type assertionAuthenticator struct {
	clientID   string
	builder    *AssertionBuilder
	httpClient *http.Client
	certBound  bool
}

func (a *assertionAuthenticator) Apply(params url.Values, audience string) error {
	assertion, err := a.builder.Build(audience)
	if err != nil {
		return err
	}
	params.Set("client_id", a.clientID)
	params.Set("client_assertion_type", ClientAssertionType)
	params.Set("client_assertion", assertion)
	return nil
}

func (a *assertionAuthenticator) HTTPClient() *http.Client { return a.httpClient }

func (a *assertionAuthenticator) CertificateBound() bool { return a.certBound }

// mtlsAuthenticator authenticates through the TLS layer alone. No
// assertion is ever built in this mode.
type mtlsAuthenticator struct {
	clientID   string
	httpClient *http.Client
}

func (a *mtlsAuthenticator) Apply(params url.Values, audience string) error {
	params.Set("client_id", a.clientID)
	return nil
}

func (a *mtlsAuthenticator) HTTPClient() *http.Client { return a.httpClient }

func (a *mtlsAuthenticator) CertificateBound() bool { return true }
