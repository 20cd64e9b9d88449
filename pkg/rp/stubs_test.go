package rp

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/openbanking-lab/fapi-rp/pkg/nonce"
	"github.com/openbanking-lab/fapi-rp/pkg/oidc"
)

type fakeOP struct {
	doc      *oidc.DiscoveryDocument
	parseErr error
}

func (f *fakeOP) Issuer() string { return f.doc.Issuer }

func (f *fakeOP) ClientID() string { return "client-1" }

func (f *fakeOP) DiscoveryDocument() *oidc.DiscoveryDocument { return f.doc }

func (f *fakeOP) ParseIDToken(serialized, expectedNonce string) (jwt.Token, error) {
	if f.parseErr != nil {
		return nil, f.parseErr
	}
	return jwt.New(), nil
}

type fakeAuthenticator struct {
	certBound    bool
	lastAudience string
	appliedCalls int
}

func (a *fakeAuthenticator) Apply(params url.Values, audience string) error {
	a.lastAudience = audience
	a.appliedCalls++
	params.Set("client_id", "client-1")
	params.Set("client_assertion_type", ClientAssertionType)
	params.Set("client_assertion", "test-assertion")
	return nil
}

func (a *fakeAuthenticator) HTTPClient() *http.Client { return http.DefaultClient }

func (a *fakeAuthenticator) CertificateBound() bool { return a.certBound }

func newTestConfig() *Config {
	cfg := &Config{
		Issuer:        "https://as.example.com",
		ClientID:      "client-1",
		RedirectURI:   "https://rp.example.com/oauth/callback",
		Scope:         "openid payment",
		AuthMethod:    AuthMethodPrivateKeyJWT,
		ResourceBase:  "https://rs.example.com",
		TenantURL:     "https://tenant.example.com",
		PostLogoutURI: "https://rp.example.com/oauth/post-logout",
	}
	cfg.applyDefaults()
	return cfg
}

func newTestNonceService(t *testing.T) nonce.NonceService {
	t.Helper()
	ns, err := nonce.NewHashicorpNonceService()
	if err != nil {
		t.Fatal(err)
	}
	return ns
}
