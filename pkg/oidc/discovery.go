package oidc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// MtlsEndpointAliases are the alternative endpoints the authorization
// server exposes for mutual-TLS clients (RFC 8705). When present, the
// aliased token endpoint replaces the regular one for client
// authentication and assertion audiences.
type MtlsEndpointAliases struct {
	TokenEndpoint                      string `json:"token_endpoint,omitempty"`
	PushedAuthorizationRequestEndpoint string `json:"pushed_authorization_request_endpoint,omitempty"`
}

type DiscoveryDocument struct {
	Issuer                                string               `json:"issuer"`
	AuthorizationEndpoint                 string               `json:"authorization_endpoint"`
	TokenEndpoint                         string               `json:"token_endpoint"`
	PushedAuthorizationRequestEndpoint    string               `json:"pushed_authorization_request_endpoint"`
	EndSessionEndpoint                    string               `json:"end_session_endpoint"`
	JwksURI                               string               `json:"jwks_uri"`
	UserinfoEndpoint                      string               `json:"userinfo_endpoint"`
	RevocationEndpoint                    string               `json:"revocation_endpoint"`
	MtlsEndpointAliases                   *MtlsEndpointAliases `json:"mtls_endpoint_aliases,omitempty"`
	ResponseTypesSupported                []string             `json:"response_types_supported"`
	IdTokenSigningAlgValuesSupported      []string             `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported     []string             `json:"token_endpoint_auth_methods_supported"`
	RequirePushedAuthorizationRequests    bool                 `json:"require_pushed_authorization_requests"`
	TLSClientCertificateBoundAccessTokens bool                 `json:"tls_client_certificate_bound_access_tokens"`
}

// MtlsTokenEndpoint returns the token endpoint a mutual-TLS client should
// use, falling back to the regular endpoint when no alias is published.
func (d *DiscoveryDocument) MtlsTokenEndpoint() string {
	if d.MtlsEndpointAliases != nil && d.MtlsEndpointAliases.TokenEndpoint != "" {
		return d.MtlsEndpointAliases.TokenEndpoint
	}
	return d.TokenEndpoint
}

// MtlsPAREndpoint returns the PAR endpoint a mutual-TLS client should use.
func (d *DiscoveryDocument) MtlsPAREndpoint() string {
	if d.MtlsEndpointAliases != nil && d.MtlsEndpointAliases.PushedAuthorizationRequestEndpoint != "" {
		return d.MtlsEndpointAliases.PushedAuthorizationRequestEndpoint
	}
	return d.PushedAuthorizationRequestEndpoint
}

func FetchDiscoveryDocument(url string) (*DiscoveryDocument, error) {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("unable to get discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unable to get discovery document: status %d", resp.StatusCode)
	}

	var doc DiscoveryDocument
	err = json.NewDecoder(resp.Body).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("unable to decode discovery document: %w", err)
	}

	if doc.Issuer == "" {
		return nil, fmt.Errorf("discovery document carries no issuer")
	}

	return &doc, nil
}
