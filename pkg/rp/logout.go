package rp

import (
	"fmt"
	"net/url"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/openbanking-lab/fapi-rp/pkg/oidc"
)

// LogoutCoordinator produces the RP-initiated logout redirect and decodes
// OP-initiated single-logout notifications.
type LogoutCoordinator struct {
	op  oidc.Client
	cfg *Config
}

func NewLogoutCoordinator(op oidc.Client, cfg *Config) *LogoutCoordinator {
	return &LogoutCoordinator{op: op, cfg: cfg}
}

// EndSessionURL builds the authorization-server logout redirect carrying
// the client id and the configured post-logout return URI.
func (l *LogoutCoordinator) EndSessionURL() (string, error) {
	endpoint := l.op.DiscoveryDocument().EndSessionEndpoint
	if endpoint == "" {
		return "", fmt.Errorf("authorization server publishes no end_session_endpoint")
	}

	query := url.Values{}
	query.Add("client_id", l.cfg.ClientID)
	query.Add("post_logout_redirect_uri", l.cfg.PostLogoutURI)

	return fmt.Sprintf("%s?%s", endpoint, query.Encode()), nil
}

// DecodeLogoutToken decodes a back-channel logout token for observability.
// DANGER, the signature is deliberately not verified: the back-channel
// endpoint is a best-effort notification sink, not an authorization
// boundary, and it never touches session state.
func (l *LogoutCoordinator) DecodeLogoutToken(raw string) (map[string]interface{}, error) {
	token, err := jwt.ParseString(raw, jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return nil, fmt.Errorf("unable to decode logout token: %w", err)
	}

	claims := map[string]interface{}{}
	if iss := token.Issuer(); iss != "" {
		claims["iss"] = iss
	}
	if sub := token.Subject(); sub != "" {
		claims["sub"] = sub
	}
	for name, value := range token.PrivateClaims() {
		claims[name] = value
	}

	return claims, nil
}
