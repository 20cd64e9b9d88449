package rp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/openbanking-lab/fapi-rp/pkg/nonce"
	"github.com/openbanking-lab/fapi-rp/pkg/oauth2"
	"github.com/openbanking-lab/fapi-rp/pkg/oidc"
)

// CallbackParams are the query parameters presented at the redirect URI.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackValidator validates the authorization response and exchanges
// the code for tokens. It holds no attempt state; everything it needs
// arrives with the session restored from the store.
type CallbackValidator struct {
	op     oidc.Client
	auth   ClientAuthenticator
	nonces nonce.NonceService
	cfg    *Config
}

func NewCallbackValidator(op oidc.Client, auth ClientAuthenticator, nonces nonce.NonceService, cfg *Config) *CallbackValidator {
	return &CallbackValidator{op: op, auth: auth, nonces: nonces, cfg: cfg}
}

// HandleCallback validates the response against the stored attempt and
// performs the code exchange. The PKCE verifier is single use: it is
// discarded from the session whatever the outcome. No token set is ever
// returned alongside an error.
func (v *CallbackValidator) HandleCallback(ctx context.Context, session *AuthorizationSession, params CallbackParams) (*oauth2.TokenResponse, error) {
	verifier := session.CodeVerifier
	defer func() {
		session.CodeVerifier = ""
	}()

	if session.Attempt != AttemptRedirected && session.Attempt != AttemptParSubmitted {
		return nil, v.fail(session, ReasonIllegalTransition,
			fmt.Errorf("callback in attempt state %s", session.Attempt))
	}
	session.Attempt = AttemptCallbackReceived

	if params.Error != "" {
		return nil, v.fail(session, ReasonAuthorizationDenied,
			&oauth2.Error{Code: params.Error, Description: params.ErrorDescription})
	}
	if params.Code == "" {
		return nil, v.fail(session, ReasonAuthorizationDenied, fmt.Errorf("callback carries no code"))
	}

	if params.State == "" || params.State != session.State {
		return nil, v.fail(session, ReasonStateMismatch,
			fmt.Errorf("state does not match the pushed authorization request"))
	}
	// states are single use: a second callback with the same value is a replay
	if err := v.nonces.Redeem(params.State); err != nil {
		return nil, v.fail(session, ReasonStateMismatch, fmt.Errorf("state already redeemed: %w", err))
	}

	if verifier == "" || oauth2.S256ChallengeFromVerifier(verifier) != session.CodeChallenge {
		return nil, v.fail(session, ReasonPKCEMismatch,
			fmt.Errorf("verifier does not derive the submitted challenge"))
	}

	tokenResponse, err := v.exchange(ctx, params.Code, verifier)
	if err != nil {
		return nil, v.fail(session, ReasonExchangeFailed, err)
	}
	session.Attempt = AttemptTokenExchanged

	if tokenResponse.IDToken == "" {
		return nil, v.fail(session, ReasonTokenValidation, fmt.Errorf("token response carries no id token"))
	}
	if _, err := v.op.ParseIDToken(tokenResponse.IDToken, session.Nonce); err != nil {
		return nil, v.fail(session, ReasonTokenValidation, err)
	}

	return tokenResponse, nil
}

// exchange presents the code, the verifier and fresh client
// authentication targeted at the token endpoint actually used.
func (v *CallbackValidator) exchange(ctx context.Context, code, verifier string) (*oauth2.TokenResponse, error) {
	doc := v.op.DiscoveryDocument()
	endpoint := doc.TokenEndpoint
	if v.auth.CertificateBound() {
		endpoint = doc.MtlsTokenEndpoint()
	}

	params := url.Values{}
	params.Set("grant_type", "authorization_code")
	params.Set("code", code)
	params.Set("redirect_uri", v.cfg.RedirectURI)
	params.Set("code_verifier", verifier)
	if err := v.auth.Apply(params, endpoint); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := v.auth.HTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to exchange code for token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unable to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr oauth2.Error
		if err := json.Unmarshal(body, &oauthErr); err == nil && oauthErr.Code != "" {
			return nil, &oauthErr
		}
		return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tokenResponse oauth2.TokenResponse
	if err := json.Unmarshal(body, &tokenResponse); err != nil {
		return nil, fmt.Errorf("unable to decode token response: %w", err)
	}

	return &tokenResponse, nil
}

func (v *CallbackValidator) fail(session *AuthorizationSession, reason CallbackReason, err error) error {
	session.Attempt = AttemptFailed
	slog.Error("Callback rejected", "reason", string(reason), "error", err, "session_id", session.ID)
	return &CallbackError{Reason: reason, Err: err}
}
