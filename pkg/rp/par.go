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
	"github.com/openbanking-lab/fapi-rp/pkg/util"
)

// IntentClaimName is the essential claim carrying the lodged intent id.
const IntentClaimName = "openbanking_intent_id"

// ClaimEntry is one requested claim with its required value.
type ClaimEntry struct {
	Value     string `json:"value"`
	Essential bool   `json:"essential"`
}

// ClaimsRequest is the OIDC claims parameter. The intent id must appear as
// an essential claim in both claim groups or the bank will not tie the
// authorization to the consent.
type ClaimsRequest struct {
	Userinfo map[string]ClaimEntry `json:"userinfo"`
	IDToken  map[string]ClaimEntry `json:"id_token"`
}

// NewIntentClaims builds the claims request binding the given intent id.
func NewIntentClaims(intentID string) (*ClaimsRequest, error) {
	if intentID == "" {
		return nil, fmt.Errorf("intent id is required")
	}
	entry := ClaimEntry{Value: intentID, Essential: true}
	return &ClaimsRequest{
		Userinfo: map[string]ClaimEntry{IntentClaimName: entry},
		IDToken:  map[string]ClaimEntry{IntentClaimName: entry},
	}, nil
}

// ParResult is everything the caller must persist before redirecting.
type ParResult struct {
	RequestURI string
	ExpiresIn  int
	State      string
	Nonce      string
	AuthURL    string
}

type parResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

// ParOrchestrator assembles and submits pushed authorization requests.
// All per-attempt values travel through Submit arguments and the returned
// ParResult; the orchestrator itself holds no attempt state and is safe
// for concurrent attempts.
type ParOrchestrator struct {
	op     oidc.Client
	auth   ClientAuthenticator
	nonces nonce.NonceService
	cfg    *Config
}

func NewParOrchestrator(op oidc.Client, auth ClientAuthenticator, nonces nonce.NonceService, cfg *Config) *ParOrchestrator {
	return &ParOrchestrator{op: op, auth: auth, nonces: nonces, cfg: cfg}
}

// Submit pushes the authorization request binding the intent id and
// returns the redirect target. A failed submission is surfaced unmodified
// and never retried.
func (p *ParOrchestrator) Submit(ctx context.Context, intentID string, pkce *oauth2.PKCE) (*ParResult, error) {
	claims, err := NewIntentClaims(intentID)
	if err != nil {
		return nil, &ParSubmissionError{Err: err}
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return nil, &ParSubmissionError{Err: err}
	}

	state, err := p.nonces.Get()
	if err != nil {
		return nil, &ParSubmissionError{Err: fmt.Errorf("unable to generate state: %w", err)}
	}
	oidcNonce := util.GenerateRandomString(32)

	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("redirect_uri", p.cfg.RedirectURI)
	params.Set("scope", p.cfg.Scope)
	params.Set("state", state)
	params.Set("nonce", oidcNonce)
	params.Set("claims", string(claimsJSON))
	if err := p.auth.Apply(params, p.op.Issuer()); err != nil {
		return nil, &ParSubmissionError{Err: err}
	}

	doc := p.op.DiscoveryDocument()
	endpoint := doc.PushedAuthorizationRequestEndpoint
	if p.auth.CertificateBound() {
		endpoint = doc.MtlsPAREndpoint()
	}
	if endpoint == "" {
		return nil, &ParSubmissionError{Err: fmt.Errorf("authorization server publishes no PAR endpoint")}
	}

	slog.Debug("Submitting PAR", "endpoint", endpoint, "state", state, "claims", string(claimsJSON))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, &ParSubmissionError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.auth.HTTPClient().Do(req)
	if err != nil {
		return nil, &ParSubmissionError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ParSubmissionError{Err: err}
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var oauthErr oauth2.Error
		if err := json.Unmarshal(body, &oauthErr); err == nil && oauthErr.Code != "" {
			return nil, &ParSubmissionError{Err: &oauthErr}
		}
		return nil, &ParSubmissionError{Err: fmt.Errorf("PAR endpoint returned status %d", resp.StatusCode)}
	}

	var parResp parResponse
	if err := json.Unmarshal(body, &parResp); err != nil {
		return nil, &ParSubmissionError{Err: fmt.Errorf("unable to decode PAR response: %w", err)}
	}
	if parResp.RequestURI == "" {
		return nil, &ParSubmissionError{Err: fmt.Errorf("PAR response carries no request_uri")}
	}

	authURL := p.authCodeURL(parResp.RequestURI, pkce)

	slog.Info("PAR accepted", "request_uri", parResp.RequestURI, "expires_in", parResp.ExpiresIn)

	return &ParResult{
		RequestURI: parResp.RequestURI,
		ExpiresIn:  parResp.ExpiresIn,
		State:      state,
		Nonce:      oidcNonce,
		AuthURL:    authURL,
	}, nil
}

// authCodeURL builds the sole browser redirect target: the authorization
// endpoint referencing the pushed request plus the PKCE challenge.
func (p *ParOrchestrator) authCodeURL(requestURI string, pkce *oauth2.PKCE) string {
	query := url.Values{}
	query.Add("client_id", p.cfg.ClientID)
	query.Add("request_uri", requestURI)
	query.Add("code_challenge", pkce.Challenge)
	query.Add("code_challenge_method", string(pkce.Method))

	return fmt.Sprintf("%s?%s", p.op.DiscoveryDocument().AuthorizationEndpoint, query.Encode())
}
