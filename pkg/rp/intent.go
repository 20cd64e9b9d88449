package rp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/openbanking-lab/fapi-rp/pkg/oauth2"
	"github.com/openbanking-lab/fapi-rp/pkg/oidc"
)

// PaymentScope is the client-credentials scope for payment operations.
const PaymentScope = "payment"

// Intent is the lodged payment-initiation consent. Created once per
// authorization attempt, consumed read-only by the PAR orchestrator and
// discarded after its id is bound into the claims request.
type Intent struct {
	ID     string `json:"ConsentId"`
	Status string `json:"Status"`
}

// clientCredentialsSource is the process-wide machine-to-machine token
// cache. It is keyed by grant scope and safe for concurrent lodging;
// expired entries are refreshed under the lock.
type clientCredentialsSource struct {
	tokenEndpoint string
	auth          ClientAuthenticator

	mu    sync.Mutex
	cache map[string]*cachedGrant
}

type cachedGrant struct {
	accessToken string
	expiresAt   time.Time
}

func newClientCredentialsSource(tokenEndpoint string, auth ClientAuthenticator) *clientCredentialsSource {
	return &clientCredentialsSource{
		tokenEndpoint: tokenEndpoint,
		auth:          auth,
		cache:         make(map[string]*cachedGrant),
	}
}

func (s *clientCredentialsSource) Token(ctx context.Context, scope string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if grant, ok := s.cache[scope]; ok && time.Now().Before(grant.expiresAt) {
		return grant.accessToken, nil
	}

	params := url.Values{}
	params.Set("grant_type", "client_credentials")
	params.Set("scope", scope)
	if err := s.auth.Apply(params, s.tokenEndpoint); err != nil {
		return "", &TokenAcquisitionError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenEndpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return "", &TokenAcquisitionError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.auth.HTTPClient().Do(req)
	if err != nil {
		return "", &TokenAcquisitionError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TokenAcquisitionError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr oauth2.Error
		if err := json.Unmarshal(body, &oauthErr); err != nil || oauthErr.Code == "" {
			return "", &TokenAcquisitionError{Err: fmt.Errorf("token endpoint returned status %d", resp.StatusCode)}
		}
		return "", &TokenAcquisitionError{Err: &oauthErr}
	}

	var tokenResponse oauth2.TokenResponse
	if err := json.Unmarshal(body, &tokenResponse); err != nil {
		return "", &TokenAcquisitionError{Err: fmt.Errorf("unable to decode token response: %w", err)}
	}
	if tokenResponse.AccessToken == "" {
		return "", &TokenAcquisitionError{Err: fmt.Errorf("token response carries no access token")}
	}

	// a short leeway avoids presenting a token that expires in flight
	expiresAt := time.Now().Add(time.Duration(tokenResponse.ExpiresIn)*time.Second - 30*time.Second)
	s.cache[scope] = &cachedGrant{
		accessToken: tokenResponse.AccessToken,
		expiresAt:   expiresAt,
	}

	slog.Debug("Obtained client credentials token", "scope", scope, "expires_in", tokenResponse.ExpiresIn)

	return tokenResponse.AccessToken, nil
}

// paymentInitiation is the fixed-shape intent payload posted to the
// resource server.
type paymentInitiation struct {
	Type                              string           `json:"type"`
	Actions                           []string         `json:"actions"`
	Locations                         []string         `json:"locations"`
	InstructedAmount                  instructedAmount `json:"instructedAmount"`
	CreditorName                      string           `json:"creditorName"`
	CreditorAccount                   creditorAccount  `json:"creditorAccount"`
	RemittanceInformationUnstructured string           `json:"remittanceInformationUnstructured"`
}

type instructedAmount struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

type creditorAccount struct {
	IBAN string `json:"iban"`
}

// IntentLodger posts the payment-initiation intent to the resource server
// using a machine-to-machine bearer token. It keeps no state beyond the
// shared token cache.
type IntentLodger struct {
	tokens       *clientCredentialsSource
	resourceBase string
	tenantURL    string
	payment      PaymentConfig
	httpClient   *http.Client
}

// NewIntentLodger selects the token endpoint the machine-to-machine grant
// authenticates against; a certificate-presenting client must use the mTLS
// alias, the same endpoint the code exchange later uses.
func NewIntentLodger(cfg *Config, doc *oidc.DiscoveryDocument, auth ClientAuthenticator) *IntentLodger {
	tokenEndpoint := doc.TokenEndpoint
	if auth.CertificateBound() {
		tokenEndpoint = doc.MtlsTokenEndpoint()
	}
	return &IntentLodger{
		tokens:       newClientCredentialsSource(tokenEndpoint, auth),
		resourceBase: strings.TrimSuffix(cfg.ResourceBase, "/"),
		tenantURL:    cfg.TenantURL,
		payment:      cfg.Payment,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Lodge obtains a payment-scoped token and creates the intent. The
// returned intent id is the only artifact the rest of the flow consumes.
func (l *IntentLodger) Lodge(ctx context.Context) (*Intent, error) {
	accessToken, err := l.tokens.Token(ctx, PaymentScope)
	if err != nil {
		return nil, err
	}

	lodgeData := paymentInitiation{
		Type:      "payment_initiation",
		Actions:   []string{"initiate", "status", "cancel"},
		Locations: []string{"https://example.com/payments"},
		InstructedAmount: instructedAmount{
			Currency: l.payment.Currency,
			Amount:   l.payment.Amount,
		},
		CreditorName:                      l.payment.CreditorName,
		CreditorAccount:                   creditorAccount{IBAN: l.payment.CreditorIBAN},
		RemittanceInformationUnstructured: l.payment.RemittanceInfo,
	}

	payload, err := json.Marshal(lodgeData)
	if err != nil {
		return nil, &IntentLodgingError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.resourceBase+"/domestic-payments", bytes.NewReader(payload))
	if err != nil {
		return nil, &IntentLodgingError{Err: err, Transient: true}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("tenant", l.tenantURL)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	slog.Debug("Lodging payment intent", "url", req.URL.String(), "payload", string(payload))

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, &IntentLodgingError{Err: err, Transient: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &IntentLodgingError{Err: err, Transient: true}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		transient := resp.StatusCode >= 500
		return nil, &IntentLodgingError{
			StatusCode: resp.StatusCode,
			Transient:  transient,
			Err:        fmt.Errorf("resource server rejected the intent: %s", string(body)),
		}
	}

	var intent Intent
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, &IntentLodgingError{StatusCode: resp.StatusCode, Err: fmt.Errorf("unable to decode intent response: %w", err)}
	}
	if intent.ID == "" {
		return nil, &IntentLodgingError{StatusCode: resp.StatusCode, Err: fmt.Errorf("intent response carries no ConsentId")}
	}

	slog.Info("Lodged payment intent", "consent_id", intent.ID, "status", intent.Status)

	return &intent, nil
}
