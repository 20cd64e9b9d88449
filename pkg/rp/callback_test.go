package rp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/openbanking-lab/fapi-rp/pkg/nonce"
	"github.com/openbanking-lab/fapi-rp/pkg/oauth2"
	"github.com/openbanking-lab/fapi-rp/pkg/oidc"
)

type callbackFixture struct {
	validator *CallbackValidator
	nonces    nonce.NonceService
	auth      *fakeAuthenticator
	received  *url.Values
}

func newCallbackFixture(t *testing.T, op *fakeOP, tokenHandler http.HandlerFunc) *callbackFixture {
	t.Helper()

	received := &url.Values{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		*received = r.PostForm
		tokenHandler(w, r)
	}))
	t.Cleanup(ts.Close)

	if op == nil {
		op = &fakeOP{}
	}
	op.doc = &oidc.DiscoveryDocument{
		Issuer:                "https://as.example.com",
		AuthorizationEndpoint: "https://as.example.com/authorize",
		TokenEndpoint:         ts.URL + "/token",
	}

	nonces := newTestNonceService(t)
	auth := &fakeAuthenticator{}
	return &callbackFixture{
		validator: NewCallbackValidator(op, auth, nonces, newTestConfig()),
		nonces:    nonces,
		auth:      auth,
		received:  received,
	}
}

func (f *callbackFixture) newSession(t *testing.T) *AuthorizationSession {
	t.Helper()
	state, err := f.nonces.Get()
	if err != nil {
		t.Fatal(err)
	}
	pkce := oauth2.GeneratePKCE()
	return &AuthorizationSession{
		ID:            "session-1",
		State:         state,
		Nonce:         "nonce-1",
		CodeVerifier:  pkce.Verifier,
		CodeChallenge: pkce.Challenge,
		IntentID:      "C123",
		Attempt:       AttemptRedirected,
	}
}

func okTokenHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(oauth2.TokenResponse{
		AccessToken: "at-1",
		TokenType:   "Bearer",
		ExpiresIn:   3600,
		IDToken:     "header.payload.signature",
	})
}

func TestCallbackExchange(t *testing.T) {
	f := newCallbackFixture(t, nil, okTokenHandler)
	session := f.newSession(t)
	verifier := session.CodeVerifier

	tokenSet, err := f.validator.HandleCallback(context.Background(), session, CallbackParams{
		Code:  "code-1",
		State: session.State,
	})
	if err != nil {
		t.Fatal(err)
	}

	if tokenSet.AccessToken != "at-1" {
		t.Errorf("unexpected access token %s", tokenSet.AccessToken)
	}
	if session.Attempt != AttemptTokenExchanged {
		t.Errorf("attempt state %s, expected TOKEN_EXCHANGED", session.Attempt)
	}
	if session.CodeVerifier != "" {
		t.Error("verifier must be discarded after the exchange")
	}

	if f.received.Get("code_verifier") != verifier {
		t.Error("stored verifier not presented at the token endpoint")
	}
	if f.received.Get("grant_type") != "authorization_code" {
		t.Errorf("unexpected grant type %s", f.received.Get("grant_type"))
	}
	if f.received.Get("client_assertion") == "" {
		t.Error("exchange carries no client authentication")
	}
	if f.auth.lastAudience != f.validator.op.DiscoveryDocument().TokenEndpoint {
		t.Errorf("assertion audience %s, expected the token endpoint", f.auth.lastAudience)
	}
}

// A callback whose state differs from the pushed one must fail without a
// token set, whatever the rest of the parameters look like.
func TestCallbackStateMismatch(t *testing.T) {
	f := newCallbackFixture(t, nil, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no exchange expected on state mismatch")
	})
	session := f.newSession(t)

	tokenSet, err := f.validator.HandleCallback(context.Background(), session, CallbackParams{
		Code:  "code-1",
		State: "tampered-state",
	})
	if tokenSet != nil {
		t.Fatal("token set produced despite state mismatch")
	}

	var cbErr *CallbackError
	if !errors.As(err, &cbErr) || cbErr.Reason != ReasonStateMismatch {
		t.Fatalf("expected state mismatch, got %v", err)
	}
	if session.Attempt != AttemptFailed {
		t.Errorf("attempt state %s, expected FAILED", session.Attempt)
	}
	if session.CodeVerifier != "" {
		t.Error("verifier must be discarded after a failed callback")
	}
}

// A state is single use: replaying the callback after a successful
// exchange must be rejected.
func TestCallbackStateReplay(t *testing.T) {
	f := newCallbackFixture(t, nil, okTokenHandler)
	session := f.newSession(t)
	state := session.State

	if _, err := f.validator.HandleCallback(context.Background(), session, CallbackParams{Code: "code-1", State: state}); err != nil {
		t.Fatal(err)
	}

	replayed := f.newSession(t)
	replayed.State = state
	replayed.Attempt = AttemptRedirected

	_, err := f.validator.HandleCallback(context.Background(), replayed, CallbackParams{Code: "code-2", State: state})
	var cbErr *CallbackError
	if !errors.As(err, &cbErr) || cbErr.Reason != ReasonStateMismatch {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestCallbackPKCEMismatch(t *testing.T) {
	f := newCallbackFixture(t, nil, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no exchange expected on PKCE mismatch")
	})
	session := f.newSession(t)
	session.CodeVerifier = oauth2.GenerateCodeVerifier() // does not derive the stored challenge

	_, err := f.validator.HandleCallback(context.Background(), session, CallbackParams{
		Code:  "code-1",
		State: session.State,
	})

	var cbErr *CallbackError
	if !errors.As(err, &cbErr) || cbErr.Reason != ReasonPKCEMismatch {
		t.Fatalf("expected PKCE mismatch, got %v", err)
	}
}

func TestCallbackIllegalTransition(t *testing.T) {
	f := newCallbackFixture(t, nil, okTokenHandler)
	session := f.newSession(t)
	session.Attempt = AttemptAuthenticated

	_, err := f.validator.HandleCallback(context.Background(), session, CallbackParams{
		Code:  "code-1",
		State: session.State,
	})

	var cbErr *CallbackError
	if !errors.As(err, &cbErr) || cbErr.Reason != ReasonIllegalTransition {
		t.Fatalf("expected illegal transition, got %v", err)
	}
}

func TestCallbackErrorResponse(t *testing.T) {
	f := newCallbackFixture(t, nil, okTokenHandler)
	session := f.newSession(t)

	_, err := f.validator.HandleCallback(context.Background(), session, CallbackParams{
		State:            session.State,
		Error:            "access_denied",
		ErrorDescription: "user cancelled",
	})

	var cbErr *CallbackError
	if !errors.As(err, &cbErr) || cbErr.Reason != ReasonAuthorizationDenied {
		t.Fatalf("expected authorization denied, got %v", err)
	}
}

func TestCallbackTokenValidationFailure(t *testing.T) {
	op := &fakeOP{parseErr: errors.New("issuer mismatch")}
	f := newCallbackFixture(t, op, okTokenHandler)
	session := f.newSession(t)

	tokenSet, err := f.validator.HandleCallback(context.Background(), session, CallbackParams{
		Code:  "code-1",
		State: session.State,
	})
	if tokenSet != nil {
		t.Fatal("token set produced despite id token rejection")
	}

	var cbErr *CallbackError
	if !errors.As(err, &cbErr) || cbErr.Reason != ReasonTokenValidation {
		t.Fatalf("expected token validation failure, got %v", err)
	}
}
