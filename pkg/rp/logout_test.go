package rp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/openbanking-lab/fapi-rp/pkg/oauth2"
	"github.com/openbanking-lab/fapi-rp/pkg/oidc"
)

func newLogoutTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := newTestConfig()
	op := &fakeOP{doc: &oidc.DiscoveryDocument{
		Issuer:             "https://as.example.com",
		EndSessionEndpoint: "https://as.example.com/end-session",
	}}
	return &Server{
		cfg:      cfg,
		op:       op,
		logout:   NewLogoutCoordinator(op, cfg),
		sessions: NewMemorySessionStore(),
	}
}

func newEchoContext(t *testing.T, method, target string, body string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	return echo.New().NewContext(req, rec), rec
}

func authenticatedSession(t *testing.T, s *Server) *AuthorizationSession {
	t.Helper()
	session := &AuthorizationSession{
		ID:      "session-1",
		Attempt: AttemptAuthenticated,
		Token:   &oauth2.TokenResponse{AccessToken: "at-1", IDToken: "h.p.s"},
	}
	if err := s.sessions.SaveSession(session); err != nil {
		t.Fatal(err)
	}
	return session
}

func withSessionCookie(c echo.Context, id string) {
	c.Request().AddCookie(&http.Cookie{Name: sessionCookieName, Value: id})
}

// RP-initiated logout on an unauthenticated session goes home, never to
// the authorization server.
func TestLogoutUnauthenticated(t *testing.T) {
	s := newLogoutTestServer(t)
	c, rec := newEchoContext(t, http.MethodGet, "/oauth/logout", "")

	if err := s.LogoutEndpoint(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/" {
		t.Errorf("expected home redirect, got %s", loc)
	}
}

func TestLogoutAuthenticated(t *testing.T) {
	s := newLogoutTestServer(t)
	session := authenticatedSession(t, s)
	c, rec := newEchoContext(t, http.MethodGet, "/oauth/logout", "")
	withSessionCookie(c, session.ID)

	if err := s.LogoutEndpoint(c); err != nil {
		t.Fatal(err)
	}

	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(loc.String(), "https://as.example.com/end-session") {
		t.Fatalf("expected end session redirect, got %s", loc)
	}
	if loc.Query().Get("client_id") != "client-1" {
		t.Error("end session redirect misses the client id")
	}
	if loc.Query().Get("post_logout_redirect_uri") != s.cfg.PostLogoutURI {
		t.Error("end session redirect misses the post logout uri")
	}
}

// Front-channel logout with the session cookie present destroys the
// session and restricts framing of the endpoint.
func TestFrontChannelLogout(t *testing.T) {
	s := newLogoutTestServer(t)
	session := authenticatedSession(t, s)
	c, rec := newEchoContext(t, http.MethodGet, "/oauth/frontchannel-logout?sid=sid-1&iss=https%3A%2F%2Fas.example.com", "")
	withSessionCookie(c, session.ID)

	if err := s.FrontChannelLogoutEndpoint(c); err != nil {
		t.Fatal(err)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	csp := rec.Header().Get("Content-Security-Policy")
	if !strings.HasPrefix(csp, "frame-ancestors ") {
		t.Errorf("expected a frame-ancestors policy, got %q", csp)
	}
	if _, err := s.sessions.GetSession(session.ID); err == nil {
		t.Error("session must be destroyed by front-channel logout")
	}
}

func TestFrontChannelLogoutWithoutCookie(t *testing.T) {
	s := newLogoutTestServer(t)
	session := authenticatedSession(t, s)
	c, rec := newEchoContext(t, http.MethodGet, "/oauth/frontchannel-logout", "")

	if err := s.FrontChannelLogoutEndpoint(c); err != nil {
		t.Fatal(err)
	}

	// best effort: without the cookie the session cannot be found
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if _, err := s.sessions.GetSession(session.ID); err != nil {
		t.Error("session must survive a cookieless notification")
	}
}

func signedLogoutToken(t *testing.T) string {
	t.Helper()
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	key, err := jwk.FromRaw(privateKey)
	if err != nil {
		t.Fatal(err)
	}
	token, err := jwt.NewBuilder().
		Issuer("https://as.example.com").
		Subject("user-1").
		IssuedAt(time.Now()).
		Claim("sid", "sid-1").
		Claim("events", map[string]any{"http://schemas.openid.net/event/backchannel-logout": map[string]any{}}).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.ES256, key))
	if err != nil {
		t.Fatal(err)
	}
	return string(signed)
}

// Back-channel logout is a notification sink: it must respond success and
// must never alter session state.
func TestBackChannelLogout(t *testing.T) {
	s := newLogoutTestServer(t)
	session := authenticatedSession(t, s)

	form := url.Values{}
	form.Set("logout_token", signedLogoutToken(t))
	c, rec := newEchoContext(t, http.MethodPost, "/oauth/backchannel-logout", form.Encode())

	if err := s.BackChannelLogoutEndpoint(c); err != nil {
		t.Fatal(err)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if _, err := s.sessions.GetSession(session.ID); err != nil {
		t.Error("back-channel logout must not touch session state")
	}
}

func TestBackChannelLogoutGarbageToken(t *testing.T) {
	s := newLogoutTestServer(t)

	form := url.Values{}
	form.Set("logout_token", "not-a-jwt")
	c, rec := newEchoContext(t, http.MethodPost, "/oauth/backchannel-logout", form.Encode())

	if err := s.BackChannelLogoutEndpoint(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("decode failures are swallowed, expected 200, got %d", rec.Code)
	}
}

func TestDecodeLogoutToken(t *testing.T) {
	s := newLogoutTestServer(t)

	claims, err := s.logout.DecodeLogoutToken(signedLogoutToken(t))
	if err != nil {
		t.Fatal(err)
	}
	if claims["iss"] != "https://as.example.com" {
		t.Errorf("unexpected issuer %v", claims["iss"])
	}
	if claims["sid"] != "sid-1" {
		t.Errorf("unexpected sid %v", claims["sid"])
	}
}

// A stale authenticated session at the post-logout callback is destroyed
// defensively.
func TestPostLogoutDestroysStaleSession(t *testing.T) {
	s := newLogoutTestServer(t)
	session := authenticatedSession(t, s)
	c, rec := newEchoContext(t, http.MethodGet, "/oauth/post-logout", "")
	withSessionCookie(c, session.ID)

	if err := s.PostLogoutEndpoint(c); err != nil {
		t.Fatal(err)
	}

	if rec.Header().Get("Location") != "/" {
		t.Errorf("expected home redirect, got %s", rec.Header().Get("Location"))
	}
	if _, err := s.sessions.GetSession(session.ID); err == nil {
		t.Error("stale session must be destroyed")
	}
}
