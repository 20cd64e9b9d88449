package rp

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/openbanking-lab/fapi-rp/pkg/nonce"
	"github.com/openbanking-lab/fapi-rp/pkg/oauth2"
	"github.com/openbanking-lab/fapi-rp/pkg/oidc"
	"github.com/openbanking-lab/fapi-rp/pkg/util"
	"github.com/segmentio/ksuid"
)

const sessionCookieName = "rp_session"

// Server is the HTTP surface of the relying party. Configuration is
// read-only after startup; every authorization attempt is scoped to one
// session held in the store.
type Server struct {
	cfg      *Config
	op       oidc.Client
	intents  *IntentLodger
	par      *ParOrchestrator
	callback *CallbackValidator
	logout   *LogoutCoordinator
	sessions SessionStore
}

type Option func(*Server) error

func WithSessionStore(store SessionStore) Option {
	return func(s *Server) error {
		s.sessions = store
		return nil
	}
}

func NewServer(cfg *Config, opts ...Option) (*Server, error) {
	op, err := oidc.NewClient(&oidc.Config{
		Issuer:   cfg.Issuer,
		ClientID: cfg.ClientID,
	})
	if err != nil {
		return nil, &DiscoveryError{Err: err}
	}

	auth, err := NewClientAuthenticator(cfg)
	if err != nil {
		return nil, err
	}

	nonces, err := nonce.NewHashicorpNonceService()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		op:       op,
		intents:  NewIntentLodger(cfg, op.DiscoveryDocument(), auth),
		par:      NewParOrchestrator(op, auth, nonces, cfg),
		callback: NewCallbackValidator(op, auth, nonces, cfg),
		logout:   NewLogoutCoordinator(op, cfg),
		sessions: NewMemorySessionStore(),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func ErrorLogMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err != nil {
			slog.Error("Error", "error", err, "path", c.Path(), "remote_addr", c.RealIP())
		}
		return err
	}
}

func (s *Server) MountRoutes(group *echo.Group) {
	group.Use(ErrorLogMiddleware)
	group.GET("/authorize", s.AuthorizeEndpoint)
	group.GET("/callback", s.CallbackEndpoint)
	group.GET("/logout", s.LogoutEndpoint)
	group.GET("/frontchannel-logout", s.FrontChannelLogoutEndpoint)
	group.POST("/backchannel-logout", s.BackChannelLogoutEndpoint)
	group.GET("/post-logout", s.PostLogoutEndpoint)
}

// AuthorizeEndpoint lodges the intent, pushes the authorization request
// and redirects the browser to the authorization server. User-facing
// failure messages stay generic; the diagnostic detail goes to the log.
func (s *Server) AuthorizeEndpoint(c echo.Context) error {
	ctx := c.Request().Context()

	intent, err := s.intents.Lodge(ctx)
	if err != nil {
		slog.Error("Unable to lodge the intent", "error", err)
		return c.String(http.StatusBadGateway, "Unable to lodge the payment intent.")
	}

	pkce := oauth2.GeneratePKCE()

	result, err := s.par.Submit(ctx, intent.ID, pkce)
	if err != nil {
		slog.Error("Unable to push the authorization request", "error", err)
		return c.String(http.StatusBadGateway, "Unable to start the authorization.")
	}

	session := &AuthorizationSession{
		ID:            ksuid.New().String(),
		State:         result.State,
		Nonce:         result.Nonce,
		CodeVerifier:  pkce.Verifier,
		CodeChallenge: pkce.Challenge,
		IntentID:      intent.ID,
		RequestURI:    result.RequestURI,
		AuthURL:       result.AuthURL,
		TargetURL:     s.localTarget(c.QueryParam("target")),
		Attempt:       AttemptRedirected,
	}
	if err := s.sessions.SaveSession(session); err != nil {
		slog.Error("Unable to save session", "error", err)
		return c.String(http.StatusInternalServerError, "Unable to start the authorization.")
	}

	s.setSessionCookie(c, session.ID)

	slog.Info("Redirecting to authorization server", "auth_url", result.AuthURL, "session_id", session.ID)

	return c.Redirect(http.StatusFound, result.AuthURL)
}

// CallbackEndpoint validates the authorization response and persists the
// token set. On any validation failure the partial session artifacts are
// destroyed and no token set is written.
func (s *Server) CallbackEndpoint(c echo.Context) error {
	session := s.sessionFromRequest(c)
	if session == nil {
		slog.Error("Callback without an authorization attempt")
		return c.String(http.StatusBadRequest, "No authorization attempt in progress.")
	}

	params := CallbackParams{
		Code:             c.QueryParam("code"),
		State:            c.QueryParam("state"),
		Error:            c.QueryParam("error"),
		ErrorDescription: c.QueryParam("error_description"),
	}

	tokenSet, err := s.callback.HandleCallback(c.Request().Context(), session, params)
	if err != nil {
		s.sessions.DeleteSession(session.ID)
		s.clearSessionCookie(c)
		return c.String(http.StatusBadRequest, "Authorization failed.")
	}

	session.Token = tokenSet
	session.Attempt = AttemptAuthenticated
	if err := s.sessions.SaveSession(session); err != nil {
		slog.Error("Unable to save session", "error", err)
		return c.String(http.StatusInternalServerError, "Authorization failed.")
	}

	slog.Info("Authorization complete", "session_id", session.ID, "id_token", util.JWSToText(tokenSet.IDToken))

	targetUrl := session.TargetURL
	if targetUrl == "" {
		targetUrl = s.cfg.HomePath
	}

	return c.Redirect(http.StatusFound, targetUrl)
}

// LogoutEndpoint starts RP-initiated logout. Unauthenticated sessions go
// straight home, never to the authorization server.
func (s *Server) LogoutEndpoint(c echo.Context) error {
	session := s.sessionFromRequest(c)
	if !session.Authenticated() {
		return c.Redirect(http.StatusFound, s.cfg.HomePath)
	}

	endSessionURL, err := s.logout.EndSessionURL()
	if err != nil {
		slog.Error("Unable to build end session url", "error", err)
		return c.Redirect(http.StatusFound, s.cfg.HomePath)
	}

	return c.Redirect(http.StatusFound, endSessionURL)
}

// FrontChannelLogoutEndpoint destroys the local session when the browser
// forwarded its cookie. The framing policy restricts who may embed this
// endpoint, since the OP loads it in an iframe.
func (s *Server) FrontChannelLogoutEndpoint(c echo.Context) error {
	slog.Info("Front-channel logout notification", "sid", c.QueryParam("sid"), "iss", c.QueryParam("iss"))

	if session := s.sessionFromRequest(c); session != nil {
		s.sessions.DeleteSession(session.ID)
		s.clearSessionCookie(c)
	}

	c.Response().Header().Set("Content-Security-Policy", "frame-ancestors "+s.frameAncestors())

	return c.String(http.StatusOK, "Front-channel logout done.")
}

// BackChannelLogoutEndpoint decodes the logout token for observability
// only. No session cookie arrives on a server-to-server call, so no
// session state is ever altered, and the endpoint always reports success.
func (s *Server) BackChannelLogoutEndpoint(c echo.Context) error {
	logoutToken := c.FormValue("logout_token")

	claims, err := s.logout.DecodeLogoutToken(logoutToken)
	if err != nil {
		slog.Error("Unable to decode logout token", "error", err)
	} else {
		slog.Info("Back-channel logout notification", "claims", claims)
	}

	return c.String(http.StatusOK, "Back-channel logout done.")
}

// PostLogoutEndpoint is the return target after the authorization server
// finishes its logout. A stale authenticated session means the
// front-channel notification never reached us with a cookie; destroy it
// here.
func (s *Server) PostLogoutEndpoint(c echo.Context) error {
	if session := s.sessionFromRequest(c); session.Authenticated() {
		slog.Info("Destroying stale session after logout", "session_id", session.ID)
		s.sessions.DeleteSession(session.ID)
		s.clearSessionCookie(c)
	}

	return c.Redirect(http.StatusFound, s.cfg.HomePath)
}

// localTarget accepts only paths on this host as the post-authentication
// redirect. Absolute URLs and protocol-relative forms like //evil.example
// or /\evil.example would hand the freshly authenticated browser to
// whoever crafted the authorize link.
func (s *Server) localTarget(target string) string {
	if target == "" || target[0] != '/' {
		return s.cfg.HomePath
	}
	if len(target) > 1 && (target[1] == '/' || target[1] == '\\') {
		return s.cfg.HomePath
	}
	return target
}

func (s *Server) sessionFromRequest(c echo.Context) *AuthorizationSession {
	cookie, err := c.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	session, err := s.sessions.GetSession(cookie.Value)
	if err != nil {
		return nil
	}
	return session
}

func (s *Server) setSessionCookie(c echo.Context, id string) {
	c.SetCookie(&http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

func (s *Server) frameAncestors() string {
	if s.cfg.FrameAncestors != "" {
		return s.cfg.FrameAncestors
	}
	if origin := issuerOrigin(s.cfg.Issuer); origin != "" {
		return origin
	}
	return "'none'"
}

func issuerOrigin(issuer string) string {
	u, err := url.Parse(issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
}
