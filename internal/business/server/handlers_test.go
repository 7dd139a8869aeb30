package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/openkcm/common-sdk/pkg/csrf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-authority/internal/config"
	"github.com/openkcm/session-authority/internal/identity"
	"github.com/openkcm/session-authority/internal/identity/identitymock"
	"github.com/openkcm/session-authority/internal/login"
	"github.com/openkcm/session-authority/internal/oidc"
	"github.com/openkcm/session-authority/internal/oidc/oidctest"
	"github.com/openkcm/session-authority/internal/session"
	"github.com/openkcm/session-authority/internal/session/sessionmock"
	"github.com/openkcm/session-authority/internal/token"
)

var testCSRFSecret = []byte("0123456789abcdef0123456789abcdef")

func testConfig() *config.Config {
	cookie := func(name string) config.CookieTemplate {
		return config.CookieTemplate{Name: name, Path: "/", HTTPOnly: true, SameSite: config.CookieSameSiteLax}
	}

	return &config.Config{
		BaseConfig: commoncfg.BaseConfig{
			Application: commoncfg.Application{Name: "test-app"},
		},
		HTTP: config.HTTPServer{Address: "localhost:0", ShutdownTimeout: time.Second},
		Session: config.Session{
			Lifetime:      30 * 24 * time.Hour,
			RenewalWindow: 15 * 24 * time.Hour,
			StoreTimeout:  time.Second,
			Cookie:        cookie("session"),
			CSRFCookie:    config.CookieTemplate{Name: "csrf_token", Path: "/", SameSite: config.CookieSameSiteLax},
		},
		Login: config.Login{
			LandingURL:     "/loggedIn",
			LoginURL:       "/login",
			HandshakeTTL:   10 * time.Minute,
			StateCookie:    cookie("google_oauth_state"),
			VerifierCookie: cookie("google_code_verifier"),
		},
	}
}

type testServer struct {
	*httptest.Server

	cfg      *config.Config
	idp      *oidctest.Provider
	users    *identitymock.Repository
	sessions *sessionmock.Repository
	client   *http.Client
}

func newTestServer(t *testing.T, sessionOpts ...sessionmock.RepositoryOption) *testServer {
	t.Helper()

	cfg := testConfig()
	require.NoError(t, initMeters(t.Context(), cfg))

	idp := oidctest.NewProvider(t)
	client, err := oidc.NewClient(idp.Issuer(), oidctest.ClientID, oidctest.ClientSecret,
		"https://app.example.com/login/google/callback", oidc.WithAllowHTTPIssuer(true))
	require.NoError(t, err)

	users := identitymock.NewInMemRepository()
	sessions := sessionmock.NewInMemRepository(sessionOpts...)
	identities := identity.NewService(users)
	authority := session.NewAuthority(sessions, identities,
		session.WithLifetime(cfg.Session.Lifetime, cfg.Session.RenewalWindow))
	coordinator := login.NewCoordinator(client, identities, authority)

	srv := httptest.NewServer(newRouter(cfg, NewHandlers(cfg, authority, coordinator, testCSRFSecret)))
	t.Cleanup(srv.Close)

	return &testServer{
		Server:   srv,
		cfg:      cfg,
		idp:      idp,
		users:    users,
		sessions: sessions,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

func (s *testServer) do(t *testing.T, method, path string, header http.Header, cookies ...*http.Cookie) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, s.URL+path, nil)
	require.NoError(t, err)

	for k, v := range header {
		req.Header[k] = v
	}
	for _, c := range cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}

	resp, err := s.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

// login walks the whole handshake for subject and returns the callback response.
func (s *testServer) login(t *testing.T, subject string) *http.Response {
	t.Helper()

	resp := s.do(t, http.MethodGet, routeLogin, nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)

	authURL, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	code := "code-" + subject
	s.idp.Issue(t, code, authURL.Query().Get("code_challenge"), s.idp.Claims(subject))

	q := url.Values{"code": {code}, "state": {authURL.Query().Get("state")}}

	return s.do(t, http.MethodGet, routeCallback+"?"+q.Encode(), nil,
		lastCookie(resp, "google_oauth_state"), lastCookie(resp, "google_code_verifier"))
}

// lastCookie returns the cookie the browser ends up with when name is set more than once.
func lastCookie(resp *http.Response, name string) *http.Cookie {
	var found *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == name {
			found = c
		}
	}

	return found
}

func decodeError(t *testing.T, resp *http.Response) errorModel {
	t.Helper()

	var body errorModel
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	return body
}

func TestHandlers_StartLogin(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, routeLogin, nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location := resp.Header.Get("Location")
	assert.True(t, strings.HasPrefix(location, s.idp.Issuer()+"/authorize?"), location)

	authURL, err := url.Parse(location)
	require.NoError(t, err)

	state := lastCookie(resp, "google_oauth_state")
	require.NotNil(t, state)
	assert.Equal(t, authURL.Query().Get("state"), state.Value)
	assert.True(t, state.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, state.SameSite)
	assert.InDelta(t, 600, state.MaxAge, 5)

	verifier := lastCookie(resp, "google_code_verifier")
	require.NotNil(t, verifier)
	assert.Len(t, verifier.Value, 43)
	assert.NotContains(t, location, verifier.Value)
}

func TestHandlers_LoginLifecycle(t *testing.T) {
	s := newTestServer(t)

	resp := s.login(t, "alice")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/loggedIn", resp.Header.Get("Location"))

	for _, name := range []string{"google_oauth_state", "google_code_verifier"} {
		c := lastCookie(resp, name)
		require.NotNil(t, c, name)
		assert.Empty(t, c.Value, name)
		assert.Negative(t, c.MaxAge, name)
	}

	sessionCookie := lastCookie(resp, "session")
	require.NotNil(t, sessionCookie)
	assert.Len(t, sessionCookie.Value, 32)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), sessionCookie.Expires, time.Minute)

	csrfCookie := lastCookie(resp, "csrf_token")
	require.NotNil(t, csrfCookie)
	assert.True(t, csrf.Validate(csrfCookie.Value, token.DeriveID(sessionCookie.Value), testCSRFSecret))

	assert.Equal(t, 1, s.users.Len())
	assert.Equal(t, 1, s.sessions.Len())

	t.Run("me returns the user", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, routeMe, nil, sessionCookie)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

		var body meResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "alice", body.User.ExternalID)
		assert.Equal(t, "alice@example.com", body.User.Email)

		refreshed := lastCookie(resp, "session")
		require.NotNil(t, refreshed)
		assert.Equal(t, sessionCookie.Value, refreshed.Value)
	})

	t.Run("logout without csrf token is forbidden", func(t *testing.T) {
		resp := s.do(t, http.MethodPost, routeLogout, nil, sessionCookie)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, 1, s.sessions.Len())
	})

	t.Run("logout with a foreign csrf token is forbidden", func(t *testing.T) {
		header := http.Header{csrfHeader: {csrf.NewToken("another-session", testCSRFSecret)}}
		resp := s.do(t, http.MethodPost, routeLogout, header, sessionCookie)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("logout removes the session", func(t *testing.T) {
		header := http.Header{csrfHeader: {csrfCookie.Value}}
		resp := s.do(t, http.MethodPost, routeLogout, header, sessionCookie)
		require.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/login", resp.Header.Get("Location"))

		deleted := lastCookie(resp, "session")
		require.NotNil(t, deleted)
		assert.Empty(t, deleted.Value)
		assert.Equal(t, 0, s.sessions.Len())
	})

	t.Run("token is dead after logout", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, routeMe, nil, sessionCookie)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		deleted := lastCookie(resp, "session")
		require.NotNil(t, deleted)
		assert.Negative(t, deleted.MaxAge)
	})
}

func TestHandlers_CallbackRejected(t *testing.T) {
	tests := []struct {
		name   string
		query  url.Values
		state  string
		verify string
	}{
		{
			name:   "missing code",
			query:  url.Values{"state": {"s"}},
			state:  "s",
			verify: "v",
		},
		{
			name:  "missing handshake cookies",
			query: url.Values{"code": {"c"}, "state": {"s"}},
		},
		{
			name:   "state mismatch",
			query:  url.Values{"code": {"c"}, "state": {"forged"}},
			state:  "s",
			verify: "v",
		},
		{
			name:   "unknown code",
			query:  url.Values{"code": {"c"}, "state": {"s"}},
			state:  "s",
			verify: "v",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)

			var cookies []*http.Cookie
			if tt.state != "" {
				cookies = append(cookies, &http.Cookie{Name: "google_oauth_state", Value: tt.state})
			}
			if tt.verify != "" {
				cookies = append(cookies, &http.Cookie{Name: "google_code_verifier", Value: tt.verify})
			}

			resp := s.do(t, http.MethodGet, routeCallback+"?"+tt.query.Encode(), nil, cookies...)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			assert.Equal(t, errorModel{Error: "invalid_request", ErrorDescription: "login failed"}, decodeError(t, resp))
			assert.Nil(t, lastCookie(resp, "session"))
			assert.Empty(t, lastCookie(resp, "google_oauth_state").Value)
			assert.Empty(t, lastCookie(resp, "google_code_verifier").Value)
			assert.Equal(t, 0, s.users.Len())
			assert.Equal(t, 0, s.sessions.Len())
		})
	}
}

func TestHandlers_Anonymous(t *testing.T) {
	s := newTestServer(t)

	t.Run("me without a cookie", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, routeMe, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Empty(t, resp.Header.Values("Set-Cookie"))
		assert.Equal(t, "unauthorized", decodeError(t, resp).Error)
	})

	t.Run("logout without a cookie", func(t *testing.T) {
		resp := s.do(t, http.MethodPost, routeLogout, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("me with an unknown token drops the cookie", func(t *testing.T) {
		tok, err := token.Generate()
		require.NoError(t, err)

		resp := s.do(t, http.MethodGet, routeMe, nil, &http.Cookie{Name: "session", Value: tok})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Negative(t, lastCookie(resp, "session").MaxAge)
	})
}

func TestHandlers_Renewal(t *testing.T) {
	tok, err := token.Generate()
	require.NoError(t, err)

	user := identity.User{ID: "u-1", ExternalID: "bob", Email: "bob@example.com", Name: "Bob"}
	expiring := session.Session{ID: token.DeriveID(tok), UserID: user.ID, ExpiresAt: time.Now().Add(time.Hour)}

	s := newTestServer(t, sessionmock.WithSession(expiring))
	require.NoError(t, s.users.Create(t.Context(), user))

	resp := s.do(t, http.MethodGet, routeMe, nil, &http.Cookie{Name: "session", Value: tok})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	renewed := lastCookie(resp, "session")
	require.NotNil(t, renewed)
	assert.Equal(t, tok, renewed.Value)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), renewed.Expires, time.Minute)

	stored, ok := s.sessions.Get(expiring.ID)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), stored.ExpiresAt, time.Minute)
}

func TestHandlers_StorageFailure(t *testing.T) {
	s := newTestServer(t, sessionmock.WithLoadSessionError(errors.New("connection refused")))

	tok, err := token.Generate()
	require.NoError(t, err)

	resp := s.do(t, http.MethodGet, routeMe, nil, &http.Cookie{Name: "session", Value: tok})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "storage_failure", decodeError(t, resp).Error)
	assert.Nil(t, lastCookie(resp, "session"))
}

func TestHandlers_LoginRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP.LoginRateLimit = 2
	require.NoError(t, initMeters(t.Context(), cfg))

	logins := stubLogins{handshake: login.Handshake{AuthorizationURL: "https://idp.example.com/authorize", ExpiresAt: time.Now().Add(time.Minute)}}
	router := newRouter(cfg, NewHandlers(cfg, stubSessions{}, logins, testCSRFSecret))

	var codes []int
	for range 3 {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, routeLogin, nil))
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusFound, http.StatusFound, http.StatusTooManyRequests}, codes)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, routeMe, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type stubSessions struct{}

func (stubSessions) Validate(_ context.Context, _ string) (session.Result, error) {
	return session.Result{}, nil
}

func (stubSessions) Invalidate(_ context.Context, _ string) error { return nil }

type stubLogins struct {
	handshake login.Handshake
}

func (s stubLogins) Start(_ context.Context) (login.Handshake, error) { return s.handshake, nil }

func (stubLogins) Callback(_ context.Context, _ login.CallbackRequest) (login.Login, error) {
	return login.Login{}, errors.New("not used")
}
