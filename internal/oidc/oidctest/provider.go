// Package oidctest runs an in-process OpenID Connect provider for tests.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/openkcm/session-authority/internal/oidc"
	"github.com/openkcm/session-authority/internal/pkce"
)

const (
	ClientID     = "test-client"
	ClientSecret = "test-secret"
	KeyID        = "test-key"
)

type grant struct {
	challenge string
	idToken   string
}

// Provider serves discovery, JWKS, authorize and token endpoints. Codes are
// registered up front with Issue and can be redeemed once.
type Provider struct {
	*httptest.Server

	key *rsa.PrivateKey

	mu     sync.Mutex
	grants map[string]grant

	discoveryHits atomic.Int32
	jwksHits      atomic.Int32
}

func NewProvider(t testing.TB) *Provider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating rsa key: %v", err)
	}

	p := &Provider{
		key:    key,
		grants: make(map[string]grant),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("GET /jwks", p.handleJWKS)
	mux.HandleFunc("POST /token", p.handleToken)
	mux.HandleFunc("GET /authorize", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)

	return p
}

// Issuer is the issuer URL, which is also the base URL of the server.
func (p *Provider) Issuer() string {
	return p.URL
}

func (p *Provider) DiscoveryHits() int { return int(p.discoveryHits.Load()) }
func (p *Provider) JWKSHits() int      { return int(p.jwksHits.Load()) }

// Claims returns a complete, valid claim set for subject.
func (p *Provider) Claims(subject string) map[string]any {
	now := time.Now()

	return map[string]any{
		"iss":     p.Issuer(),
		"aud":     ClientID,
		"sub":     subject,
		"iat":     now.Unix(),
		"exp":     now.Add(time.Hour).Unix(),
		"email":   subject + "@example.com",
		"name":    "User " + subject,
		"picture": "https://example.com/" + subject + ".png",
	}
}

// Sign serialises claims into a compact JWS signed with the provider key.
func (p *Provider) Sign(t testing.TB, claims map[string]any) string {
	t.Helper()

	return p.SignWith(t, p.key, KeyID, claims)
}

// SignWith signs with an arbitrary key, e.g. to produce a token the provider
// keys cannot verify.
func (p *Provider) SignWith(t testing.TB, key *rsa.PrivateKey, kid string, claims map[string]any) string {
	t.Helper()

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader(jose.HeaderKey("kid"), kid),
	)
	if err != nil {
		t.Fatalf("creating signer: %v", err)
	}

	raw, err := jwt.Signed(signer).Claims(maps.Clone(claims)).Serialize()
	if err != nil {
		t.Fatalf("signing claims: %v", err)
	}

	return raw
}

// Issue registers code for a login whose PKCE challenge is challenge. Redeeming
// it returns an ID token carrying claims.
func (p *Provider) Issue(t testing.TB, code, challenge string, claims map[string]any) {
	t.Helper()

	p.IssueIDToken(code, challenge, p.Sign(t, claims))
}

// IssueIDToken is Issue with a preformatted ID token.
func (p *Provider) IssueIDToken(code, challenge, idToken string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.grants[code] = grant{challenge: challenge, idToken: idToken}
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	p.discoveryHits.Add(1)

	writeJSON(w, http.StatusOK, oidc.Configuration{
		Issuer:                           p.Issuer(),
		AuthorizationEndpoint:            p.URL + "/authorize",
		TokenEndpoint:                    p.URL + "/token",
		JwksURI:                          p.URL + "/jwks",
		ResponseTypesSupported:           []string{"code"},
		IDTokenSigningAlgValuesSupported: []string{string(jose.RS256)},
		ScopesSupported:                  oidc.Scopes,
		CodeChallengeMethodsSupported:    []string{pkce.MethodS256},
	})
}

func (p *Provider) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	p.jwksHits.Add(1)

	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       &p.key.PublicKey,
			KeyID:     KeyID,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}},
	})
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID, clientSecret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if clientID != ClientID || clientSecret != ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	code := r.PostForm.Get("code")

	p.mu.Lock()
	g, found := p.grants[code]
	delete(p.grants, code)
	p.mu.Unlock()

	if r.PostForm.Get("grant_type") != "authorization_code" || !found ||
		pkce.Challenge(r.PostForm.Get("code_verifier")) != g.challenge {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": "access-" + code,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     g.idToken,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
