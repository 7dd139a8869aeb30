package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"

	slogctx "github.com/veqryn/slog-context"
)

const (
	wellKnownOpenIDConfigPath = "/.well-known/openid-configuration"

	wkocPrefix = "wkoc_"
	jwksPrefix = "jwks_"

	DefaultCacheTTL = time.Hour
)

// Scopes requested for every login.
var Scopes = []string{"openid", "profile", "email"}

var defaultSigningAlgs = []jose.SignatureAlgorithm{jose.RS256, jose.ES256}

// Client talks to a single OpenID Connect provider: it builds authorization
// URLs, exchanges codes and verifies the returned ID tokens.
type Client struct {
	issuer       string
	clientID     string
	clientSecret string
	redirectURL  string

	httpClient *http.Client
	cache      *cache.Cache
	allowHTTP  bool
	algs       []jose.SignatureAlgorithm
	leeway     time.Duration
	now        func() time.Time
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithCacheTTL sets how long discovery documents and key sets are reused.
func WithCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		c.cache = cache.New(ttl, 2*ttl)
	}
}

// WithAllowHTTPIssuer permits plain http issuers, e.g. a local test provider.
func WithAllowHTTPIssuer(allow bool) ClientOption {
	return func(c *Client) {
		c.allowHTTP = allow
	}
}

func WithSigningAlgorithms(algs ...jose.SignatureAlgorithm) ClientOption {
	return func(c *Client) {
		if len(algs) > 0 {
			c.algs = algs
		}
	}
}

func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

func NewClient(issuer, clientID, clientSecret, redirectURL string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		issuer:       strings.TrimSuffix(issuer, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURL:  redirectURL,
		httpClient:   http.DefaultClient,
		cache:        cache.New(DefaultCacheTTL, 2*DefaultCacheTTL),
		algs:         defaultSigningAlgs,
		leeway:       jwt.DefaultLeeway,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	u, err := url.Parse(c.issuer)
	if err != nil {
		return nil, fmt.Errorf("parsing issuer url: %w", err)
	}
	if u.Scheme != "https" && (u.Scheme != "http" || !c.allowHTTP) {
		return nil, fmt.Errorf("issuer url scheme %q is not allowed", u.Scheme)
	}
	if c.clientID == "" {
		return nil, errors.New("client id is empty")
	}

	return c, nil
}

// AuthCodeURL returns the provider URL the browser is sent to. The state and the
// S256 challenge travel as query parameters.
func (c *Client) AuthCodeURL(ctx context.Context, state, challenge string) (string, error) {
	conf, err := c.oauthConfig(ctx)
	if err != nil {
		return "", err
	}

	return conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	), nil
}

// Exchange redeems the authorization code with the PKCE verifier and returns
// the claims of the verified ID token.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (map[string]any, error) {
	conf, err := c.oauthConfig(ctx)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			slogctx.Debug(ctx, "Token endpoint refused the code", "status", rerr.Response.StatusCode, "errorCode", rerr.ErrorCode)
		}

		return nil, errors.Join(ErrExchange, err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: token response carries no id_token", ErrIDToken)
	}

	return c.VerifyIDToken(ctx, rawIDToken)
}

// VerifyIDToken checks signature, issuer, audience and lifetime of a raw ID
// token and returns all of its claims.
func (c *Client) VerifyIDToken(ctx context.Context, rawIDToken string) (map[string]any, error) {
	discovery, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}

	tok, err := jwt.ParseSigned(rawIDToken, c.algs)
	if err != nil {
		return nil, errors.Join(ErrIDToken, fmt.Errorf("parsing id token: %w", err))
	}

	var kid string
	if len(tok.Headers) > 0 {
		kid = tok.Headers[0].KeyID
	}

	keySet, err := c.keySet(ctx, discovery.JwksURI, kid)
	if err != nil {
		return nil, err
	}

	var (
		std    jwt.Claims
		claims map[string]any
	)
	if err := tok.Claims(keySet, &std, &claims); err != nil {
		return nil, errors.Join(ErrIDToken, fmt.Errorf("verifying id token signature: %w", err))
	}

	if err := std.ValidateWithLeeway(jwt.Expected{
		Issuer:      discovery.Issuer,
		AnyAudience: jwt.Audience{c.clientID},
		Time:        c.now(),
	}, c.leeway); err != nil {
		return nil, errors.Join(ErrIDToken, fmt.Errorf("validating id token claims: %w", err))
	}

	if std.Expiry == nil {
		return nil, fmt.Errorf("%w: id token has no expiry", ErrIDToken)
	}

	return claims, nil
}

// Discover returns the provider metadata, cached per issuer.
func (c *Client) Discover(ctx context.Context) (*Configuration, error) {
	// first check the cache for a recent WKOC configuration for this issuer
	cacheKey := wkocPrefix + c.issuer
	if cached, ok := c.cache.Get(cacheKey); ok {
		//nolint:forcetypeassert
		return cached.(*Configuration), nil
	}

	var conf Configuration
	if err := c.getJSON(ctx, c.issuer+wellKnownOpenIDConfigPath, &conf); err != nil {
		return nil, errors.Join(ErrDiscovery, fmt.Errorf("getting openid configuration: %w", err))
	}

	if strings.TrimSuffix(conf.Issuer, "/") != c.issuer {
		return nil, fmt.Errorf("%w: issuer %q does not match %q", ErrDiscovery, conf.Issuer, c.issuer)
	}
	if conf.AuthorizationEndpoint == "" || conf.TokenEndpoint == "" || conf.JwksURI == "" {
		return nil, fmt.Errorf("%w: incomplete openid configuration", ErrDiscovery)
	}

	c.cache.SetDefault(cacheKey, &conf)
	slogctx.Debug(ctx, "Fetched openid configuration", "issuer", c.issuer)

	return &conf, nil
}

// keySet returns the provider keys. A key id missing from a cached set forces
// one refetch so that key rotation is picked up before the cache expires.
func (c *Client) keySet(ctx context.Context, jwksURI, kid string) (*jose.JSONWebKeySet, error) {
	cacheKey := jwksPrefix + jwksURI
	if cached, ok := c.cache.Get(cacheKey); ok {
		//nolint:forcetypeassert
		keySet := cached.(*jose.JSONWebKeySet)
		if kid == "" || len(keySet.Key(kid)) > 0 {
			return keySet, nil
		}

		slogctx.Info(ctx, "Unknown signing key id, refreshing key set", "kid", kid)
	}

	var keySet jose.JSONWebKeySet
	if err := c.getJSON(ctx, jwksURI, &keySet); err != nil {
		return nil, errors.Join(ErrDiscovery, fmt.Errorf("getting jwks: %w", err))
	}

	c.cache.SetDefault(cacheKey, &keySet)

	return &keySet, nil
}

func (c *Client) oauthConfig(ctx context.Context) (*oauth2.Config, error) {
	discovery, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}

	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  c.redirectURL,
		Scopes:       Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  discovery.AuthorizationEndpoint,
			TokenURL: discovery.TokenEndpoint,
		},
	}, nil
}

func (c *Client) getJSON(ctx context.Context, uri string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("creating an HTTP request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("doing an HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}
