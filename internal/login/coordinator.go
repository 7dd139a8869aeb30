package login

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	otlpaudit "github.com/openkcm/common-sdk/pkg/otlp/audit"
	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-authority/internal/identity"
	"github.com/openkcm/session-authority/internal/pkce"
	"github.com/openkcm/session-authority/internal/serviceerr"
	"github.com/openkcm/session-authority/internal/session"
)

const (
	DefaultHandshakeTTL  = 10 * time.Minute
	DefaultAvatar        = "https://example.com/default-avatar.png"
	auditUserInitiatorID = "session authority"
	auditTenantID        = "session-authority"
	anonymousObjectID    = "anonymous"
)

// IdentityProvider is the OpenID Connect provider users log in with.
type IdentityProvider interface {
	AuthCodeURL(ctx context.Context, state, challenge string) (string, error)
	Exchange(ctx context.Context, code, verifier string) (map[string]any, error)
}

type Users interface {
	Provision(ctx context.Context, profile identity.Profile) (identity.User, error)
}

type Sessions interface {
	CreateSession(ctx context.Context, userID string) (session.Session, string, error)
}

// Handshake is a started login. State and Verifier have to be kept by the
// client until the callback and must not outlive ExpiresAt.
type Handshake struct {
	AuthorizationURL string
	State            string
	Verifier         string
	ExpiresAt        time.Time
}

// CallbackRequest carries what the provider returned next to what the client kept.
type CallbackRequest struct {
	Code           string
	ReturnedState  string
	StoredState    string
	StoredVerifier string
}

// Login is a completed handshake. Token is the bearer credential of Session.
type Login struct {
	Session session.Session
	Token   string
	User    identity.User
}

type CoordinatorOption func(*Coordinator)

func WithAuditLogger(l *otlpaudit.AuditLogger) CoordinatorOption {
	return func(c *Coordinator) {
		c.audit = l
	}
}

// WithDefaultAvatar sets the avatar used when the provider sends none.
func WithDefaultAvatar(avatar string) CoordinatorOption {
	return func(c *Coordinator) {
		if avatar != "" {
			c.defaultAvatar = avatar
		}
	}
}

func WithHandshakeTTL(ttl time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.handshakeTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

// Coordinator runs the authorization code flow with PKCE. It keeps no state
// between Start and Callback.
type Coordinator struct {
	provider IdentityProvider
	users    Users
	sessions Sessions
	pkce     pkce.Source
	audit    *otlpaudit.AuditLogger

	defaultAvatar string
	handshakeTTL  time.Duration
	now           func() time.Time
}

func NewCoordinator(provider IdentityProvider, users Users, sessions Sessions, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		provider:      provider,
		users:         users,
		sessions:      sessions,
		defaultAvatar: DefaultAvatar,
		handshakeTTL:  DefaultHandshakeTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c
}

// Start begins a login and returns where to send the browser.
func (c *Coordinator) Start(ctx context.Context) (Handshake, error) {
	state := c.pkce.State()
	p := c.pkce.PKCE()

	u, err := c.provider.AuthCodeURL(ctx, state, p.Challenge)
	if err != nil {
		return Handshake{}, fmt.Errorf("building authorization url: %w", err)
	}

	return Handshake{
		AuthorizationURL: u,
		State:            state,
		Verifier:         p.Verifier,
		ExpiresAt:        c.now().Add(c.handshakeTTL),
	}, nil
}

// Callback finishes a login. Rejected handshakes return one of
// serviceerr.ErrMissingParameters, ErrStateMismatch, ErrInvalidAuthorizationCode
// or ErrInvalidProfile; store failures return serviceerr.ErrStorageFailure.
// No user or session is written before the handshake is accepted.
func (c *Coordinator) Callback(ctx context.Context, req CallbackRequest) (Login, error) {
	correlationID := uuid.NewString()
	ctx = slogctx.With(ctx, "correlation_id", correlationID)

	fail := func(objectID, reason string, err error) (Login, error) {
		slogctx.Info(ctx, "Login rejected", "reason", reason, "error", err)
		c.sendUserLoginFailureAudit(ctx, correlationID, objectID, reason)

		return Login{}, err
	}

	if req.Code == "" || req.ReturnedState == "" || req.StoredState == "" || req.StoredVerifier == "" {
		return fail(anonymousObjectID, "missing parameters", serviceerr.ErrMissingParameters)
	}

	if subtle.ConstantTimeCompare([]byte(req.ReturnedState), []byte(req.StoredState)) != 1 {
		return fail(anonymousObjectID, "state mismatch", serviceerr.ErrStateMismatch)
	}

	claims, err := c.provider.Exchange(ctx, req.Code, req.StoredVerifier)
	if err != nil {
		return fail(anonymousObjectID, "invalid authorization code", errors.Join(serviceerr.ErrInvalidAuthorizationCode, err))
	}

	profile, err := c.ValidateClaims(claims)
	if err != nil {
		return fail(anonymousObjectID, "invalid profile", err)
	}

	ctx = slogctx.With(ctx, "external_id", profile.ExternalID)

	user, err := c.users.Provision(ctx, profile)
	if err != nil {
		return fail(profile.ExternalID, "provisioning user failed", fmt.Errorf("provisioning user: %w", err))
	}

	s, tok, err := c.sessions.CreateSession(ctx, user.ID)
	if err != nil {
		return fail(user.ID, "creating session failed", fmt.Errorf("creating session: %w", err))
	}

	slogctx.Info(ctx, "User logged in", "user_id", user.ID)
	c.sendUserLoginSuccessAudit(ctx, correlationID, user.ID)

	return Login{Session: s, Token: tok, User: user}, nil
}

// ValidateClaims turns ID token claims into a Profile. Subject, email and name
// must be non-empty strings. A missing or unusable picture falls back to the
// default avatar.
func (c *Coordinator) ValidateClaims(claims map[string]any) (identity.Profile, error) {
	var missing []string
	required := func(name string) string {
		v, ok := claims[name].(string)
		if !ok || v == "" {
			missing = append(missing, name)
		}

		return v
	}

	profile := identity.Profile{
		ExternalID: required("sub"),
		Email:      required("email"),
		Name:       required("name"),
		Avatar:     c.defaultAvatar,
	}
	if len(missing) > 0 {
		return identity.Profile{}, errors.Join(serviceerr.ErrInvalidProfile, fmt.Errorf("missing or malformed claims %v", missing))
	}

	if picture, ok := claims["picture"].(string); ok && isAbsoluteURL(picture) {
		profile.Avatar = picture
	}

	return profile, nil
}

func isAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}

	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

func (c *Coordinator) auditMetadata(ctx context.Context, correlationID string) (otlpaudit.EventMetadata, bool) {
	if c.audit == nil {
		return otlpaudit.EventMetadata{}, false
	}

	metadata, err := otlpaudit.NewEventMetadata(auditUserInitiatorID, auditTenantID, correlationID)
	if err != nil {
		slogctx.Error(ctx, "creating audit metadata", "error", err)
		return otlpaudit.EventMetadata{}, false
	}

	return metadata, true
}

func (c *Coordinator) sendUserLoginSuccessAudit(ctx context.Context, correlationID, objectID string) {
	metadata, ok := c.auditMetadata(ctx, correlationID)
	if !ok {
		return
	}

	event, err := otlpaudit.NewUserLoginSuccessEvent(metadata, objectID, otlpaudit.LOGINMETHOD_OPENIDCONNECT, otlpaudit.MFATYPE_NONE, otlpaudit.USERTYPE_BUSINESS, objectID)
	if err != nil {
		slogctx.Error(ctx, "creating audit log", "error", err)
		return
	}

	if err := c.audit.SendEvent(ctx, event); err != nil {
		slogctx.Error(ctx, "Failed to send audit log for user login success", "error", err)
	}
}

// sendUserLoginFailureAudit logs, but does not return, errors from creating or
// sending the event.
func (c *Coordinator) sendUserLoginFailureAudit(ctx context.Context, correlationID, objectID, reason string) {
	metadata, ok := c.auditMetadata(ctx, correlationID)
	if !ok {
		return
	}

	event, err := otlpaudit.NewUserLoginFailureEvent(metadata, objectID, otlpaudit.LOGINMETHOD_OPENIDCONNECT, otlpaudit.FailReason(reason), objectID)
	if err != nil {
		slogctx.Error(ctx, "creating audit log", "error", err)
		return
	}

	if err := c.audit.SendEvent(ctx, event); err != nil {
		slogctx.Error(ctx, "Failed to send audit log for user login failure", "error", err)
	}
}
