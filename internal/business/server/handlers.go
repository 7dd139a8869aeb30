package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/openkcm/common-sdk/pkg/csrf"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-authority/internal/config"
	"github.com/openkcm/session-authority/internal/identity"
	"github.com/openkcm/session-authority/internal/login"
	"github.com/openkcm/session-authority/internal/serviceerr"
	"github.com/openkcm/session-authority/internal/session"
)

const (
	csrfHeader    = "X-CSRF-Token"
	csrfFormField = "csrf_token"
)

// Sessions is implemented by session.Authority.
type Sessions interface {
	Validate(ctx context.Context, token string) (session.Result, error)
	Invalidate(ctx context.Context, sessionID string) error
}

// Logins is implemented by login.Coordinator.
type Logins interface {
	Start(ctx context.Context) (login.Handshake, error)
	Callback(ctx context.Context, req login.CallbackRequest) (login.Login, error)
}

type Handlers struct {
	cfg        *config.Config
	sessions   Sessions
	logins     Logins
	csrfSecret []byte
	now        func() time.Time
}

func NewHandlers(cfg *config.Config, sessions Sessions, logins Logins, csrfSecret []byte) *Handlers {
	return &Handlers{
		cfg:        cfg,
		sessions:   sessions,
		logins:     logins,
		csrfSecret: csrfSecret,
		now:        time.Now,
	}
}

type meResponse struct {
	User      identity.User `json:"user"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

func (h *Handlers) startLogin(r *http.Request) outcome {
	ctx := r.Context()

	hs, err := h.logins.Start(ctx)
	if err != nil {
		slogctx.Error(ctx, "Failed to start login", "error", err)
		return failure{err: err}
	}

	maxAge := int(hs.ExpiresAt.Sub(h.now()).Seconds())

	state := h.cfg.Login.StateCookie.ToCookie(hs.State)
	state.MaxAge = maxAge
	verifier := h.cfg.Login.VerifierCookie.ToCookie(hs.Verifier)
	verifier.MaxAge = maxAge

	return redirect{
		cookies:  cookies{state, verifier},
		location: hs.AuthorizationURL,
	}
}

func (h *Handlers) finishLogin(r *http.Request) outcome {
	ctx := r.Context()
	q := r.URL.Query()

	// a callback consumes the handshake whatever its result
	consumed := cookies{
		h.cfg.Login.StateCookie.ToDeletionCookie(),
		h.cfg.Login.VerifierCookie.ToDeletionCookie(),
	}

	result, err := h.logins.Callback(ctx, login.CallbackRequest{
		Code:           q.Get("code"),
		ReturnedState:  q.Get("state"),
		StoredState:    cookieValue(r, h.cfg.Login.StateCookie.Name),
		StoredVerifier: cookieValue(r, h.cfg.Login.VerifierCookie.Name),
	})
	if err != nil {
		serviceErr := serviceerr.From(err)
		recordLogin(ctx, h.cfg, string(serviceErr.Err))
		if !serviceErr.IsHandshake() {
			slogctx.Error(ctx, "Failed to finish login", "error", err)
		}

		return failure{cookies: consumed, err: err}
	}

	recordLogin(ctx, h.cfg, "success")

	sessionCookie := h.cfg.Session.Cookie.ToExpiringCookie(result.Token, result.Session.ExpiresAt)
	csrfCookie := h.cfg.Session.CSRFCookie.ToExpiringCookie(
		csrf.NewToken(result.Session.ID, h.csrfSecret), result.Session.ExpiresAt)

	return redirect{
		cookies:  append(consumed, sessionCookie, csrfCookie),
		location: h.cfg.Login.LandingURL,
	}
}

func (h *Handlers) logout(r *http.Request) outcome {
	ctx := r.Context()

	result := resultFromContext(ctx)
	if !result.Authenticated() {
		return failure{err: serviceerr.ErrUnauthorized}
	}

	csrfToken := r.Header.Get(csrfHeader)
	if csrfToken == "" {
		csrfToken = r.PostFormValue(csrfFormField)
	}
	if !csrf.Validate(csrfToken, result.Session.ID, h.csrfSecret) {
		tokenHash := sha256.Sum256([]byte(csrfToken))
		slogctx.Warn(ctx, "Received invalid csrf token value", "csrf_token_hash", hex.EncodeToString(tokenHash[:5]))

		return failure{err: serviceerr.ErrInvalidCSRFToken}
	}

	if err := h.sessions.Invalidate(ctx, result.Session.ID); err != nil {
		slogctx.Error(ctx, "Failed to invalidate session", "error", err)
		return failure{err: err}
	}

	slogctx.Info(ctx, "User logged out")

	return redirect{
		cookies: cookies{
			h.cfg.Session.Cookie.ToDeletionCookie(),
			h.cfg.Session.CSRFCookie.ToDeletionCookie(),
		},
		location: h.cfg.Login.LoginURL,
	}
}

func (h *Handlers) me(r *http.Request) outcome {
	result := resultFromContext(r.Context())
	if !result.Authenticated() {
		return failure{err: serviceerr.ErrUnauthorized}
	}

	return rendered{
		status: http.StatusOK,
		body:   meResponse{User: *result.User, ExpiresAt: result.Session.ExpiresAt},
	}
}

// authenticate validates the session cookie of every request. A live session
// gets its cookie re-issued with the current expiry, a dead one gets it removed.
func (h *Handlers) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tok := cookieValue(r, h.cfg.Session.Cookie.Name)

		result, err := h.sessions.Validate(ctx, tok)
		if err != nil {
			slogctx.Error(ctx, "Failed to validate session", "error", err)
			failure{err: err}.write(w, r)
			return
		}

		switch {
		case result.Authenticated():
			http.SetCookie(w, h.cfg.Session.Cookie.ToExpiringCookie(tok, result.Session.ExpiresAt))
			ctx = slogctx.With(ctx, "user_id", result.User.ID)
		case tok != "":
			http.SetCookie(w, h.cfg.Session.Cookie.ToDeletionCookie())
		}

		next.ServeHTTP(w, r.WithContext(withResult(ctx, result)))
	})
}

type resultKey struct{}

func withResult(ctx context.Context, result session.Result) context.Context {
	return context.WithValue(ctx, resultKey{}, result)
}

// resultFromContext returns the validation result of the request, anonymous when none is set.
func resultFromContext(ctx context.Context) session.Result {
	result, _ := ctx.Value(resultKey{}).(session.Result)
	return result
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		if !errors.Is(err, http.ErrNoCookie) {
			slogctx.Debug(r.Context(), "Failed to read cookie", "cookie", name, "error", err)
		}

		return ""
	}

	return c.Value
}
