package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/openkcm/session-authority/internal/config"
)

const (
	routeLogin    = "/login/google"
	routeCallback = "/login/google/callback"
	routeLogout   = "/logout"
	routeMe       = "/me"
)

func newRouter(cfg *config.Config, h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	traced := func(operationID string) chi.Router {
		return r.With(newTraceMiddleware(cfg, operationID), h.authenticate)
	}

	loginLimit := func(next http.Handler) http.Handler { return next }
	if cfg.HTTP.LoginRateLimit > 0 {
		loginLimit = httprate.LimitByIP(cfg.HTTP.LoginRateLimit, time.Minute)
	}

	traced("login").With(loginLimit).Get(routeLogin, handle(h.startLogin))
	traced("callback").With(loginLimit).Get(routeCallback, handle(h.finishLogin))
	traced("logout").Post(routeLogout, handle(h.logout))
	traced("me").Get(routeMe, handle(h.me))

	return r
}
