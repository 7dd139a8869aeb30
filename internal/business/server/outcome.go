package server

import (
	"encoding/json"
	"net/http"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-authority/internal/serviceerr"
)

// outcome is what a handler decided. Handlers never write to the response
// themselves, the adapter in handle does.
type outcome interface {
	write(w http.ResponseWriter, r *http.Request)
}

type cookies []*http.Cookie

func (c cookies) set(w http.ResponseWriter) {
	for _, cookie := range c {
		http.SetCookie(w, cookie)
	}
}

type redirect struct {
	cookies
	location string
}

func (o redirect) write(w http.ResponseWriter, r *http.Request) {
	o.set(w)
	http.Redirect(w, r, o.location, http.StatusFound)
}

type rendered struct {
	cookies
	status int
	body   any
}

func (o rendered) write(w http.ResponseWriter, r *http.Request) {
	o.set(w)
	writeJSON(w, r, o.status, o.body)
}

// failure answers with the status of the classified error. Handshake errors
// share one generic body so clients cannot tell which check failed.
type failure struct {
	cookies
	err error
}

func (o failure) write(w http.ResponseWriter, r *http.Request) {
	o.set(w)

	serviceErr := serviceerr.From(o.err)
	body := errorModel{Error: string(serviceErr.Err), ErrorDescription: serviceErr.Description}
	if serviceErr.IsHandshake() {
		body = errorModel{Error: string(serviceerr.CodeInvalidRequest), ErrorDescription: "login failed"}
	}

	writeJSON(w, r, serviceErr.HTTPStatus(), body)
}

type errorModel struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func handle(fn func(r *http.Request) outcome) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(r).write(w, r)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		slogctx.Warn(r.Context(), "Failed to write response body", "error", err)
	}
}
