package config

import (
	"net/http"
	"time"
)

type CookieSameSite string

const (
	CookieSameSiteNone   CookieSameSite = "None"
	CookieSameSiteLax    CookieSameSite = "Lax"
	CookieSameSiteStrict CookieSameSite = "Strict"
)

// CookieTemplate holds the attributes of a cookie; the value and lifetime are
// supplied when the cookie is issued.
type CookieTemplate struct {
	Name     string         `yaml:"name"`
	Path     string         `yaml:"path"`
	Domain   string         `yaml:"domain"`
	MaxAge   int            `yaml:"maxAge"`
	Secure   bool           `yaml:"secure"`
	HTTPOnly bool           `yaml:"httpOnly"`
	SameSite CookieSameSite `yaml:"sameSite"`
}

func (ct *CookieTemplate) ToCookie(value string) *http.Cookie {
	var sameSite http.SameSite
	switch ct.SameSite {
	case CookieSameSiteNone:
		sameSite = http.SameSiteNoneMode
	case CookieSameSiteLax:
		sameSite = http.SameSiteLaxMode
	case CookieSameSiteStrict:
		sameSite = http.SameSiteStrictMode
	}

	return &http.Cookie{
		Name:     ct.Name,
		Value:    value,
		MaxAge:   ct.MaxAge,
		Path:     ct.Path,
		Domain:   ct.Domain,
		Secure:   ct.Secure,
		HttpOnly: ct.HTTPOnly,
		SameSite: sameSite,
	}
}

// ToExpiringCookie issues the cookie with an absolute expiry instead of MaxAge.
func (ct *CookieTemplate) ToExpiringCookie(value string, expires time.Time) *http.Cookie {
	c := ct.ToCookie(value)
	c.MaxAge = 0
	c.Expires = expires.UTC()

	return c
}

// ToDeletionCookie issues an empty cookie that makes the browser drop it (Max-Age=0).
func (ct *CookieTemplate) ToDeletionCookie() *http.Cookie {
	c := ct.ToCookie("")
	c.MaxAge = -1

	return c
}
