// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

const (
	SessionBackendValKey   = "valkey"
	SessionBackendPostgres = "postgres"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	HTTP HTTPServer `yaml:"http"`
	GRPC GRPCServer `yaml:"grpc"`

	Database     Database     `yaml:"database"`
	ValKey       ValKey       `yaml:"valkey"`
	SessionStore SessionStore `yaml:"sessionStore"`
	Session      Session      `yaml:"session"`
	Login        Login        `yaml:"login"`
	Housekeeper  Housekeeper  `yaml:"housekeeper"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" default:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
	// LoginRateLimit caps login requests per client IP and minute. Zero disables the limit.
	LoginRateLimit int `yaml:"loginRateLimit" default:"60"`
}

type GRPCServer struct {
	commoncfg.GRPCServer `mapstructure:",squash" yaml:",inline"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
}

type Database struct {
	Name     string              `yaml:"name"`
	Port     string              `yaml:"port"`
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
	SSLMode  string              `yaml:"sslMode"`
}

type ValKey struct {
	Host      commoncfg.SourceRef `yaml:"host"`
	User      commoncfg.SourceRef `yaml:"user"`
	Password  commoncfg.SourceRef `yaml:"password"`
	Prefix    string              `yaml:"prefix" default:"session-authority"`
	SecretRef commoncfg.SecretRef `yaml:"secretRef"`
}

// SessionStore selects where session records live. Identities always live in Postgres.
type SessionStore struct {
	Backend string `yaml:"backend" default:"valkey"`
}

type Session struct {
	// Lifetime is how long a fresh or renewed session stays valid.
	Lifetime time.Duration `yaml:"lifetime" default:"720h"`
	// RenewalWindow is the remaining validity below which a validation extends the session.
	RenewalWindow time.Duration `yaml:"renewalWindow" default:"360h"`
	// StoreTimeout bounds every single call to the session and identity stores.
	StoreTimeout time.Duration `yaml:"storeTimeout" default:"3s"`

	CSRFSecret commoncfg.SourceRef `yaml:"csrfSecret"`

	Cookie     CookieTemplate `yaml:"cookie"`
	CSRFCookie CookieTemplate `yaml:"csrfCookie"`
}

type Login struct {
	IssuerURL     string              `yaml:"issuerURL" default:"https://accounts.google.com"`
	ClientID      commoncfg.SourceRef `yaml:"clientID"`
	ClientSecret  commoncfg.SourceRef `yaml:"clientSecret"`
	RedirectURL   string              `yaml:"redirectURL" default:"http://localhost:8080/login/google/callback"`
	DefaultAvatar string              `yaml:"defaultAvatar" default:"https://example.com/default-avatar.png"`
	LandingURL    string              `yaml:"landingURL" default:"/loggedIn"`
	LoginURL      string              `yaml:"loginURL" default:"/login"`

	HandshakeTTL      time.Duration `yaml:"handshakeTTL" default:"10m"`
	DiscoveryCacheTTL time.Duration `yaml:"discoveryCacheTTL" default:"1h"`
	// AllowHTTPIssuer permits a plain http issuer, useful for local identity providers.
	AllowHTTPIssuer bool `yaml:"allowHTTPIssuer"`

	StateCookie    CookieTemplate `yaml:"stateCookie"`
	VerifierCookie CookieTemplate `yaml:"verifierCookie"`
}

type Housekeeper struct {
	TriggerInterval time.Duration `yaml:"triggerInterval" default:"1h"`
}

// Validate checks the settings the login and session logic cannot work without.
func (c *Config) Validate() error {
	var errs []error

	if c.Session.Lifetime <= 0 {
		errs = append(errs, errors.New("session lifetime must be positive"))
	}
	if c.Session.RenewalWindow <= 0 || c.Session.RenewalWindow >= c.Session.Lifetime {
		errs = append(errs, fmt.Errorf("session renewal window %s must be positive and shorter than the lifetime %s",
			c.Session.RenewalWindow, c.Session.Lifetime))
	}
	if c.Session.StoreTimeout <= 0 {
		errs = append(errs, errors.New("store timeout must be positive"))
	}
	if c.Login.HandshakeTTL <= 0 {
		errs = append(errs, errors.New("handshake TTL must be positive"))
	}

	switch c.SessionStore.Backend {
	case SessionBackendValKey, SessionBackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown session store backend %q", c.SessionStore.Backend))
	}

	for name, ct := range map[string]CookieTemplate{
		"session":  c.Session.Cookie,
		"csrf":     c.Session.CSRFCookie,
		"state":    c.Login.StateCookie,
		"verifier": c.Login.VerifierCookie,
	} {
		if ct.Name == "" {
			errs = append(errs, fmt.Errorf("%s cookie name is empty", name))
		}
	}

	return errors.Join(errs...)
}
