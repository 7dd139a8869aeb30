package business

import (
	"testing"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-authority/internal/config"
	"github.com/openkcm/session-authority/internal/session/sessionsql"
)

func embedded(value string) commoncfg.SourceRef {
	return commoncfg.SourceRef{Source: "embedded", Value: value}
}

func missingFile() commoncfg.SourceRef {
	return commoncfg.SourceRef{Source: "file", File: commoncfg.CredentialFile{Path: "/nonexistent/file"}}
}

func validDatabase() config.Database {
	return config.Database{
		Host:     embedded("localhost"),
		Port:     "5432",
		Name:     "testdb",
		User:     embedded("user"),
		Password: embedded("pass"),
	}
}

func TestLoadCSRFSecret(t *testing.T) {
	tests := []struct {
		name    string
		ref     commoncfg.SourceRef
		wantErr error
	}{
		{
			name: "long enough",
			ref:  embedded("0123456789abcdef0123456789abcdef"),
		},
		{
			name:    "too short",
			ref:     embedded("short"),
			wantErr: ErrCSRFSecretTooShort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secret, err := loadCSRFSecret(config.Session{CSRFSecret: tt.ref})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Len(t, secret, 32)
		})
	}

	t.Run("unreadable source", func(t *testing.T) {
		_, err := loadCSRFSecret(config.Session{CSRFSecret: missingFile()})
		assert.ErrorContains(t, err, "loading csrf secret")
	})
}

func TestNewSessionRepository(t *testing.T) {
	t.Run("postgres backend", func(t *testing.T) {
		cfg := &config.Config{SessionStore: config.SessionStore{Backend: config.SessionBackendPostgres}}

		repo, closeFn, err := newSessionRepository(cfg, nil)
		require.NoError(t, err)
		defer closeFn()

		assert.IsType(t, &sessionsql.Repository{}, repo)
	})

	t.Run("valkey backend with unreadable host", func(t *testing.T) {
		cfg := &config.Config{
			SessionStore: config.SessionStore{Backend: config.SessionBackendValKey},
			ValKey:       config.ValKey{Host: missingFile()},
		}

		_, _, err := newSessionRepository(cfg, nil)
		assert.ErrorContains(t, err, "loading valkey host")
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := &config.Config{SessionStore: config.SessionStore{Backend: "memcached"}}

		_, _, err := newSessionRepository(cfg, nil)
		assert.ErrorIs(t, err, ErrUnknownSessionBackend)
	})
}

func TestNewValkeyClient_InvalidRefs(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ValKey
		wantErr string
	}{
		{
			name:    "user",
			cfg:     config.ValKey{Host: embedded("localhost:6379"), User: missingFile()},
			wantErr: "loading valkey username",
		},
		{
			name:    "password",
			cfg:     config.ValKey{Host: embedded("localhost:6379"), User: embedded("user"), Password: missingFile()},
			wantErr: "loading valkey password",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newValkeyClient(tt.cfg)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestNewPool_InvalidDatabaseConfig(t *testing.T) {
	db := validDatabase()
	db.Host = missingFile()

	_, err := newPool(t.Context(), db)
	assert.ErrorContains(t, err, "making dsn from config")
}

func TestNewCoordinator(t *testing.T) {
	tests := []struct {
		name    string
		login   config.Login
		wantErr string
	}{
		{
			name:    "unreadable client id",
			login:   config.Login{IssuerURL: "https://accounts.google.com", ClientID: missingFile()},
			wantErr: "loading client id",
		},
		{
			name:    "unreadable client secret",
			login:   config.Login{IssuerURL: "https://accounts.google.com", ClientID: embedded("id"), ClientSecret: missingFile()},
			wantErr: "loading client secret",
		},
		{
			name:    "plain http issuer",
			login:   config.Login{IssuerURL: "http://accounts.example.com", ClientID: embedded("id"), ClientSecret: embedded("secret")},
			wantErr: "creating identity provider client",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newCoordinator(&config.Config{Login: tt.login}, &core{})
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestMain_InvalidDatabaseConfig(t *testing.T) {
	cfg := &config.Config{Database: validDatabase()}
	cfg.Database.Password = missingFile()

	err := Main(t.Context(), cfg)
	assert.ErrorContains(t, err, "initialising the session authority")
}
