package business

import (
	"context"
	"errors"
	"fmt"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/session-authority/internal/config"
	"github.com/openkcm/session-authority/internal/session"
	"github.com/openkcm/session-authority/internal/session/sessionsql"
	"github.com/openkcm/session-authority/internal/session/sessionvalkey"
)

const minCSRFSecretLength = 32

var (
	ErrCSRFSecretTooShort    = fmt.Errorf("csrf secret must be at least %d bytes", minCSRFSecretLength)
	ErrUnknownSessionBackend = errors.New("unknown session store backend")
)

// newPool opens a traced pgx pool.
func newPool(ctx context.Context, cfg config.Database) (*pgxpool.Pool, error) {
	connStr, err := config.MakeConnStr(cfg)
	if err != nil {
		return nil, fmt.Errorf("making dsn from config: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing pgxpool config: %w", err)
	}

	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("initialising pgxpool connection: %w", err)
	}

	return db, nil
}

// newSessionRepository picks the session backend. The returned closeFn
// releases whatever the backend opened on top of db.
func newSessionRepository(cfg *config.Config, db *pgxpool.Pool) (_ session.Repository, closeFn func(), _ error) {
	switch cfg.SessionStore.Backend {
	case config.SessionBackendValKey:
		client, err := newValkeyClient(cfg.ValKey)
		if err != nil {
			return nil, nil, err
		}

		return sessionvalkey.NewRepository(client, cfg.ValKey.Prefix), client.Close, nil
	case config.SessionBackendPostgres:
		return sessionsql.NewRepository(db), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownSessionBackend, cfg.SessionStore.Backend)
	}
}

func newValkeyClient(cfg config.ValKey) (valkey.Client, error) {
	valkeyHost, err := commoncfg.LoadValueFromSourceRef(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("loading valkey host: %w", err)
	}

	valkeyUsername, err := commoncfg.LoadValueFromSourceRef(cfg.User)
	if err != nil {
		return nil, fmt.Errorf("loading valkey username: %w", err)
	}

	valkeyPassword, err := commoncfg.LoadValueFromSourceRef(cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("loading valkey password: %w", err)
	}

	valkeyOpts := valkey.ClientOption{
		InitAddress: []string{string(valkeyHost)},
		Username:    string(valkeyUsername),
		Password:    string(valkeyPassword),
	}

	if cfg.SecretRef.Type == commoncfg.MTLSSecretType {
		tlsConfig, err := commoncfg.LoadMTLSConfig(&cfg.SecretRef.MTLS)
		if err != nil {
			return nil, fmt.Errorf("loading valkey mTLS config from secret ref: %w", err)
		}

		valkeyOpts.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(valkeyOpts)
	if err != nil {
		return nil, fmt.Errorf("creating a new valkey client: %w", err)
	}

	return client, nil
}
