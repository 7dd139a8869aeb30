package business

import (
	"context"
	"fmt"
	"sync"

	"github.com/openkcm/common-sdk/pkg/commoncfg"

	otlpaudit "github.com/openkcm/common-sdk/pkg/otlp/audit"
	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-authority/internal/business/server"
	"github.com/openkcm/session-authority/internal/config"
	"github.com/openkcm/session-authority/internal/grpc"
	"github.com/openkcm/session-authority/internal/identity"
	"github.com/openkcm/session-authority/internal/identity/identitysql"
	"github.com/openkcm/session-authority/internal/login"
	"github.com/openkcm/session-authority/internal/oidc"
	"github.com/openkcm/session-authority/internal/session"
)

// Main starts both API servers
func Main(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	core, err := initCore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the session authority: %w", err)
	}
	defer core.close()

	handlers, err := initHandlers(cfg, core)
	if err != nil {
		return fmt.Errorf("initialising the login handlers: %w", err)
	}

	// errChan is used to capture the first error and shutdown the servers.
	errChan := make(chan error, 2)

	// wg is used to wait for all servers to shutdown.
	var wg sync.WaitGroup

	// start public HTTP login API server
	wg.Go(func() {
		errChan <- server.StartHTTPServer(ctx, cfg, handlers)
	})

	// start internal gRPC session validation server
	wg.Go(func() {
		sessionsrv := grpc.NewSessionServer(core.authority, grpc.WithIssuer(cfg.Login.IssuerURL))
		errChan <- server.StartGRPCServer(ctx, cfg, sessionsrv)
	})

	// wait for any error to initiate the shutdown
	if err := <-errChan; err != nil {
		slogctx.Error(ctx, "Shutting down servers", "error", err)
	}
	cancel()

	// wait for all servers to shutdown
	wg.Wait()

	return nil
}

// core holds the stores and the services every entry point shares.
type core struct {
	users     *identity.Service
	authority *session.Authority
	close     func()
}

func initCore(ctx context.Context, cfg *config.Config) (*core, error) {
	db, err := newPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	sessions, closeSessions, err := newSessionRepository(cfg, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	users := identity.NewService(identitysql.NewRepository(db),
		identity.WithStoreTimeout(cfg.Session.StoreTimeout))

	authority := session.NewAuthority(sessions, users,
		session.WithLifetime(cfg.Session.Lifetime, cfg.Session.RenewalWindow),
		session.WithStoreTimeout(cfg.Session.StoreTimeout),
	)

	return &core{
		users:     users,
		authority: authority,
		close: func() {
			closeSessions()
			db.Close()
		},
	}, nil
}

func initHandlers(cfg *config.Config, c *core) (*server.Handlers, error) {
	csrfSecret, err := loadCSRFSecret(cfg.Session)
	if err != nil {
		return nil, err
	}

	coordinator, err := newCoordinator(cfg, c)
	if err != nil {
		return nil, err
	}

	return server.NewHandlers(cfg, c.authority, coordinator, csrfSecret), nil
}

func newCoordinator(cfg *config.Config, c *core) (*login.Coordinator, error) {
	clientID, err := commoncfg.LoadValueFromSourceRef(cfg.Login.ClientID)
	if err != nil {
		return nil, fmt.Errorf("loading client id: %w", err)
	}

	clientSecret, err := commoncfg.LoadValueFromSourceRef(cfg.Login.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("loading client secret: %w", err)
	}

	provider, err := oidc.NewClient(cfg.Login.IssuerURL, string(clientID), string(clientSecret), cfg.Login.RedirectURL,
		oidc.WithCacheTTL(cfg.Login.DiscoveryCacheTTL),
		oidc.WithAllowHTTPIssuer(cfg.Login.AllowHTTPIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("creating identity provider client: %w", err)
	}

	auditLogger, err := otlpaudit.NewLogger(&cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("creating audit logger: %w", err)
	}

	return login.NewCoordinator(provider, c.users, c.authority,
		login.WithAuditLogger(auditLogger),
		login.WithDefaultAvatar(cfg.Login.DefaultAvatar),
		login.WithHandshakeTTL(cfg.Login.HandshakeTTL),
	), nil
}

func loadCSRFSecret(cfg config.Session) ([]byte, error) {
	secret, err := commoncfg.LoadValueFromSourceRef(cfg.CSRFSecret)
	if err != nil {
		return nil, fmt.Errorf("loading csrf secret: %w", err)
	}

	if len(secret) < minCSRFSecretLength {
		return nil, ErrCSRFSecretTooShort
	}

	return secret, nil
}
