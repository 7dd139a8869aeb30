package business

import (
	"context"
	"fmt"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-authority/internal/config"
)

// HousekeeperMain purges expired sessions until ctx is done
func HousekeeperMain(ctx context.Context, cfg *config.Config) error {
	core, err := initCore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialise the session authority: %w", err)
	}
	defer core.close()

	slogctx.Info(ctx, "Starting session housekeeping",
		"backend", cfg.SessionStore.Backend, "interval", cfg.Housekeeper.TriggerInterval)

	core.authority.RunHousekeeping(ctx, cfg.Housekeeper.TriggerInterval)

	return nil
}
