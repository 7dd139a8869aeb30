package migrate

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/session-authority/internal/business"
	"github.com/openkcm/session-authority/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"migrate",
		"Session Authority migrations",
		"Applies the users and sessions schema migrations",
		buildInfo,
		cmdutils.RunAsJob,
		business.MigrateMain,
	)
}
