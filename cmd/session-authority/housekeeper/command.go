package housekeeper

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/session-authority/internal/business"
	"github.com/openkcm/session-authority/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"housekeeper",
		"Session Authority Housekeeping job",
		"Session Authority Housekeeping job purges expired sessions from stores without native expiry",
		buildInfo,
		cmdutils.RunAsService,
		business.HousekeeperMain,
	)
}
