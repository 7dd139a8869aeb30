package apiserver

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/session-authority/internal/business"
	"github.com/openkcm/session-authority/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"api-server",
		"Session Authority API server",
		"Session Authority API server hosts the public login http API and the private session validation gRPC API",
		buildInfo,
		cmdutils.RunAsService,
		business.Main,
	)
}
