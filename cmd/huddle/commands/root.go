package commands

import (
	"github.com/spf13/cobra"

	"github.com/huddlemesh/huddle/src/config"
)

var _config = config.NewDefaultConfig()

//RootCmd is the root command for Huddle
var RootCmd = &cobra.Command{
	Use:              "huddle",
	Short:            "huddle signaling server",
	TraverseChildren: true,
}

func init() {
	RootCmd.AddCommand(
		NewRunCmd(),
		VersionCmd,
	)
}
