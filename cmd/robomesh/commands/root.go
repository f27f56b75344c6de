package commands

import (
	"github.com/spf13/cobra"
)

var (
	_config = NewDefaultCLIConfig()
)

// RootCmd is the root command for robomesh
var RootCmd = &cobra.Command{
	Use:              "robomesh",
	Short:            "robomesh middleware node",
	TraverseChildren: true,
}
