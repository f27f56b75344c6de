package main

import (
	"os"

	cmd "github.com/robomesh/robomesh/cmd/robomesh/commands"
)

func main() {
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cmd.NewRunCmd(),
		cmd.NewRegistryCmd(),
		cmd.VersionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
