package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/robomesh/robomesh/src/registry"
	"github.com/spf13/cobra"
)

// NewRegistryCmd returns the command that runs the central registry
func NewRegistryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "registry",
		Short:   "Run the central registry",
		PreRunE: loadConfig,
		RunE:    runRegistry,
	}
	AddRegistryFlags(cmd)
	return cmd
}

func runRegistry(cmd *cobra.Command, args []string) error {
	logger := _config.Node.Logger()

	var params registry.ParamStore
	if _config.RegistryStore {
		badgerParams, err := registry.NewBadgerParams(_config.DatabaseDir)
		if err != nil {
			logger.WithError(err).Error("Cannot open parameter database")
			return err
		}
		params = badgerParams
	} else {
		params = registry.NewInmemParams()
	}

	server := registry.NewServer(_config.RegistryBind, params, logger)
	if err := server.Start(); err != nil {
		logger.WithError(err).Error("Cannot start registry")
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	return server.Shutdown()
}

// AddRegistryFlags adds flags to the Registry command
func AddRegistryFlags(cmd *cobra.Command) {
	cmd.Flags().String("registry-listen", _config.RegistryBind, "Listen IP:Port for the registry")
	cmd.Flags().Bool("store", _config.RegistryStore, "Persist parameters in a badger database")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")
	cmd.Flags().String("log", _config.Node.LogLevel, "debug, info, warn, error, fatal, panic")
}
