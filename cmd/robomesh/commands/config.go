package commands

import (
	"github.com/robomesh/robomesh/src/config"
)

// CLIConfig contains configuration for the Run and Registry commands
type CLIConfig struct {
	Node          config.Config `mapstructure:",squash"`
	Name          string        `mapstructure:"name"`
	RegistryBind  string        `mapstructure:"registry-listen"`
	RegistryStore bool          `mapstructure:"store"`
	DatabaseDir   string        `mapstructure:"db"`
}

// NewDefaultCLIConfig creates a CLIConfig with default values
func NewDefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		Node:         *config.NewDefaultConfig(),
		Name:         "robomesh",
		RegistryBind: "127.0.0.1:11311",
		DatabaseDir:  "registry_db",
	}
}
