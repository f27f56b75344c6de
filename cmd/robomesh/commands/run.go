package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/robomesh/robomesh/src/node"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRunCmd returns the command that starts a robomesh node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runNode,
	}
	AddRunFlags(cmd)
	return cmd
}

func runNode(cmd *cobra.Command, args []string) error {
	session := node.NewSession(&_config.Node)

	if err := session.Start(_config.Name); err != nil {
		_config.Node.Logger().WithError(err).Error("Cannot start session")
		return err
	}

	// Run until SIGINT/SIGTERM, then tear down in order.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	session.Shutdown()

	return nil
}

// AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", _config.Name, "Node name")
	cmd.Flags().String("log", _config.Node.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.Node.LogFile, "Tee log output to this file")

	// Network
	cmd.Flags().StringP("registry", "r", _config.Node.RegistryURL, "URL of the central registry")
	cmd.Flags().StringP("listen", "l", _config.Node.BindAddr, "Listen IP:Port for topic and service streams")
	cmd.Flags().StringP("advertise", "a", _config.Node.AdvertiseAddr, "Advertise IP:Port to other nodes")
	cmd.Flags().String("callback-listen", _config.Node.CallbackAddr, "Listen IP:Port for registry callbacks")
	cmd.Flags().DurationP("timeout", "t", _config.Node.TCPTimeout, "TCP connect timeout")
	cmd.Flags().Int("port-scan-limit", _config.Node.PortScanLimit, "Max ports to scan for a free one")

	// Behaviour
	cmd.Flags().Bool("sim-time", _config.Node.SimTime, "Use simulated time from the clock topic")
	cmd.Flags().Bool("drop-oldest", _config.Node.DropOldest, "Drop oldest queued message instead of blocking when full")
	cmd.Flags().StringArray("param", _config.Node.Params, "key=value parameter override, repeatable")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if err := bindFlagsLoadViper(cmd); err != nil {
		return err
	}

	_config.Node.Logger().WithFields(logrus.Fields{
		"Name":          _config.Name,
		"RegistryURL":   _config.Node.RegistryURL,
		"BindAddr":      _config.Node.BindAddr,
		"AdvertiseAddr": _config.Node.AdvertiseAddr,
		"CallbackAddr":  _config.Node.CallbackAddr,
		"TCPTimeout":    _config.Node.TCPTimeout,
		"SimTime":       _config.Node.SimTime,
		"LogLevel":      _config.Node.LogLevel,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for a config file in the working directory (robomesh.toml,
	// .json and .yaml also work)
	viper.SetConfigName("robomesh")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err == nil {
		_config.Node.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Node.Logger().Debug("No config file found")
	} else {
		return err
	}

	// second unmarshal to read from the config file
	return viper.Unmarshal(_config)
}
