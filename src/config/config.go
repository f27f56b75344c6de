package config

import (
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/robomesh/robomesh/src/common"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default configuration values.
const (
	DefaultLogLevel      = "debug"
	DefaultRegistryURL   = "http://127.0.0.1:11311"
	DefaultBindAddr      = "127.0.0.1:7881"
	DefaultCallbackAddr  = "127.0.0.1:7801"
	DefaultTCPTimeout    = 1000 * time.Millisecond
	DefaultPortScanLimit = 128
)

// Well-known topic names served by every session.
const (
	// LogTopic is the diagnostic log topic advertised on startup.
	LogTopic = "/diagnostics/log"

	// ClockTopic is the simulated-time topic subscribed to when SimTime is
	// set.
	ClockTopic = "/time"
)

// Config contains all the configuration properties of a robomesh node.
type Config struct {
	// RegistryURL is the address of the central registry.
	RegistryURL string `mapstructure:"registry"`

	// BindAddr is the local address:port where this node accepts streaming
	// connections from remote subscribers and service clients. If the port is
	// taken, ports are scanned upwards from it.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the streaming address that we register
	// with the registry. The port of the bound listener is always appended.
	AdvertiseAddr string `mapstructure:"advertise"`

	// CallbackAddr is the local address:port of the registry-callback
	// endpoint. Subject to the same port scan as BindAddr.
	CallbackAddr string `mapstructure:"callback-listen"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, tees log output to a file via a logging hook.
	LogFile string `mapstructure:"log-file"`

	// TCPTimeout applies to outbound connection establishment only. There is
	// no timeout on established streams or in-flight service calls.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// PortScanLimit caps the scan-for-a-free-port loop.
	PortScanLimit int `mapstructure:"port-scan-limit"`

	// SimTime subscribes the session to the well-known clock topic and
	// serves Session.Now from it.
	SimTime bool `mapstructure:"sim-time"`

	// DropOldest switches subscription queues from block-on-full to
	// drop-oldest when they reach capacity.
	DropOldest bool `mapstructure:"drop-oldest"`

	// Params are key=value parameter overrides applied via setParam once the
	// session is running.
	Params []string `mapstructure:"param"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	return &Config{
		RegistryURL:   DefaultRegistryURL,
		BindAddr:      DefaultBindAddr,
		CallbackAddr:  DefaultCallbackAddr,
		LogLevel:      DefaultLogLevel,
		TCPTimeout:    DefaultTCPTimeout,
		PortScanLimit: DefaultPortScanLimit,
	}
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// Logger returns a formatted logrus Entry with prefix set to "robomesh".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			c.logger.Hooks.Add(lfshook.NewHook(
				lfshook.PathMap{
					logrus.DebugLevel: c.LogFile,
					logrus.InfoLevel:  c.LogFile,
					logrus.WarnLevel:  c.LogFile,
					logrus.ErrorLevel: c.LogFile,
				},
				&logrus.TextFormatter{},
			))
		}
	}
	return c.logger.WithField("prefix", "robomesh")
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
