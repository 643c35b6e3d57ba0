package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/dbusreplay/internal/config"
	"github.com/dbsmedya/dbusreplay/internal/logger"
)

// Version information (set via ldflags at build time)
var (
	Version = "0.0.1-dev"
	Commit  = "unknown"
)

// CLI flags that override config file values
var (
	cfgFile    string
	logLevel   string
	logFormat  string
	systemBus  bool
	sessionBus bool
	busAddress string
)

var rootCmd = &cobra.Command{
	Use:   "dbusreplay",
	Short: "D-Bus service capture and replay",
	Long: `Capture the interface surface of a live D-Bus service and replay it
into a stub host that exposes the same objects, properties and methods.

Features:
  - Depth-first introspection of a service's object tree
  - Lossless JSON Lines capture format, optionally zstd-compressed
  - Replay into an in-process stub host or onto a real bus
  - Mock control interface for adding objects at runtime
  - Optional MySQL catalog of named captures`,
	Version: Version,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Path to configuration file (optional)")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Override log format (json, text)")

	rootCmd.PersistentFlags().BoolVar(&systemBus, "system", false,
		"Use the system bus")
	rootCmd.PersistentFlags().BoolVar(&sessionBus, "session", false,
		"Use the session bus")
	rootCmd.PersistentFlags().StringVar(&busAddress, "address", "",
		"Connect to an explicit bus address instead of the system or session bus")
	rootCmd.MarkFlagsMutuallyExclusive("system", "session")
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// GetCLIOverrides returns the values of the global override flags.
// Commands fill in their own fields before applying them.
func GetCLIOverrides() config.Overrides {
	o := config.Overrides{
		LogLevel:   logLevel,
		LogFormat:  logFormat,
		BusAddress: busAddress,
	}
	switch {
	case sessionBus:
		o.BusType = "session"
	case systemBus:
		o.BusType = "system"
	}
	return o
}

// loadConfig reads the optional config file, applies o and builds the
// logger every command runs with.
func loadConfig(o config.Overrides) (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadOptional(GetConfigFile())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyOverrides(o)

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}
