package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from the specified file path.
// It supports YAML files and performs environment variable substitution.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Read the config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadOptional behaves like Load but returns the defaults when configPath
// is empty. Scanning and replaying work without any config file.
func LoadOptional(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}
	return Load(configPath)
}

// LoadFromViper creates a Config from an existing Viper instance.
// Useful for testing or when Viper is configured externally.
func LoadFromViper(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := substituteEnvVars(cfg); err != nil {
		return nil, fmt.Errorf("failed to substitute environment variables: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR_NAME} or $VAR_NAME patterns
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(cfg *Config) error {
	cfg.Bus.Address = expandEnvVar(cfg.Bus.Address)

	cfg.Scan.Destination = expandEnvVar(cfg.Scan.Destination)
	cfg.Scan.Output = expandEnvVar(cfg.Scan.Output)

	cfg.Replay.Input = expandEnvVar(cfg.Replay.Input)
	cfg.Replay.BusName = expandEnvVar(cfg.Replay.BusName)

	cfg.Catalog.Database.Host = expandEnvVar(cfg.Catalog.Database.Host)
	cfg.Catalog.Database.User = expandEnvVar(cfg.Catalog.Database.User)
	cfg.Catalog.Database.Password = expandEnvVar(cfg.Catalog.Database.Password)
	cfg.Catalog.Database.Database = expandEnvVar(cfg.Catalog.Database.Database)

	cfg.Logging.Output = expandEnvVar(cfg.Logging.Output)

	return nil
}

// expandEnvVar expands environment variables in the format ${VAR} or $VAR.
func expandEnvVar(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Return original if env var not found
		return match
	})
}

// Overrides contains CLI flag values that take precedence over the file.
// Only non-empty values are applied.
type Overrides struct {
	LogLevel    string
	LogFormat   string
	BusType     string
	BusAddress  string
	Destination string
	Root        string
	Mock        string
	Output      string
	Input       string
	BusName     string
}

// ApplyOverrides applies CLI flag overrides to the configuration.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		c.Logging.Format = o.LogFormat
	}
	if o.BusType != "" {
		c.Bus.Type = o.BusType
	}
	if o.BusAddress != "" {
		c.Bus.Address = o.BusAddress
	}
	if o.Destination != "" {
		c.Scan.Destination = o.Destination
	}
	if o.Root != "" {
		c.Scan.Root = o.Root
	}
	if o.Mock != "" {
		c.Scan.Mock = o.Mock
	}
	if o.Output != "" {
		c.Scan.Output = o.Output
	}
	if o.Input != "" {
		c.Replay.Input = o.Input
	}
	if o.BusName != "" {
		c.Replay.BusName = o.BusName
	}
}
