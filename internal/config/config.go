// Package config provides configuration structures and loading for dbusreplay.
package config

// Config represents the complete application configuration.
type Config struct {
	Bus     BusConfig     `yaml:"bus" mapstructure:"bus"`
	Scan    ScanConfig    `yaml:"scan" mapstructure:"scan"`
	Replay  ReplayConfig  `yaml:"replay" mapstructure:"replay"`
	Catalog CatalogConfig `yaml:"catalog" mapstructure:"catalog"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// BusConfig selects the message bus to connect to.
type BusConfig struct {
	Type               string  `yaml:"type" mapstructure:"type"`       // system or session
	Address            string  `yaml:"address" mapstructure:"address"` // explicit address, overrides type
	CallTimeoutSeconds float64 `yaml:"call_timeout_seconds" mapstructure:"call_timeout_seconds"`
}

// ScanConfig represents scanner settings.
type ScanConfig struct {
	Destination       string   `yaml:"destination" mapstructure:"destination"`
	Root              string   `yaml:"root" mapstructure:"root"`
	Mock              string   `yaml:"mock" mapstructure:"mock"`     // identifier of the stub host the capture targets
	Output            string   `yaml:"output" mapstructure:"output"` // file path, "-" for stdout
	IgnoredInterfaces []string `yaml:"ignored_interfaces" mapstructure:"ignored_interfaces"`
}

// ReplayConfig represents replay loader and stub host settings.
type ReplayConfig struct {
	Input               string `yaml:"input" mapstructure:"input"`
	BusName             string `yaml:"bus_name" mapstructure:"bus_name"` // name requested by serve
	ManagerPath         string `yaml:"manager_path" mapstructure:"manager_path"`
	EmitInterfacesAdded bool   `yaml:"emit_interfaces_added" mapstructure:"emit_interfaces_added"`
}

// CatalogConfig represents the MySQL capture catalog.
type CatalogConfig struct {
	Enabled  bool           `yaml:"enabled" mapstructure:"enabled"`
	Table    string         `yaml:"table" mapstructure:"table"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
}

// DatabaseConfig represents a MySQL database connection configuration.
type DatabaseConfig struct {
	Host               string `yaml:"host" mapstructure:"host"`
	Port               int    `yaml:"port" mapstructure:"port"`
	User               string `yaml:"user" mapstructure:"user"`
	Password           string `yaml:"password" mapstructure:"password"`
	Database           string `yaml:"database" mapstructure:"database"`
	TLS                string `yaml:"tls" mapstructure:"tls"` // disable, preferred, required
	MaxConnections     int    `yaml:"max_connections" mapstructure:"max_connections"`
	MaxIdleConnections int    `yaml:"max_idle_connections" mapstructure:"max_idle_connections"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json or text
	Output string `yaml:"output" mapstructure:"output"` // stdout, stderr, or file path
}

// DefaultIgnoredInterfaces are the infrastructure interfaces every object
// carries. They hold no domain data and are never captured.
var DefaultIgnoredInterfaces = []string{
	"org.freedesktop.DBus.Properties",
	"org.freedesktop.DBus.Introspectable",
	"org.freedesktop.DBus.Peer",
	"org.freedesktop.DBus.ObjectManager",
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	ignored := make([]string, len(DefaultIgnoredInterfaces))
	copy(ignored, DefaultIgnoredInterfaces)

	return &Config{
		Bus: BusConfig{
			Type:               "system",
			CallTimeoutSeconds: 25,
		},
		Scan: ScanConfig{
			Root:              "/",
			Mock:              "self",
			Output:            "-",
			IgnoredInterfaces: ignored,
		},
		Replay: ReplayConfig{
			Input:               "-",
			ManagerPath:         "/org/freedesktop/UDisks2",
			EmitInterfacesAdded: true,
		},
		Catalog: CatalogConfig{
			Enabled: false,
			Table:   "dbusreplay_captures",
			Database: DatabaseConfig{
				Port:               3306,
				TLS:                "preferred",
				MaxConnections:     4,
				MaxIdleConnections: 2,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}
