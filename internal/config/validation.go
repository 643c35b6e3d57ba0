package config

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Validate checks the configuration for required fields and valid values.
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateBus()...)
	errors = append(errors, c.validateScan()...)
	errors = append(errors, c.validateReplay()...)

	if c.Catalog.Enabled {
		errors = append(errors, c.validateCatalog()...)
	}

	errors = append(errors, c.validateLogging()...)

	if len(errors) > 0 {
		return errors
	}
	return nil
}

// ValidateForScan additionally requires the settings a scan cannot run without.
func (c *Config) ValidateForScan() error {
	var errors ValidationErrors
	if err := c.Validate(); err != nil {
		errors = append(errors, err.(ValidationErrors)...)
	}

	if c.Scan.Destination == "" {
		errors = append(errors, ValidationError{
			Field:   "scan.destination",
			Message: "destination bus name is required",
		})
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func (c *Config) validateBus() ValidationErrors {
	var errors ValidationErrors

	validTypes := map[string]bool{"system": true, "session": true}
	if c.Bus.Address == "" && !validTypes[c.Bus.Type] {
		errors = append(errors, ValidationError{
			Field:   "bus.type",
			Message: "type must be 'system' or 'session'",
		})
	}

	if c.Bus.CallTimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "bus.call_timeout_seconds",
			Message: "call_timeout_seconds cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateScan() ValidationErrors {
	var errors ValidationErrors

	if !dbus.ObjectPath(c.Scan.Root).IsValid() {
		errors = append(errors, ValidationError{
			Field:   "scan.root",
			Message: fmt.Sprintf("%q is not a valid object path", c.Scan.Root),
		})
	}

	if c.Scan.Mock == "" {
		errors = append(errors, ValidationError{
			Field:   "scan.mock",
			Message: "mock identifier is required",
		})
	}

	for i, name := range c.Scan.IgnoredInterfaces {
		if !strings.Contains(name, ".") {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("scan.ignored_interfaces[%d]", i),
				Message: fmt.Sprintf("%q is not a dotted interface name", name),
			})
		}
	}

	return errors
}

func (c *Config) validateReplay() ValidationErrors {
	var errors ValidationErrors

	if c.Replay.ManagerPath != "" && !dbus.ObjectPath(c.Replay.ManagerPath).IsValid() {
		errors = append(errors, ValidationError{
			Field:   "replay.manager_path",
			Message: fmt.Sprintf("%q is not a valid object path", c.Replay.ManagerPath),
		})
	}

	if c.Replay.BusName != "" && !isWellKnownName(c.Replay.BusName) {
		errors = append(errors, ValidationError{
			Field:   "replay.bus_name",
			Message: fmt.Sprintf("%q is not a valid well-known bus name", c.Replay.BusName),
		})
	}

	if c.Replay.EmitInterfacesAdded && c.Replay.ManagerPath == "" {
		errors = append(errors, ValidationError{
			Field:   "replay.manager_path",
			Message: "manager_path is required when emit_interfaces_added is set",
		})
	}

	return errors
}

// isWellKnownName reports whether name is a requestable bus name: at most
// 255 bytes, two or more dot-separated elements of [A-Za-z0-9_-], none
// starting with a digit, and no leading colon.
func isWellKnownName(name string) bool {
	if len(name) > 255 || strings.HasPrefix(name, ":") {
		return false
	}
	elements := strings.Split(name, ".")
	if len(elements) < 2 {
		return false
	}
	for _, el := range elements {
		if el == "" || (el[0] >= '0' && el[0] <= '9') {
			return false
		}
		for _, r := range el {
			if !(r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
				return false
			}
		}
	}
	return true
}

func (c *Config) validateCatalog() ValidationErrors {
	var errors ValidationErrors

	if c.Catalog.Table == "" {
		errors = append(errors, ValidationError{
			Field:   "catalog.table",
			Message: "table is required when catalog is enabled",
		})
	}

	errors = append(errors, c.validateDatabase("catalog.database", &c.Catalog.Database)...)
	return errors
}

func (c *Config) validateDatabase(prefix string, db *DatabaseConfig) ValidationErrors {
	var errors ValidationErrors

	if db.Host == "" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".host",
			Message: "host is required",
		})
	}

	if db.Port <= 0 || db.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".port",
			Message: "port must be between 1 and 65535",
		})
	}

	if db.User == "" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".user",
			Message: "user is required",
		})
	}

	if db.Database == "" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".database",
			Message: "database name is required",
		})
	}

	validTLS := map[string]bool{"disable": true, "preferred": true, "required": true, "": true}
	if !validTLS[db.TLS] {
		errors = append(errors, ValidationError{
			Field:   prefix + ".tls",
			Message: "tls must be 'disable', 'preferred', or 'required'",
		})
	}

	if db.MaxConnections < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".max_connections",
			Message: "max_connections cannot be negative",
		})
	}

	if db.MaxIdleConnections < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".max_idle_connections",
			Message: "max_idle_connections cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateLogging() ValidationErrors {
	var errors ValidationErrors

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[c.Logging.Level] {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Message: "level must be 'debug', 'info', 'warn', or 'error'",
		})
	}

	validFormats := map[string]bool{"json": true, "text": true, "": true}
	if !validFormats[c.Logging.Format] {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Message: "format must be 'json' or 'text'",
		})
	}

	return errors
}
