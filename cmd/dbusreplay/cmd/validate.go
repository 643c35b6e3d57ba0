package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/dbusreplay/internal/bus"
	"github.com/dbsmedya/dbusreplay/internal/config"
	"github.com/dbsmedya/dbusreplay/internal/logger"
)

var validateCheckBus bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and run preflight checks",
	Long: `Validate checks the configuration and runs preflight checks before
a scan, replay or serve.

Checks performed:
  - Configuration syntax and field values
  - Catalog database connectivity and table (when the catalog is enabled)
  - Bus connectivity (with --check-bus)

Example:
  dbusreplay validate --config dbusreplay.yaml --check-bus`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateCheckBus, "check-bus", false,
		"Also connect to the configured bus")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(GetCLIOverrides())
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("Starting validation checks...")

	out := cmd.OutOrStdout()
	configFile := GetConfigFile()
	if configFile == "" {
		configFile = "(defaults)"
	}
	fmt.Fprintf(out, "\n=== Configuration Validation ===\n")
	fmt.Fprintf(out, "Config file: %s\n", configFile)
	fmt.Fprintf(out, "Bus:         %s\n\n", bus.Describe(cfg.Bus))

	if !validateConfig(out, cfg) {
		return fmt.Errorf("validation failed")
	}

	hasErrors := false
	if cfg.Catalog.Enabled && !checkCatalog(context.Background(), out, cfg, log) {
		hasErrors = true
	}
	if validateCheckBus && !checkBus(out, cfg) {
		hasErrors = true
	}

	if hasErrors {
		return fmt.Errorf("validation failed")
	}

	fmt.Fprintln(out, "\n=== Validation Complete ===")
	fmt.Fprintln(out, "✅ All checks passed")
	return nil
}

// validateConfig prints one line per validation error and reports whether
// there were none.
func validateConfig(w io.Writer, cfg *config.Config) bool {
	err := cfg.Validate()
	if err == nil {
		fmt.Fprintln(w, "✅ Configuration is valid")
		return true
	}

	if errs, ok := err.(config.ValidationErrors); ok {
		for _, e := range errs {
			fmt.Fprintf(w, "❌ %s\n", e.Error())
		}
	} else {
		fmt.Fprintf(w, "❌ %v\n", err)
	}
	return false
}

func checkCatalog(ctx context.Context, w io.Writer, cfg *config.Config, log *logger.Logger) bool {
	fmt.Fprintf(w, "--- Catalog: %s@%s:%d/%s ---\n",
		cfg.Catalog.Database.User, cfg.Catalog.Database.Host, cfg.Catalog.Database.Port, cfg.Catalog.Database.Database)

	dbManager, store, err := openCatalog(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(w, "❌ %v\n", err)
		return false
	}
	defer dbManager.Close()

	if err := dbManager.Ping(ctx); err != nil {
		fmt.Fprintf(w, "❌ Catalog connection failed: %v\n", err)
		return false
	}
	if err := store.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(w, "❌ %v\n", err)
		return false
	}
	fmt.Fprintf(w, "✅ Catalog table %s is ready\n", cfg.Catalog.Table)
	return true
}

func checkBus(w io.Writer, cfg *config.Config) bool {
	fmt.Fprintf(w, "--- Bus: %s ---\n", bus.Describe(cfg.Bus))

	conn, err := bus.Connect(cfg.Bus)
	if err != nil {
		fmt.Fprintf(w, "❌ %v\n", err)
		return false
	}
	defer conn.Close()

	name := "(none)"
	if names := conn.Names(); len(names) > 0 {
		name = names[0]
	}
	fmt.Fprintf(w, "✅ Connected as %s\n", name)
	return true
}
