package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/dbsmedya/dbusreplay/internal/catalog"
	"github.com/dbsmedya/dbusreplay/internal/lock"
)

var (
	catalogSaveInput   string
	catalogExportOut   string
	catalogDeleteForce bool
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage named captures stored in MySQL",
	Long: `Catalog stores captures in a MySQL table so they can be listed,
inspected and replayed by name. Enable it in the configuration file:

  catalog:
    enabled: true
    table: dbusreplay_captures
    database:
      host: localhost
      user: replay
      password: ${CATALOG_PASSWORD}
      database: dbusreplay

Writes to one capture are serialized with a MySQL advisory lock.`,
}

var catalogInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the catalog table",
	Args:  cobra.NoArgs,
	RunE:  runCatalogInit,
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored captures",
	Args:  cobra.NoArgs,
	RunE:  runCatalogList,
}

var catalogSaveCmd = &cobra.Command{
	Use:   "save NAME",
	Short: "Store a capture file under NAME, replacing any previous one",
	Long: `Save reads a capture file and stores it under NAME in one transaction.
A capture already stored under NAME is replaced.

Example:
  dbusreplay catalog save udisks2 -i udisks2.jsonl.zst`,
	Args: cobra.ExactArgs(1),
	RunE: runCatalogSave,
}

var catalogExportCmd = &cobra.Command{
	Use:   "export NAME",
	Short: "Write a stored capture to a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runCatalogExport,
}

var catalogDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a stored capture",
	Args:  cobra.ExactArgs(1),
	RunE:  runCatalogDelete,
}

func init() {
	catalogSaveCmd.Flags().StringVarP(&catalogSaveInput, "input", "i", "-",
		"Capture file, - for stdin")
	catalogExportCmd.Flags().StringVarP(&catalogExportOut, "output", "o", "-",
		"Capture file, - for stdout")
	catalogDeleteCmd.Flags().BoolVar(&catalogDeleteForce, "force", false,
		"Delete even if another writer holds the capture lock (use with caution)")

	catalogCmd.AddCommand(catalogInitCmd, catalogListCmd, catalogSaveCmd, catalogExportCmd, catalogDeleteCmd)
	rootCmd.AddCommand(catalogCmd)
}

func runCatalogInit(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(GetCLIOverrides())
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := context.Background()
	dbManager, store, err := openCatalog(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer dbManager.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	cmd.Printf("✅ Catalog table %s is ready\n", cfg.Catalog.Table)
	return nil
}

func runCatalogList(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(GetCLIOverrides())
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := context.Background()
	dbManager, store, err := openCatalog(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer dbManager.Close()

	summaries, err := store.List(ctx)
	if err != nil {
		return err
	}
	printCatalogList(cmd.OutOrStdout(), summaries)
	return nil
}

func printCatalogList(w io.Writer, summaries []catalog.Summary) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No captures stored")
		return
	}

	rows := [][]string{{"NAME", "DESTINATION", "RECORDS", "SAVED"}}
	for _, s := range summaries {
		dest := s.Destination
		if dest == "" {
			dest = "(unknown)"
		}
		rows = append(rows, []string{s.Name, dest, fmt.Sprint(s.Records), s.SavedAt.Format("2006-01-02 15:04:05")})
	}

	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			if i == len(row)-1 {
				cells[i] = cell
				continue
			}
			cells[i] = runewidth.FillRight(cell, widths[i])
		}
		fmt.Fprintln(w, strings.Join(cells, "  "))
	}
	fmt.Fprintf(w, "\nTotal: %d capture(s)\n", len(summaries))
}

func runCatalogSave(cmd *cobra.Command, args []string) error {
	name := args[0]
	cfg, log, err := loadConfig(GetCLIOverrides())
	if err != nil {
		return err
	}
	defer log.Sync()

	c, err := readCapture(cmd.InOrStdin(), catalogSaveInput)
	if err != nil {
		return err
	}

	if err := saveCapture(context.Background(), cfg, log, name, c.Header, c.Records); err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			return fmt.Errorf("capture %q is being written by another instance", name)
		}
		return err
	}
	cmd.Printf("Stored %d record(s) as %q\n", len(c.Records), name)
	return nil
}

func runCatalogExport(cmd *cobra.Command, args []string) error {
	name := args[0]
	cfg, log, err := loadConfig(GetCLIOverrides())
	if err != nil {
		return err
	}
	defer log.Sync()

	c, err := loadCapture(context.Background(), cmd.InOrStdin(), cfg, log, "", name)
	if err != nil {
		return err
	}

	w, err := createCaptureWriter(cmd.OutOrStdout(), catalogExportOut, c.Header)
	if err != nil {
		return err
	}
	for _, rec := range c.Records {
		if err := w.Write(rec); err != nil {
			w.Close()
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	if catalogExportOut != "-" {
		cmd.Printf("Wrote %d record(s) to %s\n", w.Records(), catalogExportOut)
	}
	return nil
}

func runCatalogDelete(cmd *cobra.Command, args []string) error {
	name := args[0]
	cfg, log, err := loadConfig(GetCLIOverrides())
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := context.Background()
	dbManager, store, err := openCatalog(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer dbManager.Close()

	var deleted bool
	del := func() error {
		var err error
		deleted, err = store.Delete(ctx, name)
		return err
	}

	if catalogDeleteForce {
		log.Warnw("Skipping capture lock (--force flag used)", "name", name)
		err = del()
	} else {
		err = lock.WithCaptureLock(ctx, dbManager.DB, name, del)
	}
	if errors.Is(err, lock.ErrLockTimeout) {
		return fmt.Errorf("capture %q is being written by another instance (use --force to override)", name)
	}
	if err != nil {
		return err
	}

	if !deleted {
		return fmt.Errorf("capture %q: %w", name, catalog.ErrNotFound)
	}
	cmd.Printf("Deleted capture %q\n", name)
	return nil
}
