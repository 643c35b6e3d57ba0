package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/dbsmedya/dbusreplay/internal/bus"
	"github.com/dbsmedya/dbusreplay/internal/capture"
	"github.com/dbsmedya/dbusreplay/internal/config"
	"github.com/dbsmedya/dbusreplay/internal/logger"
	"github.com/dbsmedya/dbusreplay/internal/scanner"
	"github.com/dbsmedya/dbusreplay/internal/types"
)

var (
	scanDest        string
	scanMock        string
	scanRoot        string
	scanOutput      string
	scanCatalogName string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Capture the object tree of a D-Bus service",
	Long: `Scan introspects a service depth-first from the root path and writes
one capture record per object that carries at least one interface.

Properties are read with their current values and recorded under their
declared signatures. Infrastructure interfaces (Properties, Introspectable,
Peer, ObjectManager) are skipped.

Output is JSON Lines on stdout by default. A file name ending in .zst is
written zstd-compressed. Records are flushed one by one, so a scan that
fails part way leaves a readable partial capture.

Example:
  dbusreplay scan --system --dest org.freedesktop.UDisks2 -o udisks2.jsonl
  dbusreplay scan --session --dest com.example --catalog-name example`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVarP(&scanDest, "dest", "d", "",
		"Bus name of the service to scan (required)")
	scanCmd.MarkFlagRequired("dest")

	scanCmd.Flags().StringVar(&scanMock, "mock", "",
		"Stub host the capture targets (default from config: self)")
	scanCmd.Flags().StringVar(&scanRoot, "root", "",
		"Object path to start from (default /)")
	scanCmd.Flags().StringVarP(&scanOutput, "output", "o", "",
		"Capture file, - for stdout")
	scanCmd.Flags().StringVar(&scanCatalogName, "catalog-name", "",
		"Also store the capture in the catalog under this name")

	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	overrides := GetCLIOverrides()
	overrides.Destination = scanDest
	overrides.Mock = scanMock
	overrides.Root = scanRoot
	overrides.Output = scanOutput

	cfg, log, err := loadConfig(overrides)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := cfg.ValidateForScan(); err != nil {
		return err
	}

	log.Infow("Starting scan",
		"destination", cfg.Scan.Destination,
		"bus", bus.Describe(cfg.Bus),
		"root", cfg.Scan.Root,
	)

	conn, err := bus.Connect(cfg.Bus)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx := SetupSignalHandlerWithCallback(func(sig os.Signal) {
		log.Warnw("Received shutdown signal - stopping scan", "signal", sig.String())
	})

	client := bus.NewClient(conn, cfg.Scan.Destination, bus.CallTimeout(cfg.Bus))

	w, err := createCaptureWriter(cmd.OutOrStdout(), cfg.Scan.Output, scanHeader(cfg))
	if err != nil {
		return err
	}

	stats, records, scanErr := scanToCapture(ctx, client, cfg, log, w)
	if err := w.Close(); err != nil && scanErr == nil {
		scanErr = fmt.Errorf("failed to finish capture: %w", err)
	}
	if scanErr != nil {
		if errors.Is(scanErr, context.Canceled) {
			log.Warnw("Scan cancelled", "records", w.Records())
		}
		return scanErr
	}

	printScanStats(cmd.ErrOrStderr(), stats)

	if scanCatalogName != "" {
		if err := saveCapture(ctx, cfg, log, scanCatalogName, scanHeader(cfg), records); err != nil {
			return fmt.Errorf("failed to store capture in catalog: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Stored in catalog as %q\n", scanCatalogName)
	}
	return nil
}

func scanHeader(cfg *config.Config) capture.Header {
	return capture.Header{
		Destination: cfg.Scan.Destination,
		Bus:         bus.Describe(cfg.Bus),
		Mock:        cfg.Scan.Mock,
		Root:        cfg.Scan.Root,
	}
}

// createCaptureWriter writes to stdout for "-" and to a file otherwise.
func createCaptureWriter(stdout io.Writer, output string, h capture.Header) (*capture.Writer, error) {
	if output == "-" || output == "" {
		return capture.NewWriter(stdout, h, capture.NoCompression)
	}
	return capture.Create(output, h)
}

// scanToCapture walks b from the configured root, writing each record to w
// as soon as it is emitted. The records are also returned.
func scanToCapture(ctx context.Context, b scanner.Bus, cfg *config.Config, log *logger.Logger, w *capture.Writer) (*types.ScanStats, []types.ObjectRecord, error) {
	s, err := scanner.New(b, scanner.Options{
		Destination:       cfg.Scan.Destination,
		IgnoredInterfaces: cfg.Scan.IgnoredInterfaces,
	}, log.WithDestination(cfg.Scan.Destination))
	if err != nil {
		return nil, nil, err
	}

	var records []types.ObjectRecord
	stats, err := s.Scan(ctx, dbus.ObjectPath(cfg.Scan.Root), func(rec types.ObjectRecord) error {
		if err := w.Write(rec); err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return stats, records, fmt.Errorf("scan failed: %w", err)
	}
	return stats, records, nil
}

func printScanStats(w io.Writer, stats *types.ScanStats) {
	fmt.Fprintf(w, "\n=== Scan Complete ===\n")
	fmt.Fprintf(w, "Objects visited:    %d\n", stats.ObjectsVisited)
	fmt.Fprintf(w, "Objects captured:   %d\n", stats.ObjectsEmitted)
	fmt.Fprintf(w, "Interfaces:         %d\n", stats.InterfacesEmitted)
	fmt.Fprintf(w, "Properties read:    %d\n", stats.PropertiesRead)
	if stats.Repaired > 0 {
		fmt.Fprintf(w, "Signatures repaired: %d\n", stats.Repaired)
	}
	fmt.Fprintf(w, "Duration:           %s\n", stats.Duration)
}
