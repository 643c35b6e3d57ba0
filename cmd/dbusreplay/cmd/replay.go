package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/dbsmedya/dbusreplay/internal/catalog"
	"github.com/dbsmedya/dbusreplay/internal/config"
	"github.com/dbsmedya/dbusreplay/internal/logger"
	"github.com/dbsmedya/dbusreplay/internal/replay"
	"github.com/dbsmedya/dbusreplay/internal/scanner"
	"github.com/dbsmedya/dbusreplay/internal/stubhost"
	"github.com/dbsmedya/dbusreplay/internal/types"
	"github.com/dbsmedya/dbusreplay/internal/verifier"
)

var (
	replayInput       string
	replayCatalogName string
	replaySeedUDisks2 bool
	replayVerify      string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a capture into an in-process stub host",
	Long: `Replay loads a capture into an in-process stub host without touching
any bus, then rescans the host and compares the result with the capture.

Use it to check that a capture replays cleanly before serving it.

Verification methods:
  count   compare interface, property and method counts per path
  sha256  compare a hash of every interface's encoded form per path
  skip    load only

Example:
  dbusreplay replay -i udisks2.jsonl --seed-udisks2
  dbusreplay replay --catalog-name example --verify sha256`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVarP(&replayInput, "input", "i", "",
		"Capture file, - for stdin")
	replayCmd.Flags().StringVar(&replayCatalogName, "catalog-name", "",
		"Load the capture from the catalog instead of a file")
	replayCmd.Flags().BoolVar(&replaySeedUDisks2, "seed-udisks2", false,
		"Create the UDisks2 root and Manager objects before loading")
	replayCmd.Flags().StringVar(&replayVerify, "verify", string(verifier.MethodCount),
		"Verification method (count, sha256, skip)")
	replayCmd.MarkFlagsMutuallyExclusive("input", "catalog-name")

	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	overrides := GetCLIOverrides()
	overrides.Input = replayInput

	cfg, log, err := loadConfig(overrides)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}

	v, err := verifier.New(verifier.Method(replayVerify), log)
	if err != nil {
		return err
	}

	ctx := SetupSignalHandler()

	c, err := loadCapture(ctx, cmd.InOrStdin(), cfg, log, cfg.Replay.Input, replayCatalogName)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	stats, vstats, err := replayAndVerify(ctx, cfg, log, c, replaySeedUDisks2, v)
	if stats != nil {
		fmt.Fprintf(out, "\n=== Replay Complete ===\n")
		fmt.Fprintf(out, "Destination: %s\n", c.Header.Destination)
		printLoadStats(out, stats)
	}
	if vstats != nil {
		printVerifyStats(out, vstats)
	}
	return err
}

// replayAndVerify loads c into a fresh stub host and, unless v skips,
// compares a rescan of the host with c.
func replayAndVerify(ctx context.Context, cfg *config.Config, log *logger.Logger, c *catalog.Capture, seed bool, v *verifier.Verifier) (*replay.LoadStats, *verifier.Stats, error) {
	host, err := newStubHost(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	if err := host.seed(seed); err != nil {
		return nil, nil, err
	}

	stats, loadErr := host.load(ctx, c)
	if loadErr != nil {
		return stats, nil, fmt.Errorf("replay finished with errors: %w", loadErr)
	}
	if v.Method() == verifier.MethodSkip {
		return stats, nil, nil
	}

	root := dbus.ObjectPath(c.Header.Root)
	if !root.IsValid() {
		root = "/"
	}
	actual, err := rescan(ctx, host.handler, c.Header.Destination, root, cfg.Scan.IgnoredInterfaces, log)
	if err != nil {
		return stats, nil, err
	}
	if seed {
		actual = dropSeeded(actual, c.Records)
	}

	vstats, err := v.Verify(ctx, c.Records, actual)
	return stats, vstats, err
}

// rescan walks the stub host through a loopback bus, exactly as scan walks
// a live service.
func rescan(ctx context.Context, h *stubhost.Handler, dest string, root dbus.ObjectPath, ignored []string, log *logger.Logger) ([]types.ObjectRecord, error) {
	s, err := scanner.New(stubhost.NewLoopback(h), scanner.Options{
		Destination:       dest,
		IgnoredInterfaces: ignored,
	}, log)
	if err != nil {
		return nil, err
	}

	var records []types.ObjectRecord
	if _, err := s.Scan(ctx, root, func(rec types.ObjectRecord) error {
		records = append(records, rec)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("rescan of replayed objects failed: %w", err)
	}
	return records, nil
}

// dropSeeded removes the seeded Manager object from a rescan unless the
// capture itself has it.
func dropSeeded(actual, expected []types.ObjectRecord) []types.ObjectRecord {
	for _, rec := range expected {
		if rec.Path == replay.UDisksManagerPath {
			return actual
		}
	}
	out := actual[:0:0]
	for _, rec := range actual {
		if rec.Path != replay.UDisksManagerPath {
			out = append(out, rec)
		}
	}
	return out
}

func printVerifyStats(w io.Writer, stats *verifier.Stats) {
	fmt.Fprintf(w, "\n=== Verification (%s) ===\n", stats.Method)
	fmt.Fprintf(w, "Paths checked:  %d\n", stats.PathsChecked)
	fmt.Fprintf(w, "Passed:         %d\n", stats.PathsPassed)
	fmt.Fprintf(w, "Failed:         %d\n", stats.PathsFailed)
	for _, f := range stats.Failures {
		fmt.Fprintf(w, "  ❌ %s: %s\n", f.Path, f.Message)
	}
	if stats.PathsFailed == 0 {
		fmt.Fprintln(w, "✅ Replayed objects match the capture")
	}
}
