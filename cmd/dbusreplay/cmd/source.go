package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/godbus/dbus/v5"

	"github.com/dbsmedya/dbusreplay/internal/capture"
	"github.com/dbsmedya/dbusreplay/internal/catalog"
	"github.com/dbsmedya/dbusreplay/internal/config"
	"github.com/dbsmedya/dbusreplay/internal/database"
	"github.com/dbsmedya/dbusreplay/internal/lock"
	"github.com/dbsmedya/dbusreplay/internal/logger"
	"github.com/dbsmedya/dbusreplay/internal/replay"
	"github.com/dbsmedya/dbusreplay/internal/stubhost"
	"github.com/dbsmedya/dbusreplay/internal/types"
)

// outputWriter is used for printing output, can be overridden in tests
var outputWriter io.Writer = os.Stdout

// setOutputWriter sets the output writer (used for testing)
func setOutputWriter(w io.Writer) {
	outputWriter = w
}

// resetOutputWriter resets output to stdout (used for testing)
func resetOutputWriter() {
	outputWriter = os.Stdout
}

// readCapture reads a whole capture file. "-" or "" reads stdin.
func readCapture(stdin io.Reader, input string) (*catalog.Capture, error) {
	var (
		r   *capture.Reader
		err error
	)
	if input == "-" || input == "" {
		r, err = capture.NewReader(stdin, capture.NoCompression)
	} else {
		r, err = capture.Open(input)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read capture %s: %w", displayName(input), err)
	}
	defer r.Close()

	records, err := capture.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture %s: %w", displayName(input), err)
	}
	return &catalog.Capture{Header: r.Header(), Records: records}, nil
}

func displayName(input string) string {
	if input == "-" || input == "" {
		return "<stdin>"
	}
	return input
}

// openCatalog connects to the catalog database. The caller closes the
// returned manager.
func openCatalog(ctx context.Context, cfg *config.Config, log *logger.Logger) (*database.Manager, *catalog.Store, error) {
	if !cfg.Catalog.Enabled {
		return nil, nil, fmt.Errorf("catalog is not enabled in configuration")
	}

	dbManager := database.NewManager(&cfg.Catalog.Database, log)
	if err := dbManager.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to catalog: %w", err)
	}

	store, err := catalog.NewStore(dbManager.DB, cfg.Catalog.Table, log)
	if err != nil {
		dbManager.Close()
		return nil, nil, err
	}
	return dbManager, store, nil
}

// loadCapture reads the capture named by catalogName from the catalog, or
// the file input when catalogName is empty.
func loadCapture(ctx context.Context, stdin io.Reader, cfg *config.Config, log *logger.Logger, input, catalogName string) (*catalog.Capture, error) {
	if catalogName == "" {
		return readCapture(stdin, input)
	}

	dbManager, store, err := openCatalog(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	defer dbManager.Close()

	return store.Load(ctx, catalogName)
}

// saveCapture stores records under name while holding the capture's
// advisory lock.
func saveCapture(ctx context.Context, cfg *config.Config, log *logger.Logger, name string, h capture.Header, records []types.ObjectRecord) error {
	dbManager, store, err := openCatalog(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer dbManager.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	return lock.WithCaptureLock(ctx, dbManager.DB, name, func() error {
		return store.Save(ctx, name, h, records)
	})
}

// stubHost bundles the in-process stub host used by replay and serve.
type stubHost struct {
	registry *stubhost.Registry
	loader   *replay.Loader
	handler  *stubhost.Handler
}

func newStubHost(cfg *config.Config, log *logger.Logger) (*stubHost, error) {
	reg := stubhost.New(log)
	loader, err := replay.NewLoader(reg, replay.Options{
		EmitInterfacesAdded: cfg.Replay.EmitInterfacesAdded,
		ManagerPath:         dbus.ObjectPath(cfg.Replay.ManagerPath),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create loader: %w", err)
	}
	h, err := stubhost.NewHandler(reg, loader, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create handler: %w", err)
	}
	return &stubHost{registry: reg, loader: loader, handler: h}, nil
}

// seed creates the bare UDisks2 objects when requested.
func (s *stubHost) seed(enabled bool) error {
	if !enabled {
		return nil
	}
	return replay.SeedUDisks2(s.registry)
}

// load replays c into the host.
func (s *stubHost) load(ctx context.Context, c *catalog.Capture) (*replay.LoadStats, error) {
	return s.loader.Load(ctx, c.Source())
}

func printLoadStats(w io.Writer, stats *replay.LoadStats) {
	fmt.Fprintf(w, "Records:   %d\n", stats.Records)
	fmt.Fprintf(w, "Objects:   %d\n", stats.Objects)
	fmt.Fprintf(w, "Appended:  %d\n", stats.Appended)
	if stats.Empty > 0 {
		fmt.Fprintf(w, "Empty:     %d\n", stats.Empty)
	}
	fmt.Fprintf(w, "Signals:   %d\n", stats.Signals)
	fmt.Fprintf(w, "Failed:    %d\n", stats.Failed)
	fmt.Fprintf(w, "Duration:  %s\n", stats.Duration)
	for _, p := range stats.FailedPath {
		fmt.Fprintf(w, "  - %s\n", p)
	}
}
