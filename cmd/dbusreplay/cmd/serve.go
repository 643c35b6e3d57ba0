package cmd

import (
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/dbsmedya/dbusreplay/internal/bus"
	"github.com/dbsmedya/dbusreplay/internal/catalog"
	"github.com/dbsmedya/dbusreplay/internal/stubhost"
)

var (
	serveInput       string
	serveCatalogName string
	serveBusName     string
	serveSeedUDisks2 bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a capture on a bus as stub objects",
	Long: `Serve exports a stub host on a bus and optionally preloads a capture.

Every replayed object answers Introspect, Properties.Get/GetAll/Set and
its captured methods. Methods return zero values of their out signature and
are recorded for inspection. The org.freedesktop.DBus.Mock interface on
every node adds objects at runtime:

  AddUdevObject(sa(sss))       replay one captured object
  AddPartitionDevice(s) -> s   create a synthetic UDisks2 block device
  AddObject, AddProperties, AddMethod, RemoveObject, EmitSignal
  GetCalls, ClearCalls

Serve runs until interrupted.

Example:
  dbusreplay serve --session --bus-name org.freedesktop.UDisks2 \
      --seed-udisks2 -i udisks2.jsonl`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveInput, "input", "i", "",
		"Capture file to preload, - for stdin")
	serveCmd.Flags().StringVar(&serveCatalogName, "catalog-name", "",
		"Preload the capture from the catalog instead of a file")
	serveCmd.Flags().StringVar(&serveBusName, "bus-name", "",
		"Well-known name to request on the bus")
	serveCmd.Flags().BoolVar(&serveSeedUDisks2, "seed-udisks2", false,
		"Create the UDisks2 root and Manager objects before loading")
	serveCmd.MarkFlagsMutuallyExclusive("input", "catalog-name")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	overrides := GetCLIOverrides()
	overrides.Input = serveInput
	overrides.BusName = serveBusName

	cfg, log, err := loadConfig(overrides)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := SetupSignalHandlerWithCallback(func(sig os.Signal) {
		log.Warnw("Received shutdown signal - stopping", "signal", sig.String())
	})

	// Read the capture before exporting so a bad file never leaves a half
	// populated service on the bus.
	var c *catalog.Capture
	if serveInput != "" || serveCatalogName != "" || cfg.Replay.Input != "-" {
		c, err = loadCapture(ctx, cmd.InOrStdin(), cfg, log, cfg.Replay.Input, serveCatalogName)
		if err != nil {
			return err
		}
	}

	host, err := newStubHost(cfg, log)
	if err != nil {
		return err
	}

	conn, err := bus.Connect(cfg.Bus, dbus.WithHandler(host.handler))
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := stubhost.Export(conn, host.registry, cfg.Replay.BusName); err != nil {
		return err
	}
	if err := host.seed(serveSeedUDisks2); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if c != nil {
		stats, err := host.load(ctx, c)
		if stats != nil {
			fmt.Fprintf(out, "=== Capture Loaded ===\n")
			printLoadStats(out, stats)
		}
		if err != nil {
			log.Warnw("Some records could not be replayed", "error", err)
		}
	}

	name := cfg.Replay.BusName
	if name == "" {
		names := conn.Names()
		if len(names) > 0 {
			name = names[0]
		}
	}
	fmt.Fprintf(out, "Serving %d objects as %s on %s (Ctrl-C to stop)\n",
		host.registry.Len(), name, bus.Describe(cfg.Bus))

	<-ctx.Done()
	log.Infow("Stub host stopped", "objects", host.registry.Len(), "calls", len(host.registry.Calls()))
	return nil
}
