package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dbsmedya/dbusreplay/internal/capture"
	"github.com/dbsmedya/dbusreplay/internal/catalog"
	"github.com/dbsmedya/dbusreplay/internal/render"
	"github.com/dbsmedya/dbusreplay/internal/types"
)

var (
	inspectInput       string
	inspectCatalogName string
	inspectFormat      string
	inspectASCII       bool
	inspectNoColor     bool
	inspectValueWidth  int
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show the contents of a capture",
	Long: `Inspect prints a capture as an object tree, or re-encodes it as
indented JSON or YAML.

The tree view lists every interface with its properties (name, signature,
value) and method signatures, next to a summary of the capture. Color is
used when stdout is a terminal unless --no-color is given or NO_COLOR is set.

Example:
  dbusreplay inspect -i udisks2.jsonl
  dbusreplay inspect -i udisks2.jsonl.zst --format yaml
  dbusreplay inspect --catalog-name example --ascii`,
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().StringVarP(&inspectInput, "input", "i", "",
		"Capture file, - for stdin")
	inspectCmd.Flags().StringVar(&inspectCatalogName, "catalog-name", "",
		"Read the capture from the catalog instead of a file")
	inspectCmd.Flags().StringVarP(&inspectFormat, "format", "f", "tree",
		"Output format (tree, json, yaml)")
	inspectCmd.Flags().BoolVar(&inspectASCII, "ascii", false,
		"Draw the tree with ASCII characters only")
	inspectCmd.Flags().BoolVar(&inspectNoColor, "no-color", false,
		"Disable colored output")
	inspectCmd.Flags().IntVar(&inspectValueWidth, "value-width", render.DefaultStyle().ValueWidth,
		"Truncate property values wider than this (0 for no limit)")
	inspectCmd.MarkFlagsMutuallyExclusive("input", "catalog-name")

	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	overrides := GetCLIOverrides()
	overrides.Input = inspectInput

	cfg, log, err := loadConfig(overrides)
	if err != nil {
		return err
	}
	defer log.Sync()

	c, err := loadCapture(context.Background(), cmd.InOrStdin(), cfg, log, cfg.Replay.Input, inspectCatalogName)
	if err != nil {
		return err
	}

	style := render.Style{
		UseASCII:   inspectASCII,
		Color:      !inspectNoColor && isTerminal(outputWriter),
		ValueWidth: inspectValueWidth,
	}
	return printCapture(outputWriter, c, inspectFormat, style)
}

// printCapture writes c to w in format.
func printCapture(w io.Writer, c *catalog.Capture, format string, style render.Style) error {
	switch format {
	case "tree":
		return printTree(w, c, style)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(captureDocument(c))
	case "yaml":
		return writeYAML(w, captureDocument(c))
	default:
		return fmt.Errorf("unknown format %q (want tree, json or yaml)", format)
	}
}

func printTree(w io.Writer, c *catalog.Capture, style render.Style) error {
	var tree bytes.Buffer
	if err := render.Tree(&tree, c.Records, style); err != nil {
		return fmt.Errorf("failed to render tree: %w", err)
	}

	render.Header(w, "Capture: %s", c.Header.Destination)
	fmt.Fprintln(w)
	render.SideBySide(w, tree.String(), render.SummaryLines(c.Header, c.Records), 4)
	return nil
}

// document is the JSON and YAML shape of a whole capture.
type document struct {
	Header  capture.Header       `json:"header"`
	Objects []types.ObjectRecord `json:"objects"`
}

func captureDocument(c *catalog.Capture) document {
	records := c.Records
	if records == nil {
		records = []types.ObjectRecord{}
	}
	return document{Header: c.Header, Objects: records}
}

// writeYAML encodes v as YAML, keeping the key order of its JSON form so
// properties stay in declaration order.
func writeYAML(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("failed to convert capture to YAML: %w", err)
	}
	blockStyle(&node)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

// blockStyle clears the flow and quoting styles JSON input leaves on every
// node. The encoder still quotes strings that would otherwise read as
// another type.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
