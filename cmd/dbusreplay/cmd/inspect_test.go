package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dbsmedya/dbusreplay/internal/catalog"
	"github.com/dbsmedya/dbusreplay/internal/render"
)

func plainStyle() render.Style {
	return render.Style{UseASCII: true, ValueWidth: 60}
}

func TestInspectCommandStructure(t *testing.T) {
	assert.NotNil(t, inspectCmd)
	assert.Equal(t, "inspect", inspectCmd.Use)
	assert.NotEmpty(t, inspectCmd.Short)
	assert.Contains(t, inspectCmd.Long, "Example:")
	assert.NotNil(t, inspectCmd.RunE)
}

func TestInspectCommandFlags(t *testing.T) {
	flags := inspectCmd.Flags()

	format := flags.Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "f", format.Shorthand)
	assert.Equal(t, "tree", format.DefValue)

	width := flags.Lookup("value-width")
	require.NotNil(t, width)
	assert.Equal(t, "60", width.DefValue)

	for _, name := range []string{"input", "catalog-name", "ascii", "no-color"} {
		assert.NotNil(t, flags.Lookup(name), "inspect should have --%s", name)
	}
}

func TestPrintCapture_Tree(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printCapture(&buf, capturedHost(t), "tree", plainStyle()))

	out := buf.String()
	assert.Contains(t, out, "Capture: com.example")
	assert.Contains(t, out, "Foo")
	assert.Contains(t, out, "com.example.Foo")
	assert.Contains(t, out, "Baz(i) -> s")
	assert.Contains(t, out, "Destination:  com.example")
	assert.Contains(t, out, "Objects:      2")
	assert.NotContains(t, out, "\x1b[", "no escape codes without color")
}

func TestPrintCapture_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printCapture(&buf, capturedHost(t), "json", plainStyle()))

	var doc struct {
		Header struct {
			Destination string `json:"destination"`
		} `json:"header"`
		Objects []struct {
			Path string `json:"path"`
		} `json:"objects"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "com.example", doc.Header.Destination)
	require.Len(t, doc.Objects, 2)
	assert.Equal(t, "/com/example/Foo", doc.Objects[0].Path)
}

func TestPrintCapture_JSONEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printCapture(&buf, &catalog.Capture{}, "json", plainStyle()))
	assert.Contains(t, buf.String(), `"objects": []`)
}

func TestPrintCapture_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printCapture(&buf, capturedHost(t), "yaml", plainStyle()))

	out := buf.String()
	assert.Contains(t, out, "destination: com.example")
	assert.Contains(t, out, "path: /com/example/Foo")

	// Properties keep their declaration order.
	zeta := strings.Index(out, "Zeta:")
	alpha := strings.Index(out, "Alpha:")
	require.True(t, zeta >= 0 && alpha >= 0)
	assert.Less(t, zeta, alpha)

	// The empty string stays a string.
	assert.Contains(t, out, `value: ""`)
	assert.NotContains(t, out, "{", "block style only")

	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, decoded, "header")
	assert.Contains(t, decoded, "objects")
}

func TestPrintCapture_UnknownFormat(t *testing.T) {
	err := printCapture(&bytes.Buffer{}, &catalog.Capture{}, "xml", plainStyle())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, isTerminal(&bytes.Buffer{}))

	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, isTerminal(f))
}

func TestRunInspect_Stdin(t *testing.T) {
	originalFormat := inspectFormat
	originalInput := inspectInput
	defer func() {
		inspectFormat = originalFormat
		inspectInput = originalInput
		resetOutputWriter()
	}()

	c := capturedHost(t)
	data := encodeCapture(t, c.Header, c.Records)

	var buf bytes.Buffer
	setOutputWriter(&buf)
	inspectFormat = "json"
	inspectInput = "-"
	inspectCmd.SetIn(strings.NewReader(data))

	require.NoError(t, runInspect(inspectCmd, nil))
	assert.Contains(t, buf.String(), `"path": "/com/example/Foo"`)
}
