package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/dbusreplay/internal/capture"
	"github.com/dbsmedya/dbusreplay/internal/config"
	"github.com/dbsmedya/dbusreplay/internal/logger"
	"github.com/dbsmedya/dbusreplay/internal/replay"
	"github.com/dbsmedya/dbusreplay/internal/types"
)

const (
	testDest = "com.example"
	fooPath  = dbus.ObjectPath("/com/example/Foo")
	diskPath = dbus.ObjectPath("/org/freedesktop/UDisks2/block_devices/sda")
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Scan.Destination = testDest
	return cfg
}

// populatedHost returns a stub host with two objects, as a service would
// expose them.
func populatedHost(t *testing.T) *stubHost {
	t.Helper()
	host, err := newStubHost(testConfig(), logger.NewNop())
	require.NoError(t, err)

	foo := types.NewProperties()
	foo.Set("Zeta", types.NewTypedValue("s", ""))
	foo.Set("Alpha", types.NewTypedValue("i", int32(7)))
	require.NoError(t, host.registry.AddObject(fooPath, "com.example.Foo", foo,
		[]types.MethodSignature{{Name: "Baz", InSignature: "i", OutSignature: "s"}}))

	block := types.NewProperties()
	block.Set("Size", types.NewTypedValue("t", uint64(1<<30)))
	block.Set("ReadOnly", types.NewTypedValue("b", false))
	require.NoError(t, host.registry.AddObject(diskPath, replay.BlockInterface, block, nil))
	return host
}

func encodeCapture(t *testing.T, h capture.Header, records []types.ObjectRecord) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := capture.NewWriter(&buf, h, capture.NoCompression)
	require.NoError(t, err)
	for _, rec := range records {
		require.NoError(t, w.Write(rec))
	}
	require.NoError(t, w.Close())
	return buf.String()
}

func TestReadCapture_Stdin(t *testing.T) {
	rec := types.ObjectRecord{Path: fooPath, Interfaces: []types.InterfaceRecord{types.NewInterfaceRecord("com.example.Foo")}}
	data := encodeCapture(t, capture.Header{Destination: testDest, Root: "/"}, []types.ObjectRecord{rec})

	for _, input := range []string{"-", ""} {
		c, err := readCapture(strings.NewReader(data), input)
		require.NoError(t, err)
		assert.Equal(t, testDest, c.Header.Destination)
		require.Len(t, c.Records, 1)
		assert.Equal(t, fooPath, c.Records[0].Path)
	}
}

func TestReadCapture_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl.zst")
	w, err := capture.Create(path, capture.Header{Destination: testDest})
	require.NoError(t, err)
	require.NoError(t, w.Write(types.ObjectRecord{Path: fooPath, Interfaces: []types.InterfaceRecord{types.NewInterfaceRecord("com.example.Foo")}}))
	require.NoError(t, w.Close())

	c, err := readCapture(nil, path)
	require.NoError(t, err)
	assert.Len(t, c.Records, 1)
}

func TestReadCapture_Errors(t *testing.T) {
	_, err := readCapture(nil, filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)

	_, err = readCapture(strings.NewReader("not json\n"), "-")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "<stdin>")
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "<stdin>", displayName("-"))
	assert.Equal(t, "<stdin>", displayName(""))
	assert.Equal(t, "a.jsonl", displayName("a.jsonl"))
}

func TestOpenCatalog_Disabled(t *testing.T) {
	_, _, err := openCatalog(context.Background(), testConfig(), logger.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enabled")
}

func TestLoadCapture_CatalogDisabled(t *testing.T) {
	_, err := loadCapture(context.Background(), nil, testConfig(), logger.NewNop(), "", "example")
	assert.Error(t, err)
}

func TestStubHost_Seed(t *testing.T) {
	host, err := newStubHost(testConfig(), logger.NewNop())
	require.NoError(t, err)

	require.NoError(t, host.seed(false))
	assert.Equal(t, 0, host.registry.Len())

	require.NoError(t, host.seed(true))
	_, ok := host.registry.Lookup(replay.UDisksManagerPath)
	assert.True(t, ok)
}

func TestPrintLoadStats(t *testing.T) {
	var buf bytes.Buffer
	printLoadStats(&buf, &replay.LoadStats{Records: 3, Objects: 2, Appended: 1, Failed: 1, FailedPath: []dbus.ObjectPath{"/bad"}})

	out := buf.String()
	assert.Contains(t, out, "Records:   3")
	assert.Contains(t, out, "Failed:    1")
	assert.Contains(t, out, "  - /bad")
}
