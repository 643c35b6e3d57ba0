package stubhost

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/dbusreplay/internal/capture"
	"github.com/dbsmedya/dbusreplay/internal/logger"
	"github.com/dbsmedya/dbusreplay/internal/replay"
	"github.com/dbsmedya/dbusreplay/internal/scanner"
	"github.com/dbsmedya/dbusreplay/internal/types"
)

// scanRegistry walks reg through a Loopback and returns the records.
func scanRegistry(t *testing.T, h *Handler) []types.ObjectRecord {
	t.Helper()
	s, err := scanner.New(NewLoopback(h), scanner.Options{Destination: "org.freedesktop.UDisks2"}, logger.NewNop())
	require.NoError(t, err)

	var records []types.ObjectRecord
	_, err = s.Scan(context.Background(), "/", func(rec types.ObjectRecord) error {
		records = append(records, rec)
		return nil
	})
	require.NoError(t, err)
	return records
}

func TestRoundTrip_ScanCaptureReplay(t *testing.T) {
	source, sourceReg := newTestHandler(t)
	require.NoError(t, replay.SeedUDisks2(sourceReg))

	drive := dbus.ObjectPath("/org/freedesktop/UDisks2/drives/disk0")
	require.NoError(t, sourceReg.AddObject(drive, "org.freedesktop.UDisks2.Drive", props(
		"Vendor", types.NewTypedValue("s", "ATA"),
		"Size", types.NewTypedValue("t", uint64(1<<30)),
		"Configuration", types.NewTypedValue("a{sv}", map[string]dbus.Variant{}),
		"Symlinks", types.NewTypedValue("aay", [][]byte{[]byte("/dev/disk/by-id/x\x00")}),
		"Wrapped", types.NewTypedValue("v", dbus.MakeVariant(int32(-1))),
	), []types.MethodSignature{{Name: "Eject", InSignature: "a{sv}"}}))
	obj, _ := sourceReg.Lookup(drive)
	require.NoError(t, obj.AddProperties("org.freedesktop.UDisks2.Drive.Ata", props(
		"SmartEnabled", types.NewTypedValue("b", true),
	)))
	require.NoError(t, obj.AddMethods("org.freedesktop.UDisks2.Drive.Ata", []types.MethodSignature{
		{Name: "SmartUpdate", InSignature: "a{sv}"},
	}))
	require.NoError(t, sourceReg.AddObject("/com/example/Foo", "com.example.Foo",
		props("Bar", types.NewTypedValue("s", "hi")),
		[]types.MethodSignature{{Name: "Baz", InSignature: "i", OutSignature: "s"}}))

	first := scanRegistry(t, source)
	require.Len(t, first, 3, "the ObjectManager-only root is not captured")

	var buf bytes.Buffer
	w, err := capture.NewWriter(&buf, capture.Header{Destination: "org.freedesktop.UDisks2", Mock: "self", Root: "/"}, capture.NoCompression)
	require.NoError(t, err)
	for _, rec := range first {
		require.NoError(t, w.Write(rec))
	}
	require.NoError(t, w.Close())

	target, targetReg := newTestHandler(t)
	require.NoError(t, targetReg.AddObject(replay.UDisksRootPath, replay.ObjectManagerInterface, nil, nil))
	loader, err := replay.NewLoader(targetReg, replay.Options{
		EmitInterfacesAdded: true,
		ManagerPath:         replay.UDisksRootPath,
	}, logger.NewNop())
	require.NoError(t, err)

	r, err := capture.NewReader(&buf, capture.NoCompression)
	require.NoError(t, err)
	stats, err := loader.Load(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Objects)
	assert.Equal(t, 1, stats.Appended)
	assert.Equal(t, 3, stats.Signals)

	replayed, ok := targetReg.Lookup(drive)
	require.True(t, ok)
	assert.Equal(t, []string{"org.freedesktop.UDisks2.Drive", "org.freedesktop.UDisks2.Drive.Ata"}, replayed.Interfaces())

	second := scanRegistry(t, target)
	want, err := json.Marshal(first)
	require.NoError(t, err)
	got, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))

	v, err := NewLoopback(target).GetProperty(context.Background(), drive, "org.freedesktop.UDisks2.Drive", "Wrapped")
	require.NoError(t, err)
	assert.Equal(t, dbus.MakeVariant(int32(-1)), v, "a variant property is served with one variant level")
	assert.Contains(t, string(got), `"Wrapped":{"type":"v","value":{"type":"i","value":-1}}`)
}

func TestRoundTrip_FooTriples(t *testing.T) {
	source, sourceReg := newTestHandler(t)
	require.NoError(t, sourceReg.AddObject("/com/example/Foo", "com.example.Foo",
		props("Bar", types.NewTypedValue("s", "hi")),
		[]types.MethodSignature{{Name: "Baz", InSignature: "i", OutSignature: "s"}}))

	records := scanRegistry(t, source)
	require.Len(t, records, 1)
	triples, err := records[0].Triples()
	require.NoError(t, err)
	require.Len(t, triples, 1)
	assert.Equal(t, "com.example.Foo", triples[0].Name)
	assert.JSONEq(t, `{"Bar":{"type":"s","value":"hi"}}`, triples[0].Properties)
	assert.JSONEq(t, `[["Baz","i","s",""]]`, triples[0].Methods)

	target, targetReg := newTestHandler(t)
	_, err = call(t, target, "/", MockInterface, "AddUdevObject", "/com/example/Foo", triples)
	require.NoError(t, err)

	out, err := call(t, target, "/com/example/Foo", "com.example.Foo", "Baz", int32(1))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{""}, out)

	v, err := NewLoopback(target).GetProperty(context.Background(), "/com/example/Foo", "com.example.Foo", "Bar")
	require.NoError(t, err)
	assert.Equal(t, dbus.MakeVariant("hi"), v)
	assert.Len(t, targetReg.Calls(), 1)
}

func TestLoopback_Errors(t *testing.T) {
	h, _ := newTestHandler(t)
	lb := NewLoopback(h)

	_, err := lb.GetProperty(context.Background(), "/missing", "x.Y", "P")
	assert.Equal(t, errUnknownObject, dbusErrorName(t, err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = lb.Introspect(ctx, "/")
	assert.ErrorIs(t, err, context.Canceled)

	node, err := lb.Introspect(context.Background(), "/")
	require.NoError(t, err)
	for _, iface := range node.Interfaces {
		assert.NotEqual(t, MockInterface, iface.Name)
	}
}
