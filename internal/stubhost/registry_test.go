package stubhost

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/dbusreplay/internal/logger"
	"github.com/dbsmedya/dbusreplay/internal/types"
)

func newTestRegistry() *Registry {
	return New(logger.NewNop())
}

func props(kv ...interface{}) *types.Properties {
	p := types.NewProperties()
	for i := 0; i+1 < len(kv); i += 2 {
		p.Set(kv[i].(string), kv[i+1].(types.TypedValue))
	}
	return p
}

func TestRegistry_AddObject(t *testing.T) {
	r := newTestRegistry()

	err := r.AddObject("/com/example/Foo", "com.example.Foo",
		props("Bar", types.NewTypedValue("s", "hi")),
		[]types.MethodSignature{{Name: "Baz", InSignature: "i", OutSignature: "s"}})
	require.NoError(t, err)

	obj, ok := r.Lookup("/com/example/Foo")
	require.True(t, ok)
	assert.Equal(t, []string{"com.example.Foo"}, obj.Interfaces())

	v, err := obj.Property("com.example.Foo", "Bar")
	require.NoError(t, err)
	assert.Equal(t, "hi", v.Value)

	m, ok := obj.Method("com.example.Foo", "Baz")
	require.True(t, ok)
	assert.Equal(t, "s", m.OutSignature)

	err = r.AddObject("/com/example/Foo", "com.example.Other", nil, nil)
	assert.True(t, errors.Is(err, ErrObjectExists))
}

func TestRegistry_AddObjectValidation(t *testing.T) {
	r := newTestRegistry()

	assert.Error(t, r.AddObject("no/slash", "x.Y", nil, nil))
	assert.Error(t, r.AddObject("/a", "", nil, nil))
	assert.Error(t, r.AddObject("/a", "x.Y", nil, []types.MethodSignature{{Name: ""}}))
	assert.Error(t, r.AddObject("/a", "x.Y", nil, []types.MethodSignature{{Name: "M", InSignature: "a{"}}))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_GetObject(t *testing.T) {
	r := newTestRegistry()

	_, err := r.GetObject("/missing")
	assert.ErrorIs(t, err, ErrNoObject)

	require.NoError(t, r.AddObject("/a", "x.Y", nil, nil))
	obj, err := r.GetObject("/a")
	require.NoError(t, err)
	assert.Equal(t, dbus.ObjectPath("/a"), obj.(*Object).Path())
}

func TestObject_AppendInterfaces(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.AddObject("/a", "x.First", props("A", types.NewTypedValue("u", uint32(1))), nil))
	obj, _ := r.Lookup("/a")

	require.NoError(t, obj.AddProperties("x.Second", props(
		"Z", types.NewTypedValue("b", true),
		"B", types.NewTypedValue("s", "b"),
	)))
	require.NoError(t, obj.AddMethods("x.Second", []types.MethodSignature{{Name: "Go", InSignature: "s"}}))
	require.NoError(t, obj.AddMethods("x.Second", []types.MethodSignature{{Name: "Go", InSignature: "i"}}))

	assert.Equal(t, []string{"x.First", "x.Second"}, obj.Interfaces())
	second, ok := obj.Interface("x.Second")
	require.True(t, ok)
	assert.Equal(t, []string{"Z", "B"}, second.Properties.Names())
	assert.Equal(t, 1, second.Methods.Len())

	m, _ := obj.Method("x.Second", "Go")
	assert.Equal(t, "i", m.InSignature, "same name replaces")

	assert.Error(t, obj.AddProperties("", nil))
	assert.Error(t, obj.AddMethods("x.Second", []types.MethodSignature{{Name: "Bad", OutSignature: "("}}))
}

func TestObject_Properties(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.AddObject("/a", "x.Y", props(
		"Name", types.NewTypedValue("s", "one"),
		"Any", types.NewTypedValue("v", dbus.MakeVariant(int32(1))),
	), nil))
	obj, _ := r.Lookup("/a")

	all, err := obj.AllProperties("x.Y")
	require.NoError(t, err)
	assert.Equal(t, dbus.MakeVariant("one"), all["Name"])

	_, err = obj.AllProperties("x.Missing")
	assert.ErrorIs(t, err, ErrNoProperty)
	_, err = obj.Property("x.Y", "Missing")
	assert.ErrorIs(t, err, ErrNoProperty)

	require.NoError(t, obj.SetProperty("x.Y", "Name", dbus.MakeVariant("two")))
	v, _ := obj.Property("x.Y", "Name")
	assert.Equal(t, "two", v.Value)

	err = obj.SetProperty("x.Y", "Name", dbus.MakeVariant(int32(2)))
	assert.ErrorContains(t, err, `want "s"`)

	// A variant property accepts any payload and keeps it wrapped.
	require.NoError(t, obj.SetProperty("x.Y", "Any", dbus.MakeVariant("text")))
	v, _ = obj.Property("x.Y", "Any")
	assert.Equal(t, "v", v.Signature)
	assert.Equal(t, dbus.MakeVariant("text"), v.Value)

	assert.ErrorIs(t, obj.SetProperty("x.Y", "Missing", dbus.MakeVariant("x")), ErrNoProperty)
	assert.ErrorIs(t, obj.SetProperty("x.Missing", "Name", dbus.MakeVariant("x")), ErrNoProperty)
}

func TestObject_InterfaceIsSnapshot(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.AddObject("/a", "x.Y", props("Name", types.NewTypedValue("s", "one")),
		[]types.MethodSignature{{Name: "Do"}}))
	obj, _ := r.Lookup("/a")

	snap, ok := obj.Interface("x.Y")
	require.True(t, ok)

	require.NoError(t, obj.AddProperties("x.Y", props("Extra", types.NewTypedValue("b", true))))
	require.NoError(t, obj.AddMethods("x.Y", []types.MethodSignature{{Name: "More"}}))

	assert.Equal(t, []string{"Name"}, snap.Properties.Names())
	assert.Equal(t, []string{"Do"}, snap.Methods.Keys())

	fresh, _ := obj.Interface("x.Y")
	assert.Equal(t, []string{"Name", "Extra"}, fresh.Properties.Names())
	assert.Equal(t, []string{"Do", "More"}, fresh.Methods.Keys())
}

// Run with -race: godbus dispatches each incoming call on its own goroutine,
// so introspection and method lookup run alongside object edits.
func TestObject_ConcurrentEditAndRead(t *testing.T) {
	h, r := newTestHandler(t)
	require.NoError(t, r.AddObject("/a", "x.Y", nil, nil))
	obj, _ := r.Lookup("/a")

	const rounds = 200
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < rounds; i++ {
			name := fmt.Sprintf("P%d", i)
			assert.NoError(t, obj.AddProperties("x.Y", props(name, types.NewTypedValue("u", uint32(i)))))
			assert.NoError(t, obj.AddMethods("x.Y", []types.MethodSignature{{Name: fmt.Sprintf("M%d", i)}}))
		}
	}()
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < rounds; i++ {
			iface, ok := obj.Interface("x.Y")
			if assert.True(t, ok) {
				seen := 0
				iface.Properties.Each(func(string, types.TypedValue) { seen++ })
				for el := iface.Methods.Front(); el != nil; el = el.Next() {
					seen++
				}
				assert.Equal(t, iface.Properties.Len()+iface.Methods.Len(), seen)
			}
		}
	}()
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < rounds; i++ {
			_, err := h.Introspect("/a")
			assert.NoError(t, err)
		}
	}()
	close(start)
	wg.Wait()

	iface, _ := obj.Interface("x.Y")
	assert.Equal(t, rounds, iface.Properties.Len())
	assert.Equal(t, rounds, iface.Methods.Len())
}

func TestObject_EmitSignal(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.AddObject("/m", "x.Manager", nil, nil))
	obj, _ := r.Lookup("/m")

	var sunk []Signal
	r.SetSignalSink(func(s Signal) error {
		sunk = append(sunk, s)
		return nil
	})

	require.NoError(t, obj.EmitSignal("x.Manager", "Changed", "su", []interface{}{"a", uint32(1)}))
	err := obj.EmitSignal("x.Manager", "Changed", "su", []interface{}{"a", "b"})
	assert.ErrorContains(t, err, `signature "ss"`)
	err = obj.EmitSignal("x.Manager", "Changed", "s", []interface{}{make(chan int)})
	assert.Error(t, err)

	signals := r.Signals()
	require.Len(t, signals, 1)
	assert.Equal(t, dbus.ObjectPath("/m"), signals[0].Path)
	assert.Equal(t, "Changed", signals[0].Name)
	assert.Equal(t, signals, sunk)

	r.SetSignalSink(func(Signal) error { return errors.New("bus gone") })
	assert.ErrorContains(t, obj.EmitSignal("x.Manager", "Changed", "", nil), "bus gone")
	assert.Len(t, r.Signals(), 2, "recorded before the sink runs")
}

func TestRegistry_ChildrenAndManagedObjects(t *testing.T) {
	r := newTestRegistry()
	for _, p := range []dbus.ObjectPath{
		"/org/freedesktop/UDisks2",
		"/org/freedesktop/UDisks2/drives/disk0",
		"/org/freedesktop/UDisks2/block_devices/sda",
		"/org/freedesktop/UDisks2/block_devices/sda1",
	} {
		require.NoError(t, r.AddObject(p, "x.Y", props("P", types.NewTypedValue("s", string(p))), nil))
	}

	assert.Equal(t, []string{"org"}, r.Children("/"))
	assert.Equal(t, []string{"UDisks2"}, r.Children("/org/freedesktop"))
	assert.Equal(t, []string{"block_devices", "drives"}, r.Children("/org/freedesktop/UDisks2"))
	assert.Equal(t, []string{"sda", "sda1"}, r.Children("/org/freedesktop/UDisks2/block_devices"))
	assert.Empty(t, r.Children("/org/freedesktop/UDisks2/drives/disk0"))

	managed := r.ManagedObjects("/org/freedesktop/UDisks2")
	assert.Len(t, managed, 3)
	assert.NotContains(t, managed, dbus.ObjectPath("/org/freedesktop/UDisks2"))
	assert.Equal(t, dbus.MakeVariant("/org/freedesktop/UDisks2/drives/disk0"),
		managed["/org/freedesktop/UDisks2/drives/disk0"]["x.Y"]["P"])

	assert.Equal(t, []dbus.ObjectPath{
		"/org/freedesktop/UDisks2",
		"/org/freedesktop/UDisks2/drives/disk0",
		"/org/freedesktop/UDisks2/block_devices/sda",
		"/org/freedesktop/UDisks2/block_devices/sda1",
	}, r.Paths())

	require.NoError(t, r.RemoveObject("/org/freedesktop/UDisks2/drives/disk0"))
	assert.ErrorIs(t, r.RemoveObject("/org/freedesktop/UDisks2/drives/disk0"), ErrNoObject)
	assert.Equal(t, []string{"block_devices"}, r.Children("/org/freedesktop/UDisks2"))
}

func TestRegistry_Calls(t *testing.T) {
	r := newTestRegistry()
	r.recordCall(Call{Path: "/a", Method: "M"})
	r.recordCall(Call{Path: "/b", Method: "N"})

	calls := r.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "M", calls[0].Method)

	r.ClearCalls()
	assert.Empty(t, r.Calls())
}
