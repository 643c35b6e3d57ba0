package replay

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedUDisks2(t *testing.T) {
	host := newFakeHost()
	require.NoError(t, SeedUDisks2(host))

	require.Contains(t, host.objects, UDisksRootPath)
	manager := host.objects[UDisksManagerPath]
	require.NotNil(t, manager)

	version, ok := manager.interfaces[UDisksManagerInterface].Get("Version")
	require.True(t, ok)
	assert.Equal(t, "2.1.2", version.Value)
	assert.Len(t, manager.methods[UDisksManagerInterface], 2)

	// Seeding twice collides with the existing objects.
	assert.Error(t, SeedUDisks2(host))
}

func TestAddPartitionDevice(t *testing.T) {
	host := newFakeHost()
	require.NoError(t, SeedUDisks2(host))
	l := newTestLoader(t, host, true)

	path, err := l.AddPartitionDevice("sdb")
	require.NoError(t, err)
	assert.Equal(t, dbus.ObjectPath("/org/freedesktop/UDisks2/block_devices/sdb"), path)

	obj := host.objects[path]
	require.NotNil(t, obj)
	dev, _ := obj.interfaces[BlockInterface].Get("Device")
	assert.Equal(t, []byte("/dev/sdb\x00"), dev.Value)
	test, _ := obj.interfaces[PartitionTableIface].Get("Test")
	assert.Equal(t, "hello world sdb", test.Value)

	require.Len(t, host.signals, 1)
	sig := host.signals[0]
	assert.Equal(t, "InterfacesAdded", sig.name)
	assert.Equal(t, path, sig.args[0])
	ifaces := sig.args[1].(map[string]map[string]dbus.Variant)
	assert.Contains(t, ifaces, BlockInterface)
	assert.Contains(t, ifaces, PartitionTableIface)
}

func TestAddPartitionDevice_Errors(t *testing.T) {
	host := newFakeHost()
	l := newTestLoader(t, host, true)

	_, err := l.AddPartitionDevice("")
	assert.Error(t, err)
	_, err = l.AddPartitionDevice("sd-b")
	assert.Error(t, err)

	// No manager object: the device exists but the announcement fails.
	path, err := l.AddPartitionDevice("sdc")
	assert.Error(t, err)
	assert.Contains(t, host.objects, path)

	// Same device twice collides.
	_, err = l.AddPartitionDevice("sdc")
	assert.Error(t, err)
}
