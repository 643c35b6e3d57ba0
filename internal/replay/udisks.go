package replay

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/dbsmedya/dbusreplay/internal/types"
)

// UDisks2 names used by the built-in template.
const (
	UDisksBusName          = "org.freedesktop.UDisks2"
	UDisksRootPath         = dbus.ObjectPath("/org/freedesktop/UDisks2")
	UDisksManagerPath      = dbus.ObjectPath("/org/freedesktop/UDisks2/Manager")
	UDisksManagerInterface = "org.freedesktop.UDisks2.Manager"
	BlockInterface         = "org.freedesktop.UDisks2.Block"
	PartitionTableIface    = "org.freedesktop.UDisks2.PartitionTable"

	blockDevicesPath = "/org/freedesktop/UDisks2/block_devices/"
	syntheticDiskID  = "by-id-scsi-0QEMU_QEMU_HARDDISK_drive-scsi0-0-0-0"
)

// SeedUDisks2 creates the objects a bare UDisks2 daemon always exposes: the
// object manager root and the Manager object.
func SeedUDisks2(host Host) error {
	if err := host.AddObject(UDisksRootPath, ObjectManagerInterface, types.NewProperties(), nil); err != nil {
		return fmt.Errorf("failed to create %s: %w", UDisksRootPath, err)
	}

	props := types.NewProperties()
	props.Set("Version", types.NewTypedValue("s", "2.1.2"))
	methods := []types.MethodSignature{
		{Name: "LoopSetup", InSignature: "ha{sv}", OutSignature: "o"},
		{Name: "MDRaidCreate", InSignature: "aossta{sv}", OutSignature: "o"},
	}
	if err := host.AddObject(UDisksManagerPath, UDisksManagerInterface, props, methods); err != nil {
		return fmt.Errorf("failed to create %s: %w", UDisksManagerPath, err)
	}
	return nil
}

// AddPartitionDevice creates a synthetic block device named device (for
// example "sdb"), gives it a partition table interface and announces it
// with InterfacesAdded from the manager path. It returns the new path.
func (l *Loader) AddPartitionDevice(device string) (dbus.ObjectPath, error) {
	path := dbus.ObjectPath(blockDevicesPath + device)
	if device == "" || !path.IsValid() {
		return "", fmt.Errorf("invalid device name %q", device)
	}

	block := types.NewProperties()
	block.Set("Device", types.NewTypedValue("ay", []byte("/dev/"+device+"\x00")))
	block.Set("Id", types.NewTypedValue("s", syntheticDiskID))
	if err := l.host.AddObject(path, BlockInterface, block, nil); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}

	obj, err := l.host.GetObject(path)
	if err != nil {
		return "", fmt.Errorf("failed to look up %s: %w", path, err)
	}
	partition := types.NewProperties()
	partition.Set("Test", types.NewTypedValue("s", "hello world "+device))
	if err := obj.AddProperties(PartitionTableIface, partition); err != nil {
		return "", fmt.Errorf("failed to add partition table to %s: %w", path, err)
	}

	rec := types.ObjectRecord{
		Path: path,
		Interfaces: []types.InterfaceRecord{
			{Name: BlockInterface, Properties: block},
			{Name: PartitionTableIface, Properties: partition},
		},
	}
	if !l.opts.ManagerPath.IsValid() {
		return path, fmt.Errorf("cannot announce %s: no manager path configured", path)
	}
	if !l.announce(rec) {
		return path, fmt.Errorf("failed to announce %s", path)
	}

	l.logger.Infow("Added partition device", "path", string(path))
	return path, nil
}
