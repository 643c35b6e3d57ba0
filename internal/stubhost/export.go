package stubhost

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Export puts the registry on conn: signals emitted by stub objects are
// sent through conn.Emit, and busName is requested. conn must have been
// opened with dbus.WithHandler and a Handler serving the same registry.
func Export(conn *dbus.Conn, reg *Registry, busName string) error {
	if conn == nil {
		return fmt.Errorf("connection is nil")
	}
	reg.SetSignalSink(func(s Signal) error {
		return conn.Emit(s.Path, s.Interface+"."+s.Name, s.Args...)
	})

	if busName == "" {
		return nil
	}
	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request name %s: %w", busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s is already owned on the bus", busName)
	}

	reg.logger.Infow("Exported objects", "bus_name", busName, "objects", reg.Len())
	return nil
}
