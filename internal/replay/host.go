// Package replay rebuilds captured objects inside a stub-hosting runtime.
package replay

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/dbsmedya/dbusreplay/internal/types"
)

// Host is the stub-hosting runtime objects are materialized in.
type Host interface {
	// AddObject creates a new object exposing one interface. Creating a
	// path that already exists is an error.
	AddObject(path dbus.ObjectPath, iface string, props *types.Properties, methods []types.MethodSignature) error
	// GetObject resolves a previously created object.
	GetObject(path dbus.ObjectPath) (Object, error)
}

// Object is one stub object inside a Host.
type Object interface {
	AddProperties(iface string, props *types.Properties) error
	AddMethods(iface string, methods []types.MethodSignature) error
	EmitSignal(iface, name, signature string, args []interface{}) error
}

// ParseError reports a property or method literal that could not be
// parsed. The object it belongs to is not created.
type ParseError struct {
	Path      dbus.ObjectPath
	Interface string
	Field     string // "properties" or "methods"
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s %s: malformed %s literal: %v", e.Path, e.Interface, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
