package stubhost

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// Loopback reads a registry the way a bus client reads a live service, so
// the scanner can walk replayed objects without a bus. The mock control
// interface is left out of introspection.
type Loopback struct {
	h *Handler
}

// NewLoopback wraps h.
func NewLoopback(h *Handler) *Loopback {
	return &Loopback{h: h}
}

// Introspect returns the introspection tree for path.
func (l *Loopback) Introspect(ctx context.Context, path dbus.ObjectPath) (*introspect.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	node := l.h.Node(path)
	kept := node.Interfaces[:0]
	for _, iface := range node.Interfaces {
		if iface.Name != MockInterface {
			kept = append(kept, iface)
		}
	}
	node.Interfaces = kept
	return node, nil
}

// GetProperty returns one property as a variant.
func (l *Loopback) GetProperty(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	if err := ctx.Err(); err != nil {
		return dbus.Variant{}, err
	}
	obj, ok := l.h.registry.Lookup(path)
	if !ok {
		return dbus.Variant{}, toDBusError(fmt.Errorf("%s: %w", path, ErrNoObject))
	}
	v, err := obj.Property(iface, name)
	if err != nil {
		return dbus.Variant{}, toDBusError(err)
	}
	return v.Variant(), nil
}
