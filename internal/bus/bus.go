// Package bus provides D-Bus connection management for dbusreplay.
package bus

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/dbsmedya/dbusreplay/internal/config"
)

const (
	introspectMethod   = "org.freedesktop.DBus.Introspectable.Introspect"
	propertiesGet      = "org.freedesktop.DBus.Properties.Get"
	defaultCallTimeout = 25 * time.Second
)

// Connect opens a connection to the bus selected by cfg. An explicit address
// wins over the bus type.
func Connect(cfg config.BusConfig, opts ...dbus.ConnOption) (*dbus.Conn, error) {
	var (
		conn *dbus.Conn
		err  error
	)

	switch {
	case cfg.Address != "":
		conn, err = dbus.Connect(cfg.Address, opts...)
	case cfg.Type == "session":
		conn, err = dbus.ConnectSessionBus(opts...)
	case cfg.Type == "system" || cfg.Type == "":
		conn, err = dbus.ConnectSystemBus(opts...)
	default:
		return nil, fmt.Errorf("unknown bus type %q", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s bus: %w", Describe(cfg), err)
	}
	return conn, nil
}

// Describe names the bus selected by cfg for logs and capture headers.
func Describe(cfg config.BusConfig) string {
	if cfg.Address != "" {
		return cfg.Address
	}
	if cfg.Type == "" {
		return "system"
	}
	return cfg.Type
}

// CallTimeout converts the configured timeout, falling back to the
// libdbus default when unset.
func CallTimeout(cfg config.BusConfig) time.Duration {
	if cfg.CallTimeoutSeconds <= 0 {
		return defaultCallTimeout
	}
	return time.Duration(cfg.CallTimeoutSeconds * float64(time.Second))
}

// ObjectSource resolves remote objects. *dbus.Conn implements it.
type ObjectSource interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
}

// Client issues the introspection and property calls against one
// destination. Every call is bounded by the configured timeout.
type Client struct {
	conn    ObjectSource
	dest    string
	timeout time.Duration
}

// NewClient creates a client bound to dest.
func NewClient(conn ObjectSource, dest string, timeout time.Duration) *Client {
	return &Client{conn: conn, dest: dest, timeout: timeout}
}

// Destination returns the bus name the client talks to.
func (c *Client) Destination() string {
	return c.dest
}

// Introspect fetches and decodes the introspection document of path.
func (c *Client) Introspect(ctx context.Context, path dbus.ObjectPath) (*introspect.Node, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	var data string
	obj := c.conn.Object(c.dest, path)
	if err := obj.CallWithContext(ctx, introspectMethod, 0).Store(&data); err != nil {
		return nil, err
	}

	var node introspect.Node
	if err := xml.NewDecoder(strings.NewReader(data)).Decode(&node); err != nil {
		return nil, fmt.Errorf("malformed introspection data: %w", err)
	}
	return &node, nil
}

// GetProperty reads one property through org.freedesktop.DBus.Properties.
// The reply is always a variant.
func (c *Client) GetProperty(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	var v dbus.Variant
	obj := c.conn.Object(c.dest, path)
	if err := obj.CallWithContext(ctx, propertiesGet, 0, iface, name).Store(&v); err != nil {
		return dbus.Variant{}, err
	}
	return v, nil
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
