// Package scanner walks the object tree of a live D-Bus service and turns
// every qualifying object into an ObjectRecord.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/dbsmedya/dbusreplay/internal/codec"
	"github.com/dbsmedya/dbusreplay/internal/config"
	"github.com/dbsmedya/dbusreplay/internal/logger"
	"github.com/dbsmedya/dbusreplay/internal/types"
)

// Bus is the remote surface the scanner needs. *bus.Client implements it.
type Bus interface {
	Introspect(ctx context.Context, path dbus.ObjectPath) (*introspect.Node, error)
	GetProperty(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error)
}

// TransportError reports a failed remote call. It aborts the scan.
type TransportError struct {
	Path dbus.ObjectPath
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Options configures a Scanner.
type Options struct {
	// Destination is the bus name being scanned. Informational only; the
	// Bus implementation is already bound to it.
	Destination string
	// IgnoredInterfaces are never recorded. Nil means config.DefaultIgnoredInterfaces.
	IgnoredInterfaces []string
}

// EmitFunc receives each ObjectRecord as soon as it is complete.
type EmitFunc func(types.ObjectRecord) error

// Scanner performs a sequential depth-first walk. One remote call is in
// flight at a time, so emission order equals call order.
type Scanner struct {
	bus     Bus
	ignored map[string]bool
	logger  *logger.Logger
}

// New creates a scanner reading from b.
func New(b Bus, opts Options, log *logger.Logger) (*Scanner, error) {
	if b == nil {
		return nil, fmt.Errorf("bus is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}

	names := opts.IgnoredInterfaces
	if names == nil {
		names = config.DefaultIgnoredInterfaces
	}
	ignored := make(map[string]bool, len(names))
	for _, n := range names {
		ignored[n] = true
	}

	return &Scanner{
		bus:     b,
		ignored: ignored,
		logger:  log.WithDestination(opts.Destination),
	}, nil
}

// Scan visits root and every descendant it declares, calling emit once per
// path that carries at least one non-ignored interface. A parent's record is
// emitted before any of its children are visited.
//
// Records already passed to emit stay valid when Scan fails part way.
func (s *Scanner) Scan(ctx context.Context, root dbus.ObjectPath, emit EmitFunc) (*types.ScanStats, error) {
	if !root.IsValid() {
		return nil, fmt.Errorf("invalid root object path %q", root)
	}
	if emit == nil {
		return nil, fmt.Errorf("emit callback is nil")
	}

	startTime := time.Now()
	stats := &types.ScanStats{}

	s.logger.Infow("Starting scan", "root", string(root))

	err := s.walk(ctx, root, emit, stats)
	stats.Duration = time.Since(startTime)
	if err != nil {
		s.logger.Errorw("Scan aborted",
			"error", err,
			"objects_visited", stats.ObjectsVisited,
			"objects_emitted", stats.ObjectsEmitted,
		)
		return stats, err
	}

	s.logger.Infow("Scan complete",
		"objects_visited", stats.ObjectsVisited,
		"objects_emitted", stats.ObjectsEmitted,
		"interfaces", stats.InterfacesEmitted,
		"properties", stats.PropertiesRead,
		"repaired", stats.Repaired,
		"duration", stats.Duration,
	)
	return stats, nil
}

func (s *Scanner) walk(ctx context.Context, path dbus.ObjectPath, emit EmitFunc, stats *types.ScanStats) error {
	// Check for context cancellation (graceful shutdown)
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	node, err := s.bus.Introspect(ctx, path)
	if err != nil {
		return &TransportError{Path: path, Op: "introspect", Err: err}
	}
	stats.ObjectsVisited++

	rec, err := s.record(ctx, path, node, stats)
	if err != nil {
		return err
	}

	if len(rec.Interfaces) > 0 {
		if err := emit(rec); err != nil {
			return fmt.Errorf("failed to emit record for %s: %w", path, err)
		}
		stats.ObjectsEmitted++
		stats.InterfacesEmitted += len(rec.Interfaces)
	} else {
		s.logger.Debugf("No recordable interfaces at %s", path)
	}

	for _, child := range node.Children {
		if child.Name == "" {
			continue
		}
		if err := s.walk(ctx, ChildPath(path, child.Name), emit, stats); err != nil {
			return err
		}
	}
	return nil
}

// record collects every non-ignored interface of node.
func (s *Scanner) record(ctx context.Context, path dbus.ObjectPath, node *introspect.Node, stats *types.ScanStats) (types.ObjectRecord, error) {
	rec := types.ObjectRecord{Path: path}

	for _, iface := range node.Interfaces {
		if s.ignored[iface.Name] {
			continue
		}

		ir := types.NewInterfaceRecord(iface.Name)
		for _, prop := range iface.Properties {
			if prop.Access == "write" {
				s.logger.Debugf("Skipping write-only property %s.%s at %s", iface.Name, prop.Name, path)
				continue
			}

			fetched, err := s.bus.GetProperty(ctx, path, iface.Name, prop.Name)
			if err != nil {
				return rec, &TransportError{Path: path, Op: "get " + iface.Name + "." + prop.Name, Err: err}
			}
			stats.PropertiesRead++

			tv, ok := s.normalize(path, iface.Name, prop, fetched, stats)
			if ok {
				ir.Properties.Set(prop.Name, tv)
			}
		}

		for _, m := range iface.Methods {
			ir.Methods = append(ir.Methods, MethodSignatureOf(m))
		}

		rec.Interfaces = append(rec.Interfaces, ir)
	}
	return rec, nil
}

// normalize reconciles a fetched value with its declaration. When the
// declared signature cannot describe the value, the value's own signature is
// recorded instead; a value with no representation at all is dropped.
func (s *Scanner) normalize(path dbus.ObjectPath, iface string, prop introspect.Property, fetched dbus.Variant, stats *types.ScanStats) (types.TypedValue, bool) {
	n, err := codec.Normalize(prop.Type, fetched)
	if err == nil {
		if n.Repaired {
			stats.Repaired++
			s.logger.Debugf("Repaired empty %s value of %s.%s at %s", prop.Type, iface, prop.Name, path)
		}
		return types.NewTypedValue(n.Signature, n.Value), true
	}

	log := s.logger.WithPath(string(path)).WithInterface(iface)

	var sigErr *codec.SignatureError
	if !errors.As(err, &sigErr) {
		log.Warnw("Dropping property", "property", prop.Name, "error", err)
		return types.TypedValue{}, false
	}

	runtime := fetched.Signature().String()
	value := fetched.Value()
	if _, encErr := codec.Encode(runtime, value); encErr != nil {
		log.Warnw("Dropping property with unrepresentable value",
			"property", prop.Name,
			"declared", prop.Type,
			"error", err,
		)
		return types.TypedValue{}, false
	}

	stats.Repaired++
	log.Warnw("Declared signature does not match value, recording runtime signature",
		"property", prop.Name,
		"declared", prop.Type,
		"runtime", runtime,
	)
	return types.NewTypedValue(runtime, value), true
}

// MethodSignatureOf concatenates argument types per direction. An argument
// without a direction is an input.
func MethodSignatureOf(m introspect.Method) types.MethodSignature {
	var in, out strings.Builder
	for _, arg := range m.Args {
		if arg.Direction == "out" {
			out.WriteString(arg.Type)
		} else {
			in.WriteString(arg.Type)
		}
	}
	return types.MethodSignature{
		Name:         m.Name,
		InSignature:  in.String(),
		OutSignature: out.String(),
	}
}

// ChildPath joins a parent path and a child node name.
func ChildPath(parent dbus.ObjectPath, name string) dbus.ObjectPath {
	if parent == "/" {
		return dbus.ObjectPath("/" + name)
	}
	return dbus.ObjectPath(string(parent) + "/" + name)
}
