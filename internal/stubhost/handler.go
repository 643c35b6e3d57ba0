package stubhost

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"

	"github.com/dbsmedya/dbusreplay/internal/logger"
	"github.com/dbsmedya/dbusreplay/internal/replay"
	"github.com/dbsmedya/dbusreplay/internal/signature"
	"github.com/dbsmedya/dbusreplay/internal/types"
)

const (
	// MockInterface is the control interface every exported node carries.
	MockInterface = "org.freedesktop.DBus.Mock"

	introspectableInterface = "org.freedesktop.DBus.Introspectable"
	propertiesInterface     = "org.freedesktop.DBus.Properties"
	propertiesChangedSig    = "sa{sv}as"
)

const (
	errInvalidArgs   = "org.freedesktop.DBus.Error.InvalidArgs"
	errObjectExists  = "org.freedesktop.DBus.Error.FileExists"
	errUnknownObject = "org.freedesktop.DBus.Error.UnknownObject"
)

// Handler answers D-Bus calls from the contents of a Registry. Install it
// with dbus.WithHandler when connecting.
type Handler struct {
	registry *Registry
	loader   *replay.Loader
	logger   *logger.Logger
}

var _ dbus.Handler = (*Handler)(nil)

// NewHandler serves reg. loader backs the AddUdevObject and
// AddPartitionDevice control methods and must write into reg.
func NewHandler(reg *Registry, loader *replay.Loader, log *logger.Logger) (*Handler, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is nil")
	}
	if loader == nil {
		return nil, fmt.Errorf("loader is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Handler{registry: reg, loader: loader, logger: log}, nil
}

// LookupObject resolves registered objects, the intermediate nodes above
// them and the root node.
func (h *Handler) LookupObject(path dbus.ObjectPath) (dbus.ServerObject, bool) {
	obj, ok := h.registry.Lookup(path)
	if !ok && path != "/" && len(h.registry.Children(path)) == 0 {
		return nil, false
	}
	return &serverObject{h: h, path: path, obj: obj}, true
}

// serverObject is one exported node. obj is nil for intermediate nodes.
type serverObject struct {
	h    *Handler
	path dbus.ObjectPath
	obj  *Object
}

func (s *serverObject) LookupInterface(name string) (dbus.Interface, bool) {
	switch name {
	case introspectableInterface:
		return methodTable{
			"Introspect": newMethod("", "s", func([]interface{}) ([]interface{}, error) {
				xml, err := s.h.Introspect(s.path)
				if err != nil {
					return nil, dbus.MakeFailedError(err)
				}
				return []interface{}{xml}, nil
			}),
		}, true
	case MockInterface:
		return s.mockMethods(), true
	}

	if s.obj == nil {
		return nil, false
	}

	switch name {
	case propertiesInterface:
		return s.propertiesMethods(), true
	case replay.ObjectManagerInterface:
		if _, ok := s.obj.Interface(name); ok {
			return s.objectManagerMethods(), true
		}
		return nil, false
	}

	iface, ok := s.obj.Interface(name)
	if !ok {
		return nil, false
	}
	table := methodTable{}
	for el := iface.Methods.Front(); el != nil; el = el.Next() {
		table[el.Key] = s.stubMethod(name, el.Value)
	}
	return table, true
}

// stubMethod records each call and answers with zero values of the out
// signature.
func (s *serverObject) stubMethod(iface string, m types.MethodSignature) *method {
	return newMethod(m.InSignature, m.OutSignature, func(args []interface{}) ([]interface{}, error) {
		s.h.registry.recordCall(Call{
			Time:      time.Now(),
			Path:      s.path,
			Interface: iface,
			Method:    m.Name,
			Args:      args,
		})
		s.h.logger.WithPath(string(s.path)).Debugw("Stub method called", "method", iface+"."+m.Name)

		out, err := signature.Zero(m.OutSignature)
		if err != nil {
			return nil, dbus.MakeFailedError(err)
		}
		return out, nil
	})
}

func (s *serverObject) propertiesMethods() methodTable {
	obj := s.obj
	return methodTable{
		"Get": newMethod("ss", "v", func(args []interface{}) ([]interface{}, error) {
			var iface, name string
			if err := dbus.Store(args, &iface, &name); err != nil {
				return nil, prop.ErrInvalidArg
			}
			v, err := obj.Property(iface, name)
			if err != nil {
				return nil, toDBusError(err)
			}
			return []interface{}{v.Variant()}, nil
		}),
		"GetAll": newMethod("s", "a{sv}", func(args []interface{}) ([]interface{}, error) {
			var iface string
			if err := dbus.Store(args, &iface); err != nil {
				return nil, prop.ErrInvalidArg
			}
			all, err := obj.AllProperties(iface)
			if err != nil {
				return nil, toDBusError(err)
			}
			return []interface{}{all}, nil
		}),
		"Set": newMethod("ssv", "", func(args []interface{}) ([]interface{}, error) {
			var iface, name string
			var value dbus.Variant
			if err := dbus.Store(args, &iface, &name, &value); err != nil {
				return nil, prop.ErrInvalidArg
			}
			if err := obj.SetProperty(iface, name, value); err != nil {
				return nil, toDBusError(err)
			}
			v, err := obj.Property(iface, name)
			if err != nil {
				return nil, toDBusError(err)
			}
			changed := map[string]dbus.Variant{name: v.Variant()}
			if err := obj.EmitSignal(propertiesInterface, "PropertiesChanged", propertiesChangedSig,
				[]interface{}{iface, changed, []string{}}); err != nil {
				s.h.logger.Warnw("Failed to emit PropertiesChanged", "path", string(s.path), "error", err)
			}
			return nil, nil
		}),
	}
}

func (s *serverObject) objectManagerMethods() methodTable {
	return methodTable{
		"GetManagedObjects": newMethod("", "a{oa{sa{sv}}}", func([]interface{}) ([]interface{}, error) {
			return []interface{}{s.h.registry.ManagedObjects(s.path)}, nil
		}),
	}
}

// callRecord is the a(tsav) element returned by GetCalls.
type callRecord struct {
	Time   uint64
	Method string
	Args   []dbus.Variant
}

func (s *serverObject) mockMethods() methodTable {
	h := s.h
	return methodTable{
		"AddUdevObject": newMethod("sa(sss)", "", func(args []interface{}) ([]interface{}, error) {
			var path string
			var triples []types.Triple
			if err := dbus.Store(args, &path, &triples); err != nil {
				return nil, dbus.NewError(errInvalidArgs, []interface{}{err.Error()})
			}
			if err := h.loader.AddUdevObject(dbus.ObjectPath(path), triples); err != nil {
				return nil, toDBusError(err)
			}
			return nil, nil
		}),
		"AddPartitionDevice": newMethod("s", "s", func(args []interface{}) ([]interface{}, error) {
			var device string
			if err := dbus.Store(args, &device); err != nil {
				return nil, dbus.NewError(errInvalidArgs, []interface{}{err.Error()})
			}
			path, err := h.loader.AddPartitionDevice(device)
			if err != nil {
				return nil, toDBusError(err)
			}
			return []interface{}{string(path)}, nil
		}),
		"AddObject": newMethod("ssa{sv}a(ssss)", "", func(args []interface{}) ([]interface{}, error) {
			var path, iface string
			var props map[string]dbus.Variant
			var methods []types.MethodSignature
			if err := dbus.Store(args, &path, &iface, &props, &methods); err != nil {
				return nil, dbus.NewError(errInvalidArgs, []interface{}{err.Error()})
			}
			if err := h.registry.AddObject(dbus.ObjectPath(path), iface, propertiesFromVariants(props), methods); err != nil {
				return nil, toDBusError(err)
			}
			return nil, nil
		}),
		"AddProperties": newMethod("sa{sv}", "", func(args []interface{}) ([]interface{}, error) {
			var iface string
			var props map[string]dbus.Variant
			if err := dbus.Store(args, &iface, &props); err != nil {
				return nil, dbus.NewError(errInvalidArgs, []interface{}{err.Error()})
			}
			if s.obj == nil {
				return nil, toDBusError(fmt.Errorf("%s: %w", s.path, ErrNoObject))
			}
			if err := s.obj.AddProperties(iface, propertiesFromVariants(props)); err != nil {
				return nil, toDBusError(err)
			}
			return nil, nil
		}),
		"AddMethod": newMethod("ssss", "", func(args []interface{}) ([]interface{}, error) {
			var m types.MethodSignature
			var iface string
			if err := dbus.Store(args, &iface, &m.Name, &m.InSignature, &m.OutSignature); err != nil {
				return nil, dbus.NewError(errInvalidArgs, []interface{}{err.Error()})
			}
			if s.obj == nil {
				return nil, toDBusError(fmt.Errorf("%s: %w", s.path, ErrNoObject))
			}
			if err := s.obj.AddMethods(iface, []types.MethodSignature{m}); err != nil {
				return nil, toDBusError(err)
			}
			return nil, nil
		}),
		"RemoveObject": newMethod("o", "", func(args []interface{}) ([]interface{}, error) {
			var path dbus.ObjectPath
			if err := dbus.Store(args, &path); err != nil {
				return nil, dbus.NewError(errInvalidArgs, []interface{}{err.Error()})
			}
			if err := h.registry.RemoveObject(path); err != nil {
				return nil, toDBusError(err)
			}
			return nil, nil
		}),
		"EmitSignal": newMethod("sssav", "", func(args []interface{}) ([]interface{}, error) {
			var iface, name, sig string
			var values []dbus.Variant
			if err := dbus.Store(args, &iface, &name, &sig, &values); err != nil {
				return nil, dbus.NewError(errInvalidArgs, []interface{}{err.Error()})
			}
			if s.obj == nil {
				return nil, toDBusError(fmt.Errorf("%s: %w", s.path, ErrNoObject))
			}
			body := make([]interface{}, len(values))
			for i, v := range values {
				body[i] = v.Value()
			}
			if err := s.obj.EmitSignal(iface, name, sig, body); err != nil {
				return nil, dbus.NewError(errInvalidArgs, []interface{}{err.Error()})
			}
			return nil, nil
		}),
		"GetCalls": newMethod("", "a(tsav)", func([]interface{}) ([]interface{}, error) {
			out := []callRecord{}
			for _, c := range h.registry.Calls() {
				if c.Path != s.path {
					continue
				}
				vs := make([]dbus.Variant, len(c.Args))
				for i, a := range c.Args {
					vs[i] = dbus.MakeVariant(a)
				}
				out = append(out, callRecord{Time: uint64(c.Time.Unix()), Method: c.Method, Args: vs})
			}
			return []interface{}{out}, nil
		}),
		"ClearCalls": newMethod("", "", func([]interface{}) ([]interface{}, error) {
			h.registry.ClearCalls()
			return nil, nil
		}),
	}
}

// propertiesFromVariants converts an a{sv} argument, sorted by name.
func propertiesFromVariants(m map[string]dbus.Variant) *types.Properties {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	props := types.NewProperties()
	for _, name := range names {
		v := m[name]
		props.Set(name, types.NewTypedValue(v.Signature().String(), v.Value()))
	}
	return props
}

func toDBusError(err error) error {
	body := []interface{}{err.Error()}
	var parseErr *replay.ParseError
	switch {
	case errors.Is(err, ErrNoProperty):
		return dbus.NewError(prop.ErrPropNotFound.Name, body)
	case errors.Is(err, ErrObjectExists):
		return dbus.NewError(errObjectExists, body)
	case errors.Is(err, ErrNoObject):
		return dbus.NewError(errUnknownObject, body)
	case errors.As(err, &parseErr):
		return dbus.NewError(errInvalidArgs, body)
	}
	return dbus.MakeFailedError(err)
}

// methodTable is a dbus.Interface backed by a map.
type methodTable map[string]*method

func (t methodTable) LookupMethod(name string) (dbus.Method, bool) {
	m, ok := t[name]
	if !ok {
		return nil, false
	}
	return m, true
}

// method is a dbus.Method with a fixed in and out signature. Arguments are
// taken from the message body as decoded, after the body signature has been
// checked.
type method struct {
	in  string
	out string
	fn  func(args []interface{}) ([]interface{}, error)
}

var _ dbus.ArgumentDecoder = (*method)(nil)

func newMethod(in, out string, fn func(args []interface{}) ([]interface{}, error)) *method {
	return &method{in: in, out: out, fn: fn}
}

func (m *method) Call(args ...interface{}) ([]interface{}, error) {
	return m.fn(args)
}

func (m *method) DecodeArguments(_ *dbus.Conn, _ string, msg *dbus.Message, args []interface{}) ([]interface{}, error) {
	if got := messageSignature(msg, args); got != m.in {
		return nil, dbus.ErrMsgInvalidArg
	}
	return args, nil
}

// messageSignature prefers the signature header: decoded structs arrive as
// []interface{} and no longer carry their own signature.
func messageSignature(msg *dbus.Message, args []interface{}) string {
	if msg == nil {
		return bodySignature(args)
	}
	v, ok := msg.Headers[dbus.FieldSignature]
	if !ok {
		return ""
	}
	sig, ok := v.Value().(dbus.Signature)
	if !ok {
		return "?"
	}
	return sig.String()
}

func (m *method) NumArguments() int {
	parts, _ := signature.Split(m.in)
	return len(parts)
}

func (m *method) NumReturns() int {
	parts, _ := signature.Split(m.out)
	return len(parts)
}

func (m *method) ArgumentValue(position int) interface{} {
	return zeroAt(m.in, position)
}

func (m *method) ReturnValue(position int) interface{} {
	return zeroAt(m.out, position)
}

func zeroAt(sig string, position int) interface{} {
	values, err := signature.Zero(sig)
	if err != nil || position < 0 || position >= len(values) {
		return nil
	}
	return values[position]
}
