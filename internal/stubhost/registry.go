// Package stubhost is an in-memory stub-hosting runtime. It stores the
// objects a replay creates and, once exported, answers D-Bus calls for them.
package stubhost

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/godbus/dbus/v5"

	"github.com/dbsmedya/dbusreplay/internal/logger"
	"github.com/dbsmedya/dbusreplay/internal/replay"
	"github.com/dbsmedya/dbusreplay/internal/signature"
	"github.com/dbsmedya/dbusreplay/internal/types"
)

var (
	// ErrObjectExists is returned when creating a path twice.
	ErrObjectExists = errors.New("object already exists")
	// ErrNoObject is returned for unknown paths.
	ErrNoObject = errors.New("no such object")
	// ErrNoProperty is returned for unknown interfaces or properties.
	ErrNoProperty = errors.New("no such property")
)

// Signal is one emitted signal.
type Signal struct {
	Path      dbus.ObjectPath
	Interface string
	Name      string
	Signature string
	Args      []interface{}
}

// Call is one invocation of a stub method.
type Call struct {
	Time      time.Time
	Path      dbus.ObjectPath
	Interface string
	Method    string
	Args      []interface{}
}

// SignalSink delivers signals beyond the registry, e.g. onto a bus.
type SignalSink func(Signal) error

// Interface is the surface one object exposes for one interface name.
type Interface struct {
	Name       string
	Properties *types.Properties
	Methods    *orderedmap.OrderedMap[string, types.MethodSignature]
}

// Object is a stub object. Its methods are safe for concurrent use; the
// Interface values it hands out are snapshots.
type Object struct {
	registry   *Registry
	path       dbus.ObjectPath
	interfaces *orderedmap.OrderedMap[string, *Interface]
}

// Registry holds stub objects in creation order.
type Registry struct {
	mu      sync.RWMutex
	objects *orderedmap.OrderedMap[dbus.ObjectPath, *Object]
	signals []Signal
	calls   []Call
	sink    SignalSink
	logger  *logger.Logger
}

var _ replay.Host = (*Registry)(nil)
var _ replay.Object = (*Object)(nil)

// New creates an empty registry.
func New(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Registry{
		objects: orderedmap.NewOrderedMap[dbus.ObjectPath, *Object](),
		logger:  log,
	}
}

// SetSignalSink installs fn; every later signal is passed to it after being
// recorded.
func (r *Registry) SetSignalSink(fn SignalSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = fn
}

// AddObject creates an object exposing one interface.
func (r *Registry) AddObject(path dbus.ObjectPath, iface string, props *types.Properties, methods []types.MethodSignature) error {
	if !path.IsValid() {
		return fmt.Errorf("invalid object path %q", path)
	}
	if iface == "" {
		return fmt.Errorf("interface name is required")
	}
	for _, m := range methods {
		if err := validateMethod(m); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.objects.Get(path); ok {
		return fmt.Errorf("%s: %w", path, ErrObjectExists)
	}

	obj := &Object{
		registry:   r,
		path:       path,
		interfaces: orderedmap.NewOrderedMap[string, *Interface](),
	}
	obj.ensureInterface(iface).merge(props, methods)
	r.objects.Set(path, obj)

	r.logger.Debugw("Object added", "path", string(path), "interface", iface)
	return nil
}

// GetObject resolves path.
func (r *Registry) GetObject(path dbus.ObjectPath) (replay.Object, error) {
	obj, ok := r.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNoObject)
	}
	return obj, nil
}

// Lookup returns the object at path.
func (r *Registry) Lookup(path dbus.ObjectPath) (*Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.objects.Get(path)
}

// RemoveObject deletes the object at path.
func (r *Registry) RemoveObject(path dbus.ObjectPath) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.objects.Delete(path) {
		return fmt.Errorf("%s: %w", path, ErrNoObject)
	}
	return nil
}

// Paths returns every object path in creation order.
func (r *Registry) Paths() []dbus.ObjectPath {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.objects.Keys()
}

// Len returns the number of objects.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.objects.Len()
}

// Children returns the distinct next path segments below path, sorted.
// Intermediate segments without an object of their own are included.
func (r *Registry) Children(path dbus.ObjectPath) []string {
	prefix := string(path) + "/"
	if path == "/" {
		prefix = "/"
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for el := r.objects.Front(); el != nil; el = el.Next() {
		p := string(el.Key)
		if p == "/" || !strings.HasPrefix(p, prefix) {
			continue
		}
		segment := strings.SplitN(p[len(prefix):], "/", 2)[0]
		if segment != "" && !seen[segment] {
			seen[segment] = true
			out = append(out, segment)
		}
	}
	sort.Strings(out)
	return out
}

// Signals returns a copy of every signal emitted so far.
func (r *Registry) Signals() []Signal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Signal, len(r.signals))
	copy(out, r.signals)
	return out
}

// Calls returns a copy of the stub method call log.
func (r *Registry) Calls() []Call {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// ClearCalls empties the call log.
func (r *Registry) ClearCalls() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func (r *Registry) recordCall(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

// ManagedObjects returns every object strictly below path in the shape of
// org.freedesktop.DBus.ObjectManager.GetManagedObjects.
func (r *Registry) ManagedObjects(path dbus.ObjectPath) map[dbus.ObjectPath]map[string]map[string]dbus.Variant {
	prefix := string(path) + "/"
	if path == "/" {
		prefix = "/"
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	for el := r.objects.Front(); el != nil; el = el.Next() {
		if el.Key == path || !strings.HasPrefix(string(el.Key), prefix) {
			continue
		}
		ifaces := make(map[string]map[string]dbus.Variant)
		for ie := el.Value.interfaces.Front(); ie != nil; ie = ie.Next() {
			ifaces[ie.Key] = ie.Value.Properties.Variants()
		}
		out[el.Key] = ifaces
	}
	return out
}

// Path returns the object's path.
func (o *Object) Path() dbus.ObjectPath {
	return o.path
}

// AddProperties adds or overwrites properties on iface, creating the
// interface when needed.
func (o *Object) AddProperties(iface string, props *types.Properties) error {
	if iface == "" {
		return fmt.Errorf("interface name is required")
	}
	o.registry.mu.Lock()
	defer o.registry.mu.Unlock()
	o.ensureInterface(iface).merge(props, nil)
	return nil
}

// AddMethods adds stub methods to iface. A method with the same name is
// replaced.
func (o *Object) AddMethods(iface string, methods []types.MethodSignature) error {
	if iface == "" {
		return fmt.Errorf("interface name is required")
	}
	for _, m := range methods {
		if err := validateMethod(m); err != nil {
			return err
		}
	}
	o.registry.mu.Lock()
	defer o.registry.mu.Unlock()
	o.ensureInterface(iface).merge(nil, methods)
	return nil
}

// EmitSignal records the signal and forwards it to the sink, if any. The
// arguments must match signature.
func (o *Object) EmitSignal(iface, name, sig string, args []interface{}) error {
	if got := bodySignature(args); got != sig {
		return fmt.Errorf("signal %s.%s: arguments have signature %q, want %q", iface, name, got, sig)
	}

	s := Signal{Path: o.path, Interface: iface, Name: name, Signature: sig, Args: args}

	o.registry.mu.Lock()
	o.registry.signals = append(o.registry.signals, s)
	sink := o.registry.sink
	o.registry.mu.Unlock()

	o.registry.logger.Debugw("Signal emitted", "path", string(o.path), "signal", iface+"."+name)
	if sink != nil {
		return sink(s)
	}
	return nil
}

// Interfaces returns the interface names in the order they were added.
func (o *Object) Interfaces() []string {
	o.registry.mu.RLock()
	defer o.registry.mu.RUnlock()
	return o.interfaces.Keys()
}

// Interface returns a snapshot of one interface. Later edits to the object
// do not show through it.
func (o *Object) Interface(name string) (Interface, bool) {
	o.registry.mu.RLock()
	defer o.registry.mu.RUnlock()
	iface, ok := o.interfaces.Get(name)
	if !ok {
		return Interface{}, false
	}
	return Interface{
		Name:       iface.Name,
		Properties: iface.Properties.Clone(),
		Methods:    iface.Methods.Copy(),
	}, true
}

// Property returns one property value.
func (o *Object) Property(iface, name string) (types.TypedValue, error) {
	o.registry.mu.RLock()
	defer o.registry.mu.RUnlock()
	i, ok := o.interfaces.Get(iface)
	if !ok {
		return types.TypedValue{}, fmt.Errorf("%s.%s: %w", iface, name, ErrNoProperty)
	}
	v, ok := i.Properties.Get(name)
	if !ok {
		return types.TypedValue{}, fmt.Errorf("%s.%s: %w", iface, name, ErrNoProperty)
	}
	return v, nil
}

// AllProperties returns the a{sv} view of one interface.
func (o *Object) AllProperties(iface string) (map[string]dbus.Variant, error) {
	o.registry.mu.RLock()
	defer o.registry.mu.RUnlock()
	i, ok := o.interfaces.Get(iface)
	if !ok {
		return nil, fmt.Errorf("%s: %w", iface, ErrNoProperty)
	}
	return i.Properties.Variants(), nil
}

// SetProperty overwrites an existing property. The new value must keep
// the recorded signature.
func (o *Object) SetProperty(iface, name string, v dbus.Variant) error {
	o.registry.mu.Lock()
	defer o.registry.mu.Unlock()
	i, ok := o.interfaces.Get(iface)
	if !ok {
		return fmt.Errorf("%s.%s: %w", iface, name, ErrNoProperty)
	}
	old, ok := i.Properties.Get(name)
	if !ok {
		return fmt.Errorf("%s.%s: %w", iface, name, ErrNoProperty)
	}
	if got := v.Signature().String(); got != old.Signature && !signature.IsVariant(old.Signature) {
		return fmt.Errorf("%s.%s: value has signature %q, want %q", iface, name, got, old.Signature)
	}
	value := v.Value()
	if signature.IsVariant(old.Signature) {
		value = v
	}
	i.Properties.Set(name, types.NewTypedValue(old.Signature, value))
	return nil
}

// Method looks up a stub method.
func (o *Object) Method(iface, name string) (types.MethodSignature, bool) {
	o.registry.mu.RLock()
	defer o.registry.mu.RUnlock()
	i, ok := o.interfaces.Get(iface)
	if !ok {
		return types.MethodSignature{}, false
	}
	return i.Methods.Get(name)
}

// ensureInterface must be called with the registry lock held.
func (o *Object) ensureInterface(name string) *Interface {
	if iface, ok := o.interfaces.Get(name); ok {
		return iface
	}
	iface := &Interface{
		Name:       name,
		Properties: types.NewProperties(),
		Methods:    orderedmap.NewOrderedMap[string, types.MethodSignature](),
	}
	o.interfaces.Set(name, iface)
	return iface
}

func (i *Interface) merge(props *types.Properties, methods []types.MethodSignature) {
	props.Each(func(name string, v types.TypedValue) {
		i.Properties.Set(name, v)
	})
	for _, m := range methods {
		i.Methods.Set(m.Name, m)
	}
}

func validateMethod(m types.MethodSignature) error {
	if m.Name == "" {
		return fmt.Errorf("method name is required")
	}
	if err := signature.Validate(m.InSignature); err != nil {
		return fmt.Errorf("method %s: %w", m.Name, err)
	}
	if err := signature.Validate(m.OutSignature); err != nil {
		return fmt.Errorf("method %s: %w", m.Name, err)
	}
	return nil
}

// bodySignature returns the signature of a message body, or "?" when the
// values have no D-Bus representation.
func bodySignature(args []interface{}) (sig string) {
	defer func() {
		if recover() != nil {
			sig = "?"
		}
	}()
	return dbus.SignatureOf(args...).String()
}
