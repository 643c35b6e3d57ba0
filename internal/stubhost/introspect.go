package stubhost

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/dbsmedya/dbusreplay/internal/replay"
	"github.com/dbsmedya/dbusreplay/internal/signature"
	"github.com/dbsmedya/dbusreplay/internal/types"
)

// mockIntrospectData describes MockInterface. It must follow mockMethods.
var mockIntrospectData = introspect.Interface{
	Name: MockInterface,
	Methods: []introspect.Method{
		introspectMethod(types.MethodSignature{Name: "AddUdevObject", InSignature: "sa(sss)"}),
		introspectMethod(types.MethodSignature{Name: "AddPartitionDevice", InSignature: "s", OutSignature: "s"}),
		introspectMethod(types.MethodSignature{Name: "AddObject", InSignature: "ssa{sv}a(ssss)"}),
		introspectMethod(types.MethodSignature{Name: "AddProperties", InSignature: "sa{sv}"}),
		introspectMethod(types.MethodSignature{Name: "AddMethod", InSignature: "ssss"}),
		introspectMethod(types.MethodSignature{Name: "RemoveObject", InSignature: "o"}),
		introspectMethod(types.MethodSignature{Name: "EmitSignal", InSignature: "sssav"}),
		introspectMethod(types.MethodSignature{Name: "GetCalls", OutSignature: "a(tsav)"}),
		introspectMethod(types.MethodSignature{Name: "ClearCalls"}),
	},
}

var objectManagerMethods = []introspect.Method{
	introspectMethod(types.MethodSignature{Name: "GetManagedObjects", OutSignature: "a{oa{sa{sv}}}"}),
}

var objectManagerSignals = []introspect.Signal{
	{
		Name: "InterfacesAdded",
		Args: []introspect.Arg{
			{Name: "object_path", Type: "o"},
			{Name: "interfaces_and_properties", Type: "a{sa{sv}}"},
		},
	},
	{
		Name: "InterfacesRemoved",
		Args: []introspect.Arg{
			{Name: "object_path", Type: "o"},
			{Name: "interfaces", Type: "as"},
		},
	},
}

// Introspect renders the introspection XML for path: the standard
// interfaces, the mock control interface, every registered interface of
// the object at path and one child node per next path segment.
func (h *Handler) Introspect(path dbus.ObjectPath) (string, error) {
	node := h.Node(path)
	b, err := xml.MarshalIndent(node, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render introspection for %s: %w", path, err)
	}
	return strings.TrimSpace(introspect.IntrospectDeclarationString) + "\n" + string(b), nil
}

// Node builds the introspection tree for path.
func (h *Handler) Node(path dbus.ObjectPath) *introspect.Node {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			introspect.PeerData,
			mockIntrospectData,
		},
	}

	if obj, ok := h.registry.Lookup(path); ok {
		node.Interfaces = append(node.Interfaces, prop.IntrospectData)
		for _, name := range obj.Interfaces() {
			iface, ok := obj.Interface(name)
			if !ok {
				continue
			}
			node.Interfaces = append(node.Interfaces, introspectInterface(iface))
		}
	}

	for _, child := range h.registry.Children(path) {
		node.Children = append(node.Children, introspect.Node{Name: child})
	}
	return node
}

func introspectInterface(iface Interface) introspect.Interface {
	out := introspect.Interface{Name: iface.Name}

	iface.Properties.Each(func(name string, v types.TypedValue) {
		out.Properties = append(out.Properties, introspect.Property{
			Name:   name,
			Type:   v.Signature,
			Access: "readwrite",
		})
	})
	for el := iface.Methods.Front(); el != nil; el = el.Next() {
		out.Methods = append(out.Methods, introspectMethod(el.Value))
	}

	if iface.Name == replay.ObjectManagerInterface {
		out.Methods = append(out.Methods, objectManagerMethods...)
		out.Signals = append(out.Signals, objectManagerSignals...)
	}
	return out
}

// introspectMethod splits the in and out signatures into one argument per
// complete type. Signatures are validated on registration.
func introspectMethod(m types.MethodSignature) introspect.Method {
	out := introspect.Method{Name: m.Name}
	in, _ := signature.Split(m.InSignature)
	for i, t := range in {
		out.Args = append(out.Args, introspect.Arg{Name: fmt.Sprintf("arg%d", i), Type: t, Direction: "in"})
	}
	ret, _ := signature.Split(m.OutSignature)
	for i, t := range ret {
		out.Args = append(out.Args, introspect.Arg{Name: fmt.Sprintf("ret%d", i), Type: t, Direction: "out"})
	}
	return out
}
