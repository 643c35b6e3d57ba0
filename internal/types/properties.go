package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/godbus/dbus/v5"
)

// Properties is an ordered mapping of property name to typed value.
// Order is the declaration order seen during introspection.
type Properties struct {
	m *orderedmap.OrderedMap[string, TypedValue]
}

// NewProperties returns an empty property mapping.
func NewProperties() *Properties {
	return &Properties{m: orderedmap.NewOrderedMap[string, TypedValue]()}
}

func (p *Properties) lazy() *orderedmap.OrderedMap[string, TypedValue] {
	if p.m == nil {
		p.m = orderedmap.NewOrderedMap[string, TypedValue]()
	}
	return p.m
}

// Set stores a value, keeping the original position for existing names.
func (p *Properties) Set(name string, v TypedValue) {
	p.lazy().Set(name, v)
}

// Clone returns a copy that shares no ordering state with p.
func (p *Properties) Clone() *Properties {
	if p == nil || p.m == nil {
		return NewProperties()
	}
	return &Properties{m: p.m.Copy()}
}

// Get returns the value stored under name.
func (p *Properties) Get(name string) (TypedValue, bool) {
	if p == nil || p.m == nil {
		return TypedValue{}, false
	}
	return p.m.Get(name)
}

// Len returns the number of properties.
func (p *Properties) Len() int {
	if p == nil || p.m == nil {
		return 0
	}
	return p.m.Len()
}

// Names returns property names in order.
func (p *Properties) Names() []string {
	if p == nil || p.m == nil {
		return nil
	}
	return p.m.Keys()
}

// Each calls fn for every property in order.
func (p *Properties) Each(fn func(name string, v TypedValue)) {
	if p == nil || p.m == nil {
		return
	}
	for el := p.m.Front(); el != nil; el = el.Next() {
		fn(el.Key, el.Value)
	}
}

// Variants returns the properties as the a{sv} map handed to a stub host.
func (p *Properties) Variants() map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, p.Len())
	p.Each(func(name string, v TypedValue) {
		out[name] = v.Variant()
	})
	return out
}

// MarshalJSON writes a JSON object in property order.
func (p *Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	var err error
	p.Each(func(name string, v TypedValue) {
		if err != nil {
			return
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false

		var key, val []byte
		if key, err = json.Marshal(name); err != nil {
			return
		}
		if val, err = json.Marshal(v); err != nil {
			err = fmt.Errorf("property %q: %w", name, err)
			return
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	})
	if err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object, preserving key order.
func (p *Properties) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("properties must be a JSON object, got %v", tok)
	}

	m := orderedmap.NewOrderedMap[string, TypedValue]()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected property key %v", tok)
		}
		var v TypedValue
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("property %q: %w", name, err)
		}
		m.Set(name, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	p.m = m
	return nil
}
