package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/dbsmedya/dbusreplay/internal/signature"
)

// MethodSignature describes one method as the 4-tuple
// (name, in signature, out signature, reserved). Reserved is always empty.
type MethodSignature struct {
	Name         string
	InSignature  string
	OutSignature string
	Reserved     string
}

// MarshalJSON renders the method as a 4-element array.
func (m MethodSignature) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]string{m.Name, m.InSignature, m.OutSignature, m.Reserved})
}

// UnmarshalJSON parses a 4-element array.
func (m *MethodSignature) UnmarshalJSON(data []byte) error {
	var fields []string
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("method must be an array of strings: %w", err)
	}
	if len(fields) != 4 {
		return fmt.Errorf("method must have 4 fields, got %d", len(fields))
	}
	if fields[0] == "" {
		return fmt.Errorf("method name is empty")
	}
	for _, sig := range fields[1:3] {
		if err := signature.Validate(sig); err != nil {
			return fmt.Errorf("method %q: %w", fields[0], err)
		}
	}
	*m = MethodSignature{Name: fields[0], InSignature: fields[1], OutSignature: fields[2], Reserved: fields[3]}
	return nil
}

// InterfaceRecord is one non-infrastructure interface of an object.
type InterfaceRecord struct {
	Name       string
	Properties *Properties
	Methods    []MethodSignature
}

// NewInterfaceRecord returns an empty record for iface.
func NewInterfaceRecord(name string) InterfaceRecord {
	return InterfaceRecord{Name: name, Properties: NewProperties()}
}

// Prefix returns the short name of the interface used to label its
// property and method blocks.
func (r InterfaceRecord) Prefix() string {
	return signature.InterfacePrefix(r.Name)
}

type interfaceRecordJSON struct {
	Name       string            `json:"name"`
	Prefix     string            `json:"prefix,omitempty"`
	Properties *Properties       `json:"properties"`
	Methods    []MethodSignature `json:"methods"`
}

// MarshalJSON always writes "properties" as an object and "methods" as an
// array, even when empty.
func (r InterfaceRecord) MarshalJSON() ([]byte, error) {
	aux := interfaceRecordJSON{
		Name:       r.Name,
		Prefix:     r.Prefix(),
		Properties: r.Properties,
		Methods:    r.Methods,
	}
	if aux.Properties == nil {
		aux.Properties = NewProperties()
	}
	if aux.Methods == nil {
		aux.Methods = []MethodSignature{}
	}
	return json.Marshal(aux)
}

// UnmarshalJSON reads an interface record; the prefix is derived, not trusted.
func (r *InterfaceRecord) UnmarshalJSON(data []byte) error {
	var aux interfaceRecordJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Name == "" {
		return fmt.Errorf("interface record has no name")
	}
	if aux.Properties == nil {
		aux.Properties = NewProperties()
	}
	r.Name = aux.Name
	r.Properties = aux.Properties
	r.Methods = aux.Methods
	return nil
}

// PropertiesLiteral returns the JSON text of the property block.
func (r InterfaceRecord) PropertiesLiteral() (string, error) {
	props := r.Properties
	if props == nil {
		props = NewProperties()
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// MethodsLiteral returns the JSON text of the method block.
func (r InterfaceRecord) MethodsLiteral() (string, error) {
	methods := r.Methods
	if methods == nil {
		methods = []MethodSignature{}
	}
	b, err := json.Marshal(methods)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Triple packages the record as (name, properties literal, methods literal),
// the element type of the remote AddUdevObject call.
func (r InterfaceRecord) Triple() (Triple, error) {
	props, err := r.PropertiesLiteral()
	if err != nil {
		return Triple{}, fmt.Errorf("interface %s: %w", r.Name, err)
	}
	methods, err := r.MethodsLiteral()
	if err != nil {
		return Triple{}, fmt.Errorf("interface %s: %w", r.Name, err)
	}
	return Triple{Name: r.Name, Properties: props, Methods: methods}, nil
}

// Triple is the (sss) struct carried by AddUdevObject.
type Triple struct {
	Name       string
	Properties string
	Methods    string
}

// ObjectRecord is everything captured for one object path.
type ObjectRecord struct {
	Path       dbus.ObjectPath   `json:"path"`
	Interfaces []InterfaceRecord `json:"interfaces"`
}

// Triples converts every interface of the record.
func (o ObjectRecord) Triples() ([]Triple, error) {
	out := make([]Triple, 0, len(o.Interfaces))
	for _, iface := range o.Interfaces {
		t, err := iface.Triple()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ScanStats contains statistics about a scan.
type ScanStats struct {
	ObjectsVisited    int           // Paths introspected
	ObjectsEmitted    int           // Paths with at least one recorded interface
	InterfacesEmitted int           // Interface records written
	PropertiesRead    int           // Properties.Get calls
	Repaired          int           // Values whose signature had to be repaired
	Duration          time.Duration // Time taken for the scan
}
