// Package types contains the captured object model shared by the scanner,
// the capture format and the replay loader.
package types

import (
	"encoding/json"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/dbsmedya/dbusreplay/internal/codec"
	"github.com/dbsmedya/dbusreplay/internal/signature"
)

// TypedValue is a property value together with its D-Bus signature.
// Value always holds the Go representation godbus uses for Signature.
type TypedValue struct {
	Signature string
	Value     interface{}
}

// NewTypedValue wraps value under sig.
func NewTypedValue(sig string, value interface{}) TypedValue {
	return TypedValue{Signature: sig, Value: value}
}

// Variant returns the value as a D-Bus variant carrying its declared signature.
// A property declared "v" already holds its variant and is returned as is.
func (tv TypedValue) Variant() dbus.Variant {
	if signature.IsVariant(tv.Signature) {
		if v, ok := tv.Value.(dbus.Variant); ok {
			return v
		}
	}
	return dbus.MakeVariantWithSignature(tv.Value, dbus.ParseSignatureMust(tv.Signature))
}

type typedValueJSON struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON renders {"type": SIG, "value": LITERAL}.
func (tv TypedValue) MarshalJSON() ([]byte, error) {
	raw, err := codec.Encode(tv.Signature, tv.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(typedValueJSON{Type: tv.Signature, Value: raw})
}

// UnmarshalJSON parses the literal under its embedded signature.
func (tv *TypedValue) UnmarshalJSON(data []byte) error {
	var aux typedValueJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if err := signature.Validate(aux.Type); err != nil {
		return err
	}
	if len(aux.Value) == 0 {
		return fmt.Errorf("typed value of type %q has no value", aux.Type)
	}
	v, err := codec.Decode(aux.Type, aux.Value)
	if err != nil {
		return err
	}
	tv.Signature = aux.Type
	tv.Value = v
	return nil
}
