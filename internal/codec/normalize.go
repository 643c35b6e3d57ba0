package codec

import (
	"reflect"

	"github.com/godbus/dbus/v5"

	"github.com/dbsmedya/dbusreplay/internal/signature"
)

// Normalized is a property value reconciled with its declared signature.
type Normalized struct {
	Signature string
	Value     interface{}
	// Repaired is set when an empty container had its element signature
	// supplied from the declaration.
	Repaired bool
}

// Normalize reconciles a value fetched through org.freedesktop.DBus.Properties.Get
// with the signature declared in the introspection data.
//
// Properties.Get always wraps its result in a variant, so for declared types
// other than "v" exactly one variant level is removed. Empty containers that
// carry no element type get one sliced out of the declaration. The result
// must encode under the declared signature, otherwise a *SignatureError is
// returned.
func Normalize(declared string, fetched dbus.Variant) (Normalized, error) {
	if err := signature.Validate(declared); err != nil {
		return Normalized{}, &SignatureError{Signature: declared, Value: fetched, Reason: err.Error()}
	}

	n := Normalized{Signature: declared}
	if signature.IsVariant(declared) {
		n.Value = fetched
	} else {
		n.Value = fetched.Value()
	}

	if needsElementSignature(n.Value) {
		var elem string
		switch {
		case signature.IsDict(declared):
			elem = "a{" + signature.DictElement(declared) + "}"
		case signature.IsArray(declared):
			elem = "a" + signature.ArrayElement(declared)
		}
		if elem != "" {
			t, err := signature.TypeFor(elem)
			if err != nil {
				return Normalized{}, &SignatureError{Signature: declared, Value: n.Value, Reason: err.Error()}
			}
			if t.Kind() == reflect.Map {
				n.Value = reflect.MakeMap(t).Interface()
			} else {
				n.Value = reflect.MakeSlice(t, 0, 0).Interface()
			}
			n.Repaired = true
		}
	}

	if _, err := Encode(declared, n.Value); err != nil {
		return Normalized{}, err
	}
	return n, nil
}

// needsElementSignature reports whether v is an empty container whose Go
// type does not pin down a D-Bus element type.
func needsElementSignature(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Len() != 0 {
			return false
		}
		return rv.Type().Key().Kind() == reflect.Interface || rv.Type().Elem().Kind() == reflect.Interface
	case reflect.Slice:
		if rv.Len() != 0 {
			return false
		}
		return rv.Type().Elem().Kind() == reflect.Interface
	}
	return false
}

// RuntimeSignature returns the signature godbus infers for v, or "" when v
// has no D-Bus representation.
func RuntimeSignature(v interface{}) (sig string) {
	defer func() {
		if recover() != nil {
			sig = ""
		}
	}()
	return dbus.SignatureOf(v).String()
}
