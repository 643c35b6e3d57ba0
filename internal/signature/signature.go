// Package signature provides helpers for D-Bus type signatures used by the
// scanner and the replay loader.
package signature

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

var (
	objectPathType = reflect.TypeOf(dbus.ObjectPath(""))
	signatureType  = reflect.TypeOf(dbus.Signature{})
	variantType    = reflect.TypeOf(dbus.Variant{})
	unixFDType     = reflect.TypeOf(dbus.UnixFDIndex(0))
)

var basicTypes = map[byte]reflect.Type{
	'y': reflect.TypeOf(byte(0)),
	'b': reflect.TypeOf(false),
	'n': reflect.TypeOf(int16(0)),
	'q': reflect.TypeOf(uint16(0)),
	'i': reflect.TypeOf(int32(0)),
	'u': reflect.TypeOf(uint32(0)),
	'x': reflect.TypeOf(int64(0)),
	't': reflect.TypeOf(uint64(0)),
	'd': reflect.TypeOf(float64(0)),
	's': reflect.TypeOf(""),
	'o': objectPathType,
	'g': signatureType,
	'v': variantType,
	'h': unixFDType,
}

// DictElement returns the element signature of a dictionary signature,
// i.e. everything between the first '{' and the last '}'.
// Example: "a{sv}" -> "sv".
func DictElement(sig string) string {
	left := strings.Index(sig, "{")
	right := strings.LastIndex(sig, "}")
	if left < 0 || right <= left {
		return ""
	}
	return sig[left+1 : right]
}

// ArrayElement returns the element signature of an array signature.
// Example: "as" -> "s".
func ArrayElement(sig string) string {
	if !strings.HasPrefix(sig, "a") {
		return ""
	}
	return sig[1:]
}

// InterfacePrefix returns the lowercased last dotted component of an
// interface name.
// Example: "org.freedesktop.UDisks2.Drive.Ata" -> "ata".
func InterfacePrefix(iface string) string {
	parts := strings.Split(iface, ".")
	return strings.ToLower(parts[len(parts)-1])
}

// IsVariant reports whether sig declares a variant.
func IsVariant(sig string) bool {
	return strings.HasPrefix(sig, "v")
}

// IsDict reports whether sig is a dictionary ("a{..}").
func IsDict(sig string) bool {
	return strings.HasPrefix(sig, "a{")
}

// IsArray reports whether sig is a non-dictionary array.
func IsArray(sig string) bool {
	return strings.HasPrefix(sig, "a") && !IsDict(sig)
}

// IsStruct reports whether sig is a struct ("(..)").
func IsStruct(sig string) bool {
	return strings.HasPrefix(sig, "(")
}

// Validate checks that sig is a well-formed D-Bus signature.
func Validate(sig string) error {
	if _, err := dbus.ParseSignature(sig); err != nil {
		return fmt.Errorf("invalid signature %q: %w", sig, err)
	}
	return nil
}

// Split breaks a signature into its complete types.
// Example: "ha{sv}o" -> ["h", "a{sv}", "o"].
func Split(sig string) ([]string, error) {
	var out []string
	for len(sig) > 0 {
		n, err := nextLen(sig)
		if err != nil {
			return nil, err
		}
		out = append(out, sig[:n])
		sig = sig[n:]
	}
	return out, nil
}

// nextLen returns the length of the first complete type in sig.
func nextLen(sig string) (int, error) {
	if sig == "" {
		return 0, fmt.Errorf("empty signature")
	}
	switch sig[0] {
	case 'a':
		n, err := nextLen(sig[1:])
		if err != nil {
			return 0, err
		}
		return n + 1, nil
	case '(', '{':
		closing := byte(')')
		if sig[0] == '{' {
			closing = '}'
		}
		i := 1
		for i < len(sig) && sig[i] != closing {
			n, err := nextLen(sig[i:])
			if err != nil {
				return 0, err
			}
			i += n
		}
		if i >= len(sig) {
			return 0, fmt.Errorf("unterminated %q in signature %q", sig[0], sig)
		}
		return i + 1, nil
	}
	if _, ok := basicTypes[sig[0]]; ok {
		return 1, nil
	}
	return 0, fmt.Errorf("unknown type code %q in signature %q", sig[0], sig)
}

// TypeFor returns the Go type godbus uses to carry a single complete type.
// Structs map to generated structs with exported fields F0..Fn so that
// they encode back onto the wire as D-Bus structs.
func TypeFor(sig string) (reflect.Type, error) {
	if sig == "" {
		return nil, fmt.Errorf("empty signature")
	}
	if t, ok := basicTypes[sig[0]]; ok {
		if len(sig) != 1 {
			return nil, fmt.Errorf("signature %q is not a single complete type", sig)
		}
		return t, nil
	}

	switch {
	case IsDict(sig):
		elems, err := Split(DictElement(sig))
		if err != nil {
			return nil, err
		}
		if len(elems) != 2 {
			return nil, fmt.Errorf("dictionary %q must have exactly one key and one value", sig)
		}
		key, err := TypeFor(elems[0])
		if err != nil {
			return nil, err
		}
		val, err := TypeFor(elems[1])
		if err != nil {
			return nil, err
		}
		return reflect.MapOf(key, val), nil
	case IsArray(sig):
		elem, err := TypeFor(ArrayElement(sig))
		if err != nil {
			return nil, err
		}
		return reflect.SliceOf(elem), nil
	case IsStruct(sig):
		fields, err := Split(sig[1 : len(sig)-1])
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			return nil, fmt.Errorf("empty struct in signature %q", sig)
		}
		sf := make([]reflect.StructField, len(fields))
		for i, f := range fields {
			ft, err := TypeFor(f)
			if err != nil {
				return nil, err
			}
			sf[i] = reflect.StructField{Name: "F" + strconv.Itoa(i), Type: ft}
		}
		return reflect.StructOf(sf), nil
	}
	return nil, fmt.Errorf("unsupported signature %q", sig)
}

// Zero returns the zero value for each complete type in sig.
func Zero(sig string) ([]interface{}, error) {
	parts, err := Split(sig)
	if err != nil {
		return nil, err
	}
	values := make([]interface{}, len(parts))
	for i, p := range parts {
		t, err := TypeFor(p)
		if err != nil {
			return nil, err
		}
		v := reflect.New(t).Elem()
		switch t.Kind() {
		case reflect.Slice:
			v.Set(reflect.MakeSlice(t, 0, 0))
		case reflect.Map:
			v.Set(reflect.MakeMap(t))
		}
		if t == variantType {
			// A variant needs something to carry; an empty string is the
			// smallest valid payload.
			v.Set(reflect.ValueOf(dbus.MakeVariant("")))
		}
		values[i] = v.Interface()
	}
	return values, nil
}
