// Package codec renders typed D-Bus values as JSON literals and parses them
// back, driven entirely by the value's D-Bus signature.
//
// Literal form per type code:
//
//	y n q i u x t h d   JSON number
//	b                   JSON bool
//	s o g               JSON string
//	v                   {"type": SIG, "value": LITERAL}
//	aX                  JSON array of X literals
//	a{KV}               JSON array of [K, V] pairs, sorted by encoded key
//	(..)                JSON array of field literals
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/godbus/dbus/v5"

	"github.com/dbsmedya/dbusreplay/internal/signature"
)

// SignatureError reports a value that cannot be represented under the
// signature it was declared with.
type SignatureError struct {
	Signature string
	Value     interface{}
	Reason    string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("value %v (%T) does not match signature %q: %s", e.Value, e.Value, e.Signature, e.Reason)
}

// variantLiteral is the JSON form of a nested variant.
type variantLiteral struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

var (
	unsignedMax = map[byte]uint64{
		'y': math.MaxUint8,
		'q': math.MaxUint16,
		'u': math.MaxUint32,
		'h': math.MaxUint32,
		't': math.MaxUint64,
	}
	signedRange = map[byte][2]int64{
		'n': {math.MinInt16, math.MaxInt16},
		'i': {math.MinInt32, math.MaxInt32},
		'x': {math.MinInt64, math.MaxInt64},
	}
)

// Encode renders value as a JSON literal under the single complete type sig.
func Encode(sig string, value interface{}) (json.RawMessage, error) {
	v, err := encode(sig, reflect.ValueOf(value))
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// encode converts rv into a tree of JSON-marshalable values.
func encode(sig string, rv reflect.Value) (interface{}, error) {
	if sig == "" {
		return nil, &SignatureError{Signature: sig, Reason: "empty signature"}
	}
	for rv.IsValid() && rv.Kind() == reflect.Interface {
		rv = rv.Elem()
	}
	mismatch := func(reason string) error {
		var val interface{}
		if rv.IsValid() && rv.CanInterface() {
			val = rv.Interface()
		}
		return &SignatureError{Signature: sig, Value: val, Reason: reason}
	}

	switch sig[0] {
	case 'v':
		if !rv.IsValid() {
			return nil, mismatch("nil variant")
		}
		variant, ok := rv.Interface().(dbus.Variant)
		if !ok {
			return nil, mismatch("not a variant")
		}
		inner := variant.Signature().String()
		val, err := encode(inner, reflect.ValueOf(variant.Value()))
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return variantLiteral{Type: inner, Value: raw}, nil
	case 'b':
		if !rv.IsValid() || rv.Kind() != reflect.Bool {
			return nil, mismatch("not a bool")
		}
		return rv.Bool(), nil
	case 'y', 'q', 'u', 't', 'h':
		if !rv.IsValid() {
			return nil, mismatch("nil number")
		}
		var u uint64
		switch rv.Kind() {
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			u = rv.Uint()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if rv.Int() < 0 {
				return nil, mismatch("negative value for unsigned type")
			}
			u = uint64(rv.Int())
		default:
			return nil, mismatch("not an unsigned integer")
		}
		if u > unsignedMax[sig[0]] {
			return nil, mismatch("value overflows unsigned type")
		}
		return u, nil
	case 'n', 'i', 'x':
		if !rv.IsValid() {
			return nil, mismatch("nil number")
		}
		var n int64
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n = rv.Int()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if rv.Uint() > math.MaxInt64 {
				return nil, mismatch("value overflows signed type")
			}
			n = int64(rv.Uint())
		default:
			return nil, mismatch("not a signed integer")
		}
		if r := signedRange[sig[0]]; n < r[0] || n > r[1] {
			return nil, mismatch("value overflows signed type")
		}
		return n, nil
	case 'd':
		if !rv.IsValid() {
			return nil, mismatch("nil number")
		}
		switch rv.Kind() {
		case reflect.Float32, reflect.Float64:
			f := rv.Float()
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, mismatch("non-finite double")
			}
			return f, nil
		}
		return nil, mismatch("not a double")
	case 's', 'o':
		if !rv.IsValid() || rv.Kind() != reflect.String {
			return nil, mismatch("not a string")
		}
		return rv.String(), nil
	case 'g':
		if !rv.IsValid() {
			return nil, mismatch("nil signature")
		}
		switch s := rv.Interface().(type) {
		case dbus.Signature:
			return s.String(), nil
		case string:
			return s, nil
		}
		return nil, mismatch("not a signature")
	}

	switch {
	case signature.IsDict(sig):
		return encodeDict(sig, rv, mismatch)
	case signature.IsArray(sig):
		elem := signature.ArrayElement(sig)
		// A nil value is an empty container whose element type is only
		// known from sig.
		if !rv.IsValid() {
			return []interface{}{}, nil
		}
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, mismatch("not an array")
		}
		out := make([]interface{}, rv.Len())
		for i := range out {
			v, err := encode(elem, rv.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case signature.IsStruct(sig):
		fields, err := signature.Split(sig[1 : len(sig)-1])
		if err != nil {
			return nil, err
		}
		if !rv.IsValid() {
			return nil, mismatch("nil struct")
		}
		var n int
		field := func(i int) reflect.Value { return rv.Index(i) }
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			n = rv.Len()
		case reflect.Struct:
			n = rv.NumField()
			field = rv.Field
		default:
			return nil, mismatch("not a struct")
		}
		if n != len(fields) {
			return nil, mismatch(fmt.Sprintf("struct has %d fields, signature wants %d", n, len(fields)))
		}
		out := make([]interface{}, n)
		for i, fs := range fields {
			v, err := encode(fs, field(i))
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	return nil, mismatch("unsupported signature")
}

func encodeDict(sig string, rv reflect.Value, mismatch func(string) error) (interface{}, error) {
	kv, err := signature.Split(signature.DictElement(sig))
	if err != nil {
		return nil, err
	}
	if len(kv) != 2 {
		return nil, mismatch("malformed dictionary signature")
	}
	if !rv.IsValid() {
		return []interface{}{}, nil
	}
	if rv.Kind() != reflect.Map {
		return nil, mismatch("not a dictionary")
	}

	type pair struct {
		key    []byte
		encKey interface{}
		encVal interface{}
	}
	pairs := make([]pair, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k, err := encode(kv[0], iter.Key())
		if err != nil {
			return nil, err
		}
		v, err := encode(kv[1], iter.Value())
		if err != nil {
			return nil, err
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair{key: kb, encKey: k, encVal: v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		return bytes.Compare(pairs[i].key, pairs[j].key) < 0
	})

	out := make([]interface{}, len(pairs))
	for i, p := range pairs {
		out[i] = []interface{}{p.encKey, p.encVal}
	}
	return out, nil
}

// Decode parses a JSON literal back into the Go value godbus uses for sig.
// The returned value's type is exactly signature.TypeFor(sig).
func Decode(sig string, raw json.RawMessage) (interface{}, error) {
	t, err := signature.TypeFor(sig)
	if err != nil {
		return nil, err
	}
	rv, err := decode(sig, t, raw)
	if err != nil {
		return nil, err
	}
	return rv.Interface(), nil
}

func decode(sig string, t reflect.Type, raw json.RawMessage) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	literalErr := func(err error) error {
		return fmt.Errorf("literal %s for signature %q: %w", truncate(raw), sig, err)
	}

	switch sig[0] {
	case 'v':
		var lit variantLiteral
		if err := json.Unmarshal(raw, &lit); err != nil {
			return out, literalErr(err)
		}
		if err := signature.Validate(lit.Type); err != nil {
			return out, literalErr(err)
		}
		inner, err := Decode(lit.Type, lit.Value)
		if err != nil {
			return out, err
		}
		out.Set(reflect.ValueOf(dbus.MakeVariantWithSignature(inner, dbus.ParseSignatureMust(lit.Type))))
		return out, nil
	case 'g':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return out, literalErr(err)
		}
		parsed, err := dbus.ParseSignature(s)
		if err != nil {
			return out, literalErr(err)
		}
		out.Set(reflect.ValueOf(parsed))
		return out, nil
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 'h', 's', 'o':
		// Basic types decode straight into their godbus carrier; json
		// rejects out-of-range numbers for the narrower kinds.
		if err := json.Unmarshal(raw, out.Addr().Interface()); err != nil {
			return out, literalErr(err)
		}
		return out, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return out, literalErr(err)
	}

	switch {
	case signature.IsDict(sig):
		kv, err := signature.Split(signature.DictElement(sig))
		if err != nil {
			return out, err
		}
		m := reflect.MakeMapWithSize(t, len(items))
		for _, item := range items {
			var pair []json.RawMessage
			if err := json.Unmarshal(item, &pair); err != nil {
				return out, literalErr(err)
			}
			if len(pair) != 2 {
				return out, literalErr(fmt.Errorf("dictionary entry must be a [key, value] pair"))
			}
			k, err := decode(kv[0], t.Key(), pair[0])
			if err != nil {
				return out, err
			}
			v, err := decode(kv[1], t.Elem(), pair[1])
			if err != nil {
				return out, err
			}
			m.SetMapIndex(k, v)
		}
		out.Set(m)
	case signature.IsArray(sig):
		elem := signature.ArrayElement(sig)
		s := reflect.MakeSlice(t, len(items), len(items))
		for i, item := range items {
			v, err := decode(elem, t.Elem(), item)
			if err != nil {
				return out, err
			}
			s.Index(i).Set(v)
		}
		out.Set(s)
	case signature.IsStruct(sig):
		fields, err := signature.Split(sig[1 : len(sig)-1])
		if err != nil {
			return out, err
		}
		if len(items) != len(fields) {
			return out, literalErr(fmt.Errorf("struct literal has %d fields, want %d", len(items), len(fields)))
		}
		for i, fs := range fields {
			v, err := decode(fs, t.Field(i).Type, items[i])
			if err != nil {
				return out, err
			}
			out.Field(i).Set(v)
		}
	default:
		return out, literalErr(fmt.Errorf("unsupported signature"))
	}
	return out, nil
}

func truncate(raw json.RawMessage) string {
	const max = 64
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
