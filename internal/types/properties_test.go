package types

import (
	"encoding/json"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProperties_PreservesOrder(t *testing.T) {
	props := NewProperties()
	props.Set("Zeta", NewTypedValue("s", "z"))
	props.Set("Alpha", NewTypedValue("s", "a"))
	props.Set("Mid", NewTypedValue("u", uint32(1)))

	b, err := json.Marshal(props)
	require.NoError(t, err)
	assert.Equal(t,
		`{"Zeta":{"type":"s","value":"z"},"Alpha":{"type":"s","value":"a"},"Mid":{"type":"u","value":1}}`,
		string(b))

	back := NewProperties()
	require.NoError(t, json.Unmarshal(b, back))
	assert.Equal(t, []string{"Zeta", "Alpha", "Mid"}, back.Names())
}

func TestProperties_ZeroValue(t *testing.T) {
	var props Properties
	assert.Equal(t, 0, props.Len())
	assert.Nil(t, props.Names())
	_, ok := props.Get("x")
	assert.False(t, ok)

	props.Set("x", NewTypedValue("b", true))
	assert.Equal(t, 1, props.Len())
}

func TestProperties_Variants(t *testing.T) {
	props := NewProperties()
	props.Set("Device", NewTypedValue("ay", []byte("/dev/sda\x00")))
	props.Set("Size", NewTypedValue("t", uint64(512)))

	vs := props.Variants()
	require.Len(t, vs, 2)
	assert.Equal(t, "ay", vs["Device"].Signature().String())
	assert.Equal(t, uint64(512), vs["Size"].Value())
}

func TestTypedValue_VariantIsNotRewrapped(t *testing.T) {
	inner := dbus.MakeVariant(int32(-1))
	assert.Equal(t, inner, NewTypedValue("v", inner).Variant())

	props := NewProperties()
	props.Set("Wrapped", NewTypedValue("v", inner))
	assert.Equal(t, inner, props.Variants()["Wrapped"])
}

func TestProperties_UnmarshalErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"array", `[]`},
		{"bad value", `{"X":{"type":"u","value":"nope"}}`},
		{"bad signature", `{"X":{"type":"a{","value":[]}}`},
		{"missing value", `{"X":{"type":"s"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			props := NewProperties()
			assert.Error(t, json.Unmarshal([]byte(tt.input), props))
		})
	}
}

func TestTypedValue_VariantProperty(t *testing.T) {
	tv := NewTypedValue("v", dbus.MakeVariant(int32(-4)))

	b, err := json.Marshal(tv)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"v","value":{"type":"i","value":-4}}`, string(b))

	var back TypedValue
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, "v", back.Signature)
	assert.Equal(t, dbus.MakeVariant(int32(-4)), back.Value)
}
