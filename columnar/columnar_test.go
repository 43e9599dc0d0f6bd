package columnar

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridgeerrors "github.com/hostbridge/wasmbridge/errors"
)

func TestRoundTrip(t *testing.T) {
	in := &Batch{Records: []Record{
		{Fields: []Field{
			{Name: "name", Value: []byte("test")},
			{Name: "seq", Value: []byte{0x01, 0x02}},
		}},
		{Fields: []Field{
			{Name: "name", Value: []byte("other")},
		}},
	}}

	data := in.Encode()
	out, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, out.Records, 2)

	v, ok := out.Records[0].Get("name")
	require.True(t, ok)
	assert.Equal(t, []byte("test"), v)

	v, ok = out.Records[0].Get("seq")
	require.True(t, ok)
	assert.Equal(t, []byte{0x01, 0x02}, v)

	// Deterministic encoding: decode/encode is the identity on bytes.
	assert.True(t, bytes.Equal(data, out.Encode()))
}

func TestSetPreservesUntouchedFields(t *testing.T) {
	in := &Batch{Records: []Record{
		{Fields: []Field{
			{Name: "name", Value: []byte("test")},
			{Name: "attrs", Value: []byte{0xde, 0xad}},
		}},
	}}
	original := in.Encode()

	out, err := Decode(original)
	require.NoError(t, err)
	out.Records[0].Set("result", []byte("Hello World, test!"))
	transformed := out.Records[0]

	// Untouched fields stay byte-identical and in position.
	assert.Equal(t, "name", transformed.Fields[0].Name)
	assert.Equal(t, []byte("test"), transformed.Fields[0].Value)
	assert.Equal(t, []byte{0xde, 0xad}, transformed.Fields[1].Value)

	v, ok := transformed.Get("result")
	require.True(t, ok)
	assert.Equal(t, []byte("Hello World, test!"), v)

	// Re-encoding without the Set reproduces the input exactly.
	clean, err := Decode(original)
	require.NoError(t, err)
	assert.Equal(t, original, clean.Encode())
}

func TestSetReplacesInPlace(t *testing.T) {
	rec := Record{Fields: []Field{
		{Name: "a", Value: []byte("1")},
		{Name: "b", Value: []byte("2")},
	}}
	rec.Set("a", []byte("changed"))

	assert.Len(t, rec.Fields, 2)
	assert.Equal(t, []byte("changed"), rec.Fields[0].Value)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cases := map[string][]byte{
		"truncated tag":     {0x0a},
		"wrong wire type":   {0x08, 0x01},
		"truncated payload": {0x0a, 0x10, 0x00},
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			err := Validate(data)
			require.Error(t, err)
			assert.True(t, bridgeerrors.IsKind(err, bridgeerrors.KindSerialization),
				"want serialization kind, got %v", err)
		})
	}
}

func TestDecodeEmpty(t *testing.T) {
	b, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, b.Records)
}
