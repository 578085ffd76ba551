package canonical

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDumps_SortsKeys(t *testing.T) {
	out, err := Dumps(map[string]interface{}{"b": 1, "a": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, out)
}

func TestDumps_NestedSort(t *testing.T) {
	out, err := Dumps(map[string]interface{}{
		"z": map[string]interface{}{"y": 1, "x": []interface{}{"b", "a"}},
		"a": true,
	})
	require.NoError(t, err)
	// Arrays preserve insertion order, objects sort recursively.
	assert.Equal(t, `{"a":true,"z":{"x":["b","a"],"y":1}}`, out)
}

func TestDumps_IntFloatDistinct(t *testing.T) {
	asInt, err := Dumps(map[string]interface{}{"n": 1})
	require.NoError(t, err)
	asFloat, err := Dumps(map[string]interface{}{"n": 1.0})
	require.NoError(t, err)
	assert.NotEqual(t, asInt, asFloat)
	assert.Equal(t, `{"n":1}`, asInt)
	assert.Equal(t, `{"n":1.0}`, asFloat)
}

func TestDumps_JSONNumberKeepsForm(t *testing.T) {
	v, err := Decode([]byte(`{"a":1,"b":1.0,"c":2.5e3}`))
	require.NoError(t, err)
	out, err := Dumps(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":1.0,"c":2500.0}`, out)
}

func TestDumps_RejectsNaNInf(t *testing.T) {
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := Dumps(map[string]interface{}{"x": bad})
		require.Error(t, err)
		var ve *ValueError
		assert.ErrorAs(t, err, &ve)
		assert.Equal(t, "$.x", ve.Path)
	}
}

func TestDumps_RejectsUnsupportedTypes(t *testing.T) {
	_, err := Dumps(map[string]interface{}{"x": []byte("raw")})
	require.Error(t, err)
	var te *TypeError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "$.x", te.Path)

	_, err = Dumps(map[string]interface{}{"nested": []interface{}{struct{}{}}})
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "$.nested[0]", te.Path)
}

func TestDumps_PreservesNonASCII(t *testing.T) {
	out, err := Dumps(map[string]interface{}{"name": "café ☕"})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"café ☕"}`, out)
}

func TestDumps_EscapesControlChars(t *testing.T) {
	out, err := Dumps("line1\nline2\ttab\x01")
	require.NoError(t, err)
	assert.Equal(t, `"line1\nline2\ttab\u0001"`, out)
	// Output must still be valid JSON.
	var back string
	require.NoError(t, json.Unmarshal([]byte(out), &back))
	assert.Equal(t, "line1\nline2\ttab\x01", back)
}

func TestHash_DeterministicAcrossKeyOrder(t *testing.T) {
	m1, err := Decode([]byte(`{"module":{"id":"crm","name":"CRM"},"entities":[]}`))
	require.NoError(t, err)
	m2, err := Decode([]byte(`{"entities":[],"module":{"name":"CRM","id":"crm"}}`))
	require.NoError(t, err)

	h1, err := Hash(m1)
	require.NoError(t, err)
	h2, err := Hash(m2)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.True(t, strings.HasPrefix(h1, "sha256:"))
	assert.Len(t, h1, len("sha256:")+64)
}

func TestHash_DiffersOnContent(t *testing.T) {
	h1, err := Hash(map[string]interface{}{"v": 1})
	require.NoError(t, err)
	h2, err := Hash(map[string]interface{}{"v": 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
