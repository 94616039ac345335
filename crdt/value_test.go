// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueEqual(t *testing.T) {
	a := Map(map[string]Value{
		"on":    Bool(true),
		"count": Number(3),
		"tags":  List(String("x"), String("y")),
		"meta":  Null(),
	})
	b := Map(map[string]Value{
		"count": Number(3),
		"on":    Bool(true),
		"meta":  Null(),
		"tags":  List(String("x"), String("y")),
	})
	assert.True(t, a.Equal(b), "key order must not matter")

	assert.False(t, a.Equal(Map(map[string]Value{"on": Bool(true)})))
	assert.False(t, Bool(false).Equal(Null()))
	assert.False(t, Number(1).Equal(String("1")))
	assert.False(t, List(String("x")).Equal(List(String("x"), String("x"))))
}

func TestValueCloneIsIndependent(t *testing.T) {
	inner := map[string]Value{"on": Bool(false)}
	original := Map(map[string]Value{"state": Map(inner)})

	clone := original.Clone()
	require.True(t, original.Equal(clone))

	// Mutating the map the original was built from must not leak into the
	// clone.
	inner["on"] = Bool(true)
	state, ok := clone.Field("state")
	require.True(t, ok)
	on, ok := state.Field("on")
	require.True(t, ok)
	assert.False(t, on.Bool())
}

func TestValueJSONRoundTrip(t *testing.T) {
	raw := []byte(`{"cursor":{"x":10.5,"y":-2},"visitors":["amy","bo"],"open":true,"note":null}`)

	var v Value
	require.NoError(t, json.Unmarshal(raw, &v))
	require.Equal(t, KindMap, v.Kind())

	cursor, ok := v.Field("cursor")
	require.True(t, ok)
	x, ok := cursor.Field("x")
	require.True(t, ok)
	assert.Equal(t, 10.5, x.Number())

	visitors, ok := v.Field("visitors")
	require.True(t, ok)
	require.Equal(t, 2, visitors.Len())
	assert.Equal(t, "amy", visitors.Index(0).Str())

	encoded, err := json.Marshal(v)
	require.NoError(t, err)

	var again Value
	require.NoError(t, json.Unmarshal(encoded, &again))
	assert.True(t, v.Equal(again))
}

func TestValueZeroIsNull(t *testing.T) {
	var v Value
	assert.True(t, v.IsNull())

	encoded, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, "null", string(encoded))
}

func TestEmptyContainersMarshal(t *testing.T) {
	encoded, err := json.Marshal(List())
	require.NoError(t, err)
	assert.Equal(t, "[]", string(encoded))

	encoded, err = json.Marshal(Map(nil))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(encoded))
}

func TestFromInterface(t *testing.T) {
	v, err := FromInterface(map[string]interface{}{
		"n":    float64(2),
		"i":    42,
		"s":    "hi",
		"list": []interface{}{nil, true},
	})
	require.NoError(t, err)

	n, _ := v.Field("n")
	assert.Equal(t, float64(2), n.Number())
	i, _ := v.Field("i")
	assert.Equal(t, float64(42), i.Number())
	list, _ := v.Field("list")
	assert.True(t, list.Index(0).IsNull())
	assert.True(t, list.Index(1).Bool())

	_, err = FromInterface(struct{}{})
	assert.Error(t, err, "non-JSON shapes must be rejected")
}

func TestValueInterfaceMatchesEncodingJSON(t *testing.T) {
	raw := []byte(`{"a":[1,"two",false],"b":{"c":null}}`)

	var viaValue Value
	require.NoError(t, json.Unmarshal(raw, &viaValue))

	var viaStdlib interface{}
	require.NoError(t, json.Unmarshal(raw, &viaStdlib))

	assert.Equal(t, viaStdlib, viaValue.Interface())
}
