// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind enumerates the variants a Value can hold. The zero Kind is Null so
// that the zero Value is usable.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Value is a JSON-compatible tagged variant. Element values written by
// clients are arbitrary nested plain data, so everything the bridge and the
// document store below the elementId level is one of these. Values are
// treated as immutable once constructed; "mutation" builds a new Value that
// shares any unchanged branches with the old one.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	l    []Value
	m    map[string]Value
}

func Null() Value                 { return Value{kind: KindNull} }
func Bool(b bool) Value           { return Value{kind: KindBool, b: b} }
func Number(n float64) Value      { return Value{kind: KindNumber, n: n} }
func String(s string) Value       { return Value{kind: KindString, s: s} }
func List(items ...Value) Value   { return Value{kind: KindList, l: items} }
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }
func (v Value) Bool() bool      { return v.b }
func (v Value) Number() float64 { return v.n }
func (v Value) Str() string     { return v.s }

// Len returns the number of entries for lists and maps, zero otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.l)
	case KindMap:
		return len(v.m)
	default:
		return 0
	}
}

// Index returns the list element at i. Only valid for KindList.
func (v Value) Index(i int) Value { return v.l[i] }

// Field returns the map entry for key, with ok reporting presence.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	f, ok := v.m[key]
	return f, ok
}

// Keys returns the map keys in sorted order, for deterministic iteration.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports deep JSON equality between two values.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.l) != len(o.l) {
			return false
		}
		for i := range v.l {
			if !v.l[i].Equal(o.l[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, vv := range v.m {
			ov, ok := o.m[k]
			if !ok || !vv.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// Clone returns a deep copy that shares nothing with the receiver.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		l := make([]Value, len(v.l))
		for i := range v.l {
			l[i] = v.l[i].Clone()
		}
		return Value{kind: KindList, l: l}
	case KindMap:
		m := make(map[string]Value, len(v.m))
		for k, vv := range v.m {
			m[k] = vv.Clone()
		}
		return Value{kind: KindMap, m: m}
	default:
		return v
	}
}

// Interface converts the value back to plain Go data, the same shapes
// encoding/json produces: nil, bool, float64, string, []interface{} and
// map[string]interface{}.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		l := make([]interface{}, len(v.l))
		for i := range v.l {
			l[i] = v.l[i].Interface()
		}
		return l
	case KindMap:
		m := make(map[string]interface{}, len(v.m))
		for k, vv := range v.m {
			m[k] = vv.Interface()
		}
		return m
	default:
		return nil
	}
}

// FromInterface converts plain Go data into a Value. Accepts the shapes
// encoding/json produces plus the integer types tests tend to write.
func FromInterface(in interface{}) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case []interface{}:
		l := make([]Value, len(t))
		for i := range t {
			v, err := FromInterface(t[i])
			if err != nil {
				return Value{}, err
			}
			l[i] = v
		}
		return Value{kind: KindList, l: l}, nil
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, raw := range t {
			v, err := FromInterface(raw)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Value{kind: KindMap, m: m}, nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", in)
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindList:
		if v.l == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.l)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	}
	return nil, fmt.Errorf("unsupported value kind %s", v.kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromInterface(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
