package audit

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Kind tags a Value. The zero Kind means "absent", distinct from an
// explicit JSON null, so optional payload fields can be omitted entirely.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindArray
	KindMap
)

// Value is a tagged recursive representation of arbitrary structured payload
// data (previous/new values, metadata). It replaces untyped blobs so shape
// can be validated at the boundary while tolerating schema drift across
// event types.
type Value struct {
	kind Kind
	b    bool
	num  float64
	str  string
	arr  []Value
	obj  map[string]Value
}

// Null returns an explicit JSON null value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float64. JSON numbers always decode to this.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Array wraps an ordered list of values.
func Array(items ...Value) Value { return Value{kind: KindArray, arr: items} }

// Map wraps a string-keyed object. The input map is not copied.
func Map(fields map[string]Value) Value { return Value{kind: KindMap, obj: fields} }

// Kind returns the tag of this value.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether the value is absent. Used by the json omitzero
// option on optional payload fields.
func (v Value) IsZero() bool { return v.kind == KindAbsent }

// BoolVal returns the wrapped bool, or false for non-bool values.
func (v Value) BoolVal() bool { return v.b }

// NumberVal returns the wrapped number, or 0 for non-number values.
func (v Value) NumberVal() float64 { return v.num }

// StringVal returns the wrapped string, or "" for non-string values.
func (v Value) StringVal() string { return v.str }

// Items returns the wrapped array, or nil for non-array values.
func (v Value) Items() []Value { return v.arr }

// Field returns the named map entry. The second result is false when the
// value is not a map or the key is missing.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	f, ok := v.obj[key]
	return f, ok
}

// Len returns the element count for arrays and maps, 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindMap:
		return len(v.obj)
	}
	return 0
}

// Equal performs a deep structural comparison.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindAbsent, KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindNumber:
		return v.num == other.num
	case KindString:
		return v.str == other.str
	case KindArray:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.obj) != len(other.obj) {
			return false
		}
		for k, f := range v.obj {
			of, ok := other.obj[k]
			if !ok || !f.Equal(of) {
				return false
			}
		}
		return true
	}
	return false
}

// MarshalJSON writes the untagged JSON form. Absent values encode as null;
// callers wanting true omission use the omitzero struct tag.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindAbsent, KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, fmt.Errorf("audit value: cannot encode non-finite number")
		}
		return json.Marshal(v.num)
	case KindString:
		return json.Marshal(v.str)
	case KindArray:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arr)
	case KindMap:
		// Emit keys in sorted order so the serialization is canonical and
		// the integrity hash is stable across encode cycles.
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := json.Marshal(v.obj[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = append(buf, vb...)
		}
		return append(buf, '}'), nil
	}
	return nil, fmt.Errorf("audit value: unknown kind %d", v.kind)
}

// UnmarshalJSON decodes arbitrary JSON into the tagged form.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromAny converts the result of a generic json.Unmarshal (nil, bool,
// float64, string, []any, map[string]any) into a Value. Unsupported Go
// types are rejected rather than coerced.
func FromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case string:
		return String(t), nil
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Array(items...), nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			fields[k] = v
		}
		return Map(fields), nil
	}
	return Value{}, fmt.Errorf("audit value: unsupported type %T", raw)
}
