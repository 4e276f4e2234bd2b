package canonical

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind identifies which variant a Value holds
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// String returns the name of the kind
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
		return "invalid"
	}
}

// IsScalar reports whether the kind has no children
func (k Kind) IsScalar() bool {
	return k != KindList && k != KindMap
}

// Field is one entry of a map value. Maps keep insertion order; the
// canonical encoding sorts them.
type Field struct {
	Key   string
	Value Value
}

// Value is a tagged JSON-like value: null, bool, number, string,
// ordered list or ordered map. The zero Value is null.
type Value struct {
	kind   Kind
	b      bool
	num    decimal.Decimal
	str    string
	list   []Value
	fields []Field
}

// Null returns the null value
func Null() Value {
	return Value{}
}

// Bool wraps a boolean
func Bool(b bool) Value {
	return Value{kind: KindBool, b: b}
}

// Number wraps an exact decimal
func Number(d decimal.Decimal) Value {
	return Value{kind: KindNumber, num: d}
}

// Int wraps an integer
func Int(i int64) Value {
	return Number(decimal.NewFromInt(i))
}

// String wraps a string. Invalid UTF-8 sequences are replaced with U+FFFD
// so that equal Values always encode to equal bytes.
func String(s string) Value {
	return Value{kind: KindString, str: strings.ToValidUTF8(s, "\uFFFD")}
}

// List builds an ordered list
func List(items ...Value) Value {
	l := make([]Value, len(items))
	copy(l, items)
	return Value{kind: KindList, list: l}
}

// Map builds an ordered map. A repeated key replaces the earlier entry.
func Map(fields ...Field) Value {
	m := Value{kind: KindMap, fields: make([]Field, 0, len(fields))}
	pos := make(map[string]int, len(fields))
	for _, f := range fields {
		key := strings.ToValidUTF8(f.Key, "\uFFFD")
		if i, ok := pos[key]; ok {
			m.fields[i].Value = f.Value
			continue
		}
		pos[key] = len(m.fields)
		m.fields = append(m.fields, Field{Key: key, Value: f.Value})
	}
	return m
}

// F is shorthand for building a map Field
func F(key string, v Value) Field {
	return Field{Key: key, Value: v}
}

// Kind returns the variant of the value
func (v Value) Kind() Kind {
	return v.kind
}

// IsNull reports whether the value is null
func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// AsBool returns the boolean and whether the value is a bool
func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// AsNumber returns the decimal and whether the value is a number
func (v Value) AsNumber() (decimal.Decimal, bool) {
	return v.num, v.kind == KindNumber
}

// AsString returns the string and whether the value is a string
func (v Value) AsString() (string, bool) {
	return v.str, v.kind == KindString
}

// Len returns the number of list items or map fields
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindMap:
		return len(v.fields)
	default:
		return 0
	}
}

// Items returns a copy of the list items, or nil for non-lists
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	out := make([]Value, len(v.list))
	copy(out, v.list)
	return out
}

// Fields returns a copy of the map fields in insertion order
func (v Value) Fields() []Field {
	if v.kind != KindMap {
		return nil
	}
	out := make([]Field, len(v.fields))
	copy(out, v.fields)
	return out
}

// Keys returns the map keys sorted by code point
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	keys := make([]string, len(v.fields))
	for i, f := range v.fields {
		keys[i] = f.Key
	}
	sort.Strings(keys)
	return keys
}

// Get looks up a map field
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	for _, f := range v.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// With returns a copy of the map with key set to val. Non-map values are
// treated as an empty map.
func (v Value) With(key string, val Value) Value {
	key = strings.ToValidUTF8(key, "\uFFFD")
	out := Value{kind: KindMap}
	if v.kind == KindMap {
		out.fields = make([]Field, 0, len(v.fields)+1)
		out.fields = append(out.fields, v.fields...)
	}
	for i := range out.fields {
		if out.fields[i].Key == key {
			out.fields[i].Value = val
			return out
		}
	}
	out.fields = append(out.fields, Field{Key: key, Value: val})
	return out
}

// Without returns a copy of the map with key removed
func (v Value) Without(key string) Value {
	if v.kind != KindMap {
		return v
	}
	out := Value{kind: KindMap, fields: make([]Field, 0, len(v.fields))}
	for _, f := range v.fields {
		if f.Key != key {
			out.fields = append(out.fields, f)
		}
	}
	return out
}

// Equal reports structural and value equality under the canonical rules
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindNumber:
		return v.num.Equal(other.num)
	case KindString:
		return v.str == other.str
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.fields) != len(other.fields) {
			return false
		}
		for _, f := range v.fields {
			o, ok := other.Get(f.Key)
			if !ok || !f.Value.Equal(o) {
				return false
			}
		}
		return true
	}
	return false
}

// Interface converts the value to plain Go types for display:
// nil, bool, json-compatible number string, string, []any, map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return NumberLiteral(v.num.String())
	case KindString:
		return v.str
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.fields))
		for _, f := range v.fields {
			out[f.Key] = f.Value.Interface()
		}
		return out
	default:
		return nil
	}
}

// NumberLiteral is the exact decimal text of a number
type NumberLiteral string

// MarshalJSON emits the literal unquoted
func (n NumberLiteral) MarshalJSON() ([]byte, error) {
	return []byte(n), nil
}
