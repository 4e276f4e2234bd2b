package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"reflect"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicateKey is returned when a JSON object repeats a key
	ErrDuplicateKey = errors.New("canonical: duplicate object key")
	// ErrUnsupportedNumber is returned for NaN and infinities
	ErrUnsupportedNumber = errors.New("canonical: NaN and Inf are not representable")
	// ErrTrailingData is returned when a document holds more than one value
	ErrTrailingData = errors.New("canonical: trailing data after value")
)

// Parse decodes a single JSON document. Numbers keep their exact decimal
// value and object key order is preserved until encoding.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, ErrTrailingData
	}
	return v, nil
}

// ParseReader decodes a single JSON document from r
func ParseReader(r io.Reader) (Value, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Value{}, err
	}
	return Parse(data)
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	return decodeToken(dec, tok)
}

func decodeToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return Value{}, fmt.Errorf("canonical: invalid number %q: %w", t, err)
		}
		return Number(d), nil
	case json.Delim:
		switch t {
		case '[':
			var items []Value
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Value{kind: KindList, list: items}, nil
		case '{':
			m := Value{kind: KindMap}
			seen := make(map[string]struct{})
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("canonical: object key is %T", keyTok)
				}
				if _, dup := seen[key]; dup {
					return Value{}, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
				}
				seen[key] = struct{}{}
				val, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				m.fields = append(m.fields, Field{Key: key, Value: val})
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return m, nil
		}
	}
	return Value{}, fmt.Errorf("canonical: unexpected token %v", tok)
}

// FromAny converts plain Go data into a Value. Known JSON-like types are
// converted directly; anything else goes through encoding/json first.
func FromAny(in any) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case *Value:
		if t == nil {
			return Null(), nil
		}
		return *t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return Value{}, fmt.Errorf("canonical: invalid number %q: %w", t, err)
		}
		return Number(d), nil
	case decimal.Decimal:
		return Number(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return fromUint(uint64(t)), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return fromUint(t), nil
	case float32:
		return fromFloat(float64(t), 32)
	case float64:
		return fromFloat(t, 64)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Value{kind: KindList, list: items}, nil
	case []Value:
		return List(t...), nil
	case []string:
		items := make([]Value, len(t))
		for i, s := range t {
			items[i] = String(s)
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]any:
		m := Value{kind: KindMap, fields: make([]Field, 0, len(t))}
		seen := make(map[string]struct{}, len(t))
		for k, item := range t {
			key, err := validKey(k, seen)
			if err != nil {
				return Value{}, err
			}
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			m.fields = append(m.fields, Field{Key: key, Value: v})
		}
		return m, nil
	case map[string]string:
		m := Value{kind: KindMap, fields: make([]Field, 0, len(t))}
		seen := make(map[string]struct{}, len(t))
		for k, s := range t {
			key, err := validKey(k, seen)
			if err != nil {
				return Value{}, err
			}
			m.fields = append(m.fields, Field{Key: key, Value: String(s)})
		}
		return m, nil
	}

	if rv := reflect.ValueOf(in); rv.Kind() == reflect.Ptr && rv.IsNil() {
		return Null(), nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		return Value{}, fmt.Errorf("canonical: cannot convert %T: %w", in, err)
	}
	return Parse(data)
}

// validKey repairs invalid UTF-8 in a map key. Two keys that repair to the
// same text would encode in map iteration order, so they are rejected.
func validKey(k string, seen map[string]struct{}) (string, error) {
	key := strings.ToValidUTF8(k, "\uFFFD")
	if _, dup := seen[key]; dup {
		return "", fmt.Errorf("%w: %q after UTF-8 repair", ErrDuplicateKey, key)
	}
	seen[key] = struct{}{}
	return key, nil
}

// MustFromAny is FromAny for literals known to be valid, such as test fixtures
func MustFromAny(in any) Value {
	v, err := FromAny(in)
	if err != nil {
		panic(err)
	}
	return v
}

func fromFloat(f float64, bits int) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, ErrUnsupportedNumber
	}
	if bits == 32 {
		return Number(decimal.NewFromFloat32(float32(f))), nil
	}
	return Number(decimal.NewFromFloat(f)), nil
}

func fromUint(u uint64) Value {
	return Number(decimal.NewFromBigInt(new(big.Int).SetUint64(u), 0))
}
