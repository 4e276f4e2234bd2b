package canonical

import (
	"bytes"
	"sort"
	"unicode/utf8"
)

// EncodingVersion names the escaping and number rules implemented by
// Canonicalize. Changing any rule requires a new version.
const EncodingVersion = "kirjuri-cjson-v1"

const hexDigits = "0123456789abcdef"

// Canonicalize encodes v deterministically:
//   - map keys sorted by Unicode code point, no insignificant whitespace
//   - numbers in their shortest exact decimal form (1.50 -> 1.5, 1e3 -> 1000)
//   - lists in input order
//   - strings escaped per EncodingVersion
func Canonicalize(v Value) []byte {
	var buf bytes.Buffer
	writeValue(&buf, v)
	return buf.Bytes()
}

func writeValue(buf *bytes.Buffer, v Value) {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		buf.WriteString(v.num.String())
	case KindString:
		writeString(buf, v.str)
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeValue(buf, item)
		}
		buf.WriteByte(']')
	case KindMap:
		fields := make([]Field, len(v.fields))
		copy(fields, v.fields)
		// byte order of valid UTF-8 equals code point order
		sort.Slice(fields, func(i, j int) bool {
			return fields[i].Key < fields[j].Key
		})
		buf.WriteByte('{')
		for i, f := range fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, f.Key)
			buf.WriteByte(':')
			writeValue(buf, f.Value)
		}
		buf.WriteByte('}')
	}
}

// writeString escapes only what JSON requires: quote, backslash and
// control characters below U+0020. Everything else is emitted as raw UTF-8.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c >= utf8.RuneSelf {
			r, size := utf8.DecodeRuneInString(s[i:])
			buf.WriteRune(r)
			i += size
			continue
		}
		switch c {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if c < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[c>>4])
				buf.WriteByte(hexDigits[c&0xf])
			} else {
				buf.WriteByte(c)
			}
		}
		i++
	}
	buf.WriteByte('"')
}

// MarshalJSON emits the canonical encoding
func (v Value) MarshalJSON() ([]byte, error) {
	return Canonicalize(v), nil
}

// UnmarshalJSON parses any JSON document into a Value
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
