package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ValueKind tags the concrete shape held by a Value.
type ValueKind string

const (
	ValueKindNull   ValueKind = "null"
	ValueKindString ValueKind = "string"
	ValueKindNumber ValueKind = "number"
	ValueKindBool   ValueKind = "bool"
	ValueKindList   ValueKind = "list"
)

var ErrUnsupportedValue = errors.New("unsupported value shape")

// Value is a tagged scalar-or-list used for entity fields and request data.
// Nested objects are not representable; conditions only address flat fields.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	List []Value
}

func String(s string) Value { return Value{Kind: ValueKindString, Str: s} }

func Number(f float64) Value { return Value{Kind: ValueKindNumber, Num: f} }

func Bool(b bool) Value { return Value{Kind: ValueKindBool, Bool: b} }

func List(items ...Value) Value { return Value{Kind: ValueKindList, List: items} }

func Null() Value { return Value{Kind: ValueKindNull} }

func (v Value) IsNull() bool { return v.Kind == "" || v.Kind == ValueKindNull }

func (v Value) AsNumber() (float64, bool) {
	if v.Kind != ValueKindNumber {
		return 0, false
	}

	return v.Num, true
}

func (v Value) AsString() (string, bool) {
	if v.Kind != ValueKindString {
		return "", false
	}

	return v.Str, true
}

// Equal compares kind and content. Numbers compare exactly.
func (v Value) Equal(o Value) bool {
	if v.IsNull() && o.IsNull() {
		return true
	}

	if v.Kind != o.Kind {
		return false
	}

	switch v.Kind {
	case ValueKindString:
		return v.Str == o.Str
	case ValueKindNumber:
		return v.Num == o.Num
	case ValueKindBool:
		return v.Bool == o.Bool
	case ValueKindList:
		if len(v.List) != len(o.List) {
			return false
		}

		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}

		return true
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case ValueKindString:
		return v.Str
	case ValueKindNumber:
		if v.Num == math.Trunc(v.Num) && math.Abs(v.Num) < 1e15 {
			return fmt.Sprintf("%d", int64(v.Num))
		}

		return fmt.Sprintf("%g", v.Num)
	case ValueKindBool:
		return fmt.Sprintf("%t", v.Bool)
	case ValueKindList:
		b, _ := json.Marshal(v)

		return string(b)
	default:
		return ""
	}
}

func (v Value) Any() any {
	switch v.Kind {
	case ValueKindString:
		return v.Str
	case ValueKindNumber:
		return v.Num
	case ValueKindBool:
		return v.Bool
	case ValueKindList:
		out := make([]any, len(v.List))
		for i, item := range v.List {
			out[i] = item.Any()
		}

		return out
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return err
	}

	parsed, err := ValueOf(raw)
	if err != nil {
		return err
	}

	*v = parsed

	return nil
}

// ValueOf converts a decoded JSON/YAML scalar or list into a Value.
func ValueOf(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t, err)
		}

		return Number(f), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case []any:
		items := make([]Value, 0, len(t))

		for _, item := range t {
			parsed, err := ValueOf(item)
			if err != nil {
				return Value{}, err
			}

			items = append(items, parsed)
		}

		return List(items...), nil
	case []string:
		items := make([]Value, len(t))
		for i, s := range t {
			items[i] = String(s)
		}

		return List(items...), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, raw)
	}
}

// Payload is a flat record of named values.
type Payload map[string]Value

// PayloadOf converts a generic map; nested objects are rejected.
func PayloadOf(raw map[string]any) (Payload, error) {
	out := make(Payload, len(raw))

	for k, item := range raw {
		v, err := ValueOf(item)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}

		out[k] = v
	}

	return out, nil
}

// Merge returns a copy of p overlaid with other.
func (p Payload) Merge(other Payload) Payload {
	out := make(Payload, len(p)+len(other))
	for k, v := range p {
		out[k] = v
	}

	for k, v := range other {
		out[k] = v
	}

	return out
}
