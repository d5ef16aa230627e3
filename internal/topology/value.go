package topology

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Kind identifies which member of a Value is populated.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a typed property literal. Exactly one member is meaningful,
// selected by Kind.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	m    Properties
}

func StringValue(s string) Value { return Value{kind: KindString, str: s} }

func NumberValue(n float64) Value { return Value{kind: KindNumber, num: n} }

func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

func MapValue(m Properties) Value { return Value{kind: KindMap, m: m} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) AsMap() (Properties, bool) { return v.m, v.kind == KindMap }

// String renders the value the way it would appear as a plain scalar.
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindMap:
		b, _ := json.Marshal(v.m)
		return string(b)
	default:
		return v.str
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	default:
		return json.Marshal(v.str)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	nv, err := valueOf(raw)
	if err != nil {
		return err
	}
	*v = nv
	return nil
}

func valueOf(raw any) (Value, error) {
	switch t := raw.(type) {
	case string:
		return StringValue(t), nil
	case float64:
		return NumberValue(t), nil
	case bool:
		return BoolValue(t), nil
	case map[string]any:
		p := make(Properties, len(t))
		for k, e := range t {
			ev, err := valueOf(e)
			if err != nil {
				return Value{}, fmt.Errorf("property %q: %w", k, err)
			}
			p[k] = ev
		}
		return MapValue(p), nil
	default:
		return Value{}, fmt.Errorf("unsupported property literal %T", raw)
	}
}

// Properties is the typed key/value bag attached to a runner.
type Properties map[string]Value

// String returns the string property key, or def when absent or not a string.
// Numbers and booleans are not coerced.
func (p Properties) String(key, def string) string {
	if v, ok := p[key]; ok {
		if s, ok := v.AsString(); ok {
			return s
		}
	}
	return def
}

func (p Properties) Number(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		if n, ok := v.AsNumber(); ok {
			return n
		}
	}
	return def
}

// Bool accepts a boolean literal or the strings "true"/"false".
func (p Properties) Bool(key string, def bool) bool {
	v, ok := p[key]
	if !ok {
		return def
	}
	if b, ok := v.AsBool(); ok {
		return b
	}
	if s, ok := v.AsString(); ok {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return def
}

func (p Properties) Map(key string) Properties {
	if v, ok := p[key]; ok {
		if m, ok := v.AsMap(); ok {
			return m
		}
	}
	return nil
}

// Keys returns the property names in sorted order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone deep-copies nested maps.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		if m, ok := v.AsMap(); ok {
			out[k] = MapValue(m.Clone())
			continue
		}
		out[k] = v
	}
	return out
}
