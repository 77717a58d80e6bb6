package capture

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ValueType is the closed set of attribute value types.
type ValueType string

const (
	TypeString ValueType = "string"
	TypeNumber ValueType = "number"
	TypeEnum   ValueType = "enum"
	TypeDate   ValueType = "date"
)

// ParseValueType parses a schema type name.
func ParseValueType(s string) (ValueType, error) {
	switch t := ValueType(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeString, TypeNumber, TypeEnum, TypeDate:
		return t, nil
	default:
		return "", fmt.Errorf("unknown value type %q", s)
	}
}

// Value is one attribute value. The zero Value is an empty string.
type Value struct {
	typ ValueType
	str string
	num float64
	at  time.Time
}

// String returns a string value.
func String(s string) Value { return Value{typ: TypeString, str: s} }

// Enum returns an enum value. Allowed members are checked by the schema.
func Enum(s string) Value { return Value{typ: TypeEnum, str: s} }

// Number returns a numeric value.
func Number(f float64) Value { return Value{typ: TypeNumber, num: f} }

// Date returns a date value normalized to UTC.
func Date(t time.Time) Value { return Value{typ: TypeDate, at: t.UTC()} }

// Type returns the value type.
func (v Value) Type() ValueType {
	if v.typ == "" {
		return TypeString
	}
	return v.typ
}

// Str returns the string or enum payload.
func (v Value) Str() string { return v.str }

// Num returns the numeric payload.
func (v Value) Num() float64 { return v.num }

// Time returns the date payload.
func (v Value) Time() time.Time { return v.at }

// Key is the canonical text form. Indexes use it as the posting-list term.
func (v Value) Key() string {
	switch v.Type() {
	case TypeNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case TypeDate:
		return v.at.Format(time.RFC3339Nano)
	default:
		return v.str
	}
}

// String implements fmt.Stringer.
func (v Value) String() string { return v.Key() }

// Ordinal is a value's position for range comparison. Numbers set Num;
// dates set Sec and Nsec so instants nanoseconds apart stay distinct. It is
// comparable and usable as a map key.
type Ordinal struct {
	Num  float64
	Sec  int64
	Nsec int64
}

// Compare returns -1, 0 or +1 as o sorts before, with or after p.
func (o Ordinal) Compare(p Ordinal) int {
	if c := cmp.Compare(o.Num, p.Num); c != 0 {
		return c
	}
	if c := cmp.Compare(o.Sec, p.Sec); c != 0 {
		return c
	}
	return cmp.Compare(o.Nsec, p.Nsec)
}

// Ordinal returns the range position of v. Only numbers and dates are ordered.
func (v Value) Ordinal() (Ordinal, bool) {
	switch v.Type() {
	case TypeNumber:
		return Ordinal{Num: v.num}, true
	case TypeDate:
		return Ordinal{Sec: v.at.Unix(), Nsec: int64(v.at.Nanosecond())}, true
	default:
		return Ordinal{}, false
	}
}

// Equal compares type and payload. String and enum values with the same text are equal.
func (v Value) Equal(o Value) bool {
	if v.textual() && o.textual() {
		return v.str == o.str
	}
	if v.Type() != o.Type() {
		return false
	}
	switch v.Type() {
	case TypeNumber:
		return v.num == o.num
	case TypeDate:
		return v.at.Equal(o.at)
	}
	return false
}

func (v Value) textual() bool {
	t := v.Type()
	return t == TypeString || t == TypeEnum
}

// ParseValue converts raw text into a value of type t.
// Dates accept RFC 3339 or YYYY-MM-DD.
func ParseValue(t ValueType, raw string) (Value, error) {
	raw = strings.TrimSpace(raw)
	switch t {
	case TypeString, "":
		return String(raw), nil
	case TypeEnum:
		return Enum(raw), nil
	case TypeNumber:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return Value{}, fmt.Errorf("%q is not a number", raw)
		}
		return Number(f), nil
	case TypeDate:
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return Date(ts), nil
		}
		if ts, err := time.Parse(time.DateOnly, raw); err == nil {
			return Date(ts), nil
		}
		return Value{}, fmt.Errorf("%q is not a date (want RFC 3339 or YYYY-MM-DD)", raw)
	default:
		return Value{}, fmt.Errorf("unknown value type %q", t)
	}
}

type wireValue struct {
	Type  ValueType       `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes {"type": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.Type() {
	case TypeNumber:
		payload = v.num
	case TypeDate:
		payload = v.at.Format(time.RFC3339Nano)
	default:
		payload = v.str
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Type: v.Type(), Value: raw})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case TypeNumber:
		var f float64
		if err := json.Unmarshal(w.Value, &f); err != nil {
			return err
		}
		*v = Number(f)
	case TypeDate:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return err
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		*v = Date(ts)
	case TypeString, TypeEnum, "":
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return err
		}
		*v = Value{typ: w.Type, str: s}
	default:
		return fmt.Errorf("unknown value type %q", w.Type)
	}
	return nil
}

// Attributes maps attribute names to one or more values.
type Attributes map[string][]Value

// Clone returns a deep copy.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, vs := range a {
		out[k] = append([]Value(nil), vs...)
	}
	return out
}

// Has reports whether name carries at least one value equal to v.
func (a Attributes) Has(name string, v Value) bool {
	for _, x := range a[name] {
		if x.Equal(v) {
			return true
		}
	}
	return false
}

// Add appends v under name unless an equal value is already present.
func (a Attributes) Add(name string, v Value) {
	if !a.Has(name, v) {
		a[name] = append(a[name], v)
	}
}

// Strings is a convenience for building string-valued attributes.
func Strings(vals ...string) []Value {
	out := make([]Value, len(vals))
	for i, s := range vals {
		out[i] = String(s)
	}
	return out
}
