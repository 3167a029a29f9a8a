// Package reading defines the canonical telemetry value model: a closed
// Value sum type, the Reading record, and the Snapshot map that one poll
// cycle produces.
package reading

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Synthetic reading ids injected by the cloud fetch path.
const (
	DeviceOnlineID = "device_online"
	LastUpdateID   = "last_update"
)

// Kind discriminates the variants of Value.
type Kind int

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindText
	KindBool
)

// Value is a closed sum type for a telemetry value. The zero Value is Null.
// Coercion from raw source text never fails; unparseable input degrades to
// the Text variant with the original string preserved verbatim.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    bool
}

func Null() Value { return Value{} }

func Int(i int64) Value { return Value{kind: KindInt, i: i} }

func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

func Text(s string) Value { return Value{kind: KindText, s: s} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

// Int64 returns the integer value. Only the Int kind reports ok.
func (v Value) Int64() (int64, bool) {
	if v.kind == KindInt {
		return v.i, true
	}
	return 0, false
}

// Float64 returns a numeric value as float64 for either numeric kind.
func (v Value) Float64() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

// Text returns the string value. Only the Text kind reports ok.
func (v Value) Text() (string, bool) {
	if v.kind == KindText {
		return v.s, true
	}
	return "", false
}

// Bool returns the boolean value. Only the Bool kind reports ok.
func (v Value) Bool() (bool, bool) {
	if v.kind == KindBool {
		return v.b, true
	}
	return false, false
}

// Native returns the value as a plain Go value (nil, int64, float64,
// string, or bool) for event payloads and Lua conversion.
func (v Value) Native() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindText:
		return v.s
	case KindBool:
		return v.b
	default:
		return nil
	}
}

// Equal reports whether two values have the same kind and content.
// Int(1) and Float(1.0) are not equal: the kind is part of the identity.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindText:
		return v.s == o.s
	case KindBool:
		return v.b == o.b
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindText:
		return v.s
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return "null"
	}
}

// MarshalJSON emits the native JSON form of each variant.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(v.f)
	case KindText:
		return json.Marshal(v.s)
	case KindBool:
		return json.Marshal(v.b)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON restores a Value from its native JSON form. Numbers keep
// the lexical int/float distinction.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	*v = CoerceJSON(raw)
	return nil
}

// Reading is one named telemetry value with an optional physical unit.
type Reading struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value Value  `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

// Snapshot is the complete set of current readings, keyed by canonical id.
// A successful poll cycle replaces it wholesale; there is no partial merge.
type Snapshot map[string]Reading

// Clone returns an independent copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for id, r := range s {
		out[id] = r
	}
	return out
}
