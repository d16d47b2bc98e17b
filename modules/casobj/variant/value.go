// SPDX-License-Identifier: Apache-2.0

// Package variant implements the self-describing semi-structured value
// format used to store an object's routing metadata as a (metadata, value)
// byte pair, plus the commit-field shredder and LFS pointer parser that
// classify a payload before it is framed into a column row.
package variant

import "time"

// Kind tags the case of a Value's tagged union.
type Kind byte

const (
	KindNull Kind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindFloat64
	KindTimestamp
	KindString
	KindBytes
	KindArray
	KindObject
)

// Value is the in-memory form of a variant: exactly one of its fields is
// meaningful, selected by Kind. Integers are always constructed via Int()
// as KindInt64 and the encoder picks the narrowest representable width
// (i8/i16/i32/i64) on the wire; Decode returns every integer as KindInt64
// whatever width it was stored in, so an integer round-trips unchanged.
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Float  float64
	Time   time.Time
	Str    string
	Bytes  []byte
	Array  []Value
	Object map[string]Value
}

func Null() Value                 { return Value{Kind: KindNull} }
func Bool(b bool) Value           { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value           { return Value{Kind: KindInt64, Int: i} }
func Float(f float64) Value       { return Value{Kind: KindFloat64, Float: f} }
func Timestamp(t time.Time) Value { return Value{Kind: KindTimestamp, Time: t.UTC()} }
func String(s string) Value       { return Value{Kind: KindString, Str: s} }
func Bytes(b []byte) Value        { return Value{Kind: KindBytes, Bytes: b} }
func Array(vs ...Value) Value     { return Value{Kind: KindArray, Array: vs} }
func Object(m map[string]Value) Value {
	return Value{Kind: KindObject, Object: m}
}

// Equal compares two Values for structural equality, used by round-trip
// tests. Timestamps compare by UnixMilli since the wire format truncates to
// millisecond precision.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return a.Int == b.Int
	case KindFloat64:
		return a.Float == b.Float
	case KindTimestamp:
		return a.Time.UnixMilli() == b.Time.UnixMilli()
	case KindString:
		return a.Str == b.Str
	case KindBytes:
		if len(a.Bytes) != len(b.Bytes) {
			return false
		}
		for i := range a.Bytes {
			if a.Bytes[i] != b.Bytes[i] {
				return false
			}
		}
		return true
	case KindArray:
		if len(a.Array) != len(b.Array) {
			return false
		}
		for i := range a.Array {
			if !Equal(a.Array[i], b.Array[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.Object) != len(b.Object) {
			return false
		}
		for k, av := range a.Object {
			bv, ok := b.Object[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}
