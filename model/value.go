package model

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindDouble
	KindString
	KindList
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a dynamically typed parameter value: the currency of status
// dictionaries and connection specifications.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	l    []Value
	d    Dict
}

// Dict maps parameter names to values.
type Dict map[string]Value

func Null() Value               { return Value{} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func Int(i int64) Value         { return Value{kind: KindInt, i: i} }
func Float(f float64) Value     { return Value{kind: KindDouble, f: f} }
func String(s string) Value     { return Value{kind: KindString, s: s} }
func List(vs ...Value) Value    { return Value{kind: KindList, l: vs} }
func DictValue(d Dict) Value    { return Value{kind: KindDict, d: d} }
func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }
func (v Value) IsNumeric() bool { return v.kind == KindInt || v.kind == KindDouble }
func (v Value) IsList() bool    { return v.kind == KindList }

func (v Value) typeErr(want string) error {
	return Errorf(KindDictError, "type mismatch: expected %s, got %s", want, v.kind)
}

// Floats builds a list of doubles.
func Floats(fs []float64) Value {
	l := make([]Value, len(fs))
	for i, f := range fs {
		l[i] = Float(f)
	}
	return List(l...)
}

// Ints builds a list of integers.
func Ints(is []int64) Value {
	l := make([]Value, len(is))
	for i, n := range is {
		l[i] = Int(n)
	}
	return List(l...)
}

// Strings builds a list of strings.
func Strings(ss []string) Value {
	l := make([]Value, len(ss))
	for i, s := range ss {
		l[i] = String(s)
	}
	return List(l...)
}

// NodeIDs builds a list of integer node ids.
func NodeIDs(ids []NodeID) Value {
	l := make([]Value, len(ids))
	for i, id := range ids {
		l[i] = Int(int64(id))
	}
	return List(l...)
}

func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, v.typeErr("bool")
	}
	return v.b, nil
}

// AsInt accepts integers and doubles holding an integral value.
func (v Value) AsInt() (int64, error) {
	switch v.kind {
	case KindInt:
		return v.i, nil
	case KindDouble:
		if v.f == math.Trunc(v.f) && math.Abs(v.f) < 1<<53 {
			return int64(v.f), nil
		}
	}
	return 0, v.typeErr("int")
}

// AsFloat accepts doubles and integers.
func (v Value) AsFloat() (float64, error) {
	switch v.kind {
	case KindDouble:
		return v.f, nil
	case KindInt:
		return float64(v.i), nil
	}
	return 0, v.typeErr("double")
}

func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", v.typeErr("string")
	}
	return v.s, nil
}

func (v Value) AsList() ([]Value, error) {
	if v.kind != KindList {
		return nil, v.typeErr("list")
	}
	return v.l, nil
}

func (v Value) AsDict() (Dict, error) {
	if v.kind != KindDict {
		return nil, v.typeErr("dict")
	}
	return v.d, nil
}

// AsFloats converts a list of numbers.
func (v Value) AsFloats() ([]float64, error) {
	l, err := v.AsList()
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(l))
	for i, e := range l {
		if out[i], err = e.AsFloat(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AsInts converts a list of integers.
func (v Value) AsInts() ([]int64, error) {
	l, err := v.AsList()
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(l))
	for i, e := range l {
		if out[i], err = e.AsInt(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Len is the number of elements of a list or dict, 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.l)
	case KindDict:
		return len(v.d)
	}
	return 0
}

// Interface returns the plain Go representation: bool, int64, float64,
// string, []any, map[string]any or nil.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindDouble:
		return v.f
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.l))
		for i, e := range v.l {
			out[i] = e.Interface()
		}
		return out
	case KindDict:
		return v.d.Interface()
	default:
		return nil
	}
}

// FromInterface converts decoded YAML/JSON data or plain Go values.
func FromInterface(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return Value{}, Errorf(KindDictError, "integer %d out of range", t)
		}
		return Int(int64(t)), nil
	case NodeID:
		return Int(int64(t)), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	case []float64:
		return Floats(t), nil
	case []int64:
		return Ints(t), nil
	case []string:
		return Strings(t), nil
	case []any:
		l := make([]Value, len(t))
		for i, e := range t {
			v, err := FromInterface(e)
			if err != nil {
				return Value{}, err
			}
			l[i] = v
		}
		return List(l...), nil
	case map[string]any:
		d, err := DictFromMap(t)
		if err != nil {
			return Value{}, err
		}
		return DictValue(d), nil
	case Dict:
		return DictValue(t), nil
	default:
		return Value{}, Errorf(KindDictError, "unsupported value type %T", x)
	}
}

// Equal compares two values structurally. Int and double compare equal
// when numerically equal.
func (v Value) Equal(o Value) bool {
	if v.IsNumeric() && o.IsNumeric() {
		a, _ := v.AsFloat()
		b, _ := o.AsFloat()
		return a == b
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
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
	case KindDict:
		return v.d.Equal(o.d)
	}
	return false
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprint(v.b)
	case KindInt:
		return fmt.Sprint(v.i)
	case KindDouble:
		return fmt.Sprint(v.f)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindList:
		parts := make([]string, len(v.l))
		for i, e := range v.l {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindDict:
		return v.d.String()
	}
	return "?"
}

// DictFromMap converts a map of plain Go values.
func DictFromMap(m map[string]any) (Dict, error) {
	d := make(Dict, len(m))
	for k, x := range m {
		v, err := FromInterface(x)
		if err != nil {
			return nil, Wrap(KindDictError, err, "key %q", k)
		}
		d[k] = v
	}
	return d, nil
}

// Keys returns the keys in sorted order.
func (d Dict) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone copies the top level of d.
func (d Dict) Clone() Dict {
	out := make(Dict, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge returns a copy of d overlaid with o.
func (d Dict) Merge(o Dict) Dict {
	out := d.Clone()
	for k, v := range o {
		out[k] = v
	}
	return out
}

func (d Dict) Equal(o Dict) bool {
	if len(d) != len(o) {
		return false
	}
	for k, v := range d {
		w, ok := o[k]
		if !ok || !v.Equal(w) {
			return false
		}
	}
	return true
}

func (d Dict) Interface() map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v.Interface()
	}
	return out
}

func (d Dict) String() string {
	keys := d.Keys()
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + d[k].String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Float reads key as a number. ok is false when the key is absent.
func (d Dict) Float(key string) (f float64, ok bool, err error) {
	v, ok := d[key]
	if !ok {
		return 0, false, nil
	}
	f, err = v.AsFloat()
	if err != nil {
		return 0, true, Wrap(KindDictError, err, "key %q", key)
	}
	return f, true, nil
}

// Int reads key as an integer. ok is false when the key is absent.
func (d Dict) Int(key string) (i int64, ok bool, err error) {
	v, ok := d[key]
	if !ok {
		return 0, false, nil
	}
	i, err = v.AsInt()
	if err != nil {
		return 0, true, Wrap(KindDictError, err, "key %q", key)
	}
	return i, true, nil
}

// Bool reads key as a bool. ok is false when the key is absent.
func (d Dict) Bool(key string) (b bool, ok bool, err error) {
	v, ok := d[key]
	if !ok {
		return false, false, nil
	}
	b, err = v.AsBool()
	if err != nil {
		return false, true, Wrap(KindDictError, err, "key %q", key)
	}
	return b, true, nil
}

// Text reads key as a string. ok is false when the key is absent.
func (d Dict) Text(key string) (s string, ok bool, err error) {
	v, ok := d[key]
	if !ok {
		return "", false, nil
	}
	s, err = v.AsString()
	if err != nil {
		return "", true, Wrap(KindDictError, err, "key %q", key)
	}
	return s, true, nil
}
