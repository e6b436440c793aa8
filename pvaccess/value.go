// SPDX-License-Identifier: Apache-2.0

package pvaccess

import (
	"fmt"
	"sort"
	"strings"
)

// Kind identifies the scalar kind of a Value leaf.
type Kind uint8

const (
	// KindBool is a boolean leaf.
	KindBool Kind = iota
	// KindInt32 is a 32-bit signed integer leaf.
	KindInt32
	// KindInt64 is a 64-bit signed integer leaf (timestamps).
	KindInt64
	// KindFloat64 is a double-precision float leaf.
	KindFloat64
	// KindEnum is a 16-bit signed enumeration index leaf.
	KindEnum
	// KindString is a UTF-8 string leaf.
	KindString
)

// String returns the wire name for a kind.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindEnum:
		return "enum"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// leaf is a tagged-variant leaf of a Value. val is nil until assigned; a nil
// val reads as the kind's zero value. Arrays hold []int32, []float64 or
// []string depending on kind.
type leaf struct {
	kind  Kind
	array bool
	val   any
}

func (l *leaf) typeName() string {
	if l.array {
		return l.kind.String() + "[]"
	}
	return l.kind.String()
}

// Value is a schema-carrying structured record. Field leaves are addressed by
// dotted paths ("value", "value.index", "alarm.severity"). A Value is owned
// exclusively by whichever caller received it; no component retains an alias.
//
// The zero Value is invalid: every accessor fails with CodeValueInvalid.
type Value struct {
	valid  bool
	order  []string
	fields map[string]*leaf

	// enumChoices is attached by the open-enum constructor and by the wire
	// codec. It is immutable and used only to validate enum indices; it is
	// not addressable as a field.
	enumChoices []string
}

// newValue returns an empty, valid Value ready for field definition.
func newValue() *Value {
	return &Value{valid: true, fields: make(map[string]*leaf)}
}

// addField defines a leaf at path. Definition order is wire order.
func (v *Value) addField(path string, kind Kind, array bool) {
	if _, ok := v.fields[path]; !ok {
		v.order = append(v.order, path)
	}
	v.fields[path] = &leaf{kind: kind, array: array}
}

// Valid reports whether the value carries readable fields.
func (v *Value) Valid() bool {
	return v != nil && v.valid
}

// Fields returns the field paths in wire order.
func (v *Value) Fields() []string {
	out := make([]string, len(v.order))
	copy(out, v.order)
	return out
}

// EnumChoices returns a copy of the attached enum choice list, or nil if the
// value was not built by the open-enum helper or decoded from an enum record.
func (v *Value) EnumChoices() []string {
	if v.enumChoices == nil {
		return nil
	}
	out := make([]string, len(v.enumChoices))
	copy(out, v.enumChoices)
	return out
}

// lookup resolves path to a leaf of the wanted kind and arrayness.
func (v *Value) lookup(path string, kind Kind, array bool) (*leaf, error) {
	if !v.Valid() {
		return nil, errorf(CodeValueInvalid, "value is not valid")
	}
	l, ok := v.fields[path]
	if !ok {
		return nil, errorf(CodeFieldNotFound, "field %q not found", path)
	}
	if l.kind != kind || l.array != array {
		want := kind.String()
		if array {
			want += "[]"
		}
		return nil, errorf(CodeTypeMismatch, "field %q is %s, not %s", path, l.typeName(), want)
	}
	return l, nil
}

// Bool returns the boolean leaf at path.
func (v *Value) Bool(path string) (bool, error) {
	l, err := v.lookup(path, KindBool, false)
	if err != nil {
		return false, err
	}
	if l.val == nil {
		return false, nil
	}
	return l.val.(bool), nil
}

// Int32 returns the int32 leaf at path.
func (v *Value) Int32(path string) (int32, error) {
	l, err := v.lookup(path, KindInt32, false)
	if err != nil {
		return 0, err
	}
	if l.val == nil {
		return 0, nil
	}
	return l.val.(int32), nil
}

// Int64 returns the int64 leaf at path.
func (v *Value) Int64(path string) (int64, error) {
	l, err := v.lookup(path, KindInt64, false)
	if err != nil {
		return 0, err
	}
	if l.val == nil {
		return 0, nil
	}
	return l.val.(int64), nil
}

// Float64 returns the float64 leaf at path.
func (v *Value) Float64(path string) (float64, error) {
	l, err := v.lookup(path, KindFloat64, false)
	if err != nil {
		return 0, err
	}
	if l.val == nil {
		return 0, nil
	}
	return l.val.(float64), nil
}

// Enum returns the int16 enumeration index leaf at path.
func (v *Value) Enum(path string) (int16, error) {
	l, err := v.lookup(path, KindEnum, false)
	if err != nil {
		return 0, err
	}
	if l.val == nil {
		return 0, nil
	}
	return l.val.(int16), nil
}

// String returns the string leaf at path.
func (v *Value) String(path string) (string, error) {
	l, err := v.lookup(path, KindString, false)
	if err != nil {
		return "", err
	}
	if l.val == nil {
		return "", nil
	}
	return l.val.(string), nil
}

// Float64Array returns a copy of the float64 array leaf at path, in wire order.
func (v *Value) Float64Array(path string) ([]float64, error) {
	l, err := v.lookup(path, KindFloat64, true)
	if err != nil {
		return nil, err
	}
	if l.val == nil {
		return nil, nil
	}
	src := l.val.([]float64)
	out := make([]float64, len(src))
	copy(out, src)
	return out, nil
}

// Int32Array returns a copy of the int32 array leaf at path, in wire order.
func (v *Value) Int32Array(path string) ([]int32, error) {
	l, err := v.lookup(path, KindInt32, true)
	if err != nil {
		return nil, err
	}
	if l.val == nil {
		return nil, nil
	}
	src := l.val.([]int32)
	out := make([]int32, len(src))
	copy(out, src)
	return out, nil
}

// StringArray returns a copy of the string array leaf at path, in wire order.
func (v *Value) StringArray(path string) ([]string, error) {
	l, err := v.lookup(path, KindString, true)
	if err != nil {
		return nil, err
	}
	if l.val == nil {
		return nil, nil
	}
	src := l.val.([]string)
	out := make([]string, len(src))
	copy(out, src)
	return out, nil
}

// SetBool assigns the boolean leaf at path.
func (v *Value) SetBool(path string, val bool) error {
	l, err := v.lookup(path, KindBool, false)
	if err != nil {
		return err
	}
	l.val = val
	return nil
}

// SetInt32 assigns the int32 leaf at path.
func (v *Value) SetInt32(path string, val int32) error {
	l, err := v.lookup(path, KindInt32, false)
	if err != nil {
		return err
	}
	l.val = val
	return nil
}

// SetInt64 assigns the int64 leaf at path.
func (v *Value) SetInt64(path string, val int64) error {
	l, err := v.lookup(path, KindInt64, false)
	if err != nil {
		return err
	}
	l.val = val
	return nil
}

// SetFloat64 assigns the float64 leaf at path.
func (v *Value) SetFloat64(path string, val float64) error {
	l, err := v.lookup(path, KindFloat64, false)
	if err != nil {
		return err
	}
	l.val = val
	return nil
}

// SetEnum assigns the enumeration index leaf at path. If the value carries a
// choice list, the index is validated against it.
func (v *Value) SetEnum(path string, index int16) error {
	l, err := v.lookup(path, KindEnum, false)
	if err != nil {
		return err
	}
	if v.enumChoices != nil {
		if index < 0 || int(index) >= len(v.enumChoices) {
			return errorf(CodeEnumIndexOutOfRange,
				"enum index %d out of range [0, %d)", index, len(v.enumChoices))
		}
	}
	l.val = index
	return nil
}

// SetString assigns the string leaf at path.
func (v *Value) SetString(path string, val string) error {
	l, err := v.lookup(path, KindString, false)
	if err != nil {
		return err
	}
	l.val = val
	return nil
}

// SetFloat64Array assigns the float64 array leaf at path. The slice is copied.
func (v *Value) SetFloat64Array(path string, vals []float64) error {
	l, err := v.lookup(path, KindFloat64, true)
	if err != nil {
		return err
	}
	cp := make([]float64, len(vals))
	copy(cp, vals)
	l.val = cp
	return nil
}

// SetInt32Array assigns the int32 array leaf at path. The slice is copied.
func (v *Value) SetInt32Array(path string, vals []int32) error {
	l, err := v.lookup(path, KindInt32, true)
	if err != nil {
		return err
	}
	cp := make([]int32, len(vals))
	copy(cp, vals)
	l.val = cp
	return nil
}

// SetStringArray assigns the string array leaf at path. The slice is copied.
func (v *Value) SetStringArray(path string, vals []string) error {
	l, err := v.lookup(path, KindString, true)
	if err != nil {
		return err
	}
	cp := make([]string, len(vals))
	copy(cp, vals)
	l.val = cp
	return nil
}

// ShapeClone returns a new Value with the same field schema but every leaf
// reset to its default. This is the only legal way to construct a same-shape
// update for posting to a SharedPV.
func (v *Value) ShapeClone() *Value {
	if !v.Valid() {
		return &Value{}
	}
	out := newValue()
	for _, path := range v.order {
		l := v.fields[path]
		out.addField(path, l.kind, l.array)
	}
	if v.enumChoices != nil {
		out.enumChoices = v.enumChoices
	}
	return out
}

// clone returns a deep copy carrying the same leaf assignments.
func (v *Value) clone() *Value {
	out := v.ShapeClone()
	if !v.Valid() {
		return out
	}
	for _, path := range v.order {
		src := v.fields[path]
		dst := out.fields[path]
		if src.val == nil {
			continue
		}
		if !src.array {
			dst.val = src.val
			continue
		}
		switch arr := src.val.(type) {
		case []float64:
			cp := make([]float64, len(arr))
			copy(cp, arr)
			dst.val = cp
		case []int32:
			cp := make([]int32, len(arr))
			copy(cp, arr)
			dst.val = cp
		case []string:
			cp := make([]string, len(arr))
			copy(cp, arr)
			dst.val = cp
		}
	}
	return out
}

// sameShape reports whether other has exactly the same field set, kinds and
// arrayness as v. Field order does not matter.
func (v *Value) sameShape(other *Value) bool {
	if !v.Valid() || !other.Valid() {
		return false
	}
	if len(v.fields) != len(other.fields) {
		return false
	}
	for path, l := range v.fields {
		ol, ok := other.fields[path]
		if !ok || ol.kind != l.kind || ol.array != l.array {
			return false
		}
	}
	return true
}

// DisplayString renders the value for diagnostics. It never fails: an invalid
// value or malformed substructure renders as "<invalid>".
func (v *Value) DisplayString() string {
	if !v.Valid() {
		return "<invalid>"
	}
	var b strings.Builder
	b.WriteString("structure\n")
	paths := make([]string, len(v.order))
	copy(paths, v.order)
	sort.Strings(paths)
	for _, path := range paths {
		l, ok := v.fields[path]
		if !ok || l == nil {
			fmt.Fprintf(&b, "    %s <invalid>\n", path)
			continue
		}
		fmt.Fprintf(&b, "    %s %s = %s\n", l.typeName(), path, renderLeaf(l))
	}
	return b.String()
}

// renderLeaf formats a single leaf value, defaulting unset leaves.
func renderLeaf(l *leaf) string {
	if l.val == nil {
		if l.array {
			return "[]"
		}
		switch l.kind {
		case KindBool:
			return "false"
		case KindString:
			return `""`
		default:
			return "0"
		}
	}
	switch val := l.val.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	case []float64, []int32, []string:
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
