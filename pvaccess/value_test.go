// SPDX-License-Identifier: Apache-2.0

package pvaccess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueZeroIsInvalid(t *testing.T) {
	var v Value
	assert.False(t, v.Valid())

	_, err := v.Float64("value")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeValueInvalid))

	err = v.SetFloat64("value", 1.0)
	assert.True(t, IsCode(err, CodeValueInvalid))

	assert.Equal(t, "<invalid>", v.DisplayString())
}

func TestValueAccessors(t *testing.T) {
	v := NewFloat64(3.25, nil)
	require.True(t, v.Valid())

	got, err := v.Float64("value")
	require.NoError(t, err)
	assert.Equal(t, 3.25, got)

	// Unset leaves read as defaults.
	sev, err := v.Int32("alarm.severity")
	require.NoError(t, err)
	assert.Equal(t, int32(0), sev)

	msg, err := v.String("alarm.message")
	require.NoError(t, err)
	assert.Equal(t, "", msg)

	_, err = v.Float64("no.such.field")
	assert.True(t, IsCode(err, CodeFieldNotFound))

	_, err = v.String("value")
	assert.True(t, IsCode(err, CodeTypeMismatch))

	_, err = v.Float64Array("value")
	assert.True(t, IsCode(err, CodeTypeMismatch), "scalar leaf must not read as array")
}

func TestValueSettersAllOrNothing(t *testing.T) {
	v := NewInt32(7, nil)

	err := v.SetString("value", "nope")
	require.True(t, IsCode(err, CodeTypeMismatch))

	got, err := v.Int32("value")
	require.NoError(t, err)
	assert.Equal(t, int32(7), got, "failed set must not touch the leaf")
}

func TestValueArrayOwnership(t *testing.T) {
	src := []float64{1, 2, 3}
	v := NewFloat64Array(src, nil)

	src[0] = 99
	got, err := v.Float64Array("value")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, got, "constructor must copy its input")

	got[1] = 42
	again, err := v.Float64Array("value")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, again, "accessor must return an owned copy")
}

func TestShapeCloneResetsLeaves(t *testing.T) {
	v := NewFloat64(9.5, NewScalarMetadata().Units("V").Display(0, 10))
	require.NoError(t, v.SetAlarm(Alarm{Severity: SeverityMajor, Message: "hi"}))

	clone := v.ShapeClone()
	assert.ElementsMatch(t, v.Fields(), clone.Fields())

	got, err := clone.Float64("value")
	require.NoError(t, err)
	assert.Zero(t, got)

	sev, err := clone.Int32("alarm.severity")
	require.NoError(t, err)
	assert.Zero(t, sev)

	assert.True(t, v.sameShape(clone))
}

func TestEnumConstruction(t *testing.T) {
	_, err := NewEnum(nil, 0)
	assert.True(t, IsCode(err, CodeValueInvalid))

	_, err = NewEnum([]string{"off", "on"}, 2)
	assert.True(t, IsCode(err, CodeEnumIndexOutOfRange))

	v, err := NewEnum([]string{"off", "on"}, 1)
	require.NoError(t, err)

	idx, err := v.Enum("value.index")
	require.NoError(t, err)
	assert.Equal(t, int16(1), idx)
	assert.Equal(t, []string{"off", "on"}, v.EnumChoices())

	// The choice list rides through ShapeClone for validation.
	clone := v.ShapeClone()
	err = clone.SetEnum("value.index", 5)
	assert.True(t, IsCode(err, CodeEnumIndexOutOfRange))
	require.NoError(t, clone.SetEnum("value.index", 0))
}

func TestDisplayStringRendersLeaves(t *testing.T) {
	v := NewString("hello", nil)
	out := v.DisplayString()
	assert.Contains(t, out, "structure")
	assert.Contains(t, out, `string value = "hello"`)
	assert.Contains(t, out, "alarm.severity")
}

func TestScalarMetadataBlocks(t *testing.T) {
	meta := NewScalarMetadata().
		Description("beam current").
		Units("mA").
		Precision(3).
		Display(0, 500).
		Control(0, 450, 0.5).
		ValueAlarm(5, 10, 400, 440)
	v := NewFloat64(123.4, meta)

	units, err := v.String("display.units")
	require.NoError(t, err)
	assert.Equal(t, "mA", units)

	prec, err := v.Int32("display.precision")
	require.NoError(t, err)
	assert.Equal(t, int32(3), prec)

	step, err := v.Float64("control.minStep")
	require.NoError(t, err)
	assert.Equal(t, 0.5, step)

	hi, err := v.Float64("valueAlarm.highAlarmLimit")
	require.NoError(t, err)
	assert.Equal(t, 440.0, hi)

	active, err := v.Bool("valueAlarm.active")
	require.NoError(t, err)
	assert.False(t, active)
}
