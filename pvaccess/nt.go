// SPDX-License-Identifier: Apache-2.0

package pvaccess

import "time"

// EPICS alarm severities.
const (
	SeverityNone    int32 = 0
	SeverityMinor   int32 = 1
	SeverityMajor   int32 = 2
	SeverityInvalid int32 = 3
)

// Alarm is the alarm.{severity,status,message} block of a normative-type
// record.
type Alarm struct {
	Severity int32
	Status   int32
	Message  string
}

// ScalarMetadata accumulates the optional display, control and valueAlarm
// blocks of a scalar record. The zero builder adds nothing beyond the
// mandatory alarm and timeStamp blocks.
type ScalarMetadata struct {
	description string
	units       string
	precision   int32

	hasDisplay   bool
	displayLow   float64
	displayHigh  float64
	hasPrecision bool

	hasControl  bool
	controlLow  float64
	controlHigh float64
	minStep     float64

	hasValueAlarm  bool
	lowAlarmLimit  float64
	lowWarnLimit   float64
	highWarnLimit  float64
	highAlarmLimit float64
}

// NewScalarMetadata returns an empty metadata builder.
func NewScalarMetadata() *ScalarMetadata {
	return &ScalarMetadata{}
}

// Description sets display.description and enables the display block.
func (m *ScalarMetadata) Description(s string) *ScalarMetadata {
	m.description = s
	m.hasDisplay = true
	return m
}

// Units sets display.units and enables the display block.
func (m *ScalarMetadata) Units(s string) *ScalarMetadata {
	m.units = s
	m.hasDisplay = true
	return m
}

// Precision sets display.precision and enables the display block.
func (m *ScalarMetadata) Precision(p int32) *ScalarMetadata {
	m.precision = p
	m.hasPrecision = true
	m.hasDisplay = true
	return m
}

// Display sets the display limits and enables the display block.
func (m *ScalarMetadata) Display(low, high float64) *ScalarMetadata {
	m.displayLow = low
	m.displayHigh = high
	m.hasDisplay = true
	return m
}

// Control sets the control block limits.
func (m *ScalarMetadata) Control(low, high, minStep float64) *ScalarMetadata {
	m.controlLow = low
	m.controlHigh = high
	m.minStep = minStep
	m.hasControl = true
	return m
}

// ValueAlarm sets the valueAlarm block limits.
func (m *ScalarMetadata) ValueAlarm(lowAlarm, lowWarning, highWarning, highAlarm float64) *ScalarMetadata {
	m.lowAlarmLimit = lowAlarm
	m.lowWarnLimit = lowWarning
	m.highWarnLimit = highWarning
	m.highAlarmLimit = highAlarm
	m.hasValueAlarm = true
	return m
}

// apply appends the enabled optional blocks to a record under construction.
func (m *ScalarMetadata) apply(v *Value) {
	if m == nil {
		return
	}
	if m.hasDisplay {
		v.addField("display.limitLow", KindFloat64, false)
		v.addField("display.limitHigh", KindFloat64, false)
		v.addField("display.description", KindString, false)
		v.addField("display.units", KindString, false)
		v.addField("display.precision", KindInt32, false)
		v.fields["display.limitLow"].val = m.displayLow
		v.fields["display.limitHigh"].val = m.displayHigh
		v.fields["display.description"].val = m.description
		v.fields["display.units"].val = m.units
		if m.hasPrecision {
			v.fields["display.precision"].val = m.precision
		}
	}
	if m.hasControl {
		v.addField("control.limitLow", KindFloat64, false)
		v.addField("control.limitHigh", KindFloat64, false)
		v.addField("control.minStep", KindFloat64, false)
		v.fields["control.limitLow"].val = m.controlLow
		v.fields["control.limitHigh"].val = m.controlHigh
		v.fields["control.minStep"].val = m.minStep
	}
	if m.hasValueAlarm {
		v.addField("valueAlarm.active", KindBool, false)
		v.addField("valueAlarm.lowAlarmLimit", KindFloat64, false)
		v.addField("valueAlarm.lowWarningLimit", KindFloat64, false)
		v.addField("valueAlarm.highWarningLimit", KindFloat64, false)
		v.addField("valueAlarm.highAlarmLimit", KindFloat64, false)
		v.fields["valueAlarm.lowAlarmLimit"].val = m.lowAlarmLimit
		v.fields["valueAlarm.lowWarningLimit"].val = m.lowWarnLimit
		v.fields["valueAlarm.highWarningLimit"].val = m.highWarnLimit
		v.fields["valueAlarm.highAlarmLimit"].val = m.highAlarmLimit
	}
}

// addAlarmBlock appends the mandatory alarm fields.
func addAlarmBlock(v *Value) {
	v.addField("alarm.severity", KindInt32, false)
	v.addField("alarm.status", KindInt32, false)
	v.addField("alarm.message", KindString, false)
}

// addTimeBlock appends the mandatory timeStamp fields.
func addTimeBlock(v *Value) {
	v.addField("timeStamp.secondsPastEpoch", KindInt64, false)
	v.addField("timeStamp.nanoseconds", KindInt32, false)
	v.addField("timeStamp.userTag", KindInt32, false)
}

// newScalarRecord builds a record with a value leaf of the given kind plus
// alarm, timeStamp and any enabled metadata blocks.
func newScalarRecord(kind Kind, array bool, meta *ScalarMetadata) *Value {
	v := newValue()
	v.addField("value", kind, array)
	addAlarmBlock(v)
	addTimeBlock(v)
	meta.apply(v)
	return v
}

// NewBool builds a boolean scalar record.
func NewBool(val bool, meta *ScalarMetadata) *Value {
	v := newScalarRecord(KindBool, false, meta)
	v.fields["value"].val = val
	return v
}

// NewInt32 builds an int32 scalar record.
func NewInt32(val int32, meta *ScalarMetadata) *Value {
	v := newScalarRecord(KindInt32, false, meta)
	v.fields["value"].val = val
	return v
}

// NewFloat64 builds a float64 scalar record.
func NewFloat64(val float64, meta *ScalarMetadata) *Value {
	v := newScalarRecord(KindFloat64, false, meta)
	v.fields["value"].val = val
	return v
}

// NewString builds a string scalar record.
func NewString(val string, meta *ScalarMetadata) *Value {
	v := newScalarRecord(KindString, false, meta)
	v.fields["value"].val = val
	return v
}

// NewFloat64Array builds a float64 array record.
func NewFloat64Array(vals []float64, meta *ScalarMetadata) *Value {
	v := newScalarRecord(KindFloat64, true, meta)
	cp := make([]float64, len(vals))
	copy(cp, vals)
	v.fields["value"].val = cp
	return v
}

// NewInt32Array builds an int32 array record.
func NewInt32Array(vals []int32, meta *ScalarMetadata) *Value {
	v := newScalarRecord(KindInt32, true, meta)
	cp := make([]int32, len(vals))
	copy(cp, vals)
	v.fields["value"].val = cp
	return v
}

// NewStringArray builds a string array record.
func NewStringArray(vals []string, meta *ScalarMetadata) *Value {
	v := newScalarRecord(KindString, true, meta)
	cp := make([]string, len(vals))
	copy(cp, vals)
	v.fields["value"].val = cp
	return v
}

// NewEnum builds an enumeration record with an immutable choice list attached
// for index validation. The index leaf lives at "value.index". The choice
// list must be non-empty and the index must address it.
func NewEnum(choices []string, index int16) (*Value, error) {
	if len(choices) == 0 {
		return nil, errorf(CodeValueInvalid, "enum requires at least one choice")
	}
	if index < 0 || int(index) >= len(choices) {
		return nil, errorf(CodeEnumIndexOutOfRange,
			"enum index %d out of range [0, %d)", index, len(choices))
	}
	v := newValue()
	v.addField("value.index", KindEnum, false)
	addAlarmBlock(v)
	addTimeBlock(v)
	cp := make([]string, len(choices))
	copy(cp, choices)
	v.enumChoices = cp
	v.fields["value.index"].val = index
	return v, nil
}

// SetAlarm assigns the alarm block leaves. It fails with CodeFieldNotFound if
// the record carries no alarm block.
func (v *Value) SetAlarm(a Alarm) error {
	if err := v.SetInt32("alarm.severity", a.Severity); err != nil {
		return err
	}
	if err := v.SetInt32("alarm.status", a.Status); err != nil {
		return err
	}
	return v.SetString("alarm.message", a.Message)
}

// GetAlarm reads the alarm block leaves.
func (v *Value) GetAlarm() (Alarm, error) {
	var a Alarm
	var err error
	if a.Severity, err = v.Int32("alarm.severity"); err != nil {
		return Alarm{}, err
	}
	if a.Status, err = v.Int32("alarm.status"); err != nil {
		return Alarm{}, err
	}
	if a.Message, err = v.String("alarm.message"); err != nil {
		return Alarm{}, err
	}
	return a, nil
}

// SetTimestamp assigns the timeStamp block from a wall-clock time.
func (v *Value) SetTimestamp(t time.Time) error {
	if err := v.SetInt64("timeStamp.secondsPastEpoch", t.Unix()); err != nil {
		return err
	}
	return v.SetInt32("timeStamp.nanoseconds", int32(t.Nanosecond()))
}
