// SPDX-License-Identifier: Apache-2.0

package pvaccess

import (
	"log/slog"
	"sync"
	"time"
)

// PutHandler validates a client put. candidate is the fully-built record that
// would become the PV's current value if the handler returns nil. Returning
// an error rejects the put; the message is relayed to the requester and the
// current value is untouched.
type PutHandler func(pv *SharedPV, candidate *Value) error

// SharedPV is a server-owned process variable. Open fixes the value schema;
// every later post must match it exactly. A mailbox PV accepts client puts
// (subject to the OnPut handler); a read-only PV rejects them all.
type SharedPV struct {
	mu       sync.Mutex
	readOnly bool
	open     bool
	template *Value
	current  *Value
	onPut    PutHandler

	sinks  map[int64]func(*Event)
	nextID int64
}

// NewMailboxPV returns a closed PV that accepts client puts once opened.
func NewMailboxPV() *SharedPV {
	return &SharedPV{sinks: make(map[int64]func(*Event))}
}

// NewReadOnlyPV returns a closed PV that rejects all client puts.
func NewReadOnlyPV() *SharedPV {
	return &SharedPV{readOnly: true, sinks: make(map[int64]func(*Event))}
}

// OnPut installs the put validation handler. A mailbox PV without a handler
// auto-accepts shape-valid puts.
func (pv *SharedPV) OnPut(h PutHandler) {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	pv.onPut = h
}

// IsOpen reports whether the PV currently serves a value.
func (pv *SharedPV) IsOpen() bool {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	return pv.open
}

// Open fixes the PV's schema from initial and makes it the current value.
// Opening an already-open PV fails. A closed PV may be reopened with a new
// schema.
func (pv *SharedPV) Open(initial *Value) error {
	if !initial.Valid() {
		return errorf(CodeValueInvalid, "initial value is not valid")
	}
	pv.mu.Lock()
	if pv.open {
		pv.mu.Unlock()
		return errorf(CodeOperationFailed, "pv already open")
	}
	pv.open = true
	pv.template = initial.ShapeClone()
	pv.current = initial.clone()
	sinks, first := pv.collectSinks(), pv.current.clone()
	pv.mu.Unlock()

	for _, sink := range sinks {
		sink(&Event{Type: EventConnected})
		sink(&Event{Type: EventData, Value: first.clone()})
	}
	return nil
}

// OpenFloat64 opens with a float64 scalar record.
func (pv *SharedPV) OpenFloat64(val float64, meta *ScalarMetadata) error {
	return pv.Open(NewFloat64(val, meta))
}

// OpenInt32 opens with an int32 scalar record.
func (pv *SharedPV) OpenInt32(val int32, meta *ScalarMetadata) error {
	return pv.Open(NewInt32(val, meta))
}

// OpenString opens with a string scalar record.
func (pv *SharedPV) OpenString(val string, meta *ScalarMetadata) error {
	return pv.Open(NewString(val, meta))
}

// OpenBool opens with a boolean scalar record.
func (pv *SharedPV) OpenBool(val bool, meta *ScalarMetadata) error {
	return pv.Open(NewBool(val, meta))
}

// OpenEnum opens with an enumeration record carrying the given choice list.
func (pv *SharedPV) OpenEnum(choices []string, index int16) error {
	v, err := NewEnum(choices, index)
	if err != nil {
		return err
	}
	return pv.Open(v)
}

// OpenFloat64Array opens with a float64 array record. The initial array must
// be non-empty so the schema is unambiguous on the wire.
func (pv *SharedPV) OpenFloat64Array(vals []float64, meta *ScalarMetadata) error {
	if len(vals) == 0 {
		return errorf(CodeValueInvalid, "initial array must not be empty")
	}
	return pv.Open(NewFloat64Array(vals, meta))
}

// OpenInt32Array opens with an int32 array record. The initial array must be
// non-empty.
func (pv *SharedPV) OpenInt32Array(vals []int32, meta *ScalarMetadata) error {
	if len(vals) == 0 {
		return errorf(CodeValueInvalid, "initial array must not be empty")
	}
	return pv.Open(NewInt32Array(vals, meta))
}

// OpenStringArray opens with a string array record. The initial array must be
// non-empty.
func (pv *SharedPV) OpenStringArray(vals []string, meta *ScalarMetadata) error {
	if len(vals) == 0 {
		return errorf(CodeValueInvalid, "initial array must not be empty")
	}
	return pv.Open(NewStringArray(vals, meta))
}

// Close stops serving the value. Subscribers observe a Disconnected event;
// later posts and fetches fail with CodeNotOpen. Idempotent.
func (pv *SharedPV) Close() {
	pv.mu.Lock()
	if !pv.open {
		pv.mu.Unlock()
		return
	}
	pv.open = false
	sinks := pv.collectSinks()
	pv.mu.Unlock()

	for _, sink := range sinks {
		sink(&Event{Type: EventDisconnected})
	}
}

// Fetch returns an owned copy of the current value.
func (pv *SharedPV) Fetch() (*Value, error) {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	if !pv.open {
		return nil, errorf(CodeNotOpen, "pv is not open")
	}
	return pv.current.clone(), nil
}

// Post atomically replaces the current value with update. The update's shape
// must match the template fixed at open time; enum indices are range-checked
// against the choice list. On any failure the current value is untouched.
func (pv *SharedPV) Post(update *Value) error {
	pv.mu.Lock()
	if !pv.open {
		pv.mu.Unlock()
		return errorf(CodeNotOpen, "pv is not open")
	}
	if !pv.template.sameShape(update) {
		pv.mu.Unlock()
		return errorf(CodeSchemaMismatch, "update shape differs from template fixed at open")
	}
	if err := pv.checkEnumLocked(update); err != nil {
		pv.mu.Unlock()
		return err
	}
	pv.current = update.clone()
	sinks, posted := pv.collectSinks(), pv.current
	pv.mu.Unlock()

	for _, sink := range sinks {
		sink(&Event{Type: EventData, Value: posted.clone()})
	}
	return nil
}

// checkEnumLocked validates enum leaves of update against the template's
// choice list.
func (pv *SharedPV) checkEnumLocked(update *Value) error {
	choices := pv.template.enumChoices
	if choices == nil {
		return nil
	}
	for path, l := range update.fields {
		if l.kind != KindEnum || l.array || l.val == nil {
			continue
		}
		idx := l.val.(int16)
		if idx < 0 || int(idx) >= len(choices) {
			return errorf(CodeEnumIndexOutOfRange,
				"enum index %d for %q out of range [0, %d)", idx, path, len(choices))
		}
	}
	return nil
}

// postScalar builds a same-shape update with a new value leaf and a fresh
// timestamp, then posts it.
func (pv *SharedPV) postScalar(set func(*Value) error, alarm *Alarm) error {
	pv.mu.Lock()
	if !pv.open {
		pv.mu.Unlock()
		return errorf(CodeNotOpen, "pv is not open")
	}
	update := pv.current.clone()
	pv.mu.Unlock()

	if err := set(update); err != nil {
		return err
	}
	if alarm != nil {
		if err := update.SetAlarm(*alarm); err != nil {
			return err
		}
	}
	stampTimestamp(update)
	return pv.Post(update)
}

// stampTimestamp refreshes the timeStamp block when the record carries one.
func stampTimestamp(v *Value) {
	if err := v.SetTimestamp(time.Now()); err != nil && !IsCode(err, CodeFieldNotFound) {
		slog.Debug("pvaccess: timestamp not stamped", "error", err)
	}
}

// PostFloat64 posts a new float64 value with a fresh timestamp.
func (pv *SharedPV) PostFloat64(val float64) error {
	return pv.postScalar(func(v *Value) error { return v.SetFloat64("value", val) }, nil)
}

// PostInt32 posts a new int32 value with a fresh timestamp.
func (pv *SharedPV) PostInt32(val int32) error {
	return pv.postScalar(func(v *Value) error { return v.SetInt32("value", val) }, nil)
}

// PostString posts a new string value with a fresh timestamp.
func (pv *SharedPV) PostString(val string) error {
	return pv.postScalar(func(v *Value) error { return v.SetString("value", val) }, nil)
}

// PostBool posts a new boolean value with a fresh timestamp.
func (pv *SharedPV) PostBool(val bool) error {
	return pv.postScalar(func(v *Value) error { return v.SetBool("value", val) }, nil)
}

// PostEnum posts a new enumeration index with a fresh timestamp. The index is
// range-checked against the choice list fixed at open.
func (pv *SharedPV) PostEnum(index int16) error {
	return pv.postScalar(func(v *Value) error { return v.SetEnum("value.index", index) }, nil)
}

// PostFloat64Array posts a new float64 array with a fresh timestamp.
func (pv *SharedPV) PostFloat64Array(vals []float64) error {
	return pv.postScalar(func(v *Value) error { return v.SetFloat64Array("value", vals) }, nil)
}

// PostInt32Array posts a new int32 array with a fresh timestamp.
func (pv *SharedPV) PostInt32Array(vals []int32) error {
	return pv.postScalar(func(v *Value) error { return v.SetInt32Array("value", vals) }, nil)
}

// PostStringArray posts a new string array with a fresh timestamp.
func (pv *SharedPV) PostStringArray(vals []string) error {
	return pv.postScalar(func(v *Value) error { return v.SetStringArray("value", vals) }, nil)
}

// PostFloat64WithAlarm posts a new value and alarm block in one atomic update.
func (pv *SharedPV) PostFloat64WithAlarm(val float64, alarm Alarm) error {
	return pv.postScalar(func(v *Value) error { return v.SetFloat64("value", val) }, &alarm)
}

// PostInt32WithAlarm posts a new value and alarm block in one atomic update.
func (pv *SharedPV) PostInt32WithAlarm(val int32, alarm Alarm) error {
	return pv.postScalar(func(v *Value) error { return v.SetInt32("value", val) }, &alarm)
}

// PostStringWithAlarm posts a new value and alarm block in one atomic update.
func (pv *SharedPV) PostStringWithAlarm(val string, alarm Alarm) error {
	return pv.postScalar(func(v *Value) error { return v.SetString("value", val) }, &alarm)
}

// PostEnumWithAlarm posts a new index and alarm block in one atomic update.
func (pv *SharedPV) PostEnumWithAlarm(index int16, alarm Alarm) error {
	return pv.postScalar(func(v *Value) error { return v.SetEnum("value.index", index) }, &alarm)
}

// handlePut services a client put carrying a one-leaf record at "value". It
// builds the candidate record, runs the OnPut handler and commits on accept.
func (pv *SharedPV) handlePut(arg *Value) error {
	pv.mu.Lock()
	if !pv.open {
		pv.mu.Unlock()
		return errorf(CodeNotOpen, "pv is not open")
	}
	if pv.readOnly {
		pv.mu.Unlock()
		return errorf(CodeOperationFailed, "pv is read-only")
	}
	current := pv.current.clone()
	hook := pv.onPut
	pv.mu.Unlock()

	candidate, err := applyPut(current, arg)
	if err != nil {
		return err
	}
	stampTimestamp(candidate)
	if hook != nil {
		if err := hook(pv, candidate); err != nil {
			return errorf(CodeOperationFailed, "%s", err.Error())
		}
	}
	return pv.Post(candidate)
}

// applyPut writes the put record's "value" leaf into a clone of the current
// value. Enum PVs accept the leaf at either "value" or "value.index".
func applyPut(current, arg *Value) (*Value, error) {
	if !arg.Valid() {
		return nil, errorf(CodeValueInvalid, "put value is not valid")
	}
	l, ok := arg.fields["value"]
	if !ok {
		if l, ok = arg.fields["value.index"]; !ok {
			return nil, errorf(CodeFieldNotFound, "put record carries no value leaf")
		}
	}
	target := "value"
	if _, ok := current.fields["value.index"]; ok {
		target = "value.index"
	}
	switch {
	case l.array && l.kind == KindFloat64:
		var vals []float64
		if l.val != nil {
			vals = l.val.([]float64)
		}
		return current, current.SetFloat64Array(target, vals)
	case l.array && l.kind == KindInt32:
		var vals []int32
		if l.val != nil {
			vals = l.val.([]int32)
		}
		return current, current.SetInt32Array(target, vals)
	case l.array && l.kind == KindString:
		var vals []string
		if l.val != nil {
			vals = l.val.([]string)
		}
		return current, current.SetStringArray(target, vals)
	case l.kind == KindFloat64:
		var val float64
		if l.val != nil {
			val = l.val.(float64)
		}
		return current, current.SetFloat64(target, val)
	case l.kind == KindInt32:
		var val int32
		if l.val != nil {
			val = l.val.(int32)
		}
		return current, current.SetInt32(target, val)
	case l.kind == KindString:
		var val string
		if l.val != nil {
			val = l.val.(string)
		}
		return current, current.SetString(target, val)
	case l.kind == KindEnum:
		var idx int16
		if l.val != nil {
			idx = l.val.(int16)
		}
		return current, current.SetEnum(target, idx)
	default:
		return nil, errorf(CodeTypeMismatch, "unsupported put kind %s", l.typeName())
	}
}

// attach registers a subscriber sink. An open PV immediately replays
// Connected plus the current value. The returned function detaches the sink.
func (pv *SharedPV) attach(sink func(*Event)) func() {
	pv.mu.Lock()
	id := pv.nextID
	pv.nextID++
	pv.sinks[id] = sink
	var replay *Value
	if pv.open {
		replay = pv.current.clone()
	}
	pv.mu.Unlock()

	if replay != nil {
		sink(&Event{Type: EventConnected})
		sink(&Event{Type: EventData, Value: replay})
	}
	return func() {
		pv.mu.Lock()
		delete(pv.sinks, id)
		pv.mu.Unlock()
	}
}

// finish notifies every subscriber the PV will deliver no further events.
func (pv *SharedPV) finish() {
	pv.mu.Lock()
	sinks := pv.collectSinks()
	pv.mu.Unlock()
	for _, sink := range sinks {
		sink(&Event{Type: EventFinished})
	}
}

func (pv *SharedPV) collectSinks() []func(*Event) {
	out := make([]func(*Event), 0, len(pv.sinks))
	for _, sink := range pv.sinks {
		out = append(out, sink)
	}
	return out
}
