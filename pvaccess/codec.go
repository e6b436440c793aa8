// SPDX-License-Identifier: Apache-2.0

package pvaccess

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// enumType is the Arrow encoding of an enum leaf: an Int16-indexed string
// dictionary whose values carry the choice list.
var enumType = &arrow.DictionaryType{
	IndexType: arrow.PrimitiveTypes.Int16,
	ValueType: arrow.BinaryTypes.String,
}

// frame is one request, response or monitor push on the wire. A frame with a
// nil value serializes as a zero-row batch with an empty schema.
type frame struct {
	op        string
	pv        string
	requestID string
	event     string
	errCode   string
	errMsg    string
	value     *Value
}

// errorFrame builds a response frame relaying err to the requester.
func errorFrame(requestID string, err error) *frame {
	f := &frame{requestID: requestID, errMsg: err.Error()}
	if e, ok := err.(*Error); ok {
		f.errCode = string(e.Code)
	} else {
		f.errCode = string(CodeOperationFailed)
	}
	return f
}

// asError rebuilds the coded error carried by an error frame, or nil.
func (f *frame) asError() error {
	if f.errCode == "" && f.errMsg == "" {
		return nil
	}
	return &Error{Code: ErrorCode(f.errCode), Message: f.errMsg, PV: f.pv}
}

// leafArrowType maps a leaf to its Arrow field type.
func leafArrowType(l *leaf) (arrow.DataType, error) {
	var elem arrow.DataType
	switch l.kind {
	case KindBool:
		elem = arrow.FixedWidthTypes.Boolean
	case KindInt32:
		elem = arrow.PrimitiveTypes.Int32
	case KindInt64:
		elem = arrow.PrimitiveTypes.Int64
	case KindFloat64:
		elem = arrow.PrimitiveTypes.Float64
	case KindString:
		elem = arrow.BinaryTypes.String
	case KindEnum:
		elem = enumType
	default:
		return nil, errorf(CodeTypeMismatch, "kind %s has no wire mapping", l.kind)
	}
	if l.array {
		return arrow.ListOf(elem), nil
	}
	return elem, nil
}

// valueSchema maps a Value's shape to an Arrow schema, dotted paths becoming
// flattened column names in wire order.
func valueSchema(v *Value) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(v.order))
	for _, path := range v.order {
		dt, err := leafArrowType(v.fields[path])
		if err != nil {
			return nil, err
		}
		fields = append(fields, arrow.Field{Name: path, Type: dt})
	}
	return arrow.NewSchema(fields, nil), nil
}

// buildLeafArray produces the one-row column for a leaf.
func buildLeafArray(mem memory.Allocator, v *Value, l *leaf) (arrow.Array, error) {
	if l.kind == KindEnum && !l.array {
		return buildEnumArray(mem, v, l)
	}
	if l.array {
		return buildListArray(mem, l)
	}
	switch l.kind {
	case KindBool:
		b := array.NewBooleanBuilder(mem)
		defer b.Release()
		val := false
		if l.val != nil {
			val = l.val.(bool)
		}
		b.Append(val)
		return b.NewArray(), nil
	case KindInt32:
		b := array.NewInt32Builder(mem)
		defer b.Release()
		var val int32
		if l.val != nil {
			val = l.val.(int32)
		}
		b.Append(val)
		return b.NewArray(), nil
	case KindInt64:
		b := array.NewInt64Builder(mem)
		defer b.Release()
		var val int64
		if l.val != nil {
			val = l.val.(int64)
		}
		b.Append(val)
		return b.NewArray(), nil
	case KindFloat64:
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		var val float64
		if l.val != nil {
			val = l.val.(float64)
		}
		b.Append(val)
		return b.NewArray(), nil
	case KindString:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		var val string
		if l.val != nil {
			val = l.val.(string)
		}
		b.Append(val)
		return b.NewArray(), nil
	default:
		return nil, errorf(CodeTypeMismatch, "kind %s has no wire mapping", l.kind)
	}
}

// buildEnumArray encodes an enum leaf as a dictionary array whose dictionary
// is the full choice list. A record without a choice list (a bare put) gets a
// synthetic dictionary of index strings so the index survives the encoding;
// a negative index cannot be dictionary-encoded and is rejected here.
func buildEnumArray(mem memory.Allocator, v *Value, l *leaf) (arrow.Array, error) {
	var idx int16
	if l.val != nil {
		idx = l.val.(int16)
	}
	choices := v.enumChoices
	if choices == nil {
		if idx < 0 {
			return nil, errorf(CodeEnumIndexOutOfRange, "enum index %d is negative", idx)
		}
		choices = make([]string, int(idx)+1)
		for i := range choices {
			choices[i] = strconv.Itoa(i)
		}
	}

	db := array.NewStringBuilder(mem)
	defer db.Release()
	for _, c := range choices {
		db.Append(c)
	}
	dict := db.NewArray()
	defer dict.Release()

	ib := array.NewInt16Builder(mem)
	defer ib.Release()
	ib.Append(idx)
	indices := ib.NewArray()
	defer indices.Release()

	return array.NewDictionaryArray(enumType, indices, dict), nil
}

// buildListArray encodes an array leaf as a one-row list column.
func buildListArray(mem memory.Allocator, l *leaf) (arrow.Array, error) {
	switch l.kind {
	case KindFloat64:
		lb := array.NewListBuilder(mem, arrow.PrimitiveTypes.Float64)
		defer lb.Release()
		lb.Append(true)
		vb := lb.ValueBuilder().(*array.Float64Builder)
		if l.val != nil {
			for _, x := range l.val.([]float64) {
				vb.Append(x)
			}
		}
		return lb.NewArray(), nil
	case KindInt32:
		lb := array.NewListBuilder(mem, arrow.PrimitiveTypes.Int32)
		defer lb.Release()
		lb.Append(true)
		vb := lb.ValueBuilder().(*array.Int32Builder)
		if l.val != nil {
			for _, x := range l.val.([]int32) {
				vb.Append(x)
			}
		}
		return lb.NewArray(), nil
	case KindString:
		lb := array.NewListBuilder(mem, arrow.BinaryTypes.String)
		defer lb.Release()
		lb.Append(true)
		vb := lb.ValueBuilder().(*array.StringBuilder)
		if l.val != nil {
			for _, x := range l.val.([]string) {
				vb.Append(x)
			}
		}
		return lb.NewArray(), nil
	default:
		return nil, errorf(CodeTypeMismatch, "array kind %s has no wire mapping", l.kind)
	}
}

// encodeFrame serializes a frame as a one-batch Arrow IPC stream with the
// frame's routing fields in the batch custom metadata.
func encodeFrame(f *frame) ([]byte, error) {
	mem := memory.NewGoAllocator()

	schema := arrow.NewSchema(nil, nil)
	var cols []arrow.Array
	rows := int64(0)
	if f.value.Valid() {
		var err error
		schema, err = valueSchema(f.value)
		if err != nil {
			return nil, err
		}
		cols = make([]arrow.Array, 0, len(f.value.order))
		for _, path := range f.value.order {
			col, err := buildLeafArray(mem, f.value, f.value.fields[path])
			if err != nil {
				for _, c := range cols {
					c.Release()
				}
				return nil, err
			}
			cols = append(cols, col)
		}
		rows = 1
	}

	keys := []string{MetaProtocolVersion}
	vals := []string{ProtocolVersion}
	addMeta := func(k, v string) {
		if v != "" {
			keys = append(keys, k)
			vals = append(vals, v)
		}
	}
	addMeta(MetaOp, f.op)
	addMeta(MetaPV, f.pv)
	addMeta(MetaRequestID, f.requestID)
	addMeta(MetaEvent, f.event)
	addMeta(MetaErrorCode, f.errCode)
	addMeta(MetaErrorMessage, f.errMsg)
	meta := arrow.NewMetadata(keys, vals)

	batch := array.NewRecordBatchWithMetadata(schema, cols, rows, meta)
	defer batch.Release()
	for _, c := range cols {
		c.Release()
	}

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := w.Write(batch); err != nil {
		w.Close()
		return nil, fmt.Errorf("writing frame batch: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing frame stream: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeFrame parses a serialized frame, rebuilding an owned Value when the
// batch carries one. Nothing in the returned frame aliases the input bytes.
func decodeFrame(data []byte) (*frame, error) {
	reader, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("reading frame IPC stream: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, fmt.Errorf("reading frame batch: %w", err)
		}
		return nil, io.EOF
	}
	batch := reader.RecordBatch()

	var meta arrow.Metadata
	if rb, ok := batch.(arrow.RecordBatchWithMetadata); ok {
		meta = rb.Metadata()
	}

	f := &frame{}
	f.op, _ = meta.GetValue(MetaOp)
	f.pv, _ = meta.GetValue(MetaPV)
	f.requestID, _ = meta.GetValue(MetaRequestID)
	f.event, _ = meta.GetValue(MetaEvent)
	f.errCode, _ = meta.GetValue(MetaErrorCode)
	f.errMsg, _ = meta.GetValue(MetaErrorMessage)

	if batch.Schema().NumFields() > 0 {
		if batch.NumRows() != 1 {
			return nil, errorf(CodeOperationFailed,
				"expected 1 row in frame batch, got %d", batch.NumRows())
		}
		v, err := decodeValue(batch)
		if err != nil {
			return nil, err
		}
		f.value = v
	}

	for reader.Next() {
		// drain to EOS
	}
	return f, nil
}

// decodeValue rebuilds a Value from a one-row batch.
func decodeValue(batch arrow.RecordBatch) (*Value, error) {
	v := newValue()
	schema := batch.Schema()
	for i := 0; i < schema.NumFields(); i++ {
		field := schema.Field(i)
		col := batch.Column(i)
		if err := decodeLeaf(v, field.Name, field.Type, col); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// decodeLeaf adds one field to v from a one-row column.
func decodeLeaf(v *Value, path string, dt arrow.DataType, col arrow.Array) error {
	switch dt.ID() {
	case arrow.BOOL:
		v.addField(path, KindBool, false)
		v.fields[path].val = col.(*array.Boolean).Value(0)
	case arrow.INT32:
		v.addField(path, KindInt32, false)
		v.fields[path].val = col.(*array.Int32).Value(0)
	case arrow.INT64:
		v.addField(path, KindInt64, false)
		v.fields[path].val = col.(*array.Int64).Value(0)
	case arrow.FLOAT64:
		v.addField(path, KindFloat64, false)
		v.fields[path].val = col.(*array.Float64).Value(0)
	case arrow.STRING:
		v.addField(path, KindString, false)
		v.fields[path].val = col.(*array.String).Value(0)
	case arrow.DICTIONARY:
		dict := col.(*array.Dictionary)
		values, ok := dict.Dictionary().(*array.String)
		if !ok {
			return errorf(CodeTypeMismatch, "field %q dictionary is not string-valued", path)
		}
		choices := make([]string, values.Len())
		for j := 0; j < values.Len(); j++ {
			choices[j] = values.Value(j)
		}
		v.addField(path, KindEnum, false)
		v.fields[path].val = int16(dict.GetValueIndex(0))
		v.enumChoices = choices
	case arrow.LIST:
		return decodeListLeaf(v, path, dt.(*arrow.ListType), col.(*array.List))
	default:
		return errorf(CodeTypeMismatch, "field %q has unsupported wire type %s", path, dt)
	}
	return nil
}

// decodeListLeaf adds an array field from a one-row list column.
func decodeListLeaf(v *Value, path string, lt *arrow.ListType, col *array.List) error {
	start, end := col.ValueOffsets(0)
	vals := col.ListValues()
	n := int(end - start)
	switch lt.Elem().ID() {
	case arrow.FLOAT64:
		arr := vals.(*array.Float64)
		out := make([]float64, 0, n)
		for j := int(start); j < int(end); j++ {
			out = append(out, arr.Value(j))
		}
		v.addField(path, KindFloat64, true)
		v.fields[path].val = out
	case arrow.INT32:
		arr := vals.(*array.Int32)
		out := make([]int32, 0, n)
		for j := int(start); j < int(end); j++ {
			out = append(out, arr.Value(j))
		}
		v.addField(path, KindInt32, true)
		v.fields[path].val = out
	case arrow.STRING:
		arr := vals.(*array.String)
		out := make([]string, 0, n)
		for j := int(start); j < int(end); j++ {
			out = append(out, arr.Value(j))
		}
		v.addField(path, KindString, true)
		v.fields[path].val = out
	default:
		return errorf(CodeTypeMismatch, "field %q has unsupported element type %s", path, lt.Elem())
	}
	return nil
}
