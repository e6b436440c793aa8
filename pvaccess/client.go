// SPDX-License-Identifier: Apache-2.0

package pvaccess

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// ContextOption configures a client Context.
type ContextOption func(*Context)

// WithContextLogger sets the context's structured logger.
func WithContextLogger(log *slog.Logger) ContextOption {
	return func(c *Context) {
		c.log = log
	}
}

// WithConfig overrides the context's address configuration.
func WithConfig(cfg Config) ContextOption {
	return func(c *Context) {
		c.cfg = cfg
	}
}

// Context is a client handle for PV operations over one transport. All
// methods are safe for concurrent use.
type Context struct {
	cfg       Config
	transport Transport
	log       *slog.Logger
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// NewContext returns a client context over the given transport.
func NewContext(t Transport, opts ...ContextOption) (*Context, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	c := &Context{
		cfg:       DefaultConfig(),
		transport: t,
		log:       slog.Default(),
		enc:       enc,
		dec:       dec,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewContextFromEnv is NewContext with the EPICS_PVA_* environment applied.
func NewContextFromEnv(t Transport, opts ...ContextOption) (*Context, error) {
	return NewContext(t, append([]ContextOption{WithConfig(ConfigFromEnv())}, opts...)...)
}

// Config returns the context's address configuration.
func (c *Context) Config() Config {
	return c.cfg
}

// Close releases the transport. Outstanding operations fail with
// CodeConnectionLost.
func (c *Context) Close() error {
	err := c.transport.Close()
	c.enc.Close()
	c.dec.Close()
	return err
}

// asPvaError coerces any error into the coded form for operation results.
func asPvaError(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Code: CodeOperationFailed, Message: err.Error()}
}

// do performs one synchronous frame exchange.
func (c *Context) do(ctx context.Context, req *frame) (*frame, error) {
	raw, err := encodeFrame(req)
	if err != nil {
		return nil, err
	}
	respBytes, err := c.transport.RoundTrip(ctx, c.enc.EncodeAll(raw, nil))
	if err != nil {
		return nil, err
	}
	raw, err = c.dec.DecodeAll(respBytes, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing response: %w", err)
	}
	resp, err := decodeFrame(raw)
	if err != nil {
		return nil, err
	}
	if err := resp.asError(); err != nil {
		return nil, err
	}
	return resp, nil
}

// doAsync launches one frame exchange and returns its pending operation.
func (c *Context) doAsync(ctx context.Context, req *frame) *Operation {
	op := newOperation(req.requestID)
	go func() {
		resp, err := c.do(ctx, req)
		if err != nil {
			op.fail(asPvaError(err))
			return
		}
		op.complete(resp.value)
	}()
	return op
}

// await blocks on op for at most timeout. Expiry cancels the operation and
// fails with CodeTimeout.
func (c *Context) await(op *Operation, pv string, timeout time.Duration) (*Value, error) {
	if !op.Wait(timeout) {
		op.Cancel()
		return nil, pvErrorf(CodeTimeout, pv, "no response within %v", timeout)
	}
	return op.Result()
}

// GetAsync starts a fetch of pv's current value.
func (c *Context) GetAsync(ctx context.Context, pv string) *Operation {
	return c.doAsync(ctx, &frame{op: opGet, pv: pv, requestID: uuid.NewString()})
}

// Get fetches pv's current value, waiting at most timeout.
func (c *Context) Get(ctx context.Context, pv string, timeout time.Duration) (*Value, error) {
	return c.await(c.GetAsync(ctx, pv), pv, timeout)
}

// InfoAsync starts a fetch of pv's schema: the record shape with every leaf
// at its default.
func (c *Context) InfoAsync(ctx context.Context, pv string) *Operation {
	return c.doAsync(ctx, &frame{op: opInfo, pv: pv, requestID: uuid.NewString()})
}

// Info fetches pv's schema, waiting at most timeout.
func (c *Context) Info(ctx context.Context, pv string, timeout time.Duration) (*Value, error) {
	return c.await(c.InfoAsync(ctx, pv), pv, timeout)
}

// putRecord builds the one-leaf record a put sends.
func putRecord(kind Kind, array bool, val any) *Value {
	v := newValue()
	v.addField("value", kind, array)
	v.fields["value"].val = val
	return v
}

// putAsync starts a put of a prepared record.
func (c *Context) putAsync(ctx context.Context, pv string, rec *Value) *Operation {
	return c.doAsync(ctx, &frame{op: opPut, pv: pv, requestID: uuid.NewString(), value: rec})
}

// put performs a synchronous put of a prepared record.
func (c *Context) put(ctx context.Context, pv string, rec *Value, timeout time.Duration) error {
	_, err := c.await(c.putAsync(ctx, pv, rec), pv, timeout)
	return err
}

// PutFloat64 writes a float64 to pv's value leaf.
func (c *Context) PutFloat64(ctx context.Context, pv string, val float64, timeout time.Duration) error {
	return c.put(ctx, pv, putRecord(KindFloat64, false, val), timeout)
}

// PutFloat64Async starts a float64 put.
func (c *Context) PutFloat64Async(ctx context.Context, pv string, val float64) *Operation {
	return c.putAsync(ctx, pv, putRecord(KindFloat64, false, val))
}

// PutInt32 writes an int32 to pv's value leaf.
func (c *Context) PutInt32(ctx context.Context, pv string, val int32, timeout time.Duration) error {
	return c.put(ctx, pv, putRecord(KindInt32, false, val), timeout)
}

// PutInt32Async starts an int32 put.
func (c *Context) PutInt32Async(ctx context.Context, pv string, val int32) *Operation {
	return c.putAsync(ctx, pv, putRecord(KindInt32, false, val))
}

// PutString writes a string to pv's value leaf.
func (c *Context) PutString(ctx context.Context, pv string, val string, timeout time.Duration) error {
	return c.put(ctx, pv, putRecord(KindString, false, val), timeout)
}

// PutStringAsync starts a string put.
func (c *Context) PutStringAsync(ctx context.Context, pv string, val string) *Operation {
	return c.putAsync(ctx, pv, putRecord(KindString, false, val))
}

// PutEnum writes an enumeration index to pv. The server validates the index
// against the PV's choice list.
func (c *Context) PutEnum(ctx context.Context, pv string, index int16, timeout time.Duration) error {
	return c.put(ctx, pv, putRecord(KindEnum, false, index), timeout)
}

// PutEnumAsync starts an enumeration index put.
func (c *Context) PutEnumAsync(ctx context.Context, pv string, index int16) *Operation {
	return c.putAsync(ctx, pv, putRecord(KindEnum, false, index))
}

// PutFloat64Array writes a float64 array to pv's value leaf.
func (c *Context) PutFloat64Array(ctx context.Context, pv string, vals []float64, timeout time.Duration) error {
	cp := make([]float64, len(vals))
	copy(cp, vals)
	return c.put(ctx, pv, putRecord(KindFloat64, true, cp), timeout)
}

// PutInt32Array writes an int32 array to pv's value leaf.
func (c *Context) PutInt32Array(ctx context.Context, pv string, vals []int32, timeout time.Duration) error {
	cp := make([]int32, len(vals))
	copy(cp, vals)
	return c.put(ctx, pv, putRecord(KindInt32, true, cp), timeout)
}

// PutStringArray writes a string array to pv's value leaf.
func (c *Context) PutStringArray(ctx context.Context, pv string, vals []string, timeout time.Duration) error {
	cp := make([]string, len(vals))
	copy(cp, vals)
	return c.put(ctx, pv, putRecord(KindString, true, cp), timeout)
}

// MonitorBuilder returns a subscription builder for pv. Nothing happens
// until Exec.
func (c *Context) MonitorBuilder(pv string) *MonitorBuilder {
	return &MonitorBuilder{ctx: c, pv: pv}
}

// Monitor subscribes to pv with default settings: all lifecycle events
// admitted, no callback.
func (c *Context) Monitor(pv string) (*Monitor, error) {
	return c.MonitorBuilder(pv).Exec()
}

// subscribe registers a built monitor with the transport.
func (c *Context) subscribe(b *MonitorBuilder) (*Monitor, error) {
	m := newMonitor(b.pv, b.maskConnected, b.maskDisconnected, b.callback)
	detach, err := c.transport.Subscribe(context.Background(), b.pv, func(push []byte) {
		raw, err := c.dec.DecodeAll(push, nil)
		if err != nil {
			c.log.Error("pvaccess: monitor push not decompressed", "pv", b.pv, "error", err)
			return
		}
		f, err := decodeFrame(raw)
		if err != nil {
			c.log.Error("pvaccess: monitor push not decoded", "pv", b.pv, "error", err)
			return
		}
		m.deliver(eventFromFrame(f))
	})
	if err != nil {
		return nil, err
	}
	m.unsubscribe = detach
	return m, nil
}

// eventFromFrame maps a push frame back to a queue event.
func eventFromFrame(f *frame) *Event {
	switch f.event {
	case EventConnected.String():
		return &Event{Type: EventConnected}
	case EventDisconnected.String():
		return &Event{Type: EventDisconnected}
	case EventFinished.String():
		return &Event{Type: EventFinished}
	default:
		return &Event{Type: EventData, Value: f.value}
	}
}

// Rpc returns a call builder for the named RPC endpoint.
func (c *Context) Rpc(name string) *RpcCall {
	return &RpcCall{ctx: c, name: name}
}
