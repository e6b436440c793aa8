// SPDX-License-Identifier: Apache-2.0

package pvaccess

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPair wires an isolated server to a client context over the zstd
// loopback transport.
func newTestPair(t *testing.T, opts ...ServerOption) (*Server, *Context) {
	t.Helper()
	srv := NewIsolatedServer(opts...)
	lb, err := NewLoopback(srv)
	require.NoError(t, err)
	ctx, err := NewContext(lb)
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })
	return srv, ctx
}

func TestGetOverLoopback(t *testing.T) {
	srv, c := newTestPair(t)
	pv := NewMailboxPV()
	require.NoError(t, pv.OpenFloat64(2.5, NewScalarMetadata().Units("V")))
	srv.AddPV("dev:volt", pv)

	val, err := c.Get(context.Background(), "dev:volt", time.Second)
	require.NoError(t, err)

	got, err := val.Float64("value")
	require.NoError(t, err)
	assert.Equal(t, 2.5, got)

	units, err := val.String("display.units")
	require.NoError(t, err)
	assert.Equal(t, "V", units)
}

func TestGetUnknownPVFailsConnectionLost(t *testing.T) {
	_, c := newTestPair(t)

	_, err := c.Get(context.Background(), "no:such:pv", time.Second)
	assert.True(t, IsCode(err, CodeConnectionLost))
}

func TestInfoReturnsSchemaOnly(t *testing.T) {
	srv, c := newTestPair(t)
	pv := NewMailboxPV()
	require.NoError(t, pv.OpenInt32(42, nil))
	srv.AddPV("dev:count", pv)

	val, err := c.Info(context.Background(), "dev:count", time.Second)
	require.NoError(t, err)

	got, err := val.Int32("value")
	require.NoError(t, err)
	assert.Zero(t, got, "info carries the shape, not the data")
	assert.Contains(t, val.Fields(), "alarm.severity")
}

func TestPutRoundTrip(t *testing.T) {
	srv, c := newTestPair(t)
	pv := NewMailboxPV()
	require.NoError(t, pv.OpenFloat64(0, nil))
	srv.AddPV("dev:sp", pv)

	require.NoError(t, c.PutFloat64(context.Background(), "dev:sp", 7.5, time.Second))

	val, err := c.Get(context.Background(), "dev:sp", time.Second)
	require.NoError(t, err)
	got, err := val.Float64("value")
	require.NoError(t, err)
	assert.Equal(t, 7.5, got)
}

func TestPutRejectionRelaysMessageVerbatim(t *testing.T) {
	srv, c := newTestPair(t)
	pv := NewMailboxPV()
	require.NoError(t, pv.OpenFloat64(1, nil))
	pv.OnPut(func(_ *SharedPV, candidate *Value) error {
		return errors.New("setpoint outside interlock window")
	})
	srv.AddPV("dev:sp", pv)

	err := c.PutFloat64(context.Background(), "dev:sp", 1e9, time.Second)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeOperationFailed))
	assert.Contains(t, err.Error(), "setpoint outside interlock window")
}

func TestPutEnumValidatedOverLoopback(t *testing.T) {
	srv, c := newTestPair(t)
	pv := NewMailboxPV()
	require.NoError(t, pv.OpenEnum([]string{"off", "on"}, 0))
	srv.AddPV("dev:switch", pv)

	require.NoError(t, c.PutEnum(context.Background(), "dev:switch", 1, time.Second))
	err := c.PutEnum(context.Background(), "dev:switch", 2, time.Second)
	assert.True(t, IsCode(err, CodeEnumIndexOutOfRange))
}

func TestAsyncPutOperation(t *testing.T) {
	srv, c := newTestPair(t)
	pv := NewMailboxPV()
	require.NoError(t, pv.OpenInt32(0, nil))
	srv.AddPV("dev:n", pv)

	op := c.PutInt32Async(context.Background(), "dev:n", 5)
	require.True(t, op.Wait(2*time.Second))
	_, err := op.Result()
	require.NoError(t, err)

	val, err := c.Get(context.Background(), "dev:n", time.Second)
	require.NoError(t, err)
	got, _ := val.Int32("value")
	assert.Equal(t, int32(5), got)
}

func TestRpcOverLoopback(t *testing.T) {
	srv, c := newTestPair(t)
	srv.HandleRPC("svc:add", func(_ context.Context, args *Value) (*Value, error) {
		a, err := args.Float64("a")
		if err != nil {
			return nil, err
		}
		b, err := args.Float64("b")
		if err != nil {
			return nil, err
		}
		return NewFloat64(a+b, nil), nil
	})

	result, err := c.Rpc("svc:add").
		ArgFloat64("a", 2).
		ArgFloat64("b", 3).
		ExecuteSync(context.Background(), time.Second)
	require.NoError(t, err)

	got, err := result.Float64("value")
	require.NoError(t, err)
	assert.Equal(t, 5.0, got)
}

func TestRpcRemoteErrorMessagePreserved(t *testing.T) {
	srv, c := newTestPair(t)
	srv.HandleRPC("svc:fail", func(_ context.Context, _ *Value) (*Value, error) {
		return nil, errors.New("exact remote diagnostic text")
	})

	_, err := c.Rpc("svc:fail").ExecuteSync(context.Background(), time.Second)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeOperationFailed))
	assert.Contains(t, err.Error(), "exact remote diagnostic text")
}

func TestRpcAsync(t *testing.T) {
	srv, c := newTestPair(t)
	srv.HandleRPC("svc:echo", func(_ context.Context, args *Value) (*Value, error) {
		s, err := args.String("text")
		if err != nil {
			return nil, err
		}
		return NewString(s, nil), nil
	})

	op := c.Rpc("svc:echo").ArgString("text", "ping").ExecuteAsync(context.Background())
	require.True(t, op.WaitForCompletion(2000))

	result, err := op.Result()
	require.NoError(t, err)
	got, err := result.String("value")
	require.NoError(t, err)
	assert.Equal(t, "ping", got)
}

func TestMonitorOverLoopback(t *testing.T) {
	srv, c := newTestPair(t)
	pv := NewMailboxPV()
	require.NoError(t, pv.OpenInt32(1, nil))
	srv.AddPV("dev:mon", pv)

	// The enqueue callback fires on every insertion, so count firings with
	// an atomic rather than assuming a fixed total.
	var notified atomic.Int32
	m, err := c.MonitorBuilder("dev:mon").
		Event(func() { notified.Add(1) }).
		Exec()
	require.NoError(t, err)
	defer m.Cancel()
	require.Eventually(t, func() bool { return notified.Load() >= 2 },
		2*time.Second, 5*time.Millisecond, "Connected plus the replayed value")

	ev, err := m.Pop()
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, EventConnected, ev.Type)
	assert.True(t, m.IsConnected())

	val, err := m.GetUpdate(2 * time.Second)
	require.NoError(t, err)
	got, _ := val.Int32("value")
	assert.Equal(t, int32(1), got, "subscription replays the current value")

	require.NoError(t, pv.PostInt32(2))
	val, err = m.GetUpdate(2 * time.Second)
	require.NoError(t, err)
	got, _ = val.Int32("value")
	assert.Equal(t, int32(2), got)

	pv.Close()
	_, err = m.GetUpdate(2 * time.Second)
	var connEv *ConnectionEvent
	require.ErrorAs(t, err, &connEv)
	assert.Equal(t, EventDisconnected, connEv.Type)
	assert.False(t, m.IsConnected())

	// Every later enqueue fired the callback too.
	assert.GreaterOrEqual(t, notified.Load(), int32(4))
}

func TestMonitorMaskedOverLoopback(t *testing.T) {
	srv, c := newTestPair(t)
	pv := NewMailboxPV()
	require.NoError(t, pv.OpenInt32(1, nil))
	srv.AddPV("dev:mon", pv)

	m, err := c.MonitorBuilder("dev:mon").
		MaskConnected(true).
		MaskDisconnected(true).
		Exec()
	require.NoError(t, err)
	defer m.Cancel()

	val, err := m.GetUpdate(2 * time.Second)
	require.NoError(t, err)
	got, _ := val.Int32("value")
	assert.Equal(t, int32(1), got, "first pop is data when lifecycle is masked")
}

func TestRemovePVFinishesMonitors(t *testing.T) {
	srv, c := newTestPair(t)
	pv := NewMailboxPV()
	require.NoError(t, pv.OpenInt32(1, nil))
	srv.AddPV("dev:gone", pv)

	m, err := c.Monitor("dev:gone")
	require.NoError(t, err)
	defer m.Cancel()

	// Drain the subscription replay.
	_, err = m.GetUpdate(2 * time.Second)
	var connEv *ConnectionEvent
	require.ErrorAs(t, err, &connEv)
	_, err = m.GetUpdate(2 * time.Second)
	require.NoError(t, err)

	srv.RemovePV("dev:gone")
	_, err = m.GetUpdate(2 * time.Second)
	require.ErrorAs(t, err, &connEv)
	assert.Equal(t, EventFinished, connEv.Type)

	_, err = c.Get(context.Background(), "dev:gone", time.Second)
	assert.True(t, IsCode(err, CodeConnectionLost))
}

func TestStoppedServerRefusesDispatch(t *testing.T) {
	srv, c := newTestPair(t)
	pv := NewMailboxPV()
	require.NoError(t, pv.OpenInt32(1, nil))
	srv.AddPV("dev:x", pv)

	srv.Stop()
	_, err := c.Get(context.Background(), "dev:x", time.Second)
	assert.True(t, IsCode(err, CodeConnectionLost))

	srv.Start()
	_, err = c.Get(context.Background(), "dev:x", time.Second)
	require.NoError(t, err)
}

// recordingHook captures dispatch callpoints for assertion.
type recordingHook struct {
	mu     sync.Mutex
	starts []OpInfo
	ends   []error
}

func (h *recordingHook) OnOpStart(ctx context.Context, info OpInfo) (context.Context, HookToken) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts = append(h.starts, info)
	return ctx, len(h.starts)
}

func (h *recordingHook) OnOpEnd(_ context.Context, _ HookToken, _ OpInfo, _ *FrameStatistics, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ends = append(h.ends, err)
}

func TestOpHooksWrapDispatch(t *testing.T) {
	hook := &recordingHook{}
	srv, c := newTestPair(t, WithOpHook(hook))
	pv := NewMailboxPV()
	require.NoError(t, pv.OpenInt32(1, nil))
	srv.AddPV("dev:h", pv)

	_, err := c.Get(context.Background(), "dev:h", time.Second)
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "missing", time.Second)
	require.Error(t, err)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	require.Len(t, hook.starts, 2)
	assert.Equal(t, opGet, hook.starts[0].Op)
	assert.Equal(t, "dev:h", hook.starts[0].PV)
	assert.NotEmpty(t, hook.starts[0].RequestID)
	require.Len(t, hook.ends, 2)
	assert.NoError(t, hook.ends[0])
	assert.Error(t, hook.ends[1])
}

func TestStaticSourceNamesAndLookup(t *testing.T) {
	src := NewStaticSource()
	a, b := NewMailboxPV(), NewMailboxPV()
	src.Add("b:pv", b)
	src.Add("a:pv", a)

	assert.Equal(t, []string{"a:pv", "b:pv"}, src.Names())
	got, ok := src.Lookup("a:pv")
	assert.True(t, ok)
	assert.Same(t, a, got)

	srv := NewIsolatedServer()
	srv.AddSource(src)
	pv, ok := srv.lookupPV("b:pv")
	assert.True(t, ok)
	assert.Same(t, b, pv)
}

func TestIsolatedServerReportsNoPorts(t *testing.T) {
	srv := NewIsolatedServer()
	assert.Zero(t, srv.TCPPort())
	assert.Zero(t, srv.UDPPort())
	assert.NotEmpty(t, srv.ID())
}
