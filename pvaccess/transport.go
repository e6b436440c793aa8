// SPDX-License-Identifier: Apache-2.0

package pvaccess

import (
	"context"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Transport moves encoded frames between a client context and a server. The
// network wire protocol lives behind this interface; the in-process Loopback
// below is the bundled implementation.
type Transport interface {
	// RoundTrip sends one request frame and returns the response frame.
	RoundTrip(ctx context.Context, req []byte) ([]byte, error)
	// Subscribe registers a monitor sink for pv. Every event the server
	// emits arrives as one encoded push frame. The returned function
	// detaches the sink.
	Subscribe(ctx context.Context, pv string, sink func(push []byte)) (func(), error)
	// Close releases transport resources. Later calls fail with
	// CodeConnectionLost.
	Close() error
}

// Loopback connects a client context to an in-process server. Every frame is
// serialized through the Arrow codec and zstd-compressed, so values crossing
// the boundary are re-materialized exactly as they would be over a socket.
type Loopback struct {
	srv *Server
	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.Mutex
	closed bool
}

// NewLoopback returns a loopback transport bound to srv.
func NewLoopback(srv *Server) (*Loopback, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Loopback{srv: srv, enc: enc, dec: dec}, nil
}

func (t *Loopback) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Loopback) compress(b []byte) []byte {
	return t.enc.EncodeAll(b, nil)
}

func (t *Loopback) decompress(b []byte) ([]byte, error) {
	out, err := t.dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing frame: %w", err)
	}
	return out, nil
}

// RoundTrip dispatches one request against the bound server.
func (t *Loopback) RoundTrip(ctx context.Context, req []byte) ([]byte, error) {
	if t.isClosed() {
		return nil, errorf(CodeConnectionLost, "transport closed")
	}
	raw, err := t.decompress(req)
	if err != nil {
		return nil, err
	}
	reqFrame, err := decodeFrame(raw)
	if err != nil {
		return nil, err
	}

	stats := &FrameStatistics{}
	stats.RecordInput(int64(len(raw)))
	respFrame := t.srv.dispatch(ctx, reqFrame, stats)

	out, err := encodeFrame(respFrame)
	if err != nil {
		return nil, err
	}
	stats.RecordOutput(int64(len(out)))
	return t.compress(out), nil
}

// Subscribe attaches a sink to a served PV. Events cross the codec one push
// frame each, in emission order.
func (t *Loopback) Subscribe(ctx context.Context, pv string, sink func(push []byte)) (func(), error) {
	if t.isClosed() {
		return nil, errorf(CodeConnectionLost, "transport closed")
	}
	info := OpInfo{Op: opMonitor, PV: pv}
	ctx, tokens := runOpStart(ctx, t.srv.hooks, info)

	detach, err := t.srv.subscribePV(pv, func(ev *Event) {
		f := &frame{op: opMonitor, pv: pv}
		if ev.Type == EventData {
			f.value = ev.Value
		} else {
			f.event = ev.Type.String()
		}
		out, encErr := encodeFrame(f)
		if encErr != nil {
			t.srv.log.Error("pvaccess: monitor push not encoded", "pv", pv, "error", encErr)
			return
		}
		sink(t.compress(out))
	})

	runOpEnd(ctx, t.srv.hooks, tokens, info, nil, err)
	if err != nil {
		return nil, err
	}
	return detach, nil
}

// Close releases the compressor pair. Idempotent.
func (t *Loopback) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.enc.Close()
	t.dec.Close()
	return nil
}
