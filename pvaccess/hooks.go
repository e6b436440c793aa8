// SPDX-License-Identifier: Apache-2.0

package pvaccess

import (
	"context"
	"log/slog"
)

// OpHook provides observability callpoints around server-side operation
// dispatch. Implementations must be safe for concurrent use.
type OpHook interface {
	OnOpStart(ctx context.Context, info OpInfo) (context.Context, HookToken)
	OnOpEnd(ctx context.Context, token HookToken, info OpInfo, stats *FrameStatistics, err error)
}

// HookToken is an opaque value returned by OnOpStart and passed back to
// OnOpEnd. Only meaningful to the OpHook that created it.
type HookToken interface{}

// OpInfo carries operation metadata passed to hooks.
type OpInfo struct {
	Op        string // get, info, put, rpc, monitor
	PV        string // target PV name
	RequestID string // client-supplied request identifier
}

// FrameStatistics holds per-operation I/O counters.
type FrameStatistics struct {
	InputFrames  int64
	OutputFrames int64
	InputBytes   int64
	OutputBytes  int64
}

// RecordInput records one received frame of the given size.
func (s *FrameStatistics) RecordInput(bytes int64) {
	s.InputFrames++
	s.InputBytes += bytes
}

// RecordOutput records one sent frame of the given size.
func (s *FrameStatistics) RecordOutput(bytes int64) {
	s.OutputFrames++
	s.OutputBytes += bytes
}

// runOpStart invokes OnOpStart on every hook, isolating panics so a broken
// hook cannot take down dispatch. Tokens are positional with hooks.
func runOpStart(ctx context.Context, hooks []OpHook, info OpInfo) (context.Context, []HookToken) {
	tokens := make([]HookToken, len(hooks))
	for i, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("pvaccess: op hook panicked in OnOpStart", "panic", r, "op", info.Op, "pv", info.PV)
				}
			}()
			ctx, tokens[i] = h.OnOpStart(ctx, info)
		}()
	}
	return ctx, tokens
}

// runOpEnd invokes OnOpEnd on every hook in reverse order, isolating panics.
func runOpEnd(ctx context.Context, hooks []OpHook, tokens []HookToken, info OpInfo, stats *FrameStatistics, err error) {
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("pvaccess: op hook panicked in OnOpEnd", "panic", r, "op", info.Op, "pv", info.PV)
				}
			}()
			h.OnOpEnd(ctx, tokens[i], info, stats, err)
		}()
	}
}
