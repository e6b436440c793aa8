// SPDX-License-Identifier: Apache-2.0

package pvaccess

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RpcCall accumulates named arguments for one RPC invocation. The argument
// record is created lazily on the first Arg call; zero-argument calls are
// legal. Repeating an argument name overwrites the earlier binding, kind
// included. The builder is not safe for concurrent use; execute it once.
type RpcCall struct {
	ctx  *Context
	name string
	args *Value
}

// Name returns the target endpoint name.
func (r *RpcCall) Name() string {
	return r.name
}

func (r *RpcCall) setArg(name string, kind Kind, val any) *RpcCall {
	if r.args == nil {
		r.args = newValue()
	}
	r.args.addField(name, kind, false)
	r.args.fields[name].val = val
	return r
}

// ArgString binds a string argument.
func (r *RpcCall) ArgString(name, val string) *RpcCall {
	return r.setArg(name, KindString, val)
}

// ArgFloat64 binds a float64 argument.
func (r *RpcCall) ArgFloat64(name string, val float64) *RpcCall {
	return r.setArg(name, KindFloat64, val)
}

// ArgInt32 binds an int32 argument.
func (r *RpcCall) ArgInt32(name string, val int32) *RpcCall {
	return r.setArg(name, KindInt32, val)
}

// ArgBool binds a boolean argument.
func (r *RpcCall) ArgBool(name string, val bool) *RpcCall {
	return r.setArg(name, KindBool, val)
}

// ExecuteAsync sends the call and returns its pending operation.
func (r *RpcCall) ExecuteAsync(ctx context.Context) *Operation {
	return r.ctx.doAsync(ctx, &frame{
		op:        opRPC,
		pv:        r.name,
		requestID: uuid.NewString(),
		value:     r.args,
	})
}

// ExecuteSync sends the call and waits at most timeout for the result.
func (r *RpcCall) ExecuteSync(ctx context.Context, timeout time.Duration) (*Value, error) {
	return r.ctx.await(r.ExecuteAsync(ctx), r.name, timeout)
}
