// SPDX-License-Identifier: Apache-2.0

package pvaccess

import (
	"errors"
	"sync"
	"time"
)

// ErrCancelled reports a Result call on a cancelled operation. Cancellation
// is an outcome, not a failure, so it carries no taxonomy code and never
// matches IsCode.
var ErrCancelled = errors.New("operation cancelled")

// OpState is the lifecycle state of an Operation.
type OpState uint8

const (
	// OpPending means the operation has not reached a terminal state.
	OpPending OpState = iota
	// OpCompleted means the operation finished and a result may be available.
	OpCompleted
	// OpFailed means the remote end reported an error.
	OpFailed
	// OpCancelled means the operation was cancelled before completion.
	OpCancelled
)

// String returns the state name.
func (s OpState) String() string {
	switch s {
	case OpPending:
		return "pending"
	case OpCompleted:
		return "completed"
	case OpFailed:
		return "failed"
	case OpCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Operation is a one-shot asynchronous request handle. It is created pending
// and moves exactly once to a terminal state; the transition is observed
// through Wait, IsDone or Result. All methods are safe for concurrent use.
//
// A nil *Operation behaves as an already-completed operation with no result.
type Operation struct {
	id string

	mu     sync.Mutex
	done   chan struct{}
	state  OpState
	result *Value
	err    *Error

	// onCancel propagates best-effort cancellation to the transport.
	onCancel func()
}

// newOperation returns a pending operation carrying a request id.
func newOperation(id string) *Operation {
	return &Operation{id: id, done: make(chan struct{})}
}

// ID returns the request id stamped on the operation.
func (o *Operation) ID() string {
	if o == nil {
		return ""
	}
	return o.id
}

// complete moves the operation to Completed with the given result.
// It is a no-op if the operation is already terminal.
func (o *Operation) complete(result *Value) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != OpPending {
		return
	}
	o.state = OpCompleted
	o.result = result
	close(o.done)
}

// fail moves the operation to Failed carrying the remote error message.
func (o *Operation) fail(err *Error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != OpPending {
		return
	}
	o.state = OpFailed
	o.err = err
	close(o.done)
}

// State returns the current lifecycle state.
func (o *Operation) State() OpState {
	if o == nil {
		return OpCompleted
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// IsDone reports whether the operation reached a terminal state. It is a
// zero-duration probe and never blocks.
func (o *Operation) IsDone() bool {
	if o == nil {
		return true
	}
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the operation reaches a terminal state or the timeout
// expires. A non-positive timeout is an immediate probe. It returns true when
// terminal; false reports only expiry, never failure.
func (o *Operation) Wait(timeout time.Duration) bool {
	if o == nil {
		return true
	}
	if timeout <= 0 {
		return o.IsDone()
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-o.done:
		return true
	case <-t.C:
		return false
	}
}

// Await blocks like Wait and then returns the operation's result. Expiry
// fails with CodeTimeout; a failed operation returns the remote error.
func (o *Operation) Await(timeout time.Duration) (*Value, error) {
	if !o.Wait(timeout) {
		return nil, errorf(CodeTimeout, "operation %s not done within %v", o.ID(), timeout)
	}
	return o.Result()
}

// WaitForCompletion blocks for up to timeoutMillis milliseconds, returning
// true if the operation is terminal within the window.
func (o *Operation) WaitForCompletion(timeoutMillis int64) bool {
	return o.Wait(time.Duration(timeoutMillis) * time.Millisecond)
}

// Result returns the operation's result value. Before completion it fails
// with CodeResultNotReady; after a failure it returns the remote error; after
// cancellation it fails with ErrCancelled. A completed operation with no
// payload returns nil, nil.
func (o *Operation) Result() (*Value, error) {
	if o == nil {
		return nil, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case OpPending:
		return nil, errorf(CodeResultNotReady, "operation %s still pending", o.id)
	case OpFailed:
		return nil, o.err
	case OpCancelled:
		return nil, ErrCancelled
	default:
		return o.result, nil
	}
}

// Cancel requests best-effort cancellation. It is idempotent; cancelling a
// terminal operation has no effect. There is no completion race: the first
// terminal transition wins and later ones are dropped.
func (o *Operation) Cancel() {
	if o == nil {
		return
	}
	o.mu.Lock()
	if o.state != OpPending {
		o.mu.Unlock()
		return
	}
	o.state = OpCancelled
	onCancel := o.onCancel
	close(o.done)
	o.mu.Unlock()

	if onCancel != nil {
		onCancel()
	}
}
