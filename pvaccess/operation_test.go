// SPDX-License-Identifier: Apache-2.0

package pvaccess

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilOperationBehavesCompleted(t *testing.T) {
	var op *Operation
	assert.True(t, op.IsDone())
	assert.True(t, op.Wait(time.Second))
	assert.True(t, op.WaitForCompletion(1000))
	assert.Equal(t, OpCompleted, op.State())

	val, err := op.Result()
	require.NoError(t, err)
	assert.Nil(t, val)

	op.Cancel() // must not panic
}

func TestOperationLifecycle(t *testing.T) {
	op := newOperation("req-1")
	assert.Equal(t, OpPending, op.State())
	assert.False(t, op.IsDone())

	_, err := op.Result()
	assert.True(t, IsCode(err, CodeResultNotReady))

	op.complete(NewInt32(5, nil))
	assert.True(t, op.IsDone())
	assert.Equal(t, OpCompleted, op.State())

	val, err := op.Result()
	require.NoError(t, err)
	got, err := val.Int32("value")
	require.NoError(t, err)
	assert.Equal(t, int32(5), got)
}

func TestOperationWaitTimeoutIsBounded(t *testing.T) {
	op := newOperation("req-2")
	start := time.Now()
	done := op.Wait(50 * time.Millisecond)
	elapsed := time.Since(start)

	assert.False(t, done)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestOperationAwait(t *testing.T) {
	op := newOperation("req-7")
	_, err := op.Await(20 * time.Millisecond)
	assert.True(t, IsCode(err, CodeTimeout))

	op.complete(NewFloat64(1.25, nil))
	val, err := op.Await(time.Second)
	require.NoError(t, err)
	got, err := val.Float64("value")
	require.NoError(t, err)
	assert.Equal(t, 1.25, got)
}

func TestOperationFailureCarriesRemoteMessage(t *testing.T) {
	op := newOperation("req-3")
	op.fail(errorf(CodeOperationFailed, "remote says no"))

	_, err := op.Result()
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeOperationFailed))
	assert.Contains(t, err.Error(), "remote says no")
}

func TestOperationTerminalStateIsSticky(t *testing.T) {
	op := newOperation("req-4")
	op.complete(NewInt32(1, nil))

	// Later transitions are dropped.
	op.fail(errorf(CodeOperationFailed, "too late"))
	op.Cancel()

	assert.Equal(t, OpCompleted, op.State())
	val, err := op.Result()
	require.NoError(t, err)
	require.NotNil(t, val)
}

func TestOperationCancelCompleteRace(t *testing.T) {
	for range 50 {
		op := newOperation("req-5")
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			op.Cancel()
		}()
		go func() {
			defer wg.Done()
			op.complete(NewInt32(1, nil))
		}()
		wg.Wait()

		state := op.State()
		assert.True(t, state == OpCancelled || state == OpCompleted)
		assert.True(t, op.IsDone())

		// Cancel stays idempotent whatever won.
		op.Cancel()
		assert.Equal(t, state, op.State())
	}
}

func TestOperationCancelPropagates(t *testing.T) {
	op := newOperation("req-6")
	var called bool
	op.onCancel = func() { called = true }

	op.Cancel()
	assert.True(t, called)
	assert.Equal(t, OpCancelled, op.State())

	_, err := op.Result()
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestCancelledResultIsNotARemoteFailure(t *testing.T) {
	op := newOperation("req-8")
	op.Cancel()

	_, err := op.Result()
	require.ErrorIs(t, err, ErrCancelled)
	assert.False(t, IsCode(err, CodeOperationFailed),
		"cancellation must not read as a remote error")
	assert.False(t, errors.Is(err, ErrPva))
}
