// SPDX-License-Identifier: Apache-2.0

package pvaccess

import "fmt"

// ErrorCode classifies a PV access failure.
type ErrorCode string

const (
	// CodeValueInvalid reports a field access on an invalid (empty) Value.
	CodeValueInvalid ErrorCode = "ValueInvalid"
	// CodeFieldNotFound reports a lookup of an unknown field path.
	CodeFieldNotFound ErrorCode = "FieldNotFound"
	// CodeTypeMismatch reports a typed access against a leaf of another kind.
	CodeTypeMismatch ErrorCode = "TypeMismatch"
	// CodeSchemaMismatch reports a post or put whose shape differs from the
	// template fixed at open time.
	CodeSchemaMismatch ErrorCode = "SchemaMismatch"
	// CodeEnumIndexOutOfRange reports an enum index outside [0, choiceCount).
	CodeEnumIndexOutOfRange ErrorCode = "EnumIndexOutOfRange"
	// CodeTimeout reports an expired wait. Retryable.
	CodeTimeout ErrorCode = "Timeout"
	// CodeOperationFailed carries the remote end's error message verbatim.
	CodeOperationFailed ErrorCode = "OperationFailed"
	// CodeResultNotReady reports a Result() call before completion.
	CodeResultNotReady ErrorCode = "ResultNotReady"
	// CodeSubscriptionClosed reports a pop on a cancelled monitor.
	CodeSubscriptionClosed ErrorCode = "SubscriptionClosed"
	// CodeNoUpdateAvailable reports an empty queue on a bounded wait. Retryable.
	CodeNoUpdateAvailable ErrorCode = "NoUpdateAvailable"
	// CodeNotOpen reports an operation on an unopened or closed shared PV.
	CodeNotOpen ErrorCode = "NotOpen"
	// CodeConnectionLost reports a severed channel to the PV.
	CodeConnectionLost ErrorCode = "ConnectionLost"
)

// ErrPva is a sentinel for use with errors.Is to check whether any error in a
// chain is a *Error.
var ErrPva = &Error{}

// Error represents a failure in the PV access data plane.
type Error struct {
	Code    ErrorCode
	Message string
	PV      string // PV name the failure relates to, if any
}

func (e *Error) Error() string {
	if e.PV != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.PV, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is supports errors.Is in two forms: against the ErrPva sentinel (any
// *Error matches) and against a code-only target (&Error{Code: ...}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// errorf builds a coded error with a formatted message.
func errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// pvErrorf builds a coded error bound to a PV name.
func pvErrorf(code ErrorCode, pv, format string, args ...any) *Error {
	return &Error{Code: code, PV: pv, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}
