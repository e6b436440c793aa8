// SPDX-License-Identifier: Apache-2.0

package pvaccess

// Custom metadata keys stamped on every frame's record batch.
const (
	// MetaOp is the operation name: get, put, rpc, info, monitor.
	MetaOp = "pva.op"
	// MetaPV is the target PV name.
	MetaPV = "pva.pv"
	// MetaRequestID is the client-assigned request id (UUID).
	MetaRequestID = "pva.request_id"
	// MetaEvent carries a monitor lifecycle event name on push frames.
	MetaEvent = "pva.event"
	// MetaErrorCode carries the failure code on error frames.
	MetaErrorCode = "pva.error"
	// MetaErrorMessage carries the failure message on error frames.
	MetaErrorMessage = "pva.error_message"
	// MetaProtocolVersion is the frame format version.
	MetaProtocolVersion = "pva.version"
)

// ProtocolVersion is the current frame format version.
const ProtocolVersion = "1"

// Operation names carried in MetaOp.
const (
	opGet     = "get"
	opInfo    = "info"
	opPut     = "put"
	opRPC     = "rpc"
	opMonitor = "monitor"
)
