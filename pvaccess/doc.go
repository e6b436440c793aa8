// SPDX-License-Identifier: Apache-2.0

// Package pvaccess implements a data-plane bridge for process-variable (PV)
// clients and servers in the EPICS pvAccess style.
//
// Values are schema-carrying records ([Value]) whose leaves are addressed by
// dotted paths such as "value", "value.index" or "alarm.severity". The leaf
// kinds form a closed set: bool, int32, int64, float64, int16 enumeration and
// string, each as a scalar or (for int32, float64 and string) an array.
// Typed constructors build normative-type records with alarm and timeStamp
// blocks, plus optional display, control and valueAlarm metadata.
//
// # Client side
//
// A [Context] issues operations over a [Transport]:
//
//   - [Context.Get] and [Context.Info] fetch a PV's value or schema.
//   - The typed Put methods write a PV's value leaf.
//   - [Context.Monitor] and [Context.MonitorBuilder] subscribe to a PV,
//     delivering data and lifecycle events through one FIFO queue
//     ([Monitor]).
//   - [Context.Rpc] builds a named-argument RPC call ([RpcCall]).
//
// Synchronous calls take an explicit timeout; asynchronous variants return an
// [Operation], a one-shot handle that is polled, waited on or cancelled.
//
// # Server side
//
// A [Server] routes operations to [SharedPV] instances grouped in
// [StaticSource] mappings and to registered [RPCHandler] functions. Opening a
// shared PV fixes its value schema; every later post must match it exactly,
// and a put is validated by the optional OnPut handler before it commits.
//
// # Wire format
//
// Frames cross the [Transport] boundary as single-batch Arrow IPC streams.
// Record shapes map to Arrow schemas field by field; enumerations travel as
// Int16-indexed string dictionaries carrying their choice list. Routing and
// error information rides in per-batch custom metadata (the pva.* keys). The
// bundled [Loopback] transport compresses every frame with zstd so in-process
// exchanges exercise the full wire path.
//
// # Observability
//
// [OpHook] implementations wrap server dispatch. The pvaccess/otel subpackage
// installs an OpenTelemetry hook providing spans and metrics per operation.
package pvaccess
