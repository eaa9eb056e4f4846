// Package types provides the data structures shared between the guest engine,
// the brokers, and the API layer.
//
// Channel Types (guest -> host):
//   - CallbackRequest: named callback invocation with a one-shot reply channel
//   - NetRequest: sealed union of TCP/TLS operations (TCPConnect, TLSRead, ...)
//   - TraceRequest: raw trace event as emitted by the guest runtime
//   - OutputChunk: a write to the guest's stdout or stderr
//
// Reply Types (host -> guest):
//   - CallbackReply, HandleReply, ReadReply, WriteReply
//   - ReplyError, NetError: typed, guest-visible failures
//
// Result Types:
//   - TraceEvent: parsed and scrubbed trace event
//   - ExecuteRequest, ExecuteResponse, WSMessage: API payloads
//
// Every reply channel is buffered with capacity one and written exactly once,
// so a broker never blocks on a guest that has stopped listening.
package types
