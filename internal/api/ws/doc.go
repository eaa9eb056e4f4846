// Package ws streams executions over WebSocket.
//
// A client connects to /sessions/:id/stream and sends JSON frames:
//
//	{"type": "execute", "code": "print(1)"}
//	{"type": "ping"}
//
// The server answers an execute frame with any number of "output" and
// "trace" frames followed by one "result" frame carrying the same body as
// the REST execute endpoint. Requests that cannot be run at all produce an
// "error" frame.
package ws
