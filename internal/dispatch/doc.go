// Package dispatch runs the local tool host: a serial JSON-RPC loop over a
// line-delimited byte stream, usually the process's own stdin/stdout.
//
// The loop reads one line, decodes it, dispatches the method against a
// tool.Registry, writes exactly one response line and records one audit
// event. It then goes back to reading. Nothing runs concurrently: a slow
// tool stalls the requests queued behind it, and the loop itself enforces no
// timeout.
//
// Methods:
//   - initialize → {serverName, protocol:"jsonrpc2"}
//   - tools/list → {tools:[...]} in registration order
//   - tools/call → params {name, args|arguments}; result is the tool's return value
//   - shutdown   → {ok:true}, then the loop returns after the write
//
// Failure handling:
//   - Undecodable line → -32700 with a null id
//   - Wrong jsonrpc version or missing method → -32600
//   - Unknown method → -32601
//   - Params that are not an object, or a tools/call without a name → -32602
//   - Tool error or panic → -32000 with data.trace
//   - End of input → Serve returns nil
//   - Read or write failure → Serve returns a *protocol.TransportError
//
// Envelopes without an id member are notifications: they are dispatched and
// audited but never answered.
//
// Timing for audit and metrics starts when a line has been read and stops
// when its response write returns, so idle time waiting for input is not
// counted.
package dispatch
