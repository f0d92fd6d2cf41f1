// Package wsync keeps a server-side object graph and a remote client in
// continuous state agreement over a long-lived, reconnectable duplex
// channel. Clients observe server state as a JSON document; the server
// ships only the deltas since the last acknowledged snapshot, encoded as
// RFC 6902 JSON Patch. Clients may additionally invoke server-side
// behavior through short request/response actions and long-running,
// cancellable tasks.
//
// The transport, the host web framework, the validator backend, and any
// client library are pluggable ports. This package implements the core
// engine: dispatch, projection/diff/patch, the synced-unit registry, and
// session lifecycle across reconnects.
package wsync
