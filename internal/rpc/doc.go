// Package rpc implements a duplex call protocol on top of a channel.Channel.
//
// Either side of a channel can invoke named operations on the other side in
// one of two ways:
//   - Emit: fire-and-forget. No correlation id, no pending entry, no reply.
//     The peer silently drops events it has no handler for.
//   - Call: request/response. A fresh correlation id is registered in the
//     pending table and a timer is armed (DefaultTimeout unless overridden).
//     Exactly one of result, remote error, timeout or teardown settles it.
//
// Inbound requests always receive exactly one result envelope. A missing
// handler, a permission denial from the Gate, a handler error or a handler
// panic are all reported to the caller as error results; none of them is a
// protocol-level fault.
//
// Event handlers run on the peer's read loop, in arrival order, and must not
// block on Call against the same peer. Request handlers run concurrently.
package rpc
