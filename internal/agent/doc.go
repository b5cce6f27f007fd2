// Package agent implements the TunnelAgent: a per-client pool of reusable
// TCP tunnel sockets that acts as an HTTP connection source for a reverse
// proxy.
//
// An Agent owns a listening TCP socket on an ephemeral (or configured
// range) port. Remote clients dial that port; each accepted connection is
// admitted into a FIFO of available sockets, or handed directly to a
// parked waiter if one is already queued. Consumers obtain a socket
// through CreateConnection, which blocks until a socket is available, the
// agent closes, or an optional queue timeout elapses.
//
// The available/waiters invariant (never both non-empty), the
// connectedSockets bookkeeping, and the admission/close-cascade algorithms
// are all serialized behind a single per-agent mutex, matching the
// "per-agent serialization" concurrency model.
package agent
