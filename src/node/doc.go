// Package node implements the session and topic-transport core of a robomesh
// node.
//
// A Session is the top-level state machine (Stopped, Running, Shutdown) that
// lets a process discover peers through the central registry, stream typed
// messages over long-lived topic connections, and perform one-shot typed
// remote procedure calls. It owns a registry client, a streaming TCP listener,
// a registry-callback HTTP endpoint, and three maps: publications,
// subscriptions, and services. The maps are mutated only under the session
// lock, which is never held across a callback invocation or a blocking
// network operation, so callbacks are free to call back into Publish or
// Subscribe without deadlocking.
//
// Topics
//
// Advertise records a Publication and registers it with the registry. Remote
// subscribers connect to the session's streaming listener, perform the wire
// handshake (cf the wire package), and are added to the Publication's
// connection set. Publish encodes the message once and fans it out to every
// live connection; a broken connection never prevents delivery to the others
// and is pruned lazily.
//
// Subscribe records a Subscription, asks the registry for the topic's current
// publishers, and opens one connection to each. Every connection runs its own
// read loop, decoding frames and pushing messages onto the subscription's
// bounded delivery queue; when the queue is full, the reader blocks, which
// propagates backpressure to the remote publisher's write. A single
// dispatcher goroutine per subscription drains the queue and invokes all
// registered callbacks in registration order, so at most one callback per
// topic is ever active. Messages from a single publisher connection are
// delivered in the order they were written; no order is defined across
// publishers.
//
// Services
//
// RegisterService installs a handler behind the same streaming listener; the
// handshake names the service instead of a topic. CallService looks up the
// provider through the registry, dials it, and performs exactly one
// request/response exchange with no retry.
//
// Shutdown
//
// Shutdown is terminal and idempotent. It stops the callback endpoint, closes
// the listener, then unregisters and closes every publication, subscription
// (joining its dispatcher), and service. Registry or socket failures during
// teardown are logged and skipped; shutdown always runs to completion.
package node
