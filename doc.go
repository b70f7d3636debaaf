// Package qconn implements the client-side query connection core of a
// driver that speaks a length-prefixed, JSON-framed RPC protocol to a
// remote query server. It multiplexes many in-flight queries over one
// TCP connection, delivers results synchronously to blocking callers or
// asynchronously to reactive Handlers, and presents paged sequence
// results as lazy, restartable-on-demand Cursors.
//
// The query-building DSL that produces a query body, JSON response
// normalization beyond format-option application, and the reactor event
// loop itself are external collaborators; qconn only requires a Reactor
// capable of scheduling a deferred callback and exposing a shutdown hook.
package qconn
