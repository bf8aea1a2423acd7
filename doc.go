// Package ari implements the client core for an Asterisk REST Interface
// style call-control server: a persistent WebSocket event stream plus an
// HTTP request/response channel for control operations.
//
// A Client owns one Session. The session's read loop parses inbound
// events and hands them to a dispatcher goroutine, which resolves the
// referenced resources (creating handles for first-seen ids), invokes
// matching listeners, and tombstones handles on terminal events.
// Dispatch order is deterministic: session-global listeners first, then
// resource-scoped listeners, each group in registration order. Events
// for the same resource id are always delivered in the order the server
// sent them.
//
// Control operations (answer, play, control, hangup) are issued through
// the session's pending-operation table. Each call suspends its caller
// until the response arrives, the request times out (ErrTimeout), or the
// session is closed (ErrSessionClosed).
//
// Known gaps: events that arrive while the stream is disconnected are
// lost; reconnection re-registers application names but does not replay
// missed events. Slow channel subscribers (Subscribe) may drop events
// once their buffer fills; callback listeners (On) never drop.
package ari
