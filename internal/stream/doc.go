// Package stream manages metric sessions: one engine per client session,
// sequence-based reorder dropping, lifecycle events on an event bus and
// automatic cleanup of idle sessions based on a configurable timeout.
package stream
