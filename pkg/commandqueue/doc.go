// Package commandqueue runs tasks on named lanes with FIFO ordering per lane.
//
// Invariants:
//   - Tasks in the same lane execute one at a time, in submission order.
//   - Tasks in different lanes may execute concurrently.
//   - A lane exists only while it has queued or running work.
//   - A request id is accepted at most once within the dedup window.
package commandqueue
