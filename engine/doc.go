// Package engine orchestrates turn-based multi-agent discussions: speaker
// selection under three policies, idempotent turn execution with
// cooperative cancellation, user interjections, incremental result
// aggregation, and advisory per-conversation locking.
package engine
