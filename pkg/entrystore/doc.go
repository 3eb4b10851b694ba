// Package entrystore provides type-safe Go definitions and Redis schema patterns
// for Drey analysis entries.
//
// # Overview
//
// The entry store is the single owner of persisted record state in Drey. Every
// analysis entry (a structured record describing one process deviation) is stored
// as a Redis hash, stamped with a monotonically increasing version number that is
// incremented exactly once per successful write.
//
// # Optimistic Concurrency
//
// Writes are version-checked: a caller supplies the version it last observed, and
// the store commits only if the stored version still matches. The check and the
// write execute inside a single WATCH/MULTI/EXEC window, so there is no gap in
// which a third writer can interleave between "compare" and "commit". A mismatch
// produces a Conflict value carrying the full server-side snapshot; it is an
// expected outcome, not an error.
//
// # Events
//
// Successful writes publish domain events (entry:created, entry:updated,
// entry:deleted, risk:updated) on a per-analysis Pub/Sub channel. Delivery is
// at-least-once with no replay buffer: a subscriber that is absent when an event
// is published simply misses it.
//
// # Multi-Instance Support
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so that
// multiple Drey instances can safely coexist on a single Redis server.
//
// # Redis Schema
//
// Entries:        drey:{instance_name}:entry:{entry_id}
// Analysis index: drey:{instance_name}:analysis:{analysis_id}:entries
// Event channel:  drey:{instance_name}:analysis:{analysis_id}:events
package entrystore
