// Package conflict implements optimistic-concurrency conflict detection for
// analysis entries: version-checked writes, a non-locking staleness probe, and
// human-driven conflict resolution. Conflicting writes are surfaced, never
// silently merged.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/dreylabs/drey/pkg/entrystore"
)

// resolveRetries bounds how many times Resolve re-applies against a fresh
// version when another writer interleaves mid-resolution.
const resolveRetries = 3

// Detector wraps the entry store's version-checked primitives and owns the
// conflict event surface: every rejected write is broadcast to the entry's
// analysis room, and resolutions are broadcast once settled.
type Detector struct {
	store *entrystore.Client
}

// NewDetector creates a conflict detector backed by the given entry store.
func NewDetector(store *entrystore.Client) *Detector {
	return &Detector{store: store}
}

// AttemptUpdate performs a version-checked update of an entry.
//
// The version compare and the mutation execute in the same WATCH window inside
// the store, so no third party can interleave between check and write. Outcomes:
//
//   - applied: non-nil entry, the new version is exactly expectedVersion+1
//   - conflict: non-nil conflict carrying the server snapshot read inside the
//     same window; an entry:conflict event is broadcast to the room
//   - error: not-found, busy, or storage failure (use entrystore.IsNotFound /
//     entrystore.IsBusy to classify)
//
// A conflict is an expected outcome of collaboration, not a failure: it is
// returned as data and never logged as an error.
func (d *Detector) AttemptUpdate(ctx context.Context, entryID string, expectedVersion int, changes map[string]any, actor entrystore.Identity) (*entrystore.Entry, *entrystore.Conflict, error) {
	entry, conflict, err := d.store.UpdateEntry(ctx, entryID, expectedVersion, changes, actor)
	if err != nil {
		return nil, nil, err
	}

	if conflict != nil {
		d.broadcastConflict(ctx, conflict, actor)
		d.logEvent("conflict_detected", map[string]interface{}{
			"entry_id":         conflict.EntryID,
			"expected_version": conflict.ExpectedVersion,
			"current_version":  conflict.CurrentVersion,
			"loser":            actor.UserID,
			"winner":           conflict.ConflictingUser,
		})
		return nil, conflict, nil
	}

	d.logEvent("update_applied", map[string]interface{}{
		"entry_id": entry.ID,
		"version":  entry.Version,
		"actor":    actor.UserID,
	})

	return entry, nil, nil
}

// AttemptDelete performs a version-checked delete with the same conflict
// semantics as AttemptUpdate.
func (d *Detector) AttemptDelete(ctx context.Context, entryID string, expectedVersion int, actor entrystore.Identity) (*entrystore.Conflict, error) {
	conflict, err := d.store.DeleteEntry(ctx, entryID, expectedVersion, actor)
	if err != nil {
		return nil, err
	}

	if conflict != nil {
		d.broadcastConflict(ctx, conflict, actor)
		d.logEvent("conflict_detected", map[string]interface{}{
			"entry_id":         conflict.EntryID,
			"kind":             string(conflict.Kind),
			"expected_version": conflict.ExpectedVersion,
			"current_version":  conflict.CurrentVersion,
		})
	}

	return conflict, nil
}

// StalenessReport is the result of a non-locking version probe, used by
// clients to show staleness before the user even submits. It mutates nothing
// and is explicitly allowed to be stale by the time the caller reads it.
type StalenessReport struct {
	EntryID          string `json:"entry_id"`
	ObservedVersion  int    `json:"observed_version"`
	CurrentVersion   int    `json:"current_version"`
	Stale            bool   `json:"stale"`
	LastModifiedBy   string `json:"last_modified_by"`
	LastModifiedAtMs int64  `json:"last_modified_at_ms"`
}

// CheckStaleness compares an observed version against the last-committed
// version without taking any lock.
func (d *Detector) CheckStaleness(ctx context.Context, entryID string, observedVersion int) (*StalenessReport, error) {
	entry, err := d.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	return &StalenessReport{
		EntryID:          entryID,
		ObservedVersion:  observedVersion,
		CurrentVersion:   entry.Version,
		Stale:            entry.Version != observedVersion,
		LastModifiedBy:   entry.LastModifiedBy,
		LastModifiedAtMs: entry.LastModifiedAtMs,
	}, nil
}

// ResolvedPayload is the body of an entry:conflict-resolved event.
type ResolvedPayload struct {
	EntryID    string                 `json:"entry_id"`
	Resolution entrystore.Resolution  `json:"resolution"`
	FinalData  map[string]any         `json:"final_data"`
	ResolvedBy string                 `json:"resolved_by"`
}

// Resolve settles a previously surfaced conflict.
//
// accept_server keeps the stored state untouched and only broadcasts the
// resolution. accept_client and merge apply the caller-supplied finalData as a
// fresh version-checked write against the current version; the server never
// computes a merge itself. If yet another writer interleaves during resolution
// the write is retried against the newest version, bounded by resolveRetries.
func (d *Detector) Resolve(ctx context.Context, entryID string, resolution entrystore.Resolution, finalData map[string]any, actor entrystore.Identity) (*entrystore.Entry, error) {
	if err := resolution.Validate(); err != nil {
		return nil, err
	}

	var resolved *entrystore.Entry

	switch resolution {
	case entrystore.ResolutionAcceptServer:
		entry, err := d.store.GetEntry(ctx, entryID)
		if err != nil {
			return nil, err
		}
		resolved = entry

	case entrystore.ResolutionAcceptClient, entrystore.ResolutionMerge:
		if len(finalData) == 0 {
			return nil, fmt.Errorf("resolution %q requires final data", resolution)
		}

		entry, err := d.applyResolvedData(ctx, entryID, finalData, actor)
		if err != nil {
			return nil, err
		}
		resolved = entry
	}

	payload, err := json.Marshal(ResolvedPayload{
		EntryID:    entryID,
		Resolution: resolution,
		FinalData:  resolved.Fields,
		ResolvedBy: actor.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resolution payload: %w", err)
	}

	if err := d.store.PublishEvent(ctx, &entrystore.Event{
		Type:       entrystore.EventConflictResolved,
		AnalysisID: resolved.AnalysisID,
		Actor:      actor.UserID,
		Payload:    payload,
	}); err != nil {
		return nil, err
	}

	d.logEvent("conflict_resolved", map[string]interface{}{
		"entry_id":   entryID,
		"resolution": string(resolution),
		"actor":      actor.UserID,
		"version":    resolved.Version,
	})

	return resolved, nil
}

// applyResolvedData writes finalData against the freshest version, retrying
// when a concurrent writer interleaves mid-resolution.
func (d *Detector) applyResolvedData(ctx context.Context, entryID string, finalData map[string]any, actor entrystore.Identity) (*entrystore.Entry, error) {
	for attempt := 0; attempt < resolveRetries; attempt++ {
		current, err := d.store.GetEntry(ctx, entryID)
		if err != nil {
			return nil, err
		}

		entry, conflict, err := d.store.UpdateEntry(ctx, entryID, current.Version, finalData, actor)
		if err != nil {
			return nil, err
		}
		if conflict == nil {
			return entry, nil
		}
		// Another writer got in between the read and the write; pick up
		// the newer version and try again.
	}

	return nil, entrystore.ErrBusy
}

// broadcastConflict publishes an entry:conflict event to the entry's analysis room.
// Broadcast failures are logged and swallowed: the caller already holds the
// conflict record, and realtime delivery is best-effort.
func (d *Detector) broadcastConflict(ctx context.Context, conflict *entrystore.Conflict, actor entrystore.Identity) {
	payload, err := json.Marshal(conflict)
	if err != nil {
		log.Printf("[ConflictDetector] Failed to marshal conflict event: %v", err)
		return
	}

	if err := d.store.PublishEvent(ctx, &entrystore.Event{
		Type:       entrystore.EventConflict,
		AnalysisID: conflict.ServerData.AnalysisID,
		Actor:      actor.UserID,
		Payload:    payload,
	}); err != nil {
		log.Printf("[ConflictDetector] Failed to publish conflict event: %v", err)
	}
}

// logEvent logs a structured event in JSON format.
func (d *Detector) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "conflict-detector"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[ConflictDetector] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
