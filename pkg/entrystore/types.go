package entrystore

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Identity is the opaque authenticated identity attached to every call.
// Authentication itself happens upstream; the store only records who acted.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Validate checks that the identity carries a user ID.
func (i Identity) Validate() error {
	if i.UserID == "" {
		return fmt.Errorf("identity user ID cannot be empty")
	}
	return nil
}

// Entry represents one analysis entry - the shared mutable unit that multiple
// analysts edit concurrently. The version number forms a total order consistent
// with commit order: it starts at 1 on creation, is incremented exactly once per
// successful write, and is never decremented or reused.
type Entry struct {
	ID               string         `json:"id"`                 // UUID - unique identifier for this entry
	AnalysisID       string         `json:"analysis_id"`        // The analysis this entry belongs to
	Version          int            `json:"version"`            // Incrementing version number (starts at 1)
	Fields           map[string]any `json:"fields"`             // Free-form payload fields, applied atomically as a set
	CreatedBy        string         `json:"created_by"`         // User ID of the creator
	CreatedAtMs      int64          `json:"created_at_ms"`      // Unix timestamp in milliseconds
	LastModifiedBy   string         `json:"last_modified_by"`   // User ID of the most recent successful writer
	LastModifiedAtMs int64          `json:"last_modified_at_ms"` // Unix timestamp in milliseconds of the last commit
}

// Validate checks if the Entry has valid field values.
// Returns an error if any validation fails.
func (e *Entry) Validate() error {
	if !isValidUUID(e.ID) {
		return fmt.Errorf("invalid entry ID: not a valid UUID")
	}

	if e.AnalysisID == "" {
		return fmt.Errorf("analysis ID cannot be empty")
	}

	if e.Version < 1 {
		return fmt.Errorf("invalid version: must be >= 1, got %d", e.Version)
	}

	if e.CreatedBy == "" {
		return fmt.Errorf("created_by cannot be empty")
	}

	return nil
}

// Clone returns a deep copy of the entry. The store hands out clones so callers
// can never mutate stored state through a shared Fields map.
func (e *Entry) Clone() *Entry {
	clone := *e
	clone.Fields = make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		clone.Fields[k] = v
	}
	return &clone
}

// ConflictKind identifies which operation was rejected by the version check.
type ConflictKind string

const (
	// ConflictKindUpdate indicates a rejected field update
	ConflictKindUpdate ConflictKind = "update"

	// ConflictKindDelete indicates a rejected delete
	ConflictKindDelete ConflictKind = "delete"
)

// Conflict is produced when a write is rejected because the caller's expected
// version no longer matches the stored version. It is ephemeral: created inside
// the failed write attempt, returned to the caller, never persisted. A human
// resolves it by retrying against the current version or discarding the change.
type Conflict struct {
	Kind             ConflictKind   `json:"kind"`
	EntryID          string         `json:"entry_id"`
	ExpectedVersion  int            `json:"expected_version"`
	CurrentVersion   int            `json:"current_version"`
	ServerData       *Entry         `json:"server_data"`                // Snapshot read inside the same WATCH window
	ClientChanges    map[string]any `json:"client_changes,omitempty"`   // The changes the loser attempted
	ConflictingUser  string         `json:"conflicting_user"`           // Whoever won the race
	ConflictedAtMs   int64          `json:"conflicted_at_ms"`           // When the winning write committed
}

// Resolution is how a human settles a surfaced conflict. Conflicting writes are
// never merged silently.
type Resolution string

const (
	// ResolutionAcceptServer keeps the server's data unchanged
	ResolutionAcceptServer Resolution = "accept_server"

	// ResolutionAcceptClient applies the client's data over the server's
	ResolutionAcceptClient Resolution = "accept_client"

	// ResolutionMerge applies caller-supplied merged data. The server performs
	// no field-level merging itself; the merged result arrives fully formed.
	ResolutionMerge Resolution = "merge"
)

// Validate checks if the Resolution is a valid enum value.
func (r Resolution) Validate() error {
	switch r {
	case ResolutionAcceptServer, ResolutionAcceptClient, ResolutionMerge:
		return nil
	default:
		return fmt.Errorf("unknown resolution: %q", r)
	}
}

// EventType names a realtime domain event. Events use verb:noun pairs and are
// always scoped to exactly one analysis (and therefore one room).
type EventType string

const (
	// EventUserJoined is broadcast when a participant joins a room
	EventUserJoined EventType = "user:joined"

	// EventUserLeft is broadcast when a participant leaves or disconnects
	EventUserLeft EventType = "user:left"

	// EventCursorMoved is broadcast when a participant's cursor position changes
	EventCursorMoved EventType = "cursor:moved"

	// EventRoomUsers carries the full participant list, sent to a socket on join
	EventRoomUsers EventType = "room:users"

	// EventEntryCreated is broadcast after an entry is created
	EventEntryCreated EventType = "entry:created"

	// EventEntryUpdated is broadcast after a successful version-checked update
	EventEntryUpdated EventType = "entry:updated"

	// EventEntryDeleted is broadcast after a successful version-checked delete
	EventEntryDeleted EventType = "entry:deleted"

	// EventRiskUpdated is broadcast when an update touches risk fields
	EventRiskUpdated EventType = "risk:updated"

	// EventConflict is broadcast when a write is rejected by the version check
	EventConflict EventType = "entry:conflict"

	// EventConflictResolved is broadcast when a human settles a conflict
	EventConflictResolved EventType = "entry:conflict-resolved"
)

// Validate checks if the EventType is a valid enum value.
func (et EventType) Validate() error {
	switch et {
	case EventUserJoined, EventUserLeft, EventCursorMoved, EventRoomUsers,
		EventEntryCreated, EventEntryUpdated, EventEntryDeleted,
		EventRiskUpdated, EventConflict, EventConflictResolved:
		return nil
	default:
		return fmt.Errorf("unknown event type: %q", et)
	}
}

// Event is one realtime message on an analysis channel. Payload carries the
// event-specific JSON body (an entry snapshot, a conflict record, presence data).
type Event struct {
	Type        EventType       `json:"type"`
	AnalysisID  string          `json:"analysis_id"`
	Actor       string          `json:"actor,omitempty"` // User ID that caused the event, when there is one
	Payload     json.RawMessage `json:"payload,omitempty"`
	EmittedAtMs int64           `json:"emitted_at_ms"`
}

// Validate checks if the Event has valid field values.
func (ev *Event) Validate() error {
	if err := ev.Type.Validate(); err != nil {
		return err
	}
	if ev.AnalysisID == "" {
		return fmt.Errorf("event analysis ID cannot be empty")
	}
	return nil
}

// riskFields are the payload keys whose changes additionally emit risk:updated.
var riskFields = map[string]struct{}{
	"severity":   {},
	"likelihood": {},
	"risk_score": {},
}

// TouchesRisk reports whether a change set modifies any risk field.
func TouchesRisk(changes map[string]any) bool {
	for key := range changes {
		if _, ok := riskFields[key]; ok {
			return true
		}
	}
	return false
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
