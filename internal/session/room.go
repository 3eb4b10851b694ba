// Package session implements live collaboration rooms for analyses: one room
// per analysis, each room a single-goroutine actor that exclusively owns its
// participant set, plus a manager that owns the analysis-to-room mapping.
//
// Presence is ephemeral: rooms live only in process memory, and a restart
// drops live rooms without touching the underlying entries.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/dreylabs/drey/pkg/entrystore"
)

// ErrRoomEnded is returned by room operations once the room has reached its
// terminal state. Ended rooms never resurrect; callers create a new room.
var ErrRoomEnded = errors.New("room has ended")

// ErrNotParticipant is returned when a presence operation references an
// identity that is not currently in the room.
var ErrNotParticipant = errors.New("not a participant of this room")

// ErrInvalidTransition is returned for a disallowed room state change.
var ErrInvalidTransition = errors.New("invalid room state transition")

// Status is the lifecycle state of a room.
// Transitions: active -> paused -> active (re-entrant), active|paused -> ended
// (terminal). Transitions are monotonic toward ended.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusEnded  Status = "ended"
)

// Position is a participant's cursor/focus location inside the analysis.
type Position struct {
	EntryID string `json:"entry_id,omitempty"`
	Field   string `json:"field,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

// Participant is one connected user's presence record within a room.
type Participant struct {
	Identity       entrystore.Identity `json:"identity"`
	Cursor         *Position           `json:"cursor,omitempty"`
	JoinedAtMs     int64               `json:"joined_at_ms"`
	LastActiveAtMs int64               `json:"last_active_at_ms"`
}

// Summary is a read-only room snapshot for listing.
type Summary struct {
	RoomID           string `json:"room_id"`
	AnalysisID       string `json:"analysis_id"`
	Status           Status `json:"status"`
	Name             string `json:"name,omitempty"`
	Notes            string `json:"notes,omitempty"`
	CreatedBy        string `json:"created_by"`
	CreatedAtMs      int64  `json:"created_at_ms"`
	EndedAtMs        int64  `json:"ended_at_ms,omitempty"`
	ParticipantCount int    `json:"participant_count"`
}

// EventPublisher publishes realtime events to an analysis channel.
// *entrystore.Client satisfies this.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev *entrystore.Event) error
}

// Room is a collaboration session for one analysis. All mutable state
// (participant set, status, idle tracking) is owned by a single goroutine;
// operations are delivered to it as closures over an unbuffered channel, so
// join/leave/cursor updates for one room are serialized without per-participant
// locks while different rooms run fully independently.
type Room struct {
	id         string
	analysisID string
	name       string
	notes      string
	createdBy  string
	createdAt  time.Time

	idleWindow time.Duration
	publisher  EventPublisher
	onEnded    func(*Room, Summary)

	cmds   chan func()
	closed chan struct{}

	// Owned by the run goroutine
	status       Status
	endedAt      time.Time
	participants map[string]*Participant
	emptySince   time.Time
}

func newRoom(analysisID string, createdBy entrystore.Identity, name, notes string, idleWindow time.Duration, publisher EventPublisher, onEnded func(*Room, Summary)) *Room {
	r := &Room{
		id:           uuid.New().String(),
		analysisID:   analysisID,
		name:         name,
		notes:        notes,
		createdBy:    createdBy.UserID,
		createdAt:    time.Now(),
		idleWindow:   idleWindow,
		publisher:    publisher,
		onEnded:      onEnded,
		cmds:         make(chan func()),
		closed:       make(chan struct{}),
		status:       StatusActive,
		participants: make(map[string]*Participant),
		emptySince:   time.Now(),
	}

	go r.run()
	return r
}

// ID returns the room's unique identifier.
func (r *Room) ID() string { return r.id }

// AnalysisID returns the analysis this room collaborates on.
func (r *Room) AnalysisID() string { return r.analysisID }

// run is the room actor loop. It processes operations one at a time and ends
// the room when it has been empty for the idle window.
func (r *Room) run() {
	idle := time.NewTimer(r.idleWindow)
	defer idle.Stop()

	for {
		select {
		case fn := <-r.cmds:
			fn()

		case <-idle.C:
			if r.status != StatusEnded && len(r.participants) == 0 &&
				!r.emptySince.IsZero() && time.Since(r.emptySince) >= r.idleWindow {
				r.end("idle_timeout")
			}
			idle.Reset(r.idleWindow)
		}

		if r.status == StatusEnded {
			r.drainAndExit()
			return
		}
	}
}

// drainAndExit unblocks senders after the room ends. closed is closed first so
// new callers take the ended path; commands already accepted keep executing
// against the ended state for a short grace period.
func (r *Room) drainAndExit() {
	close(r.closed)

	grace := time.NewTimer(100 * time.Millisecond)
	defer grace.Stop()

	for {
		select {
		case fn := <-r.cmds:
			fn()
		case <-grace.C:
			return
		}
	}
}

// do runs fn on the room goroutine and waits for it. Returns false if the room
// ended before the operation could be delivered. cmds is unbuffered, so a
// successful send guarantees fn executes.
func (r *Room) do(fn func()) bool {
	select {
	case <-r.closed:
		return false
	default:
	}

	done := make(chan struct{})

	select {
	case r.cmds <- func() { fn(); close(done) }:
		<-done
		return true
	case <-r.closed:
		return false
	}
}

// Join adds the identity to the room, or refreshes its presence if it is
// already a participant (rejoining never duplicates). Returns the joining
// participant and a roster snapshot, and broadcasts user:joined for new
// participants.
func (r *Room) Join(ctx context.Context, identity entrystore.Identity) (Participant, []Participant, error) {
	if err := identity.Validate(); err != nil {
		return Participant{}, nil, err
	}

	var joined Participant
	var roster []Participant
	var isNew, ended bool

	ok := r.do(func() {
		if r.status == StatusEnded {
			ended = true
			return
		}
		now := time.Now().UnixMilli()

		p, exists := r.participants[identity.UserID]
		if exists {
			p.Identity = identity
			p.LastActiveAtMs = now
		} else {
			p = &Participant{
				Identity:       identity,
				JoinedAtMs:     now,
				LastActiveAtMs: now,
			}
			r.participants[identity.UserID] = p
			isNew = true
		}
		r.emptySince = time.Time{}

		joined = *p
		roster = r.rosterSnapshot()
	})
	if !ok || ended {
		return Participant{}, nil, ErrRoomEnded
	}

	if isNew {
		r.publish(ctx, entrystore.EventUserJoined, identity.UserID, joined)
	}

	return joined, roster, nil
}

// Leave removes the identity from the room and broadcasts user:left. A room
// left empty is not terminated immediately; it becomes eligible for
// idle-timeout ending.
func (r *Room) Leave(ctx context.Context, identity entrystore.Identity) error {
	var wasParticipant, ended bool

	ok := r.do(func() {
		if r.status == StatusEnded {
			ended = true
			return
		}
		if _, exists := r.participants[identity.UserID]; !exists {
			return
		}
		delete(r.participants, identity.UserID)
		wasParticipant = true

		if len(r.participants) == 0 {
			r.emptySince = time.Now()
		}
	})
	if !ok || ended {
		return ErrRoomEnded
	}
	if !wasParticipant {
		return ErrNotParticipant
	}

	r.publish(ctx, entrystore.EventUserLeft, identity.UserID, map[string]string{
		"user_id": identity.UserID,
	})

	return nil
}

// cursorPayload is the body of a cursor:moved event.
type cursorPayload struct {
	UserID   string   `json:"user_id"`
	Position Position `json:"position"`
}

// UpdateCursor updates the identity's cursor position and last-activity stamp,
// then broadcasts cursor:moved. Nothing is persisted.
func (r *Room) UpdateCursor(ctx context.Context, identity entrystore.Identity, pos Position) error {
	var wasParticipant, ended bool

	ok := r.do(func() {
		if r.status == StatusEnded {
			ended = true
			return
		}
		p, exists := r.participants[identity.UserID]
		if !exists {
			return
		}
		cursor := pos
		p.Cursor = &cursor
		p.LastActiveAtMs = time.Now().UnixMilli()
		wasParticipant = true
	})
	if !ok || ended {
		return ErrRoomEnded
	}
	if !wasParticipant {
		return ErrNotParticipant
	}

	r.publish(ctx, entrystore.EventCursorMoved, identity.UserID, cursorPayload{
		UserID:   identity.UserID,
		Position: pos,
	})

	return nil
}

// Pause moves an active room to paused. Participants stay registered and
// presence updates still apply; pausing is currently inert beyond its status.
func (r *Room) Pause() error {
	return r.transition(StatusActive, StatusPaused)
}

// Resume moves a paused room back to active.
func (r *Room) Resume() error {
	return r.transition(StatusPaused, StatusActive)
}

func (r *Room) transition(from, to Status) error {
	var err error

	ok := r.do(func() {
		if r.status == StatusEnded {
			err = ErrRoomEnded
			return
		}
		if r.status != from {
			err = fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.status, to)
			return
		}
		r.status = to
	})
	if !ok {
		return ErrRoomEnded
	}
	return err
}

// End explicitly terminates the room. Ending is terminal: the identifier is
// free for a brand-new room on the next join.
func (r *Room) End() error {
	ok := r.do(func() {
		if r.status != StatusEnded {
			r.end("explicit_end")
		}
	})
	if !ok {
		return ErrRoomEnded
	}
	return nil
}

// end performs the terminal transition. Must run on the room goroutine.
func (r *Room) end(reason string) {
	r.status = StatusEnded
	r.endedAt = time.Now()
	r.participants = make(map[string]*Participant)

	summary := r.summary()

	log.Printf("[Room] Ended room %s for analysis %s (%s)", r.id, r.analysisID, reason)

	if r.onEnded != nil {
		// Callback runs off the actor goroutine so the manager can take its
		// own lock without deadlocking against a concurrent room operation.
		go r.onEnded(r, summary)
	}
}

// Participants returns a snapshot of the current participant set.
func (r *Room) Participants() []Participant {
	var roster []Participant
	ok := r.do(func() {
		roster = r.rosterSnapshot()
	})
	if !ok {
		return nil
	}
	return roster
}

// Status returns the room's current lifecycle state.
func (r *Room) Status() Status {
	status := StatusEnded
	r.do(func() {
		status = r.status
	})
	return status
}

// Summary returns a read-only snapshot for listing.
func (r *Room) Summary() Summary {
	var s Summary
	ok := r.do(func() {
		s = r.summary()
	})
	if !ok {
		s = Summary{RoomID: r.id, AnalysisID: r.analysisID, Status: StatusEnded,
			CreatedBy: r.createdBy, CreatedAtMs: r.createdAt.UnixMilli()}
	}
	return s
}

// summary builds a Summary from actor-owned state. Must run on the room goroutine.
func (r *Room) summary() Summary {
	s := Summary{
		RoomID:           r.id,
		AnalysisID:       r.analysisID,
		Status:           r.status,
		Name:             r.name,
		Notes:            r.notes,
		CreatedBy:        r.createdBy,
		CreatedAtMs:      r.createdAt.UnixMilli(),
		ParticipantCount: len(r.participants),
	}
	if !r.endedAt.IsZero() {
		s.EndedAtMs = r.endedAt.UnixMilli()
	}
	return s
}

// rosterSnapshot copies the participant set. Must run on the room goroutine.
func (r *Room) rosterSnapshot() []Participant {
	roster := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		roster = append(roster, *p)
	}
	return roster
}

// publish broadcasts a presence event on the analysis channel. Delivery is
// best-effort: failures are logged, never propagated to the presence caller.
func (r *Room) publish(ctx context.Context, eventType entrystore.EventType, actor string, payload any) {
	if r.publisher == nil {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Room] Failed to marshal %s payload: %v", eventType, err)
		return
	}

	if err := r.publisher.PublishEvent(ctx, &entrystore.Event{
		Type:       eventType,
		AnalysisID: r.analysisID,
		Actor:      actor,
		Payload:    body,
	}); err != nil {
		log.Printf("[Room] Failed to publish %s event: %v", eventType, err)
	}
}
