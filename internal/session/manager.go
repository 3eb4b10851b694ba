package session

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/dreylabs/drey/pkg/entrystore"
)

// DefaultIdleWindow is how long a room may sit with zero participants before
// it transitions to ended and its analysis identifier is reclaimed.
const DefaultIdleWindow = 60 * time.Second

// endedHistoryLimit bounds how many ended-room summaries are retained per
// analysis. Presence is never persisted; this history exists only so listing
// can show recently ended sessions for the process lifetime.
const endedHistoryLimit = 20

// StartOptions carries optional metadata applied only when StartOrJoin has to
// create a new room.
type StartOptions struct {
	Name  string
	Notes string
}

// Manager exclusively owns the analysis-to-room mapping. Room creation is
// serialized under the manager's lock so two simultaneous first-joiners for
// the same analysis can never produce two competing rooms; each analysis has
// at most one live (active or paused) room at a time.
type Manager struct {
	publisher  EventPublisher
	idleWindow time.Duration

	mu    sync.Mutex
	rooms map[string]*Room     // analysisID -> live room
	ended map[string][]Summary // analysisID -> recently ended, newest first
}

// NewManager creates a session manager. idleWindow <= 0 selects DefaultIdleWindow.
func NewManager(publisher EventPublisher, idleWindow time.Duration) *Manager {
	if idleWindow <= 0 {
		idleWindow = DefaultIdleWindow
	}

	return &Manager{
		publisher:  publisher,
		idleWindow: idleWindow,
		rooms:      make(map[string]*Room),
		ended:      make(map[string][]Summary),
	}
}

// StartOrJoin returns the live room for the analysis, creating one atomically
// if none exists, and joins the actor to it. Both of two simultaneous callers
// for a brand-new analysis end up in the same room.
func (m *Manager) StartOrJoin(ctx context.Context, analysisID string, actor entrystore.Identity, opts StartOptions) (*Room, Participant, []Participant, error) {
	if err := actor.Validate(); err != nil {
		return nil, Participant{}, nil, err
	}

	for {
		m.mu.Lock()
		room := m.rooms[analysisID]
		if room == nil {
			room = newRoom(analysisID, actor, opts.Name, opts.Notes, m.idleWindow, m.publisher, m.retire)
			m.rooms[analysisID] = room

			m.logEvent("room_created", map[string]interface{}{
				"room_id":     room.ID(),
				"analysis_id": analysisID,
				"created_by":  actor.UserID,
			})
		}
		m.mu.Unlock()

		participant, roster, err := room.Join(ctx, actor)
		if err == ErrRoomEnded {
			// The room ended between lookup and join. Retirement removes it
			// from the map asynchronously; drop it here too so the next
			// iteration is guaranteed to create a fresh room.
			m.mu.Lock()
			if m.rooms[analysisID] == room {
				delete(m.rooms, analysisID)
			}
			m.mu.Unlock()
			continue
		}
		if err != nil {
			return nil, Participant{}, nil, err
		}

		return room, participant, roster, nil
	}
}

// Get returns the live room for an analysis, if any.
func (m *Manager) Get(analysisID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[analysisID]
	return room, ok
}

// ListSessions returns room summaries for an analysis, optionally filtered by
// status (empty filter means all). The live room appears with its current
// participant count; ended rooms come from the bounded in-memory history.
func (m *Manager) ListSessions(analysisID string, statusFilter Status) []Summary {
	m.mu.Lock()
	room := m.rooms[analysisID]
	history := make([]Summary, len(m.ended[analysisID]))
	copy(history, m.ended[analysisID])
	m.mu.Unlock()

	summaries := make([]Summary, 0, len(history)+1)

	if room != nil {
		s := room.Summary()
		// A room that ended between the map read and the snapshot shows up
		// through its history entry instead.
		if s.Status != StatusEnded {
			summaries = append(summaries, s)
		}
	}
	summaries = append(summaries, history...)

	if statusFilter == "" {
		return summaries
	}

	filtered := summaries[:0]
	for _, s := range summaries {
		if s.Status == statusFilter {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// End explicitly terminates the live room for an analysis.
func (m *Manager) End(analysisID string) error {
	room, ok := m.Get(analysisID)
	if !ok {
		return ErrRoomEnded
	}
	return room.End()
}

// retire removes an ended room from the live mapping and records its summary.
// Called from the room once it reaches the terminal state.
func (m *Manager) retire(room *Room, summary Summary) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Only remove the mapping if it still points at this room; a successor
	// may already have been created for the same analysis.
	if m.rooms[room.AnalysisID()] == room {
		delete(m.rooms, room.AnalysisID())
	}

	history := append([]Summary{summary}, m.ended[room.AnalysisID()]...)
	if len(history) > endedHistoryLimit {
		history = history[:endedHistoryLimit]
	}
	m.ended[room.AnalysisID()] = history

	m.logEvent("room_ended", map[string]interface{}{
		"room_id":     room.ID(),
		"analysis_id": room.AnalysisID(),
	})
}

// logEvent logs a structured event in JSON format.
func (m *Manager) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "session-manager"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[SessionManager] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
