package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dreylabs/drey/internal/session"
)

// participantBody is the wire form of a room participant.
type participantBody struct {
	UserID       string            `json:"userId"`
	DisplayName  string            `json:"displayName"`
	Cursor       *session.Position `json:"cursor,omitempty"`
	JoinedAt     int64             `json:"joinedAt"`
	LastActiveAt int64             `json:"lastActiveAt"`
}

func toParticipantBody(p session.Participant) participantBody {
	return participantBody{
		UserID:       p.Identity.UserID,
		DisplayName:  p.Identity.DisplayName,
		Cursor:       p.Cursor,
		JoinedAt:     p.JoinedAtMs,
		LastActiveAt: p.LastActiveAtMs,
	}
}

// sessionBody is the wire form of a room summary.
type sessionBody struct {
	RoomID           string `json:"roomId"`
	AnalysisID       string `json:"analysisId"`
	Status           string `json:"status"`
	Name             string `json:"name,omitempty"`
	Notes            string `json:"notes,omitempty"`
	CreatedBy        string `json:"createdBy"`
	CreatedAt        int64  `json:"createdAt"`
	EndedAt          int64  `json:"endedAt,omitempty"`
	ParticipantCount int    `json:"participantCount"`
}

func toSessionBody(s session.Summary) sessionBody {
	return sessionBody{
		RoomID:           s.RoomID,
		AnalysisID:       s.AnalysisID,
		Status:           string(s.Status),
		Name:             s.Name,
		Notes:            s.Notes,
		CreatedBy:        s.CreatedBy,
		CreatedAt:        s.CreatedAtMs,
		EndedAt:          s.EndedAtMs,
		ParticipantCount: s.ParticipantCount,
	}
}

// handleStartOrJoin handles POST /analyses/:id/collaborate. Returns the
// (possibly newly created) room with its participant list.
func (s *Server) handleStartOrJoin(c *gin.Context) {
	var req struct {
		Name  string `json:"name"`
		Notes string `json:"notes"`
	}
	// The body is optional; failures other than an empty body are rejected.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
	}

	room, _, roster, err := s.sessions.StartOrJoin(c.Request.Context(), c.Param("id"), callerIdentity(c), session.StartOptions{
		Name:  req.Name,
		Notes: req.Notes,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	participants := make([]participantBody, 0, len(roster))
	for _, p := range roster {
		participants = append(participants, toParticipantBody(p))
	}

	body := toSessionBody(room.Summary())
	c.JSON(http.StatusOK, gin.H{
		"roomId":       body.RoomID,
		"analysisId":   body.AnalysisID,
		"status":       body.Status,
		"name":         body.Name,
		"notes":        body.Notes,
		"createdBy":    body.CreatedBy,
		"createdAt":    body.CreatedAt,
		"participants": participants,
	})
}

// handleListSessions handles GET /analyses/:id/collaborate?status=.
func (s *Server) handleListSessions(c *gin.Context) {
	statusFilter := session.Status(c.Query("status"))
	switch statusFilter {
	case "", session.StatusActive, session.StatusPaused, session.StatusEnded:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "status must be active, paused or ended"})
		return
	}

	summaries := s.sessions.ListSessions(c.Param("id"), statusFilter)

	sessions := make([]sessionBody, 0, len(summaries))
	for _, summary := range summaries {
		sessions = append(sessions, toSessionBody(summary))
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// handleWS handles GET /analyses/:id/ws, the realtime channel upgrade.
func (s *Server) handleWS(c *gin.Context) {
	s.broadcaster.ServeWS(c, c.Param("id"), callerIdentity(c))
}
