package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dreylabs/drey/pkg/entrystore"
)

// entryBody is the wire form of an analysis entry.
type entryBody struct {
	ID             string         `json:"id"`
	AnalysisID     string         `json:"analysisId"`
	Version        int            `json:"version"`
	Fields         map[string]any `json:"fields"`
	CreatedBy      string         `json:"createdBy"`
	CreatedAt      int64          `json:"createdAt"`
	LastModifiedBy string         `json:"lastModifiedBy"`
	LastModifiedAt int64          `json:"lastModifiedAt"`
}

func toEntryBody(e *entrystore.Entry) *entryBody {
	if e == nil {
		return nil
	}
	return &entryBody{
		ID:             e.ID,
		AnalysisID:     e.AnalysisID,
		Version:        e.Version,
		Fields:         e.Fields,
		CreatedBy:      e.CreatedBy,
		CreatedAt:      e.CreatedAtMs,
		LastModifiedBy: e.LastModifiedBy,
		LastModifiedAt: e.LastModifiedAtMs,
	}
}

// conflictBody is the 409 response payload for a rejected version-checked write.
type conflictBody struct {
	ExpectedVersion int            `json:"expectedVersion"`
	CurrentVersion  int            `json:"currentVersion"`
	ServerData      *entryBody     `json:"serverData"`
	ClientChanges   map[string]any `json:"clientChanges"`
	ConflictingUser string         `json:"conflictingUser"`
	ConflictedAt    int64          `json:"conflictedAt"`
}

func toConflictBody(cf *entrystore.Conflict) *conflictBody {
	return &conflictBody{
		ExpectedVersion: cf.ExpectedVersion,
		CurrentVersion:  cf.CurrentVersion,
		ServerData:      toEntryBody(cf.ServerData),
		ClientChanges:   cf.ClientChanges,
		ConflictingUser: cf.ConflictingUser,
		ConflictedAt:    cf.ConflictedAtMs,
	}
}

// writeStoreError maps storage errors onto the HTTP taxonomy: missing
// records are 404, contended writes are 503, anything else is a storage
// failure surfaced as 500.
func writeStoreError(c *gin.Context, err error) {
	switch {
	case entrystore.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case entrystore.IsBusy(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error", "message": err.Error()})
	}
}

// handleCreateEntry handles POST /analyses/:id/entries.
func (s *Server) handleCreateEntry(c *gin.Context) {
	var req struct {
		ID     string         `json:"id"`
		Fields map[string]any `json:"fields"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	} else if _, err := uuid.Parse(req.ID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "id must be a UUID"})
		return
	}
	if req.Fields == nil {
		req.Fields = make(map[string]any)
	}

	entry := &entrystore.Entry{
		ID:         req.ID,
		AnalysisID: c.Param("id"),
		Fields:     req.Fields,
	}

	created, err := s.store.CreateEntry(c.Request.Context(), entry, callerIdentity(c))
	if err != nil {
		writeStoreError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"version": created.Version, "entry": toEntryBody(created)})
}

// handleGetEntry handles GET /entries/:id. A non-locking read: repeated calls
// without an intervening write return identical version and payload. With an
// observedVersion query parameter the response also reports staleness against
// that version.
func (s *Server) handleGetEntry(c *gin.Context) {
	entryID := c.Param("id")

	if raw := c.Query("observedVersion"); raw != "" {
		observed, err := strconv.Atoi(raw)
		if err != nil || observed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "observedVersion must be a positive integer"})
			return
		}

		report, err := s.detector.CheckStaleness(c.Request.Context(), entryID, observed)
		if err != nil {
			writeStoreError(c, err)
			return
		}

		entry, err := s.store.GetEntry(c.Request.Context(), entryID)
		if err != nil {
			writeStoreError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"entry": toEntryBody(entry),
			"staleness": gin.H{
				"observedVersion": report.ObservedVersion,
				"currentVersion":  report.CurrentVersion,
				"stale":           report.Stale,
				"lastModifiedBy":  report.LastModifiedBy,
				"lastModifiedAt":  report.LastModifiedAtMs,
			},
		})
		return
	}

	entry, err := s.store.GetEntry(c.Request.Context(), entryID)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, toEntryBody(entry))
}

// handleUpdateEntry handles PUT /entries/:id, the version-checked write.
func (s *Server) handleUpdateEntry(c *gin.Context) {
	var req struct {
		ExpectedVersion int            `json:"expectedVersion"`
		Changes         map[string]any `json:"changes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.ExpectedVersion < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "expectedVersion must be >= 1"})
		return
	}
	if len(req.Changes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "changes must not be empty"})
		return
	}

	entry, cf, err := s.detector.AttemptUpdate(c.Request.Context(), c.Param("id"), req.ExpectedVersion, req.Changes, callerIdentity(c))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if cf != nil {
		c.JSON(http.StatusConflict, toConflictBody(cf))
		return
	}

	c.JSON(http.StatusOK, gin.H{"version": entry.Version, "entry": toEntryBody(entry)})
}

// handleDeleteEntry handles DELETE /entries/:id?expectedVersion=.
func (s *Server) handleDeleteEntry(c *gin.Context) {
	expected, err := strconv.Atoi(c.Query("expectedVersion"))
	if err != nil || expected < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "expectedVersion query parameter must be a positive integer"})
		return
	}

	cf, err := s.detector.AttemptDelete(c.Request.Context(), c.Param("id"), expected, callerIdentity(c))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if cf != nil {
		c.JSON(http.StatusConflict, toConflictBody(cf))
		return
	}

	c.Status(http.StatusNoContent)
}

// handleResolveConflict handles POST /entries/:id/conflict/resolution.
func (s *Server) handleResolveConflict(c *gin.Context) {
	var req struct {
		Resolution string         `json:"resolution"`
		FinalData  map[string]any `json:"finalData"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	resolution := entrystore.Resolution(req.Resolution)
	if err := resolution.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	entry, err := s.detector.Resolve(c.Request.Context(), c.Param("id"), resolution, req.FinalData, callerIdentity(c))
	if err != nil {
		if entrystore.IsNotFound(err) || entrystore.IsBusy(err) {
			writeStoreError(c, err)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"resolution": resolution, "entry": toEntryBody(entry)})
}
