// Package api exposes the daemon's HTTP surface: the version-checked entry
// write API, the collaboration session API, the WebSocket upgrade endpoint,
// and the health probe. Request and response bodies use camelCase field
// names; internal storage types never leak their wire form directly.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dreylabs/drey/internal/conflict"
	"github.com/dreylabs/drey/internal/realtime"
	"github.com/dreylabs/drey/internal/session"
	"github.com/dreylabs/drey/pkg/entrystore"
)

// Server hosts the HTTP and WebSocket endpoints.
type Server struct {
	store       *entrystore.Client
	detector    *conflict.Detector
	sessions    *session.Manager
	broadcaster *realtime.Broadcaster

	router *gin.Engine
	server *http.Server
}

// NewServer wires the endpoint handlers onto a gin router.
func NewServer(store *entrystore.Client, detector *conflict.Detector, sessions *session.Manager, broadcaster *realtime.Broadcaster) *Server {
	s := &Server{
		store:       store,
		detector:    detector,
		sessions:    sessions,
		broadcaster: broadcaster,
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealthz)

	authed := router.Group("/", identityMiddleware())
	{
		authed.POST("/analyses/:id/entries", s.handleCreateEntry)
		authed.GET("/entries/:id", s.handleGetEntry)
		authed.PUT("/entries/:id", s.handleUpdateEntry)
		authed.DELETE("/entries/:id", s.handleDeleteEntry)
		authed.POST("/entries/:id/conflict/resolution", s.handleResolveConflict)

		authed.POST("/analyses/:id/collaborate", s.handleStartOrJoin)
		authed.GET("/analyses/:id/collaborate", s.handleListSessions)
		authed.GET("/analyses/:id/ws", s.handleWS)
	}

	s.router = router
	return s
}

// Router exposes the underlying handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving on addr in the background.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[API] Server error: %v", err)
		}
	}()

	s.logEvent("server_started", map[string]interface{}{"addr": addr})
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleHealthz reports Redis connectivity.
// Returns 200 OK if Redis is accessible, 503 Service Unavailable otherwise.
func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"redis":  "disconnected",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"redis":  "connected",
	})
}

// logEvent logs a structured event in JSON format.
func (s *Server) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "api"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[API] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
