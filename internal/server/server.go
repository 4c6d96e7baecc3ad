// Package server exposes the engine over HTTP: session start/stop,
// checkpoint responses, aggregator health, and the per-session SSE event
// stream.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Tangerg/lynx/sse"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/deepresearch/internal/aggregator"
	"github.com/hyperifyio/deepresearch/internal/coordinator"
)

// Server owns the live sessions.
type Server struct {
	coord *coordinator.Coordinator
	agg   *aggregator.Aggregator

	mu       sync.Mutex
	sessions map[string]*coordinator.Session
}

func New(coord *coordinator.Coordinator, agg *aggregator.Aggregator) *Server {
	return &Server{coord: coord, agg: agg, sessions: make(map[string]*coordinator.Session)}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	api := r.Group("/api")
	api.POST("/research", s.handleStart)
	api.GET("/research/:id/events", s.handleEvents)
	api.POST("/research/:id/stop", s.handleStop)
	api.POST("/research/:id/checkpoint", s.handleCheckpoint)
	api.GET("/health", s.handleHealth)
	return r
}

type startRequest struct {
	Query  string              `json:"query" binding:"required"`
	Config *coordinator.Config `json:"config"`
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	session := s.coord.NewSession(req.Query)
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	go func() {
		s.coord.Run(context.Background(), session)
		// Keep the finished session around briefly so a late subscriber can
		// still observe the terminal state, then drop it.
		time.Sleep(30 * time.Second)
		s.mu.Lock()
		delete(s.sessions, session.ID)
		s.mu.Unlock()
	}()

	log.Info().Str("session", session.ID).Msg("session started")
	c.JSON(http.StatusAccepted, gin.H{"sessionId": session.ID})
}

func (s *Server) session(c *gin.Context) *coordinator.Session {
	s.mu.Lock()
	session := s.sessions[c.Param("id")]
	s.mu.Unlock()
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
	}
	return session
}

// handleEvents streams the session's events as SSE via the lynx writer.
// Slow consumers block the coordinator at its next emission; events are
// never dropped.
func (s *Server) handleEvents(c *gin.Context) {
	session := s.session(c)
	if session == nil {
		return
	}
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	w, err := sse.NewWriter(&sse.WriterConfig{
		Context:        c.Request.Context(),
		ResponseWriter: c.Writer,
		HeartBeat:      15 * time.Second,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	defer w.Close()
	_ = w.SendEvent("ping")

	clientClosed := c.Request.Context().Done()
	for {
		select {
		case <-clientClosed:
			return
		case ev, open := <-session.Emitter.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Warn().Err(err).Str("type", string(ev.Type)).Msg("event marshal failed")
				continue
			}
			if err := w.Send(&sse.Message{ID: ev.ID, Event: string(ev.Type), Data: payload}); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleStop(c *gin.Context) {
	session := s.session(c)
	if session == nil {
		return
	}
	session.Stop()
	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
}

type checkpointRequest struct {
	CheckpointID string         `json:"checkpointId" binding:"required"`
	Action       string         `json:"action" binding:"required"`
	Data         map[string]any `json:"data"`
}

func (s *Server) handleCheckpoint(c *gin.Context) {
	session := s.session(c)
	if session == nil {
		return
	}
	var req checkpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "checkpointId and action are required"})
		return
	}
	if err := session.RespondCheckpoint(req.CheckpointID, coordinator.CheckpointResponse{Action: req.Action, Data: req.Data}); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

func (s *Server) handleHealth(c *gin.Context) {
	health := s.agg.GetHealthStatus(c.Request.Context())
	status := http.StatusOK
	if !health.OverallHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info().Str("addr", addr).Msg("http server listening")
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
