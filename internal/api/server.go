package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/signalbot/core"
	"github.com/web3guy0/signalbot/internal/config"
	"github.com/web3guy0/signalbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ADMIN API - Read-only pipeline views plus the execution gate
// ═══════════════════════════════════════════════════════════════════════════════
//
//   GET  /api/health
//   GET  /api/channels
//   GET  /api/signals?channel=&limit=
//   GET  /api/submissions?status=&limit=
//   POST /api/execution              {"enabled": bool}
//   POST /api/channels/:id/backfill  ?limit=
//
// Bind it to localhost or put it behind an authenticating proxy.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	defaultLimit    = 50
	maxLimit        = 500
	backfillTimeout = 10 * time.Minute
)

// Pipeline is the engine surface the API exposes
type Pipeline interface {
	Backfill(ctx context.Context, channelID string, limit int) (int, error)
	GetStats() core.Stats
	QueueDepth() map[string]int
}

// Store reads persisted history
type Store interface {
	ListSignals(ctx context.Context, channelID string, limit int) ([]*types.Signal, error)
	ListSubmissions(ctx context.Context, status types.SubmissionStatus, limit int) ([]*types.PositionSubmission, error)
}

// Server is the admin HTTP server
type Server struct {
	router   *gin.Engine
	http     *http.Server
	channels *config.Store
	pipeline Pipeline
	db       Store
	exchange string
	backfill int
}

// NewServer creates the admin API server
func NewServer(addr string, channels *config.Store, pipeline Pipeline, db Store, exchange string, backfill int) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), requestID(), requestLogger())

	s := &Server{
		router:   router,
		channels: channels,
		pipeline: pipeline,
		db:       db,
		exchange: exchange,
		backfill: backfill,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.http.Addr).Msg("🌐 Admin API listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("❌ Admin API stopped")
		}
	}()
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/channels", s.handleChannels)
		api.GET("/signals", s.handleSignals)
		api.GET("/submissions", s.handleSubmissions)
		api.POST("/execution", s.handleExecution)
		api.POST("/channels/:id/backfill", s.handleBackfill)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ═══════════════════════════════════════════════════════════════════════════════

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("request_id", c.GetString("request_id")).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("API request")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// HANDLERS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.channels.Current()
	stats := s.pipeline.GetStats()

	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"exchange":       s.exchange,
		"auto_execution": snap.AutoExecution(),
		"channels":       len(snap.Channels()),
		"enabled":        len(snap.Enabled()),
		"uptime_seconds": int64(time.Since(stats.Started).Seconds()),
		"messages":       stats.Messages,
		"units":          stats.Units,
		"extractions":    stats.Extractions,
		"submissions":    stats.Submissions,
		"queues":         s.pipeline.QueueDepth(),
	})
}

func (s *Server) handleChannels(c *gin.Context) {
	c.JSON(http.StatusOK, s.channels.Current().Channels())
}

func (s *Server) handleSignals(c *gin.Context) {
	sigs, err := s.db.ListSignals(c.Request.Context(), c.Query("channel"), limitParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]signalView, len(sigs))
	for i, sig := range sigs {
		out[i] = newSignalView(sig)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSubmissions(c *gin.Context) {
	status := types.SubmissionStatus(c.Query("status"))
	subs, err := s.db.ListSubmissions(c.Request.Context(), status, limitParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]submissionView, len(subs))
	for i, sub := range subs {
		out[i] = newSubmissionView(sub)
	}
	c.JSON(http.StatusOK, out)
}

type executionRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handleExecution(c *gin.Context) {
	var req executionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snap := s.channels.SetAutoExecution(*req.Enabled)
	log.Info().
		Bool("enabled", snap.AutoExecution()).
		Str("request_id", c.GetString("request_id")).
		Msg("⚡ Auto-execution changed via API")

	c.JSON(http.StatusOK, gin.H{"auto_execution": snap.AutoExecution()})
}

func (s *Server) handleBackfill(c *gin.Context) {
	channelID := c.Param("id")
	if _, ok := s.channels.Current().Lookup(channelID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not configured"})
		return
	}

	limit := s.backfill
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), backfillTimeout)
	defer cancel()

	n, err := s.pipeline.Backfill(ctx, channelID, limit)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel_id": channelID, "messages": limit, "units": n})
}

func limitParam(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || n < 1 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}
