// Package ratify serves the HTTP ratification and status API on gin.
package ratify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"trustgate/internal/logging"
	"trustgate/internal/prediction"
	"trustgate/internal/responder"
	"trustgate/internal/store"
	"trustgate/internal/types"
)

// Backend is what the API drives. *responder.Responder implements it.
type Backend interface {
	Ratify(ctx context.Context, req types.RatificationRequest) (responder.RatificationResult, error)
	TrustStates() []types.TrustState
	BreakerStates() []types.BreakerState
	PredictionStats() prediction.Stats
	Counts() responder.Counts
}

// DecisionLister exposes the decision log. *store.Store implements it.
type DecisionLister interface {
	ListDecisions(ctx context.Context, f store.DecisionFilter) ([]types.TrustDecision, error)
	UnsubmittedActs(ctx context.Context) ([]types.TrustDecision, error)
}

// Server is the ratification API.
type Server struct {
	backend   Backend
	decisions DecisionLister
	engine    *gin.Engine
}

// NewServer builds the routes. decisions may be nil, which disables the
// decision endpoints.
func NewServer(backend Backend, decisions DecisionLister) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{backend: backend, decisions: decisions, engine: engine}
	engine.POST("/ratifications", s.postRatification)
	engine.GET("/trust", s.getTrust)
	engine.GET("/breakers", s.getBreakers)
	engine.GET("/stats", s.getStats)
	engine.GET("/healthz", s.getHealth)
	if decisions != nil {
		engine.GET("/decisions", s.getDecisions)
		engine.GET("/decisions/unsubmitted", s.getUnsubmitted)
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.API("ratification API listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("ratification API stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down ratification API: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Get(logging.CategoryAPI).Debug("%s %s -> %d (%v)",
			c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

// =============================================================================
// HANDLERS
// =============================================================================

// ratificationBody makes "approved" mandatory: a missing verdict must not
// silently become a rejection.
type ratificationBody struct {
	DecisionID string `json:"decision_id" binding:"required"`
	Approved   *bool  `json:"approved" binding:"required"`
	Feedback   string `json:"feedback"`
}

func (s *Server) postRatification(c *gin.Context) {
	var body ratificationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid ratification: %v", err)})
		return
	}
	req := types.RatificationRequest{DecisionID: body.DecisionID, Approved: *body.Approved, Feedback: body.Feedback}

	res, err := s.backend.Ratify(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, store.ErrDecisionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, responder.ErrNothingToRatify), errors.Is(err, store.ErrAlreadyRatified):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logging.Get(logging.CategoryAPI).Error("ratification of %s failed: %v", req.DecisionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ratification failed"})
	}
}

func (s *Server) getTrust(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"trust": s.backend.TrustStates()})
}

func (s *Server) getBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.backend.BreakerStates()})
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"prediction": s.backend.PredictionStats(),
		"decisions":  s.backend.Counts(),
	})
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getDecisions(c *gin.Context) {
	f := store.DecisionFilter{
		Category: c.Query("category"),
		Action:   types.Action(c.Query("action")),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		f.Limit = n
	}
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		f.Since = t
	}

	out, err := s.decisions.ListDecisions(c.Request.Context(), f)
	if err != nil {
		logging.Get(logging.CategoryAPI).Error("list decisions: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list decisions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": out})
}

func (s *Server) getUnsubmitted(c *gin.Context) {
	out, err := s.decisions.UnsubmittedActs(c.Request.Context())
	if err != nil {
		logging.Get(logging.CategoryAPI).Error("list unsubmitted: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list unsubmitted decisions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": out})
}
