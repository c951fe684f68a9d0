// Package httpapi serves the ops endpoints of "chaser serve": health, the
// last run summary, an on-demand run trigger and per-item ledger history.
//
// The API has no authentication; bind it to localhost.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chaser/internal/engine"
	"chaser/internal/model"
	logx "chaser/pkg/logx"
)

// Runner is the run control surface the API exposes.
type Runner interface {
	RunOnce(ctx context.Context) (model.RunSummary, error)
	LastRun() (model.RunSummary, bool)
	Running() bool
}

// HistoryReader returns one item's ledger records.
type HistoryReader interface {
	History(ctx context.Context, ownershipItemID string) ([]model.NotificationRecord, error)
}

type Server struct {
	router  *gin.Engine
	addr    string
	runner  Runner
	history HistoryReader
	log     logx.Logger
}

func New(addr string, runner Runner, history HistoryReader, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		router:  gin.New(),
		addr:    addr,
		runner:  runner,
		history: history,
		log:     log.Component("httpapi"),
	}
	s.router.Use(s.recovery(), s.accessLog())
	s.setupRoutes()
	return s
}

// Handler exposes the router (tests, embedding).
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth())
	runs := s.router.Group("/runs")
	{
		runs.GET("/last", s.handleLastRun())
		runs.POST("", s.handleTriggerRun())
	}
	s.router.GET("/items/:id/history", s.handleHistory())
}

// Run listens on the configured address until ctx is done, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("ops api listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}

func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "running": s.runner.Running()})
	}
}

func (s *Server) handleLastRun() gin.HandlerFunc {
	return func(c *gin.Context) {
		sum, ok := s.runner.LastRun()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no run has finished yet"})
			return
		}
		c.JSON(http.StatusOK, sum)
	}
}

// handleTriggerRun runs synchronously. The run is detached from the request
// so a client disconnect does not cancel it halfway.
func (s *Server) handleTriggerRun() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.runner.Running() {
			c.JSON(http.StatusConflict, gin.H{"error": engine.ErrRunInProgress.Error()})
			return
		}
		sum, err := s.runner.RunOnce(context.WithoutCancel(c.Request.Context()))
		switch {
		case errors.Is(err, engine.ErrRunInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "summary": sum})
		default:
			c.JSON(http.StatusOK, sum)
		}
	}
}

func (s *Server) handleHistory() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.Param("id"))
		if id == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "item id is required"})
			return
		}
		recs, err := s.history.History(c.Request.Context(), id)
		if err != nil {
			s.log.Error("history query failed", logx.String("item", id), logx.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history query failed"})
			return
		}
		if recs == nil {
			recs = []model.NotificationRecord{}
		}
		c.JSON(http.StatusOK, gin.H{"ownership_item_id": id, "records": recs})
	}
}
