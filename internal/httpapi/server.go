// Package httpapi serves the operational HTTP API of the sync service.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// Syncer runs and lists mailbox syncs
type Syncer interface {
	Mailboxes() []sync.Mailbox
	IsRunning(mailboxID string) bool
	RunOnce(ctx context.Context, mailboxID string) (*sync.RunReport, error)
}

// StateReader reads persisted sync state
type StateReader interface {
	LoadCheckpoint(ctx context.Context, mailboxID string) (*sync.Cursor, error)
	GetSyncStatus(ctx context.Context, mailboxID string) (*sync.SyncStatus, error)
}

// Verifier authenticates bearer tokens
type Verifier interface {
	PrincipalFromRequest(r *http.Request) (*auth.Principal, error)
}

// Server holds the API dependencies
type Server struct {
	syncer   Syncer
	state    StateReader
	verifier Verifier
	logger   *slog.Logger
}

type mailboxView struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Interval string `json:"interval"`
	Running  bool   `json:"running"`
}

// NewRouter builds the gin engine. A nil verifier leaves the API open.
func NewRouter(syncer Syncer, state StateReader, verifier Verifier, logger *slog.Logger) *gin.Engine {
	s := &Server{syncer: syncer, state: state, verifier: verifier, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authorized := r.Group("/")
	if verifier != nil {
		authorized.Use(s.authMiddleware())
	}
	authorized.GET("/metrics", gin.WrapH(promhttp.Handler()))
	authorized.GET("/mailboxes", s.listMailboxes)

	mb := authorized.Group("/mailboxes/:id")
	mb.Use(s.requireMailbox())
	mb.POST("/sync", s.runSync)
	mb.GET("/checkpoint", s.getCheckpoint)
	mb.GET("/status", s.getStatus)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := s.verifier.PrincipalFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set("principal", p)
		c.Next()
	}
}

func (s *Server) requireMailbox() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		for _, mb := range s.syncer.Mailboxes() {
			if mb.ID == id {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": sync.ErrUnknownMailbox.Error()})
	}
}

func (s *Server) listMailboxes(c *gin.Context) {
	mailboxes := s.syncer.Mailboxes()
	out := make([]mailboxView, 0, len(mailboxes))
	for _, mb := range mailboxes {
		out = append(out, mailboxView{
			ID:       mb.ID,
			Provider: string(mb.Provider),
			Interval: mb.Interval.String(),
			Running:  s.syncer.IsRunning(mb.ID),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) runSync(c *gin.Context) {
	report, err := s.syncer.RunOnce(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, report)
	case errors.Is(err, sync.ErrUnknownMailbox):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, sync.ErrMailboxLocked):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Warn("manual sync failed", "mailbox", c.Param("id"), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "report": report})
	}
}

func (s *Server) getCheckpoint(c *gin.Context) {
	id := c.Param("id")
	cursor, err := s.state.LoadCheckpoint(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mailbox_id": id, "cursor": cursor})
}

func (s *Server) getStatus(c *gin.Context) {
	st, err := s.state.GetSyncStatus(c.Request.Context(), c.Param("id"))
	if errors.Is(err, sync.ErrUnknownMailbox) {
		c.JSON(http.StatusNotFound, gin.H{"error": "mailbox has not been synced yet"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}
