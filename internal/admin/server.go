// Package admin exposes the operator HTTP surface: health, metrics, and the
// reconciliation entry point.
package admin

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/plendy/sharesync/internal/reconcile"
	"github.com/plendy/sharesync/pkg/logger"
	"github.com/plendy/sharesync/pkg/storage"
)

// Config configures the admin server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// AdminToken, when set, is required in the X-Admin-Token header on the
	// reconcile endpoint.
	AdminToken string
}

// Server serves the operator endpoints.
type Server struct {
	ds     storage.Datastore
	job    *reconcile.Job
	logger logger.Logger
	cfg    Config

	httpServer *http.Server
}

// NewServer builds the admin server around the datastore and the
// reconciliation job.
func NewServer(cfg Config, ds storage.Datastore, job *reconcile.Job, l logger.Logger) *Server {
	s := &Server{
		ds:     ds,
		job:    job,
		logger: l,
		cfg:    cfg,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	router.GET("/healthz", s.healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/admin/reconcile", s.reconcile)

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	return s
}

// Handler exposes the underlying router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving HTTP until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("admin server listening", zap.String("addr", s.cfg.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthz(c *gin.Context) {
	status, err := s.ds.IsReady(c.Request.Context())
	if err != nil || !status.IsReady {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "message": status.Message})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type reconcileRequest struct {
	BatchSize int    `json:"batchSize"`
	MaxItems  int    `json:"maxItems"`
	DryRun    bool   `json:"dryRun"`
	Confirm   string `json:"confirm"`
	Cursor    string `json:"cursor"`
}

func (s *Server) reconcile(c *gin.Context) {
	if s.cfg.AdminToken != "" && c.GetHeader("X-Admin-Token") != s.cfg.AdminToken {
		c.JSON(http.StatusForbidden, gin.H{"ok": false, "error": "forbidden: invalid admin token"})
		return
	}

	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid request body: " + err.Error()})
		return
	}

	// Live writes require an explicit confirmation; never default to them.
	if !req.DryRun && req.Confirm != "yes" {
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":    false,
			"error": "missing confirm=yes; use dryRun=true first to preview",
		})
		return
	}

	summary, err := s.job.Run(c.Request.Context(), reconcile.Options{
		BatchSize: req.BatchSize,
		MaxItems:  req.MaxItems,
		DryRun:    req.DryRun,
		Cursor:    req.Cursor,
	})
	if err != nil {
		s.logger.Error("reconciliation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":      false,
			"error":   err.Error(),
			"summary": summary,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "summary": summary})
}
