// Package api exposes the build service over HTTP: job submission
// and status, answer and artifact retrieval, live progress over
// websockets, and cache administration.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/iiTONELOC/safe-pc/internal/cache"
	"github.com/iiTONELOC/safe-pc/internal/config"
	"github.com/iiTONELOC/safe-pc/internal/db"
	"github.com/iiTONELOC/safe-pc/internal/download"
	"github.com/iiTONELOC/safe-pc/internal/jobs"
	"github.com/iiTONELOC/safe-pc/internal/models"
	"github.com/iiTONELOC/safe-pc/internal/pipeline"
)

// Server holds the API server components
type Server struct {
	manager    *jobs.Manager
	store      *cache.Cache
	db         *db.DB
	config     *config.Config
	pipeline   *pipeline.Pipeline
	downloader *download.Downloader
	router     *gin.Engine
	upgrader   websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(manager *jobs.Manager, store *cache.Cache, database *db.DB, pipe *pipeline.Pipeline, dl *download.Downloader, cfg *config.Config) *Server {
	s := &Server{
		manager:    manager,
		store:      store,
		db:         database,
		config:     cfg,
		pipeline:   pipe,
		downloader: dl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.Default()
	s.setupRoutes()

	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.POST("/jobs", s.handleSubmit)
		api.GET("/jobs/:id", s.handleJobStatus)
		api.GET("/jobs/:id/answer", s.handleAnswer)
		api.GET("/jobs/:id/download", s.handleDownload)
		api.GET("/jobs/:id/ws", s.handleProgressSocket)
		api.DELETE("/jobs/:id", s.handleDelete)
		api.GET("/cache/integrity", s.handleCacheIntegrity)
		api.GET("/stats", s.handleStats)
	}

	s.router.GET("/health", s.handleHealth)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.ServerHost, s.config.ServerPort)
	return s.router.Run(addr)
}

// Handler exposes the router for tests and custom servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleSubmit handles POST /api/jobs. Admission happens here; the
// pipeline runs on its own goroutine once the job is accepted.
func (s *Server) handleSubmit(c *gin.Context) {
	var req models.BuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.CreatedAt = time.Now()

	job, err := s.manager.Submit(&req)
	if err != nil {
		if errors.Is(err, jobs.ErrTooManyJobs) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many concurrent jobs, please try again later"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.manager.Start(context.Background(), job, s.buildTask()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, job.Response())
}

// buildTask wires the full build sequence into a job task: fetch the
// base image if needed, then run the assembly pipeline.
func (s *Server) buildTask() jobs.TaskFunc {
	return func(ctx context.Context, job *jobs.Job) (string, error) {
		timeout := time.Duration(s.config.JobTimeoutSeconds) * time.Second
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		s.manager.UpdateProgress(job, 5, "Fetching base image")
		baseISO, err := s.downloader.Ensure(ctx, s.config.BaseISOURL, s.config.BaseISOSHA256, nil)
		if err != nil {
			return "", fmt.Errorf("fetching base image: %w", err)
		}

		result, err := s.pipeline.Build(ctx, job.ID, job.Request, baseISO, func(percent int, message string) {
			s.manager.UpdateProgress(job, percent, message)
		})
		if err != nil {
			return "", err
		}
		log.Printf("Job %s built %s in %s", job.ID, result.ISOPath, result.Duration.Round(time.Second))
		return result.ISOPath, nil
	}
}

// handleJobStatus handles GET /api/jobs/:id. Live jobs come from the
// registry; finished ones are answered from the artifact cache.
func (s *Server) handleJobStatus(c *gin.Context) {
	id := c.Param("id")

	if job, ok := s.manager.Get(id); ok {
		c.JSON(http.StatusOK, job.Response())
		return
	}

	if path, ok := s.store.GetFinalArtifactPath(id); ok {
		c.JSON(http.StatusOK, models.JobResponse{
			JobID:    id,
			Status:   models.JobStatusCompleted,
			Progress: 100,
			ISOPath:  path,
		})
		return
	}

	c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
}

// handleAnswer handles GET /api/jobs/:id/answer. The installer inside
// the booted image calls this to retrieve its answer file.
func (s *Server) handleAnswer(c *gin.Context) {
	data, err := s.store.ReadBytes(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No answer payload for this job"})
		return
	}
	c.Data(http.StatusOK, "application/toml", data)
}

// handleDownload handles GET /api/jobs/:id/download
func (s *Server) handleDownload(c *gin.Context) {
	path, ok := s.store.GetFinalArtifactPath(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No image for this job"})
		return
	}
	c.FileAttachment(path, "auto-installer-"+c.Param("id")+".iso")
}

// handleDelete handles DELETE /api/jobs/:id, releasing the job's
// cached payload. Live jobs cannot be deleted.
func (s *Server) handleDelete(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.manager.Get(id); ok {
		c.JSON(http.StatusConflict, gin.H{"error": "Job is still running"})
		return
	}
	if err := s.store.Delete(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleCacheIntegrity handles GET /api/cache/integrity. sample=N
// limits the scan to N blobs; 0 checks everything.
func (s *Server) handleCacheIntegrity(c *gin.Context) {
	sample := 0
	if q := c.Query("sample"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sample must be a non-negative integer"})
			return
		}
		sample = n
	}

	report, err := s.store.IntegrityCheck(sample)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleStats handles GET /api/stats
func (s *Server) handleStats(c *gin.Context) {
	stats := gin.H{
		"active_jobs": s.manager.ActiveCount(),
		"max_jobs":    s.config.MaxJobs,
	}

	if s.db != nil {
		if counts, err := s.db.CountEventsByType(); err == nil {
			stats["events"] = counts
		}
		if perDay, err := s.db.GetEventStatsPerDay(30); err == nil {
			stats["events_per_day"] = perDay
		}
		if recent, err := s.db.GetRecentEvents(20); err == nil {
			stats["recent"] = recent
		}
	}
	if blobs, err := s.store.BlobCount(); err == nil {
		stats["cached_blobs"] = blobs
	}

	c.JSON(http.StatusOK, stats)
}

// handleProgressSocket handles GET /api/jobs/:id/ws, streaming
// progress events until the job reaches a terminal state.
func (s *Server) handleProgressSocket(c *gin.Context) {
	job, ok := s.manager.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	events := make(chan models.ProgressEvent, 16)
	if err := s.manager.AttachObserver(job, events); err != nil {
		if errors.Is(err, jobs.ErrJobFinished) {
			c.JSON(http.StatusGone, gin.H{"error": "Job already finished"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": "Job already has an observer"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.manager.DetachObserver(job)
		return
	}
	defer conn.Close()

	// the manager closes the channel at the terminal transition
	for event := range events {
		if err := conn.WriteJSON(event); err != nil {
			s.manager.DetachObserver(job)
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "build finished"))
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}
