// Package server exposes the HTTP boundary: submission intake, status
// lookup, and health.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"gavel/internal/judge/model"
	"gavel/internal/queue"
	"gavel/internal/status"
	appErr "gavel/pkg/errors"
	"gavel/pkg/response"
)

// Config holds HTTP server settings.
type Config struct {
	Addr      string `yaml:"addr"`
	Mode      string `yaml:"mode"`
	TaskTopic string `yaml:"taskTopic"`

	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// Server serves the judge API.
type Server struct {
	cfg    Config
	repo   *status.Repository
	queue  queue.MessageQueue
	engine *gin.Engine
	http   *http.Server
}

// SubmitRequest is the intake payload.
type SubmitRequest struct {
	ProblemID  int64  `json:"problem_id" binding:"required"`
	LanguageID string `json:"language_id" binding:"required"`

	SourceKey  string `json:"source_key" binding:"required"`
	SourceHash string `json:"source_hash"`

	PackVersion int32  `json:"pack_version" binding:"required"`
	PackKey     string `json:"pack_key" binding:"required"`
	PackHash    string `json:"pack_hash"`

	ExtraCompileFlags []string `json:"extra_compile_flags"`
}

// New creates the HTTP server.
func New(cfg Config, repo *status.Repository, q queue.MessageQueue) (*Server, error) {
	if repo == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("status repository is required")
	}
	if q == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("message queue is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.TaskTopic == "" {
		return nil, appErr.ValidationError("server.taskTopic", "required")
	}
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	s := &Server{cfg: cfg, repo: repo, queue: q}
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", s.health)
	api := engine.Group("/api/v1")
	{
		api.POST("/submissions", s.submit)
		api.GET("/submissions/:id/status", s.getStatus)
	}
	s.engine = engine
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid submission request")
		return
	}

	task := model.JudgeMessage{
		SubmissionID:      uuid.NewString(),
		ProblemID:         req.ProblemID,
		LanguageID:        req.LanguageID,
		SourceKey:         req.SourceKey,
		SourceHash:        req.SourceHash,
		PackVersion:       req.PackVersion,
		PackKey:           req.PackKey,
		PackHash:          req.PackHash,
		ExtraCompileFlags: req.ExtraCompileFlags,
	}
	body, err := json.Marshal(task)
	if err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.InternalServerError, "encode judge task failed"))
		return
	}
	msg := queue.NewMessage(body)
	msg.ID = task.SubmissionID
	if err := s.queue.Publish(c.Request.Context(), s.cfg.TaskTopic, msg); err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.QueueError, "enqueue judge task failed"))
		return
	}

	response.Accepted(c, gin.H{"submission_id": task.SubmissionID})
}

func (s *Server) getStatus(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "invalid submission id")
		return
	}
	rec, err := s.repo.Get(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, rec)
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.repo.Ping(ctx); err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.ServiceUnavailable, "status store unreachable"))
		return
	}
	if err := s.queue.Ping(ctx); err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.ServiceUnavailable, "message queue unreachable"))
		return
	}
	response.Success(c, gin.H{"status": "ok"})
}
