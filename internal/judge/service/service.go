// Package service connects the queue boundary to the judging pipeline:
// it decodes judge tasks, stages problem data and sources, runs the
// orchestrator, and persists and publishes the results.
package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"gavel/internal/judge/model"
	"gavel/internal/judge/orchestrator"
	"gavel/internal/judge/verdict"
	"gavel/internal/pkgstore"
	"gavel/internal/queue"
	"gavel/internal/report"
	"gavel/internal/status"
	"gavel/pkg/contextkey"
	appErr "gavel/pkg/errors"
	"gavel/pkg/logger"
)

// Service handles judge task messages.
type Service struct {
	orch       *orchestrator.Orchestrator
	statusRepo *status.Repository
	reporter   report.Publisher
	packs      *pkgstore.Cache
	storage    pkgstore.ObjectStorage

	sourceBucket  string
	workRoot      string
	judgeTimeout  time.Duration
	statusTimeout time.Duration
}

// Config holds service dependencies and settings.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	StatusRepo   *status.Repository
	Reporter     report.Publisher
	Packs        *pkgstore.Cache
	Storage      pkgstore.ObjectStorage

	SourceBucket  string
	WorkRoot      string
	JudgeTimeout  time.Duration
	StatusTimeout time.Duration
}

// NewService wires the judge task handler.
func NewService(cfg Config) (*Service, error) {
	if cfg.Orchestrator == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("orchestrator is required")
	}
	if cfg.StatusRepo == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("status repository is required")
	}
	if cfg.Packs == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("package cache is required")
	}
	if cfg.Storage == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("object storage is required")
	}
	if cfg.WorkRoot == "" {
		return nil, appErr.ValidationError("work_root", "required")
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 3 * time.Second
	}
	s := &Service{
		orch:          cfg.Orchestrator,
		statusRepo:    cfg.StatusRepo,
		reporter:      cfg.Reporter,
		packs:         cfg.Packs,
		storage:       cfg.Storage,
		sourceBucket:  cfg.SourceBucket,
		workRoot:      cfg.WorkRoot,
		judgeTimeout:  cfg.JudgeTimeout,
		statusTimeout: cfg.StatusTimeout,
	}
	cfg.Orchestrator.SetStatusReporter(s)
	return s, nil
}

// HandleMessage processes one judge task. A returned error means the
// message should be retried by the queue; terminal failures are recorded
// in the status store and consume the message.
func (s *Service) HandleMessage(ctx context.Context, msg *queue.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	var payload model.JudgeMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		logger.Warn(ctx, "discarding undecodable judge task", zap.Error(err))
		return nil
	}
	if payload.SubmissionID == "" || payload.ProblemID <= 0 ||
		payload.LanguageID == "" || payload.SourceKey == "" {
		logger.Warn(ctx, "discarding judge task with missing fields",
			zap.String("submission_id", payload.SubmissionID))
		return nil
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, payload.SubmissionID)

	received := time.Now().Unix()
	pending := status.Record{
		SubmissionID: payload.SubmissionID,
		Status:       model.StatusPending,
		ReceivedAt:   received,
	}
	if err := s.saveStatus(ctx, pending); err != nil {
		return err
	}

	sub, tests, err := s.prepare(ctx, payload)
	if err != nil {
		return s.handleFailure(ctx, payload.SubmissionID, err)
	}

	ctxJudge := ctx
	if s.judgeTimeout > 0 {
		var cancel context.CancelFunc
		ctxJudge, cancel = context.WithTimeout(ctx, s.judgeTimeout)
		defer cancel()
	}
	judgement, err := s.orch.Judge(ctxJudge, sub, tests)
	if err != nil {
		if appErr.GetCode(err) == appErr.JudgeQueueFull {
			return err
		}
		return s.handleFailure(ctx, payload.SubmissionID, err)
	}

	final := status.FromJudgement(judgement)
	final.ReceivedAt = received
	if err := s.saveStatus(ctx, final); err != nil {
		return err
	}
	if s.reporter != nil {
		if err := s.reporter.PublishFinal(ctx, final); err != nil {
			logger.Warn(ctx, "publish final judgement failed", zap.Error(err))
		}
	}
	logger.Info(ctx, "submission judged",
		zap.String("verdict", string(final.Verdict)),
		zap.Int("tests", len(final.Tests)))
	return nil
}

// Cancel aborts an in-flight submission.
func (s *Service) Cancel(ctx context.Context, submissionID string) {
	s.orch.Cancel(ctx, submissionID)
}

// ReportStatus persists intermediate orchestrator progress.
func (s *Service) ReportStatus(ctx context.Context, update orchestrator.StatusUpdate) error {
	rec := status.Record{
		SubmissionID: update.SubmissionID,
		Status:       update.Status,
		Progress: status.Progress{
			TotalTests: update.TotalTests,
			DoneTests:  update.DoneTests,
		},
		ReceivedAt: update.ReceivedAt,
	}
	return s.saveStatus(ctx, rec)
}

// prepare stages everything a judge run needs on local disk.
func (s *Service) prepare(ctx context.Context, payload model.JudgeMessage) (model.Submission, []model.TestCase, error) {
	ref := pkgstore.PackRef{
		ProblemID: payload.ProblemID,
		Version:   payload.PackVersion,
		PackKey:   payload.PackKey,
		PackHash:  payload.PackHash,
	}
	packDir, err := s.packs.Get(ctx, ref)
	if err != nil {
		return model.Submission{}, nil, err
	}

	manifest, err := pkgstore.LoadManifest(filepath.Join(packDir, "manifest.json"))
	if err != nil {
		return model.Submission{}, nil, err
	}
	problemCfg, err := pkgstore.LoadProblemConfig(filepath.Join(packDir, "config.json"))
	if err != nil {
		return model.Submission{}, nil, err
	}

	tests, err := pkgstore.BuildTestCases(manifest, packDir)
	if err != nil {
		return model.Submission{}, nil, err
	}

	flags, limits := pkgstore.ResolveLanguage(problemCfg, payload.LanguageID)
	flags = append(flags, payload.ExtraCompileFlags...)

	checkerPath, err := pkgstore.ResolveChecker(problemCfg, packDir)
	if err != nil {
		return model.Submission{}, nil, err
	}

	sourceDir := filepath.Join(s.workRoot, payload.SubmissionID, "source")
	sourcePath, err := pkgstore.FetchSource(ctx, s.storage, s.sourceBucket,
		payload.SourceKey, payload.SourceHash, sourceDir)
	if err != nil {
		return model.Submission{}, nil, err
	}

	sub := model.Submission{
		ID:                payload.SubmissionID,
		LanguageID:        payload.LanguageID,
		SourcePath:        sourcePath,
		LimitsOverride:    limits,
		ExtraCompileFlags: flags,
		CompareMode:       problemCfg.CompareMode,
		CheckerPath:       checkerPath,
	}
	return sub, tests, nil
}

// saveStatus detaches cancellation so a cancelled judge run can still
// record its final status.
func (s *Service) saveStatus(ctx context.Context, rec status.Record) error {
	ctxStatus, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.statusTimeout)
	defer cancel()
	return s.statusRepo.Save(ctxStatus, rec)
}

// handleFailure records a terminal system failure. Malformed requests
// consume the message; infrastructure errors propagate for a retry.
func (s *Service) handleFailure(ctx context.Context, submissionID string, err error) error {
	code := appErr.GetCode(err)
	failed := status.Record{
		SubmissionID: submissionID,
		Status:       model.StatusFailed,
		Verdict:      verdict.SystemError,
		ErrorCode:    int(code),
		ErrorMessage: err.Error(),
		FinishedAt:   time.Now().Unix(),
	}
	if saveErr := s.saveStatus(ctx, failed); saveErr != nil {
		logger.Warn(ctx, "record failure status failed", zap.Error(saveErr))
	}
	if code == appErr.InvalidParams || code == appErr.LanguageNotSupported || code == appErr.NotFound {
		return nil
	}
	return err
}
