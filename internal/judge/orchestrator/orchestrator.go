// Package orchestrator sequences the judging pipeline: an optional
// compile stage, one sandboxed run per test case, classification, and
// aggregation into a submission judgement.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gavel/internal/judge/classify"
	"gavel/internal/judge/language"
	"gavel/internal/judge/model"
	"gavel/internal/judge/verdict"
	"gavel/internal/judge/workspace"
	"gavel/internal/sandbox/outcome"
	"gavel/internal/sandbox/policy"
	"gavel/internal/sandbox/spec"
	"gavel/internal/sandbox/supervisor"
	appErr "gavel/pkg/errors"
	"gavel/pkg/logger"
)

const diagnosticMaxBytes = 16 * 1024

// StatusUpdate carries intermediate judging progress.
type StatusUpdate struct {
	SubmissionID string
	Status       model.Status
	TotalTests   int
	DoneTests    int
	ReceivedAt   int64
}

// StatusReporter persists intermediate status updates.
type StatusReporter interface {
	ReportStatus(ctx context.Context, update StatusUpdate) error
}

// Config holds orchestrator settings.
type Config struct {
	WorkRoot string
	// PoolSize bounds how many submissions judge concurrently. The pool
	// is the only writer of host-level concurrency; individual sandboxes
	// never decide it.
	PoolSize int
	// ShortCircuit stops at the first non-Accepted test. Run-all mode
	// (false) executes every test, for partial-scoring judges.
	ShortCircuit bool
	Compare      classify.ComparisonMode
	// AcquireTimeout bounds how long Judge waits for a free slot before
	// refusing the submission as retriable.
	AcquireTimeout time.Duration

	// RunPolicy confines judged runs; CompilePolicy confines the
	// compile stage (typically unconfined, limits only).
	RunPolicy     policy.Policy
	CompilePolicy policy.Policy

	DefaultRunLimits     spec.ResourceLimits
	DefaultCompileLimits spec.ResourceLimits
}

// Orchestrator drives submissions through the sandbox supervisor.
type Orchestrator struct {
	cfg      Config
	sup      supervisor.Supervisor
	langs    *language.Registry
	reporter StatusReporter
	sem      chan struct{}
	cancels  *cancelRegistry
}

// New creates an orchestrator. Both policies are compiled eagerly: a
// policy that cannot compile means the security boundary cannot be
// trusted, so construction fails and no judging session starts.
func New(cfg Config, sup supervisor.Supervisor, langs *language.Registry) (*Orchestrator, error) {
	if sup == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("supervisor is required")
	}
	if langs == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("language registry is required")
	}
	if cfg.WorkRoot == "" {
		return nil, appErr.ValidationError("work_root", "required")
	}
	if cfg.RunPolicy.Name == "" {
		cfg.RunPolicy = policy.DefaultRunPolicy()
	}
	if cfg.CompilePolicy.Name == "" {
		cfg.CompilePolicy = policy.UnconfinedPolicy()
	}
	if _, err := policy.Compile(cfg.RunPolicy); err != nil {
		return nil, err
	}
	if _, err := policy.Compile(cfg.CompilePolicy); err != nil {
		return nil, err
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.Compare == "" {
		cfg.Compare = classify.CompareTokens
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 2 * time.Second
	}
	return &Orchestrator{
		cfg:     cfg,
		sup:     sup,
		langs:   langs,
		sem:     make(chan struct{}, cfg.PoolSize),
		cancels: newCancelRegistry(),
	}, nil
}

// SetStatusReporter injects a reporter for intermediate updates.
func (o *Orchestrator) SetStatusReporter(r StatusReporter) {
	o.reporter = r
}

// Judge runs the full pipeline for one submission. The returned error is
// the caller's retry signal: JudgeQueueFull when no worker slot frees up
// within the acquire timeout, the validation error for a malformed
// request. Once judging starts the error is nil and every failure is
// contained and classified into the judgement itself; one submission
// never aborts a sibling.
func (o *Orchestrator) Judge(ctx context.Context, sub model.Submission, tests []model.TestCase) (model.Judgement, error) {
	received := time.Now().Unix()
	judgement := model.Judgement{
		SubmissionID: sub.ID,
		Status:       model.StatusPending,
		Overall:      verdict.Verdict{Kind: verdict.Accepted},
		Timestamps:   model.Timestamps{ReceivedAt: received},
	}

	if err := validateRequest(sub, tests); err != nil {
		return o.fail(judgement, err.Error()), err
	}

	acquire := time.NewTimer(o.cfg.AcquireTimeout)
	defer acquire.Stop()
	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return o.fail(judgement, "cancelled"), ctx.Err()
	case <-acquire.C:
		err := appErr.New(appErr.JudgeQueueFull).WithMessage("worker pool is full")
		return o.fail(judgement, err.Error()), err
	}
	defer func() { <-o.sem }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.cancels.register(sub.ID, cancel)
	defer o.cancels.unregister(sub.ID)

	lang, err := o.langs.Get(sub.LanguageID)
	if err != nil {
		return o.fail(judgement, err.Error()), nil
	}

	ws, err := workspace.New(o.cfg.WorkRoot, sub.ID)
	if err != nil {
		return o.fail(judgement, err.Error()), nil
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			logger.Warn(ctx, "remove workspace failed", zap.Error(err))
		}
	}()

	if lang.CompileEnabled {
		judgement.Status = model.StatusCompiling
		o.reportStatus(ctx, sub.ID, model.StatusCompiling, len(tests), 0, received)

		compileRes, compileErr := o.compile(ctx, sub, lang, ws)
		judgement.Compile = &compileRes
		if compileErr != nil {
			return o.fail(judgement, compileErr.Error()), nil
		}
		if !compileRes.OK {
			judgement.Status = model.StatusFinished
			judgement.Overall = verdict.Verdict{Kind: verdict.CompileError, Detail: compileRes.Diagnostic}
			judgement.Timestamps.FinishedAt = time.Now().Unix()
			return judgement, nil
		}
	}

	judgement.Status = model.StatusRunning
	o.reportStatus(ctx, sub.ID, model.StatusRunning, len(tests), 0, received)

	for i, tc := range tests {
		res := o.runTest(ctx, sub, lang, ws, tc)
		judgement.Tests = append(judgement.Tests, res)
		judgement.Overall = verdict.Worst(judgement.Overall, res.Verdict)

		judgement.Summary.TotalTimeMs += res.Outcome.CPUTimeMs
		if res.Outcome.MemoryPeakBytes > judgement.Summary.MaxMemoryBytes {
			judgement.Summary.MaxMemoryBytes = res.Outcome.MemoryPeakBytes
		}
		if !res.Verdict.IsAccepted() && judgement.Summary.FirstFailedID == "" {
			judgement.Summary.FirstFailedID = tc.ID
		}

		o.reportStatus(ctx, sub.ID, model.StatusRunning, len(tests), i+1, received)

		if ctx.Err() != nil {
			judgement.Overall = verdict.Verdict{Kind: verdict.SystemError, Detail: "cancelled"}
			break
		}
		if o.cfg.ShortCircuit && !res.Verdict.IsAccepted() {
			break
		}
	}

	judgement.Status = model.StatusFinished
	if judgement.Overall.Kind == verdict.SystemError {
		judgement.Status = model.StatusFailed
	}
	judgement.Timestamps.FinishedAt = time.Now().Unix()
	return judgement, nil
}

// Cancel aborts an in-flight submission: its context is cancelled, which
// force-terminates the live process tree, and any stragglers are killed
// through the supervisor. The judgement surfaces SystemError("cancelled").
func (o *Orchestrator) Cancel(ctx context.Context, submissionID string) {
	o.cancels.cancel(submissionID)
	if err := o.sup.KillSubmission(ctx, submissionID); err != nil {
		logger.Warn(ctx, "kill submission failed",
			zap.String("submission_id", submissionID), zap.Error(err))
	}
}

func (o *Orchestrator) compile(ctx context.Context, sub model.Submission, lang language.Spec, ws *workspace.Workspace) (model.CompileResult, error) {
	compileDir, err := ws.CompileDir()
	if err != nil {
		return model.CompileResult{}, err
	}
	if err := copyFile(sub.SourcePath, filepath.Join(compileDir, lang.SourceFile), 0644); err != nil {
		return model.CompileResult{}, appErr.Wrapf(err, appErr.WorkspaceError, "stage source failed")
	}

	cmd, err := language.BuildCommand(lang.CompileCmdTpl, lang, compileDir, sub.ExtraCompileFlags)
	if err != nil {
		return model.CompileResult{}, err
	}

	runSpec := spec.SandboxSpec{
		SubmissionID: sub.ID,
		RunID:        "compile-" + uuid.NewString(),
		Path:         cmd[0],
		Args:         cmd,
		Env:          lang.Env,
		WorkDir:      compileDir,
		StderrPath:   ws.CompileLogPath(),
		Limits:       o.cfg.DefaultCompileLimits,
		Policy:       o.cfg.CompilePolicy,
	}

	out := o.sup.Run(ctx, runSpec)
	if out.Status.Kind == outcome.SupervisorError {
		return model.CompileResult{}, appErr.Newf(appErr.JudgeSystemError, "compile stage failed: %s", out.Status.Reason)
	}

	res := model.CompileResult{
		OK:         out.Status.Kind == outcome.Exited && out.Status.Code == 0,
		TimeMs:     out.CPUTimeMs,
		Diagnostic: capString(out.Stderr, diagnosticMaxBytes),
	}
	if out.Status.Kind == outcome.Exited {
		res.ExitCode = out.Status.Code
	} else {
		res.ExitCode = -1
		if res.Diagnostic == "" {
			res.Diagnostic = out.Status.String()
		}
	}
	return res, nil
}

func (o *Orchestrator) runTest(ctx context.Context, sub model.Submission, lang language.Spec, ws *workspace.Workspace, tc model.TestCase) model.TestResult {
	systemError := func(reason string) model.TestResult {
		return model.TestResult{
			TestID:  tc.ID,
			Verdict: verdict.Verdict{Kind: verdict.SystemError, Detail: reason},
			Outcome: outcome.RunOutcome{Status: outcome.ExitStatus{Kind: outcome.SupervisorError, Reason: reason}},
		}
	}

	runDir, err := ws.RunDir(tc.ID)
	if err != nil {
		return systemError(err.Error())
	}

	if lang.CompileEnabled {
		dst := ws.BinaryPath(runDir, lang.BinaryFile)
		if err := copyFile(ws.CompiledBinary(lang.BinaryFile), dst, 0755); err != nil {
			return systemError("stage binary failed: " + err.Error())
		}
	} else {
		dst := filepath.Join(runDir, lang.SourceFile)
		if err := copyFile(sub.SourcePath, dst, 0644); err != nil {
			return systemError("stage source failed: " + err.Error())
		}
	}

	cmd, err := language.BuildCommand(lang.RunCmdTpl, lang, runDir, nil)
	if err != nil {
		return systemError(err.Error())
	}

	limits := spec.Merge(o.cfg.DefaultRunLimits, tc.Limits)
	limits = spec.Merge(limits, sub.LimitsOverride)
	limits = limits.Scale(lang.TimeMultiplier, lang.MemoryMultiplier)

	runSpec := spec.SandboxSpec{
		SubmissionID: sub.ID,
		RunID:        tc.ID,
		Path:         cmd[0],
		Args:         cmd,
		Env:          lang.Env,
		WorkDir:      runDir,
		StdinPath:    tc.InputPath,
		StdoutPath:   workspace.StdoutPath(runDir),
		StderrPath:   workspace.StderrPath(runDir),
		Limits:       limits,
		Policy:       o.cfg.RunPolicy,
	}

	out := o.sup.Run(ctx, runSpec)

	mode := o.cfg.Compare
	if sub.CompareMode != "" {
		mode = classify.ComparisonMode(sub.CompareMode)
	}

	// A checker owns the accept/reject decision; direct comparison then
	// only classifies resource and exit conditions.
	var expected []byte
	if tc.AnswerPath != "" && sub.CheckerPath == "" {
		expected, err = os.ReadFile(tc.AnswerPath)
		if err != nil {
			return systemError("read answer failed: " + err.Error())
		}
	}
	// Compare against the full stream, not the capped capture.
	if stdout, err := os.ReadFile(runSpec.StdoutPath); err == nil {
		out.Stdout = stdout
	}

	v := classify.Classify(out, limits, expected, mode)
	if sub.CheckerPath != "" && v.IsAccepted() {
		v = o.runChecker(ctx, sub, runDir, tc)
	}

	return model.TestResult{
		TestID:  tc.ID,
		Verdict: v,
		Outcome: out,
	}
}

// runChecker judges one run's output with the problem's checker
// executable. The checker is trusted pack content: it runs supervised
// under the compile-stage policy and limits, with the test input, the
// captured output, and the expected answer as arguments.
func (o *Orchestrator) runChecker(ctx context.Context, sub model.Submission, runDir string, tc model.TestCase) verdict.Verdict {
	checkSpec := spec.SandboxSpec{
		SubmissionID: sub.ID,
		RunID:        "check-" + tc.ID,
		Path:         sub.CheckerPath,
		Args:         []string{sub.CheckerPath, tc.InputPath, workspace.StdoutPath(runDir), tc.AnswerPath},
		WorkDir:      runDir,
		StderrPath:   workspace.CheckerLogPath(runDir),
		Limits:       o.cfg.DefaultCompileLimits,
		Policy:       o.cfg.CompilePolicy,
	}

	out := o.sup.Run(ctx, checkSpec)
	switch out.Status.Kind {
	case outcome.Exited:
		switch out.Status.Code {
		case 0:
			return verdict.Verdict{Kind: verdict.Accepted}
		case 1:
			return verdict.Verdict{Kind: verdict.WrongAnswer, Detail: capString(out.Stderr, diagnosticMaxBytes)}
		default:
			return verdict.Verdict{Kind: verdict.SystemError,
				Detail: fmt.Sprintf("checker exit code %d", out.Status.Code)}
		}
	case outcome.TimedOut:
		return verdict.Verdict{Kind: verdict.SystemError, Detail: "checker timed out"}
	case outcome.SupervisorError:
		return verdict.Verdict{Kind: verdict.SystemError, Detail: "checker failed: " + out.Status.Reason}
	default:
		return verdict.Verdict{Kind: verdict.SystemError,
			Detail: fmt.Sprintf("checker died: %s", out.Status)}
	}
}

func (o *Orchestrator) reportStatus(ctx context.Context, submissionID string, status model.Status, total, done int, receivedAt int64) {
	if o.reporter == nil {
		return
	}
	err := o.reporter.ReportStatus(ctx, StatusUpdate{
		SubmissionID: submissionID,
		Status:       status,
		TotalTests:   total,
		DoneTests:    done,
		ReceivedAt:   receivedAt,
	})
	if err != nil {
		logger.Warn(ctx, "report status failed", zap.Error(err))
	}
}

func (o *Orchestrator) fail(judgement model.Judgement, reason string) model.Judgement {
	judgement.Status = model.StatusFailed
	judgement.Overall = verdict.Verdict{Kind: verdict.SystemError, Detail: reason}
	judgement.Timestamps.FinishedAt = time.Now().Unix()
	return judgement
}

func validateRequest(sub model.Submission, tests []model.TestCase) error {
	if sub.ID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if sub.LanguageID == "" {
		return appErr.ValidationError("language_id", "required")
	}
	if sub.SourcePath == "" {
		return appErr.ValidationError("source_path", "required")
	}
	if len(tests) == 0 {
		return appErr.ValidationError("tests", "required")
	}
	seen := make(map[string]bool, len(tests))
	for _, tc := range tests {
		if tc.ID == "" {
			return appErr.ValidationError("test_id", "required")
		}
		if seen[tc.ID] {
			return appErr.Newf(appErr.InvalidParams, "duplicate test id %q", tc.ID)
		}
		seen[tc.ID] = true
		if tc.InputPath == "" {
			return appErr.ValidationError("input_path", "required")
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func capString(data []byte, max int) string {
	s := strings.TrimSpace(string(data))
	if len(s) > max {
		return s[:max]
	}
	return s
}
