// Package model holds the data types exchanged between the judging
// pipeline and its boundary layers.
package model

import (
	"gavel/internal/judge/verdict"
	"gavel/internal/sandbox/outcome"
	"gavel/internal/sandbox/spec"
)

// Status represents the lifecycle state of a submission.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusCompiling Status = "Compiling"
	StatusRunning   Status = "Running"
	StatusFinished  Status = "Finished"
	StatusFailed    Status = "Failed"
)

// Submission references everything needed to judge one program. All
// paths are resolved local files prepared before judging starts.
type Submission struct {
	ID         string
	LanguageID string
	SourcePath string

	// LimitsOverride overlays the per-test default limits.
	LimitsOverride spec.ResourceLimits

	// ExtraCompileFlags must be filtered by the caller before use.
	ExtraCompileFlags []string

	// CompareMode overrides the configured output comparison mode when
	// non-empty ("exact" or "tokens").
	CompareMode string

	// CheckerPath, when set, names a checker executable that judges
	// each run's output instead of direct comparison. Exit 0 means
	// accepted, exit 1 wrong answer, anything else a checker failure.
	CheckerPath string
}

// TestCase is one input/expected-answer pair with its limits.
type TestCase struct {
	ID         string
	InputPath  string
	AnswerPath string
	Limits     spec.ResourceLimits
}

// CompileResult captures the compile stage outcome.
type CompileResult struct {
	OK       bool
	ExitCode int
	TimeMs   int64
	// Diagnostic holds the byte-capped compiler stderr shown to users.
	Diagnostic string
}

// TestResult is the verdict and raw outcome of one test case.
type TestResult struct {
	TestID  string
	Verdict verdict.Verdict
	Outcome outcome.RunOutcome
}

// Summary aggregates statistics across executed tests.
type Summary struct {
	TotalTimeMs    int64
	MaxMemoryBytes int64
	FirstFailedID  string
}

// Timestamps records submission lifecycle times (unix seconds).
type Timestamps struct {
	ReceivedAt int64
	FinishedAt int64
}

// Judgement is the complete result for one submission. Per-test results
// appear in declared test order; Overall is the worst per-test verdict
// under the severity order, or CompileError/SystemError when the
// pipeline short-circuited before any test ran.
type Judgement struct {
	SubmissionID string
	Status       Status
	Overall      verdict.Verdict
	Compile      *CompileResult
	Tests        []TestResult
	Summary      Summary
	Timestamps   Timestamps
}
