// Package status persists per-submission judging status: live progress
// while a submission is judged and the final judgement afterwards.
package status

import (
	"gavel/internal/judge/model"
	"gavel/internal/judge/verdict"
)

// Progress counts executed tests.
type Progress struct {
	TotalTests int `json:"total_tests"`
	DoneTests  int `json:"done_tests"`
}

// TestView is the externally visible result of one test.
type TestView struct {
	TestID      string       `json:"test_id"`
	Verdict     verdict.Kind `json:"verdict"`
	Detail      string       `json:"detail,omitempty"`
	TimeMs      int64        `json:"time_ms"`
	MemoryBytes int64        `json:"memory_bytes"`
}

// CompileView is the externally visible compile stage result.
type CompileView struct {
	OK         bool   `json:"ok"`
	ExitCode   int    `json:"exit_code"`
	TimeMs     int64  `json:"time_ms"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// Record is the stored status document for one submission.
type Record struct {
	SubmissionID string       `json:"submission_id"`
	Status       model.Status `json:"status"`
	Verdict      verdict.Kind `json:"verdict,omitempty"`
	Detail       string       `json:"detail,omitempty"`

	Progress Progress     `json:"progress"`
	Compile  *CompileView `json:"compile,omitempty"`
	Tests    []TestView   `json:"tests,omitempty"`

	TotalTimeMs    int64  `json:"total_time_ms"`
	MaxMemoryBytes int64  `json:"max_memory_bytes"`
	FirstFailedID  string `json:"first_failed_id,omitempty"`

	ReceivedAt int64 `json:"received_at"`
	FinishedAt int64 `json:"finished_at,omitempty"`

	ErrorCode    int    `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// FromJudgement builds the stored record for a finished judgement.
func FromJudgement(j model.Judgement) Record {
	rec := Record{
		SubmissionID:   j.SubmissionID,
		Status:         j.Status,
		Verdict:        j.Overall.Kind,
		Detail:         j.Overall.Detail,
		Progress:       Progress{TotalTests: len(j.Tests), DoneTests: len(j.Tests)},
		TotalTimeMs:    j.Summary.TotalTimeMs,
		MaxMemoryBytes: j.Summary.MaxMemoryBytes,
		FirstFailedID:  j.Summary.FirstFailedID,
		ReceivedAt:     j.Timestamps.ReceivedAt,
		FinishedAt:     j.Timestamps.FinishedAt,
	}
	if j.Compile != nil {
		rec.Compile = &CompileView{
			OK:         j.Compile.OK,
			ExitCode:   j.Compile.ExitCode,
			TimeMs:     j.Compile.TimeMs,
			Diagnostic: j.Compile.Diagnostic,
		}
	}
	for _, tr := range j.Tests {
		rec.Tests = append(rec.Tests, TestView{
			TestID:      tr.TestID,
			Verdict:     tr.Verdict.Kind,
			Detail:      tr.Verdict.Detail,
			TimeMs:      tr.Outcome.CPUTimeMs,
			MemoryBytes: tr.Outcome.MemoryPeakBytes,
		})
	}
	return rec
}
