package model

// JudgeMessage is the queue payload that requests judging of one
// submission. Pack fields pin the exact problem package version the
// submission must be judged against.
type JudgeMessage struct {
	SubmissionID string `json:"submission_id"`
	ProblemID    int64  `json:"problem_id"`
	LanguageID   string `json:"language_id"`

	SourceKey  string `json:"source_key"`
	SourceHash string `json:"source_hash"`

	PackVersion int32  `json:"pack_version"`
	PackKey     string `json:"pack_key"`
	PackHash    string `json:"pack_hash"`

	ExtraCompileFlags []string `json:"extra_compile_flags,omitempty"`
}
