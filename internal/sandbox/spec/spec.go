// Package spec defines the execution specification and resource limits
// for one sandboxed run.
package spec

import (
	"strings"

	"gavel/internal/sandbox/policy"
	appErr "gavel/pkg/errors"
)

// ResourceLimits describes hard ceilings enforced on a sandboxed process.
// A zero value means unbounded for that dimension. CPU time and wall time
// are independent ceilings: a sleeping process consumes wall time only.
type ResourceLimits struct {
	CPUTimeMs    int64
	WallTimeMs   int64
	MemoryBytes  int64
	StackBytes   int64
	OutputBytes  int64
	MaxProcesses int64
}

// Scale returns a copy with CPU/wall time and memory multiplied by the
// given per-language factors. Non-positive factors leave values unchanged.
func (l ResourceLimits) Scale(timeFactor, memFactor float64) ResourceLimits {
	out := l
	if timeFactor > 0 {
		out.CPUTimeMs = scale(l.CPUTimeMs, timeFactor)
		out.WallTimeMs = scale(l.WallTimeMs, timeFactor)
	}
	if memFactor > 0 {
		out.MemoryBytes = scale(l.MemoryBytes, memFactor)
	}
	return out
}

func scale(v int64, f float64) int64 {
	if v <= 0 {
		return 0
	}
	return int64(float64(v) * f)
}

// Merge overlays non-zero fields of override onto base.
func Merge(base, override ResourceLimits) ResourceLimits {
	if override.CPUTimeMs > 0 {
		base.CPUTimeMs = override.CPUTimeMs
	}
	if override.WallTimeMs > 0 {
		base.WallTimeMs = override.WallTimeMs
	}
	if override.MemoryBytes > 0 {
		base.MemoryBytes = override.MemoryBytes
	}
	if override.StackBytes > 0 {
		base.StackBytes = override.StackBytes
	}
	if override.OutputBytes > 0 {
		base.OutputBytes = override.OutputBytes
	}
	if override.MaxProcesses > 0 {
		base.MaxProcesses = override.MaxProcesses
	}
	return base
}

// SandboxSpec is the complete description of one sandboxed run. It is
// constructed fresh per run, owned by exactly one Supervisor invocation,
// and never reused: every run starts from a clean process image.
type SandboxSpec struct {
	SubmissionID string
	RunID        string

	// Path is the executable to run; Args includes argv[0].
	Path string
	Args []string

	// Env is an explicit allow-list of KEY=VALUE entries. The child never
	// inherits the supervisor's environment.
	Env []string

	WorkDir    string
	StdinPath  string
	StdoutPath string
	StderrPath string

	Limits ResourceLimits
	Policy policy.Policy
}

// Validate reports the first structural problem with the spec.
func Validate(s SandboxSpec) error {
	if s.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if s.RunID == "" {
		return appErr.ValidationError("run_id", "required")
	}
	if s.Path == "" {
		return appErr.ValidationError("path", "required")
	}
	if len(s.Args) == 0 {
		return appErr.ValidationError("args", "required")
	}
	if s.WorkDir == "" {
		return appErr.ValidationError("work_dir", "required")
	}
	for _, kv := range s.Env {
		if !strings.Contains(kv, "=") {
			return appErr.ValidationError("env", "entries must be KEY=VALUE")
		}
	}
	return nil
}
