// Package supervisor creates, confines, and reaps sandboxed processes.
//
// Each run moves through one-shot states: created, limits applied, policy
// installed, executing, then exactly one terminal state recorded in the
// RunOutcome. The parent process owns the child handle on every exit path;
// no process tree outlives its run.
package supervisor

import (
	"context"

	"gavel/internal/sandbox/outcome"
	"gavel/internal/sandbox/spec"
)

const defaultCaptureMaxBytes int64 = 64 * 1024

// Supervisor executes SandboxSpecs. Run blocks the calling worker until
// the run reaches a terminal state; this is the only blocking point the
// worker pool sees.
type Supervisor interface {
	// Run executes one spec and reports the outcome. Host-level failures
	// surface as a SupervisorError outcome, never as a panic or a partial
	// result; errors inside one run never affect sibling runs.
	Run(ctx context.Context, s spec.SandboxSpec) outcome.RunOutcome

	// KillSubmission force-terminates every live process tree belonging
	// to a submission. Used for external cancellation.
	KillSubmission(ctx context.Context, submissionID string) error
}

// Config controls supervisor behavior.
type Config struct {
	// HelperPath locates the sandbox-init binary that applies limits and
	// the syscall filter inside the child before exec.
	HelperPath string
	// CaptureMaxBytes caps in-memory stdout/stderr capture per stream.
	CaptureMaxBytes int64
	// CgroupRoot enables cgroup-v2 enforcement when non-empty.
	CgroupRoot string
	EnableCgroup bool
}

// New creates the platform supervisor.
func New(cfg Config) (Supervisor, error) {
	if cfg.CaptureMaxBytes <= 0 {
		cfg.CaptureMaxBytes = defaultCaptureMaxBytes
	}
	if cfg.HelperPath == "" {
		cfg.HelperPath = "sandbox-init"
	}
	return newSupervisor(cfg)
}
