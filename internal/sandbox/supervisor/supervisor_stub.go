//go:build !linux

package supervisor

import (
	"context"

	"gavel/internal/sandbox/outcome"
	"gavel/internal/sandbox/spec"
	appErr "gavel/pkg/errors"
)

type stubSupervisor struct{}

func newSupervisor(cfg Config) (Supervisor, error) {
	return stubSupervisor{}, nil
}

func (stubSupervisor) Run(ctx context.Context, s spec.SandboxSpec) outcome.RunOutcome {
	return outcome.RunOutcome{
		Status: outcome.ExitStatus{
			Kind:   outcome.SupervisorError,
			Reason: "sandbox is only supported on linux",
		},
	}
}

func (stubSupervisor) KillSubmission(ctx context.Context, submissionID string) error {
	return appErr.New(appErr.SupervisorError).WithMessage("sandbox is only supported on linux")
}
