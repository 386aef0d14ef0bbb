//go:build !linux

package rlimit

import (
	"gavel/internal/sandbox/spec"
	appErr "gavel/pkg/errors"
)

// Apply always fails off linux: the sandbox never runs unconstrained.
func Apply(limits spec.ResourceLimits) error {
	return appErr.New(appErr.LimitError).WithMessage("rlimits are only supported on linux")
}
