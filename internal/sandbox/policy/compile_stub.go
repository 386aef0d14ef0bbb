//go:build !linux || !cgo

package policy

import (
	appErr "gavel/pkg/errors"
)

// Program is a compiled syscall filter. Seccomp is linux-only; this stub
// keeps non-linux builds of the judging layers compiling.
type Program struct {
	name string
}

// Name returns the source policy name.
func (p *Program) Name() string { return p.name }

// Compile validates the policy but cannot resolve syscalls off linux.
func Compile(p Policy) (*Program, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Program{name: p.Name}, nil
}

// Install always fails off linux.
func (p *Program) Install() error {
	return appErr.New(appErr.PolicyError).WithMessage("seccomp is only supported on linux")
}
