//go:build linux

// Package rlimit translates logical resource limits into kernel rlimits.
// Apply must run inside the child after fork and before exec so the
// ceilings bind to the exact process tree that runs untrusted code.
package rlimit

import (
	"golang.org/x/sys/unix"

	"gavel/internal/sandbox/spec"
	appErr "gavel/pkg/errors"
)

// Apply sets hard rlimits from the logical limit specification. Any
// failure is fatal to the run: the process must never execute
// unconstrained.
func Apply(limits spec.ResourceLimits) error {
	if limits.CPUTimeMs > 0 {
		// RLIMIT_CPU is second-granular; round up so a limit of 1500ms
		// does not truncate to 1s.
		seconds := uint64((limits.CPUTimeMs + 999) / 1000)
		if err := set(unix.RLIMIT_CPU, seconds); err != nil {
			return appErr.Wrapf(err, appErr.LimitError, "set rlimit cpu failed")
		}
	}
	if limits.OutputBytes > 0 {
		if err := set(unix.RLIMIT_FSIZE, uint64(limits.OutputBytes)); err != nil {
			return appErr.Wrapf(err, appErr.LimitError, "set rlimit fsize failed")
		}
	}
	if limits.StackBytes > 0 {
		if err := set(unix.RLIMIT_STACK, uint64(limits.StackBytes)); err != nil {
			return appErr.Wrapf(err, appErr.LimitError, "set rlimit stack failed")
		}
	}
	if limits.MemoryBytes > 0 {
		if err := set(unix.RLIMIT_AS, uint64(limits.MemoryBytes)); err != nil {
			return appErr.Wrapf(err, appErr.LimitError, "set rlimit as failed")
		}
	}
	if limits.MaxProcesses > 0 {
		if err := set(unix.RLIMIT_NPROC, uint64(limits.MaxProcesses)); err != nil {
			return appErr.Wrapf(err, appErr.LimitError, "set rlimit nproc failed")
		}
	}
	return nil
}

func set(resource int, value uint64) error {
	return unix.Setrlimit(resource, &unix.Rlimit{Cur: value, Max: value})
}
