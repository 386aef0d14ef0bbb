// Package outcome defines the immutable result of one sandboxed run.
package outcome

import "fmt"

// Kind is the closed set of terminal states a run can reach. Exactly one
// applies per run; the classifier switches over all of them.
type Kind int

const (
	// Exited means the process terminated on its own with an exit code.
	Exited Kind = iota
	// Signaled means the process was terminated by a signal other than
	// the policy filter or the wall-clock watchdog.
	Signaled
	// TimedOut means the supervisor's wall-clock deadline fired and the
	// process tree was force-terminated.
	TimedOut
	// PolicyViolation means the seccomp filter killed the process for
	// calling a forbidden syscall.
	PolicyViolation
	// SupervisorError means the host failed to create or supervise the
	// process. Fatal to this run only, never to siblings.
	SupervisorError
)

func (k Kind) String() string {
	switch k {
	case Exited:
		return "exited"
	case Signaled:
		return "signaled"
	case TimedOut:
		return "timed_out"
	case PolicyViolation:
		return "policy_violation"
	case SupervisorError:
		return "supervisor_error"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ExitStatus is the tagged terminal state of a run. Only the fields
// matching Kind are meaningful: Code for Exited, Signal for Signaled and
// PolicyViolation, SyscallNum for PolicyViolation, Reason for
// SupervisorError.
type ExitStatus struct {
	Kind   Kind
	Code   int
	Signal int
	// SyscallNum is the violating syscall when known, -1 otherwise. The
	// kill action leaves no syscall number behind after exec, so -1 is
	// the common case.
	SyscallNum int
	Reason     string
}

func (s ExitStatus) String() string {
	switch s.Kind {
	case Exited:
		return fmt.Sprintf("exited(%d)", s.Code)
	case Signaled:
		return fmt.Sprintf("signaled(%d)", s.Signal)
	case TimedOut:
		return "timed_out"
	case PolicyViolation:
		return fmt.Sprintf("policy_violation(syscall=%d)", s.SyscallNum)
	case SupervisorError:
		return fmt.Sprintf("supervisor_error(%s)", s.Reason)
	}
	return s.Kind.String()
}

// RunOutcome captures everything the supervisor observed about one run.
// Produced exactly once; immutable after creation.
type RunOutcome struct {
	Status ExitStatus

	CPUTimeMs       int64
	WallTimeMs      int64
	MemoryPeakBytes int64

	StdoutBytes int64
	StderrBytes int64

	// Stdout and Stderr hold byte-capped captures for diagnostics and
	// output comparison; the full streams live in the scratch dir files.
	Stdout []byte
	Stderr []byte

	OomKilled bool
}
