// Package classify maps raw run outcomes onto verdicts. Classification is
// pure: it inspects captured data and never re-executes anything.
package classify

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"gavel/internal/judge/verdict"
	"gavel/internal/sandbox/outcome"
	"gavel/internal/sandbox/spec"
)

// ComparisonMode selects how captured output is checked against the
// expected answer.
type ComparisonMode string

const (
	// CompareExact requires byte-for-byte equality.
	CompareExact ComparisonMode = "exact"
	// CompareTokens compares whitespace-separated tokens, tolerating
	// trailing whitespace and line-ending differences.
	CompareTokens ComparisonMode = "tokens"
)

// Classify derives the verdict for one run. The decision order is fixed:
// supervisor failure, policy violation, timeout, memory, output size,
// abnormal exit, and only then output comparison. Memory is checked even
// on a clean exit because a process may free its peak before exiting.
func Classify(out outcome.RunOutcome, limits spec.ResourceLimits, expected []byte, mode ComparisonMode) verdict.Verdict {
	switch out.Status.Kind {
	case outcome.SupervisorError:
		return verdict.Verdict{Kind: verdict.SystemError, Detail: out.Status.Reason}
	case outcome.PolicyViolation:
		return verdict.Verdict{Kind: verdict.SecurityViolation, Detail: syscallDetail(out.Status.SyscallNum)}
	case outcome.TimedOut:
		return verdict.Verdict{Kind: verdict.TimeLimitExceeded}
	}

	if out.OomKilled {
		return verdict.Verdict{Kind: verdict.MemoryLimitExceeded}
	}
	if limits.MemoryBytes > 0 && out.MemoryPeakBytes > limits.MemoryBytes {
		return verdict.Verdict{Kind: verdict.MemoryLimitExceeded}
	}
	// The fsize rlimit truncates the stream at exactly the ceiling and
	// kills the writer with SIGXFSZ, so the size comparison alone never
	// fires on an enforced run; the signal is the enforcement telling us.
	if limits.OutputBytes > 0 {
		if out.StdoutBytes > limits.OutputBytes {
			return verdict.Verdict{Kind: verdict.OutputLimitExceeded}
		}
		if out.Status.Kind == outcome.Signaled && out.Status.Signal == int(unix.SIGXFSZ) {
			return verdict.Verdict{Kind: verdict.OutputLimitExceeded}
		}
	}

	switch out.Status.Kind {
	case outcome.Signaled:
		if isCPUSignal(out.Status.Signal) && limits.CPUTimeMs > 0 && out.CPUTimeMs >= limits.CPUTimeMs {
			return verdict.Verdict{Kind: verdict.TimeLimitExceeded}
		}
		return verdict.Verdict{Kind: verdict.RuntimeError, Detail: fmt.Sprintf("signal %d", out.Status.Signal)}
	case outcome.Exited:
		if out.Status.Code != 0 {
			return verdict.Verdict{Kind: verdict.RuntimeError, Detail: fmt.Sprintf("exit code %d", out.Status.Code)}
		}
	}

	// A run that exhausted its CPU budget can still exit 0 when the
	// kernel delivers SIGKILL between the soft and hard ceiling; catch
	// it by usage.
	if limits.CPUTimeMs > 0 && out.CPUTimeMs > limits.CPUTimeMs {
		return verdict.Verdict{Kind: verdict.TimeLimitExceeded}
	}

	if expected == nil {
		return verdict.Verdict{Kind: verdict.Accepted}
	}
	if OutputMatches(out.Stdout, expected, mode) {
		return verdict.Verdict{Kind: verdict.Accepted}
	}
	return verdict.Verdict{Kind: verdict.WrongAnswer}
}

// OutputMatches compares captured output with the expected answer under
// the given mode.
func OutputMatches(got, expected []byte, mode ComparisonMode) bool {
	switch mode {
	case CompareTokens:
		return tokensEqual(got, expected)
	default:
		return bytes.Equal(got, expected)
	}
}

func tokensEqual(got, expected []byte) bool {
	a := strings.Fields(string(got))
	b := strings.Fields(string(expected))
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SIGXCPU fires at the soft CPU ceiling, SIGKILL at the hard one.
func isCPUSignal(sig int) bool {
	return sig == int(unix.SIGXCPU) || sig == int(unix.SIGKILL)
}

func syscallDetail(num int) string {
	if num < 0 {
		return "syscall unknown"
	}
	return fmt.Sprintf("syscall %d", num)
}
