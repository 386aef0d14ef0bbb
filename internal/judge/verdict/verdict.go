// Package verdict defines judging verdicts and their severity order.
package verdict

import "fmt"

// Kind enumerates the possible verdicts for one run or one submission.
type Kind string

const (
	Accepted            Kind = "AC"
	WrongAnswer         Kind = "WA"
	TimeLimitExceeded   Kind = "TLE"
	MemoryLimitExceeded Kind = "MLE"
	OutputLimitExceeded Kind = "OLE"
	RuntimeError        Kind = "RE"
	SecurityViolation   Kind = "SV"
	CompileError        Kind = "CE"
	SystemError         Kind = "SE"
)

// severity orders verdicts from least to most severe. A submission's
// overall verdict is the worst verdict among its tests under this order.
// TLE and OLE share a rank: neither dominates the other.
var severity = map[Kind]int{
	Accepted:            0,
	WrongAnswer:         1,
	TimeLimitExceeded:   2,
	OutputLimitExceeded: 2,
	MemoryLimitExceeded: 3,
	RuntimeError:        4,
	CompileError:        5,
	SecurityViolation:   6,
	SystemError:         7,
}

// Verdict is one classification outcome. Detail carries the
// kind-specific context: exit code or signal for RE, syscall for SV,
// diagnostic for CE, reason for SE.
type Verdict struct {
	Kind   Kind
	Detail string
}

func (v Verdict) String() string {
	if v.Detail == "" {
		return string(v.Kind)
	}
	return fmt.Sprintf("%s(%s)", v.Kind, v.Detail)
}

// IsAccepted reports whether the verdict is Accepted.
func (v Verdict) IsAccepted() bool { return v.Kind == Accepted }

// Severity returns the verdict's rank in the total order.
func (k Kind) Severity() int { return severity[k] }

// Worst returns the more severe of two verdicts. On equal severity the
// earlier one wins, keeping aggregation deterministic in test order.
func Worst(a, b Verdict) Verdict {
	if severity[b.Kind] > severity[a.Kind] {
		return b
	}
	return a
}
