//go:build linux && cgo

package policy

import (
	"testing"

	appErr "gavel/pkg/errors"
)

func TestCompileResolvesSyscalls(t *testing.T) {
	prog, err := Compile(DefaultRunPolicy())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if prog.Name() != "run-default" {
		t.Errorf("name = %q", prog.Name())
	}
	if len(prog.rules) == 0 {
		t.Error("allow list compiled to no rules")
	}
}

func TestCompileUnknownSyscall(t *testing.T) {
	p := Policy{
		Name:          "bad",
		DefaultAction: ActionKill,
		Rules:         []Rule{{Syscalls: []string{"no_such_syscall"}, Action: ActionAllow}},
	}
	_, err := Compile(p)
	if appErr.GetCode(err) != appErr.PolicyUnknownSyscall {
		t.Errorf("code = %v, want PolicyUnknownSyscall", appErr.GetCode(err))
	}
}

func TestCompileFirstMatchWins(t *testing.T) {
	p := Policy{
		Name:          "dup",
		DefaultAction: ActionKill,
		Rules: []Rule{
			{Syscalls: []string{"read"}, Action: ActionAllow},
			{Syscalls: []string{"read", "write"}, Action: ActionErrno, Errno: 1},
		},
	}
	prog, err := Compile(p)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	// read is claimed by the first rule; only write survives from the
	// second.
	if len(prog.rules) != 2 {
		t.Fatalf("compiled %d rules, want 2", len(prog.rules))
	}
}

func TestCompileArgPredicate(t *testing.T) {
	p := Policy{
		Name:          "cond",
		DefaultAction: ActionAllow,
		Rules: []Rule{{
			Syscalls: []string{"ioctl"},
			Action:   ActionErrno,
			Errno:    25,
			Arg:      &ArgPredicate{Index: 1, Op: ArgEqual, Value: 0x5401},
		}},
	}
	prog, err := Compile(p)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(prog.rules) != 1 || len(prog.rules[0].condition) != 1 {
		t.Errorf("rules = %+v", prog.rules)
	}
}
