//go:build linux && cgo

package policy

import (
	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"

	appErr "gavel/pkg/errors"
)

const defaultDenyErrno = int16(unix.EPERM)

type compiledRule struct {
	syscall   seccomp.ScmpSyscall
	action    seccomp.ScmpAction
	condition []seccomp.ScmpCondition
}

// Program is a compiled syscall filter ready to be installed in the child.
// Compilation resolves every syscall name eagerly so a malformed policy
// fails before any untrusted code is spawned.
type Program struct {
	name          string
	defaultAction seccomp.ScmpAction
	rules         []compiledRule
}

// Name returns the source policy name.
func (p *Program) Name() string { return p.name }

// Compile turns a declarative policy into an installable filter program.
// First-match-wins over declaration order is realized here: once a syscall
// has been claimed by a rule, later rules naming it are ignored.
func Compile(p Policy) (*Program, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	defaultAction, err := mapAction(p.DefaultAction, 0)
	if err != nil {
		return nil, err
	}
	prog := &Program{name: p.Name, defaultAction: defaultAction}

	claimed := make(map[seccomp.ScmpSyscall]bool)
	for _, rule := range p.Rules {
		action, err := mapAction(rule.Action, rule.Errno)
		if err != nil {
			return nil, err
		}
		var conds []seccomp.ScmpCondition
		if rule.Arg != nil {
			cond, err := mapCondition(*rule.Arg)
			if err != nil {
				return nil, err
			}
			conds = append(conds, cond)
		}
		for _, name := range rule.Syscalls {
			sc, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				return nil, appErr.Wrapf(err, appErr.PolicyUnknownSyscall,
					"policy %s: unknown syscall %q", p.Name, name)
			}
			if claimed[sc] && len(conds) == 0 {
				continue
			}
			claimed[sc] = true
			prog.rules = append(prog.rules, compiledRule{
				syscall:   sc,
				action:    action,
				condition: conds,
			})
		}
	}
	return prog, nil
}

// Install loads the filter into the calling process. Must run in the child
// after limits are applied and immediately before exec; once loaded the
// kernel forbids removing or weakening the filter.
func (p *Program) Install() error {
	filter, err := seccomp.NewFilter(p.defaultAction)
	if err != nil {
		return appErr.Wrapf(err, appErr.PolicyError, "create seccomp filter failed")
	}
	defer filter.Release()

	for _, rule := range p.rules {
		if len(rule.condition) > 0 {
			err = filter.AddRuleConditional(rule.syscall, rule.action, rule.condition)
		} else {
			err = filter.AddRule(rule.syscall, rule.action)
		}
		if err != nil {
			return appErr.Wrapf(err, appErr.PolicyError, "add seccomp rule failed")
		}
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return appErr.Wrapf(err, appErr.PolicyError, "set no new privs failed")
	}
	if err := filter.Load(); err != nil {
		return appErr.Wrapf(err, appErr.PolicyError, "load seccomp filter failed")
	}
	return nil
}

func mapAction(a Action, errno int) (seccomp.ScmpAction, error) {
	switch a {
	case ActionAllow:
		return seccomp.ActAllow, nil
	case ActionErrno:
		e := int16(errno)
		if e <= 0 {
			e = defaultDenyErrno
		}
		return seccomp.ActErrno.SetReturnCode(e), nil
	case ActionKill:
		return seccomp.ActKillProcess, nil
	default:
		return seccomp.ActKillProcess, appErr.Newf(appErr.PolicyError, "unsupported action %q", a)
	}
}

func mapCondition(p ArgPredicate) (seccomp.ScmpCondition, error) {
	var op seccomp.ScmpCompareOp
	switch p.Op {
	case ArgEqual:
		op = seccomp.CompareEqual
	case ArgNotEqual:
		op = seccomp.CompareNotEqual
	case ArgLess:
		op = seccomp.CompareLess
	case ArgGreater:
		op = seccomp.CompareGreater
	case ArgMaskedEq:
		op = seccomp.CompareMaskedEqual
	default:
		return seccomp.ScmpCondition{}, appErr.Newf(appErr.PolicyError, "unsupported arg op %q", p.Op)
	}
	if p.Op == ArgMaskedEq {
		return seccomp.MakeCondition(p.Index, op, p.Mask, p.Value)
	}
	return seccomp.MakeCondition(p.Index, op, p.Value)
}
