//go:build linux

package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gavel/internal/sandbox/cgroup"
	"gavel/internal/sandbox/outcome"
	"gavel/internal/sandbox/policy"
	"gavel/internal/sandbox/spec"
	"gavel/pkg/logger"
)

// helperFailExit is the exit code sandbox-init reserves for its own setup
// failures, reported alongside a message on the status pipe (fd 3).
const helperFailExit = 125

type linuxSupervisor struct {
	cfg    Config
	cgctrl *cgroup.Controller
}

func newSupervisor(cfg Config) (Supervisor, error) {
	s := &linuxSupervisor{cfg: cfg}
	if cfg.EnableCgroup {
		ctrl, err := cgroup.NewController(cfg.CgroupRoot)
		if err != nil {
			return nil, err
		}
		s.cgctrl = ctrl
	}
	return s, nil
}

func (s *linuxSupervisor) Run(ctx context.Context, runSpec spec.SandboxSpec) outcome.RunOutcome {
	if err := spec.Validate(runSpec); err != nil {
		return supervisorFailure(err.Error())
	}
	// Compile parent-side first: a malformed policy is a configuration
	// bug and must fail before any untrusted process exists.
	if _, err := policy.Compile(runSpec.Policy); err != nil {
		return supervisorFailure(err.Error())
	}

	cgroupPath := ""
	if s.cgctrl != nil {
		path, cleanup, err := s.cgctrl.Create(runSpec.SubmissionID, runSpec.RunID, runSpec.Limits)
		if err != nil {
			return supervisorFailure(err.Error())
		}
		defer cleanup()
		cgroupPath = path
	}

	specJSON, err := json.Marshal(runSpec)
	if err != nil {
		return supervisorFailure("encode init request: " + err.Error())
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return supervisorFailure("create stdin pipe: " + err.Error())
	}
	defer stdinR.Close()

	statusR, statusW, err := os.Pipe()
	if err != nil {
		stdinW.Close()
		return supervisorFailure("create status pipe: " + err.Error())
	}
	defer statusR.Close()

	cmd := exec.Command(s.cfg.HelperPath)
	cmd.Stdin = stdinR
	cmd.ExtraFiles = []*os.File{statusW}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	var helperStderr bytes.Buffer
	cmd.Stderr = &helperStderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		statusW.Close()
		stdinW.Close()
		return supervisorFailure("start helper: " + err.Error())
	}
	statusW.Close()

	if s.cgctrl != nil {
		if err := s.cgctrl.Attach(cgroupPath, cmd.Process.Pid); err != nil {
			logger.Warn(ctx, "attach process to cgroup failed",
				zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}

	// The helper blocks reading its request until this write, so the
	// process is inside its cgroup before any of the request can act.
	go func() {
		_, _ = stdinW.Write(specJSON)
		stdinW.Close()
	}()

	// Two independent ceilings are armed before user code executes: the
	// CPU rlimit inside the child and this wall-clock watchdog, which
	// catches processes that sleep or block without consuming CPU. The
	// done channel disarms it the instant the run reaches a terminal
	// state so it cannot fire on an already-reaped process.
	var timedOut atomic.Bool
	var cancelled atomic.Bool
	done := make(chan struct{})
	go func() {
		var deadline <-chan time.Time
		if runSpec.Limits.WallTimeMs > 0 {
			timer := time.NewTimer(time.Duration(runSpec.Limits.WallTimeMs) * time.Millisecond)
			defer timer.Stop()
			deadline = timer.C
		}
		select {
		case <-deadline:
			timedOut.Store(true)
			s.killTree(cmd.Process.Pid, cgroupPath)
		case <-ctx.Done():
			cancelled.Store(true)
			s.killTree(cmd.Process.Pid, cgroupPath)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	wallMs := time.Since(start).Milliseconds()

	// The group may hold grandchildren the direct wait did not reap.
	s.killTree(cmd.Process.Pid, cgroupPath)

	helperMsg, _ := io.ReadAll(io.LimitReader(statusR, 4096))

	out := outcome.RunOutcome{
		WallTimeMs:  wallMs,
		Stdout:      readLimitedFile(runSpec.StdoutPath, s.cfg.CaptureMaxBytes),
		Stderr:      readLimitedFile(runSpec.StderrPath, s.cfg.CaptureMaxBytes),
		StdoutBytes: fileSize(runSpec.StdoutPath),
		StderrBytes: fileSize(runSpec.StderrPath),
	}

	state := cmd.ProcessState
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok && usage != nil {
		out.CPUTimeMs = timevalMs(usage.Utime) + timevalMs(usage.Stime)
		out.MemoryPeakBytes = usage.Maxrss * 1024
	}
	if s.cgctrl != nil {
		if peak, ok := cgroup.PeakMemoryBytes(cgroupPath); ok {
			out.MemoryPeakBytes = peak
		}
		out.OomKilled = cgroup.OomKilled(cgroupPath)
	}

	out.Status = classifyWait(state, waitErr, helperMsg, timedOut.Load(), cancelled.Load())
	if out.Status.Kind == outcome.SupervisorError && helperStderr.Len() > 0 {
		logger.Warn(ctx, "sandbox helper stderr",
			zap.String("stderr", strings.TrimSpace(helperStderr.String())))
	}
	return out
}

func classifyWait(state *os.ProcessState, waitErr error, helperMsg []byte, timedOut, cancelled bool) outcome.ExitStatus {
	if cancelled {
		return outcome.ExitStatus{Kind: outcome.SupervisorError, Reason: "cancelled"}
	}
	if timedOut {
		return outcome.ExitStatus{Kind: outcome.TimedOut}
	}
	if state == nil {
		reason := "wait failed"
		if waitErr != nil {
			reason = waitErr.Error()
		}
		return outcome.ExitStatus{Kind: outcome.SupervisorError, Reason: reason}
	}

	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return outcome.ExitStatus{Kind: outcome.SupervisorError, Reason: "unknown wait status"}
	}
	switch {
	case ws.Signaled():
		sig := ws.Signal()
		if sig == syscall.SIGSYS {
			return outcome.ExitStatus{Kind: outcome.PolicyViolation, Signal: int(sig), SyscallNum: -1}
		}
		return outcome.ExitStatus{Kind: outcome.Signaled, Signal: int(sig)}
	case ws.Exited():
		code := ws.ExitStatus()
		if code == helperFailExit && len(helperMsg) > 0 {
			return outcome.ExitStatus{
				Kind:   outcome.SupervisorError,
				Reason: strings.TrimSpace(string(helperMsg)),
			}
		}
		return outcome.ExitStatus{Kind: outcome.Exited, Code: code}
	default:
		return outcome.ExitStatus{Kind: outcome.SupervisorError, Reason: "process neither exited nor signaled"}
	}
}

func (s *linuxSupervisor) KillSubmission(ctx context.Context, submissionID string) error {
	if s.cgctrl == nil {
		return nil
	}
	if err := s.cgctrl.KillSubmission(submissionID); err != nil {
		logger.Warn(ctx, "kill submission cgroups failed",
			zap.String("submission_id", submissionID), zap.Error(err))
		return err
	}
	return nil
}

// killTree terminates the whole process group, and the cgroup when one
// exists, so leaked grandchildren cannot outlive the run.
func (s *linuxSupervisor) killTree(pid int, cgroupPath string) {
	if pid > 0 {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
	if cgroupPath != "" {
		killPath := cgroupPath + "/cgroup.kill"
		if _, err := os.Stat(killPath); err == nil {
			_ = os.WriteFile(killPath, []byte("1"), 0600)
		}
	}
}

func supervisorFailure(reason string) outcome.RunOutcome {
	return outcome.RunOutcome{
		Status: outcome.ExitStatus{Kind: outcome.SupervisorError, Reason: reason},
	}
}

func readLimitedFile(path string, maxBytes int64) []byte {
	if path == "" {
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxBytes))
	if err != nil {
		return nil
	}
	return data
}

func fileSize(path string) int64 {
	if path == "" {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func timevalMs(tv syscall.Timeval) int64 {
	return tv.Sec*1000 + tv.Usec/1000
}
