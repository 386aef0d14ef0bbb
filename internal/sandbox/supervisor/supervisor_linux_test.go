//go:build linux

package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"gavel/internal/sandbox/outcome"
	"gavel/internal/sandbox/policy"
	"gavel/internal/sandbox/spec"
)

// fakeHelper stands in for sandbox-init: it drains the spec from stdin
// and then behaves per the script body.
func fakeHelper(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-init")
	script := "#!/bin/sh\ncat >/dev/null\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write helper: %v", err)
	}
	return path
}

func testSpec(t *testing.T) spec.SandboxSpec {
	t.Helper()
	dir := t.TempDir()
	return spec.SandboxSpec{
		SubmissionID: "sub-1",
		RunID:        "run-1",
		Path:         "/bin/true",
		Args:         []string{"/bin/true"},
		WorkDir:      dir,
		StdoutPath:   filepath.Join(dir, "stdout.txt"),
		StderrPath:   filepath.Join(dir, "stderr.txt"),
		Policy:       policy.UnconfinedPolicy(),
	}
}

func newTestSupervisor(t *testing.T, helper string) Supervisor {
	t.Helper()
	sup, err := New(Config{HelperPath: helper, CaptureMaxBytes: 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sup
}

func TestRunExitCode(t *testing.T) {
	sup := newTestSupervisor(t, fakeHelper(t, "exit 7"))
	out := sup.Run(context.Background(), testSpec(t))
	if out.Status.Kind != outcome.Exited || out.Status.Code != 7 {
		t.Fatalf("status = %s, want exited(7)", out.Status)
	}
}

func TestRunHelperSetupFailure(t *testing.T) {
	// Exit 125 plus a message on fd 3 is the helper's setup-failure
	// protocol; a plain 125 from user code stays an ordinary exit.
	sup := newTestSupervisor(t, fakeHelper(t, "echo 'apply rlimit: EPERM' >&3\nexit 125"))
	out := sup.Run(context.Background(), testSpec(t))
	if out.Status.Kind != outcome.SupervisorError {
		t.Fatalf("status = %s, want supervisor error", out.Status)
	}
	if !strings.Contains(out.Status.Reason, "apply rlimit") {
		t.Errorf("reason = %q", out.Status.Reason)
	}

	sup = newTestSupervisor(t, fakeHelper(t, "exit 125"))
	out = sup.Run(context.Background(), testSpec(t))
	if out.Status.Kind != outcome.Exited || out.Status.Code != 125 {
		t.Fatalf("status = %s, want exited(125)", out.Status)
	}
}

func TestRunWallClockTimeout(t *testing.T) {
	sup := newTestSupervisor(t, fakeHelper(t, "sleep 5"))
	s := testSpec(t)
	s.Limits.WallTimeMs = 100

	start := time.Now()
	out := sup.Run(context.Background(), s)
	if out.Status.Kind != outcome.TimedOut {
		t.Fatalf("status = %s, want timed out", out.Status)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("watchdog took %v", elapsed)
	}
}

func TestRunCancellation(t *testing.T) {
	sup := newTestSupervisor(t, fakeHelper(t, "sleep 5"))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	out := sup.Run(ctx, testSpec(t))
	if out.Status.Kind != outcome.SupervisorError || out.Status.Reason != "cancelled" {
		t.Fatalf("status = %s, want supervisor_error(cancelled)", out.Status)
	}
}

func TestRunSignalDeath(t *testing.T) {
	sup := newTestSupervisor(t, fakeHelper(t, "kill -SEGV $$"))
	out := sup.Run(context.Background(), testSpec(t))
	if out.Status.Kind != outcome.Signaled || out.Status.Signal != int(syscall.SIGSEGV) {
		t.Fatalf("status = %s, want signaled(11)", out.Status)
	}
}

func TestRunSigsysIsPolicyViolation(t *testing.T) {
	sup := newTestSupervisor(t, fakeHelper(t, "kill -SYS $$"))
	out := sup.Run(context.Background(), testSpec(t))
	if out.Status.Kind != outcome.PolicyViolation {
		t.Fatalf("status = %s, want policy violation", out.Status)
	}
	if out.Status.SyscallNum != -1 {
		t.Errorf("syscall num = %d, want -1", out.Status.SyscallNum)
	}
}

func TestRunCapturesOutput(t *testing.T) {
	s := testSpec(t)
	// The fake helper does not dup stdout; it writes the file directly.
	sup := newTestSupervisor(t, fakeHelper(t, "echo hello > "+s.StdoutPath))

	out := sup.Run(context.Background(), s)
	if out.Status.Kind != outcome.Exited || out.Status.Code != 0 {
		t.Fatalf("status = %s", out.Status)
	}
	if string(out.Stdout) != "hello\n" {
		t.Errorf("stdout = %q", out.Stdout)
	}
	if out.StdoutBytes != int64(len("hello\n")) {
		t.Errorf("stdout bytes = %d", out.StdoutBytes)
	}
}

func TestRunDeliversRequest(t *testing.T) {
	// A helper that saves its stdin instead of draining it, so the test
	// can decode what the parent actually delivered after start-up.
	dir := t.TempDir()
	saved := filepath.Join(dir, "request.json")
	helper := filepath.Join(dir, "fake-init")
	script := "#!/bin/sh\ncat > " + saved + "\n"
	if err := os.WriteFile(helper, []byte(script), 0o755); err != nil {
		t.Fatalf("write helper: %v", err)
	}

	s := testSpec(t)
	sup := newTestSupervisor(t, helper)
	out := sup.Run(context.Background(), s)
	if out.Status.Kind != outcome.Exited || out.Status.Code != 0 {
		t.Fatalf("status = %s", out.Status)
	}

	data, err := os.ReadFile(saved)
	if err != nil {
		t.Fatalf("read saved request: %v", err)
	}
	var got spec.SandboxSpec
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if got.RunID != s.RunID || got.Path != s.Path || got.WorkDir != s.WorkDir {
		t.Fatalf("request = %+v", got)
	}
}

func TestRunRejectsInvalidSpec(t *testing.T) {
	sup := newTestSupervisor(t, "/bin/true")
	out := sup.Run(context.Background(), spec.SandboxSpec{})
	if out.Status.Kind != outcome.SupervisorError {
		t.Fatalf("status = %s, want supervisor error", out.Status)
	}
}

func TestReadLimitedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLimitedFile(path, 4); string(got) != "0123" {
		t.Errorf("capped read = %q", got)
	}
	if got := readLimitedFile(filepath.Join(t.TempDir(), "missing"), 4); got != nil {
		t.Errorf("missing file read = %q", got)
	}
	if got := readLimitedFile("", 4); got != nil {
		t.Errorf("empty path read = %q", got)
	}
	if fileSize(path) != 10 {
		t.Errorf("fileSize = %d, want 10", fileSize(path))
	}
}
