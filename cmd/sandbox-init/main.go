//go:build linux

// sandbox-init is the child-side half of the sandbox. The supervisor
// spawns it with a SandboxSpec on stdin; it applies resource limits,
// redirects stdio, installs the syscall filter, and execs the target.
// Setup failures are reported on fd 3 with exit code 125 so the parent
// can tell them apart from the judged program's own exit codes.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"

	"gavel/internal/sandbox/policy"
	"gavel/internal/sandbox/rlimit"
	"gavel/internal/sandbox/spec"
)

const failExit = 125

func main() {
	if err := run(); err != nil {
		reportFailure(err)
		os.Exit(failExit)
	}
}

func run() error {
	var runSpec spec.SandboxSpec
	if err := json.NewDecoder(os.Stdin).Decode(&runSpec); err != nil {
		return fmt.Errorf("decode spec: %w", err)
	}
	if err := spec.Validate(runSpec); err != nil {
		return err
	}

	// The filter program is compiled before anything irreversible
	// happens; a bad policy must never leave a half-confined process.
	prog, err := policy.Compile(runSpec.Policy)
	if err != nil {
		return err
	}

	if err := os.Chdir(runSpec.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}

	if err := rlimit.Apply(runSpec.Limits); err != nil {
		return err
	}

	if err := redirectIO(runSpec); err != nil {
		return err
	}

	env := buildEnv(runSpec.Env)

	// Last step before handing control to untrusted code. Once loaded
	// the kernel forbids weakening the filter, and exec itself must be
	// permitted by the policy.
	if err := prog.Install(); err != nil {
		return err
	}

	path := runSpec.Path
	if !strings.Contains(path, "/") {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return fmt.Errorf("resolve command: %w", err)
		}
		path = resolved
	}
	return unix.Exec(path, runSpec.Args, env)
}

func redirectIO(runSpec spec.SandboxSpec) error {
	stdinPath := runSpec.StdinPath
	if stdinPath == "" {
		stdinPath = os.DevNull
	}
	stdoutPath := runSpec.StdoutPath
	if stdoutPath == "" {
		stdoutPath = os.DevNull
	}
	stderrPath := runSpec.StderrPath
	if stderrPath == "" {
		stderrPath = os.DevNull
	}

	stdinFile, err := os.Open(stdinPath)
	if err != nil {
		return fmt.Errorf("open stdin: %w", err)
	}
	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open stdout: %w", err)
	}
	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open stderr: %w", err)
	}

	if err := unix.Dup2(int(stdinFile.Fd()), 0); err != nil {
		return fmt.Errorf("dup stdin: %w", err)
	}
	if err := unix.Dup2(int(stdoutFile.Fd()), 1); err != nil {
		return fmt.Errorf("dup stdout: %w", err)
	}
	if err := unix.Dup2(int(stderrFile.Fd()), 2); err != nil {
		return fmt.Errorf("dup stderr: %w", err)
	}
	_ = stdinFile.Close()
	_ = stdoutFile.Close()
	_ = stderrFile.Close()
	return nil
}

// buildEnv returns the explicit allow-list, never the caller environment.
func buildEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.Contains(kv, "=") {
			out = append(out, kv)
		}
	}
	if len(out) == 0 {
		out = []string{"PATH=/usr/local/bin:/usr/bin:/bin"}
	}
	return out
}

// reportFailure writes the setup error to the status pipe the supervisor
// passed as fd 3. Stdio may already be redirected at this point.
func reportFailure(err error) {
	status := os.NewFile(3, "status")
	if status == nil {
		return
	}
	_, _ = fmt.Fprintln(status, err.Error())
	_ = status.Close()
}
