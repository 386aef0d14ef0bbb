// Package workspace lays out the scratch directories for one submission.
// Every run gets an exclusive directory, never shared across concurrent
// sandboxes, and the whole tree is removed when judging finishes.
package workspace

import (
	"os"
	"path/filepath"

	appErr "gavel/pkg/errors"
)

const (
	compileDirName = "compile"
	compileLogName = "compile.log"
	stdoutName     = "stdout.txt"
	stderrName     = "stderr.txt"
	checkerLogName = "checker.log"
)

// Workspace is the per-submission scratch tree.
type Workspace struct {
	root string
}

// New creates the scratch root for one submission.
func New(workRoot, submissionID string) (*Workspace, error) {
	root := filepath.Join(workRoot, submissionID)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "create submission work root failed")
	}
	return &Workspace{root: root}, nil
}

// Root returns the submission scratch root.
func (w *Workspace) Root() string { return w.root }

// CompileDir creates and returns the compile stage directory.
func (w *Workspace) CompileDir() (string, error) {
	dir := filepath.Join(w.root, compileDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", appErr.Wrapf(err, appErr.WorkspaceError, "create compile dir failed")
	}
	return dir, nil
}

// CompileLogPath is where the compile stage's stderr is captured.
func (w *Workspace) CompileLogPath() string {
	return filepath.Join(w.root, compileDirName, compileLogName)
}

// RunDir creates and returns the exclusive directory for one test run.
func (w *Workspace) RunDir(runID string) (string, error) {
	dir := filepath.Join(w.root, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", appErr.Wrapf(err, appErr.WorkspaceError, "create run dir failed")
	}
	return dir, nil
}

// StdoutPath and StderrPath locate the capture files inside a run dir.
func StdoutPath(runDir string) string { return filepath.Join(runDir, stdoutName) }
func StderrPath(runDir string) string { return filepath.Join(runDir, stderrName) }

// CheckerLogPath locates the checker's stderr capture inside a run dir.
func CheckerLogPath(runDir string) string { return filepath.Join(runDir, checkerLogName) }

// BinaryPath locates the compiled binary for a run, copied from the
// compile stage.
func (w *Workspace) BinaryPath(runDir, binaryName string) string {
	return filepath.Join(runDir, binaryName)
}

// CompiledBinary returns the compile stage output path.
func (w *Workspace) CompiledBinary(binaryName string) string {
	return filepath.Join(w.root, compileDirName, binaryName)
}

// Remove deletes the whole scratch tree.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.root)
}
