//go:build linux

// Package cgroup provides optional cgroup-v2 enforcement alongside rlimits:
// whole-tree memory and pid ceilings, OOM detection, peak memory readback,
// and one-shot tree termination for cancellation.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gavel/internal/sandbox/spec"
	appErr "gavel/pkg/errors"
)

// Controller manages per-run cgroups under a configured v2 root. The
// registry maps submission ids to their live groups so a cancellation can
// kill every process tree of a submission at once.
type Controller struct {
	root string

	mu     sync.Mutex
	groups map[string][]string
}

// NewController creates a controller rooted at a cgroup-v2 directory.
func NewController(root string) (*Controller, error) {
	if root == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("cgroup root is required")
	}
	return &Controller{root: root, groups: make(map[string][]string)}, nil
}

// Create makes a fresh group for one run and applies its limits. The
// returned cleanup removes the group and must run after the process tree
// is reaped.
func (c *Controller) Create(submissionID, runID string, limits spec.ResourceLimits) (string, func(), error) {
	runDir := fmt.Sprintf("%s-%d", runID, time.Now().UnixNano())
	path := filepath.Join(c.root, submissionID, runDir)
	if err := os.MkdirAll(path, 0750); err != nil {
		return "", func() {}, appErr.Wrapf(err, appErr.LimitError, "create cgroup failed")
	}
	if err := applyLimits(path, limits); err != nil {
		_ = os.RemoveAll(path)
		return "", func() {}, err
	}
	c.register(submissionID, path)
	cleanup := func() {
		c.unregister(submissionID, path)
		_ = os.RemoveAll(path)
	}
	return path, cleanup, nil
}

func applyLimits(path string, limits spec.ResourceLimits) error {
	pids := "max"
	if limits.MaxProcesses > 0 {
		pids = strconv.FormatInt(limits.MaxProcesses, 10)
	}
	if err := writeValue(path, "pids.max", pids); err != nil {
		return err
	}
	if limits.MemoryBytes > 0 {
		if err := writeValue(path, "memory.max", strconv.FormatInt(limits.MemoryBytes, 10)); err != nil {
			return err
		}
	}
	return nil
}

// Attach places a pid into the group.
func (c *Controller) Attach(path string, pid int) error {
	if pid <= 0 {
		return appErr.New(appErr.InvalidParams).WithMessage("invalid pid")
	}
	return writeValue(path, "cgroup.procs", strconv.Itoa(pid))
}

// PeakMemoryBytes reads the group's high-water memory mark, if supported.
func PeakMemoryBytes(path string) (int64, bool) {
	if path == "" {
		return 0, false
	}
	val, err := readInt(path, "memory.peak")
	if err != nil || val <= 0 {
		return 0, false
	}
	return val, true
}

// OomKilled reports whether the kernel OOM-killed a member of the group.
func OomKilled(path string) bool {
	if path == "" {
		return false
	}
	data, err := os.ReadFile(filepath.Join(path, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			val, _ := strconv.ParseInt(fields[1], 10, 64)
			return val > 0
		}
	}
	return false
}

// KillSubmission terminates every live process tree of a submission via
// cgroup.kill.
func (c *Controller) KillSubmission(submissionID string) error {
	var firstErr error
	for _, path := range c.snapshot(submissionID) {
		killPath := filepath.Join(path, "cgroup.kill")
		if _, err := os.Stat(killPath); err != nil {
			continue
		}
		if err := os.WriteFile(killPath, []byte("1"), 0600); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Controller) register(submissionID, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[submissionID] = append(c.groups[submissionID], path)
}

func (c *Controller) unregister(submissionID, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	paths := c.groups[submissionID]
	kept := paths[:0]
	for _, p := range paths {
		if p != path {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		delete(c.groups, submissionID)
		return
	}
	c.groups[submissionID] = kept
}

func (c *Controller) snapshot(submissionID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	paths := c.groups[submissionID]
	out := make([]string, len(paths))
	copy(out, paths)
	return out
}

func readInt(path, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(path, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func writeValue(path, name, value string) error {
	if err := os.WriteFile(filepath.Join(path, name), []byte(value), 0640); err != nil {
		return appErr.Wrapf(err, appErr.LimitError, "write cgroup %s failed", name)
	}
	return nil
}
