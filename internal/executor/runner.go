package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// History persists a task's run-start and completion. Implemented by
// internal/store.TaskHistoryStore.
type History interface {
	Insert(ctx context.Context, id, scriptName string, startedAt time.Time) error
	Complete(ctx context.Context, id string, finishedAt time.Time, exitCode int, output string) error
}

// Runner ties Spawn, Registry, and History together into the "run a script,
// stream its output, support cancel" operation described in spec.md §9
// scenario S5. It is the default wiring used by cmd/toru-hostd; the
// websocket transport that drives it (internal/wsrelay) is itself a
// swappable reference implementation of an externally-specified interface.
type Runner struct {
	scriptsDir string
	registry   *Registry
	history    History
}

// NewRunner builds a Runner that resolves script names against scriptsDir.
func NewRunner(scriptsDir string, registry *Registry, history History) *Runner {
	return &Runner{scriptsDir: scriptsDir, registry: registry, history: history}
}

// Run spawns scriptName, registers the resulting handle under a fresh task
// id, and streams its output to sink in the background. It returns as soon
// as the process has started, mirroring S5's "host replies started with
// fresh task id" before any output line has necessarily arrived.
func (r *Runner) Run(ctx context.Context, scriptName string, sink Sink) (string, error) {
	scriptPath, err := r.resolve(scriptName)
	if err != nil {
		return "", err
	}

	taskID := uuid.NewString()
	startedAt := time.Now()

	handle, err := Spawn(ctx, scriptPath)
	if err != nil {
		return "", err
	}
	r.registry.Register(taskID, handle)

	if err := r.history.Insert(ctx, taskID, scriptName, startedAt); err != nil {
		// The process is already running; a history write failure does not
		// undo the spawn. The error is discarded and the run continues.
		_ = err
	}

	go r.drain(ctx, taskID, handle, sink)

	return taskID, nil
}

// Cancel kills the task's child process, if still alive. Idempotent per
// spec.md §4.3.
func (r *Runner) Cancel(taskID string) bool {
	return r.registry.Cancel(taskID)
}

func (r *Runner) drain(ctx context.Context, taskID string, handle *Handle, sink Sink) {
	handle.Stream(sink)
	exitCode := handle.Wait()
	_ = r.history.Complete(ctx, taskID, time.Now(), exitCode, handle.Output())
	_ = r.registry.Remove(taskID)
}

// resolve rejects any script name that would escape scriptsDir: names
// containing ".." are refused, then the joined path is checked to lie
// under scriptsDir.
func (r *Runner) resolve(scriptName string) (string, error) {
	if scriptName == "" || strings.Contains(scriptName, "..") {
		return "", fmt.Errorf("executor: invalid script name %q", scriptName)
	}
	path := filepath.Join(r.scriptsDir, scriptName)
	if !strings.HasPrefix(path, filepath.Clean(r.scriptsDir)+string(filepath.Separator)) {
		return "", fmt.Errorf("executor: script %q escapes scripts directory", scriptName)
	}
	return path, nil
}
