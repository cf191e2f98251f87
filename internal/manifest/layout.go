package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/JamesPaynter/mycelium/internal/errs"
)

// Layout identifies how tasks are arranged under a tasks root, per spec
// §4.4.
type Layout string

const (
	LayoutKanban Layout = "kanban"
	LayoutLegacy Layout = "legacy"
)

// DetectLayout returns LayoutKanban if <tasksRoot>/backlog exists, else
// LayoutLegacy (task directories sit directly under tasksRoot).
func DetectLayout(tasksRoot string) Layout {
	info, err := os.Stat(filepath.Join(tasksRoot, "backlog"))
	if err == nil && info.IsDir() {
		return LayoutKanban
	}
	return LayoutLegacy
}

// BacklogDir, ActiveDir, ArchiveDir are the kanban stage directories.
func BacklogDir(tasksRoot string) string { return filepath.Join(tasksRoot, "backlog") }
func ActiveDir(tasksRoot string) string  { return filepath.Join(tasksRoot, "active") }
func ArchiveDir(tasksRoot, runID string) string {
	return filepath.Join(tasksRoot, "archive", runID)
}

// MoveToActive renames a task directory from backlog to active.
func MoveToActive(tasksRoot, taskID string) error {
	src := filepath.Join(BacklogDir(tasksRoot), taskID)
	dst := filepath.Join(ActiveDir(tasksRoot), taskID)
	return atomicMove(src, dst, "mycelium plan")
}

// MoveToBacklog renames a task directory from active back to backlog
// (e.g. an operator override resetting a task to pending for replanning).
func MoveToBacklog(tasksRoot, taskID string) error {
	src := filepath.Join(ActiveDir(tasksRoot), taskID)
	dst := filepath.Join(BacklogDir(tasksRoot), taskID)
	return atomicMove(src, dst, "mycelium plan")
}

// MoveToArchive renames a task directory from active to archive/<runID>.
func MoveToArchive(tasksRoot, taskID, runID string) error {
	if runID == "" {
		return errs.TaskError(
			fmt.Sprintf("cannot archive task %s: run id is required", taskID),
			"", nil)
	}
	src := filepath.Join(ActiveDir(tasksRoot), taskID)
	dst := filepath.Join(ArchiveDir(tasksRoot, runID), taskID)
	return atomicMove(src, dst, "mycelium plan")
}

func atomicMove(src, dst, hint string) error {
	if _, err := os.Stat(src); err != nil {
		return errs.TaskError(
			fmt.Sprintf("task directory %s does not exist", src),
			fmt.Sprintf("rerun `%s`", hint), err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errs.TaskError(
			fmt.Sprintf("creating destination directory for %s", dst),
			"", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return errs.TaskError(
			fmt.Sprintf("moving task directory %s -> %s", src, dst),
			fmt.Sprintf("rerun `%s`", hint), err)
	}
	return nil
}

// ManifestPath is the conventional manifest file name inside a task dir.
func ManifestPath(taskDir string) string {
	return filepath.Join(taskDir, "manifest.yaml")
}

// SpecPath is the conventional spec file name inside a task dir.
func SpecPath(taskDir string) string {
	return filepath.Join(taskDir, "spec.md")
}
