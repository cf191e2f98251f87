package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/JamesPaynter/mycelium/internal/errs"
)

// LoadActive reads every task directory under active/ and parses its
// manifest.yaml, returning manifests in directory-listing order. The
// orchestrator only ever runs tasks that have been moved into active/ by
// `mycelium plan`.
func LoadActive(tasksRoot string) ([]*Manifest, error) {
	return loadDir(ActiveDir(tasksRoot))
}

// LoadBacklog reads every task directory under backlog/, for `mycelium
// plan` to validate before promoting tasks into active/.
func LoadBacklog(tasksRoot string) ([]*Manifest, error) {
	return loadDir(BacklogDir(tasksRoot))
}

func loadDir(dir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Internal(fmt.Sprintf("reading task directory %s", dir), err)
	}

	var out []*Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		taskDir := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(ManifestPath(taskDir))
		if err != nil {
			return nil, errs.TaskError(
				fmt.Sprintf("reading manifest for task %s", entry.Name()),
				"check that manifest.yaml exists and is readable", err)
		}
		m, err := Parse(data)
		if err != nil {
			return nil, errs.TaskError(
				fmt.Sprintf("parsing manifest for task %s", entry.Name()),
				"", err)
		}
		if m.ID == "" {
			m.ID = entry.Name()
		}
		out = append(out, m)
	}
	return out, nil
}
