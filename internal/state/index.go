package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/JamesPaynter/mycelium/internal/paths"
)

// IndexEntry is one row of a project's run-history index.
type IndexEntry struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	RepoPath  string    `json:"repo_path"`
	TaskCount int       `json:"task_count"`
}

// SaveIndexEntry upserts one entry into a project's index.json, keeping it
// sorted by UpdatedAt descending and deduped by RunID, per spec §4.3.
func SaveIndexEntry(indexPath string, entry IndexEntry) error {
	entries, err := loadIndex(indexPath)
	if err != nil {
		return err
	}

	found := false
	for i, e := range entries {
		if e.RunID == entry.RunID {
			entries[i] = entry
			found = true
			break
		}
	}
	if !found {
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})

	return writeIndex(indexPath, entries)
}

// LoadIndex returns a project's run-history index, rebuilding it lazily
// from state files under stateDir if the index file is absent.
func LoadIndex(indexPath, stateDir string) ([]IndexEntry, error) {
	entries, err := loadIndex(indexPath)
	if err != nil {
		return nil, err
	}
	if entries != nil {
		return entries, nil
	}
	return RebuildIndex(indexPath, stateDir)
}

func loadIndex(indexPath string) ([]IndexEntry, error) {
	data, err := os.ReadFile(indexPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading run index: %w", err)
	}
	var entries []IndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing run index: %w", err)
	}
	return entries, nil
}

func writeIndex(indexPath string, entries []IndexEntry) error {
	if err := paths.EnsureDir(filepath.Dir(indexPath)); err != nil {
		return err
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := indexPath + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("writing temp index file: %w", err)
	}
	if err := os.Rename(tmpPath, indexPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp index file into place: %w", err)
	}
	return nil
}

// RebuildIndex scans stateDir for run-*.json files and reconstructs the
// index from their contents.
func RebuildIndex(indexPath, stateDir string) ([]IndexEntry, error) {
	glob := filepath.Join(stateDir, "run-*.json")
	matches, err := filepath.Glob(glob)
	if err != nil {
		return nil, fmt.Errorf("globbing state dir: %w", err)
	}

	var entries []IndexEntry
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		var rs RunState
		if err := json.Unmarshal(data, &rs); err != nil {
			continue
		}
		entries = append(entries, IndexEntry{
			RunID:     rs.RunID,
			Status:    rs.Status,
			StartedAt: rs.StartedAt,
			UpdatedAt: rs.UpdatedAt,
			RepoPath:  rs.RepoPath,
			TaskCount: len(rs.Tasks),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})

	if len(entries) > 0 {
		if err := writeIndex(indexPath, entries); err != nil {
			return nil, err
		}
	}

	return entries, nil
}
