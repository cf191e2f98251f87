package paths

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestMyceliumHome(t *testing.T) {
	t.Run("env override wins", func(t *testing.T) {
		t.Setenv("MYCELIUM_HOME", "/tmp/custom-home")
		if got := MyceliumHome("/repo"); got != "/tmp/custom-home" {
			t.Errorf("MyceliumHome = %q, want /tmp/custom-home", got)
		}
	})

	t.Run("defaults to repo-relative dotdir", func(t *testing.T) {
		os.Unsetenv("MYCELIUM_HOME")
		if got := MyceliumHome("/repo"); got != "/repo/.mycelium" {
			t.Errorf("MyceliumHome = %q, want /repo/.mycelium", got)
		}
	})
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "Add Login Form", "add-login-form"},
		{"collapses runs", "foo___bar   baz", "foo-bar-baz"},
		{"strips edges", "-leading and trailing-", "leading-and-trailing"},
		{"caps length", strings.Repeat("a", 200), strings.Repeat("a", 80)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slugify(tt.in); got != tt.want {
				t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDefaultRunID(t *testing.T) {
	ts := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)
	if got, want := DefaultRunID(ts), "20260305-143000"; got != want {
		t.Errorf("DefaultRunID = %q, want %q", got, want)
	}
}

func TestLayoutPaths(t *testing.T) {
	home := "/home/.mycelium"
	if got, want := RunStatePath(home, "proj", "20260305-143000"), "/home/.mycelium/state/proj/run-20260305-143000.json"; got != want {
		t.Errorf("RunStatePath = %q, want %q", got, want)
	}
	if got, want := TaskEventsLog(home, "proj", "r1", "t1", "add-login"), "/home/.mycelium/logs/proj/run-r1/tasks/t1-add-login/events.jsonl"; got != want {
		t.Errorf("TaskEventsLog = %q, want %q", got, want)
	}
	if got, want := TaskWorkspaceDir(home, "proj", "r1", "t1"), "/home/.mycelium/workspaces/proj/run-r1/t1"; got != want {
		t.Errorf("TaskWorkspaceDir = %q, want %q", got, want)
	}
}
