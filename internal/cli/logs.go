package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JamesPaynter/mycelium/internal/eventlog"
	"github.com/JamesPaynter/mycelium/internal/paths"
)

var (
	logsRunID    string
	logsCursor   string
	logsTypeGlob string
	logsTaskID   string
)

func init() {
	logsCmd.PersistentFlags().StringVar(&logsRunID, "run-id", "", "the run whose event log to read (required)")
	logsCmd.PersistentFlags().StringVar(&logsCursor, "cursor", "0", `starting position: a byte offset, or "tail" for new events only`)
	logsCmd.PersistentFlags().StringVar(&logsTypeGlob, "type", "*", `event type glob, e.g. "task.*" or "batch.complete"`)
	logsCmd.PersistentFlags().StringVar(&logsTaskID, "task-id", "", "filter to one task's events")
	logsCmd.MarkPersistentFlagRequired("run-id")

	logsCmd.AddCommand(logsQueryCmd, logsSearchCmd, logsTimelineCmd, logsFailuresCmd)
	rootCmd.AddCommand(logsCmd)
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Inspect a run's JSONL event log",
}

func logPathForRun(cmd *cobra.Command) (string, error) {
	cfg, err := loadAndValidateConfig(configPath)
	if err != nil {
		return "", err
	}
	repoDir, err := resolveRepo(configPath, cfg)
	if err != nil {
		return "", err
	}
	home := resolveHome(cfg, repoDir)
	return paths.OrchestratorLogPath(home, cfg.Project, logsRunID), nil
}

// logsQueryCmd is the raw cursor-bounded read spec §6 exposes directly:
// every event matching --type/--task-id from --cursor onward, plus the
// cursor to resume from on the next call.
var logsQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Read events from a cursor position",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := logPathForRun(cmd)
		if err != nil {
			return err
		}
		cursor, err := eventlog.ParseCursor(logsCursor, path)
		if err != nil {
			return err
		}
		result, err := eventlog.ReadFromCursor(path, cursor, logsTypeGlob, logsTaskID)
		if err != nil {
			return err
		}
		for _, e := range result.Events {
			printEvent(e)
		}
		fmt.Printf("next_cursor: %d\n", result.NextCursor)
		return nil
	},
}

// logsSearchCmd greps matching events by substring inside their payload,
// on top of the same type/task filters query uses.
var logsSearchCmd = &cobra.Command{
	Use:   "search <substring>",
	Short: "Search event payloads for a substring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		needle := args[0]
		path, err := logPathForRun(cmd)
		if err != nil {
			return err
		}
		result, err := eventlog.ReadFromCursor(path, 0, logsTypeGlob, logsTaskID)
		if err != nil {
			return err
		}
		for _, e := range result.Events {
			if strings.Contains(string(e.Payload), needle) {
				printEvent(e)
			}
		}
		return nil
	},
}

// logsTimelineCmd prints one line per event in chronological order, for a
// human scanning what happened during a run.
var logsTimelineCmd = &cobra.Command{
	Use:   "timeline",
	Short: "Print a one-line-per-event summary of the whole run",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := logPathForRun(cmd)
		if err != nil {
			return err
		}
		result, err := eventlog.ReadFromCursor(path, 0, logsTypeGlob, logsTaskID)
		if err != nil {
			return err
		}
		for _, e := range result.Events {
			task := e.TaskID
			if task == "" {
				task = "-"
			}
			fmt.Printf("%s  %-24s  %s\n", e.Ts, e.Type, task)
		}
		return nil
	},
}

// logsFailuresCmd narrows the timeline to events a human triaging a run
// actually cares about: task/batch failures, rescope requirements, and
// human-review routing.
var logsFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Print only failure, rescope, and human-review events",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := logPathForRun(cmd)
		if err != nil {
			return err
		}
		result, err := eventlog.ReadFromCursor(path, 0, "*", logsTaskID)
		if err != nil {
			return err
		}
		interesting := map[string]bool{
			"task.failed": true, "task.rescope_required": true,
			"task.needs_human_review": true, "run.deadlock": true,
			"run.failed": true,
		}
		var filtered []eventlog.Event
		for _, e := range result.Events {
			failedBatch := e.Type == "batch.complete" && strings.Contains(string(e.Payload), `"status":"failed"`)
			if interesting[e.Type] || failedBatch {
				filtered = append(filtered, e)
			}
		}
		sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Ts < filtered[j].Ts })
		for _, e := range filtered {
			printEvent(e)
		}
		return nil
	},
}

func printEvent(e eventlog.Event) {
	task := e.TaskID
	if task == "" {
		task = "-"
	}
	fmt.Printf("[%s] %s task=%s attempt=%d %s\n", e.Ts, e.Type, task, e.Attempt, string(e.Payload))
}

