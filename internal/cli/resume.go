package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JamesPaynter/mycelium/internal/eventlog"
	"github.com/JamesPaynter/mycelium/internal/manifest"
	"github.com/JamesPaynter/mycelium/internal/orchestrator"
	"github.com/JamesPaynter/mycelium/internal/paths"
	"github.com/JamesPaynter/mycelium/internal/state"
)

var (
	resumeRunID      string
	resumeForceReset bool
)

func init() {
	resumeCmd.Flags().StringVar(&resumeRunID, "run-id", "", "the run to resume (required)")
	resumeCmd.Flags().BoolVar(&resumeForceReset, "force-reset", false, "reset any running task to pending before resuming, bypassing the staleness threshold")
	resumeCmd.MarkFlagRequired("run-id")
	rootCmd.AddCommand(resumeCmd)
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused or interrupted run",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidateConfig(configPath)
		if err != nil {
			return err
		}
		repoDir, err := resolveRepo(configPath, cfg)
		if err != nil {
			return err
		}
		home := resolveHome(cfg, repoDir)

		store := state.NewStore(paths.RunStatePath(home, cfg.Project, resumeRunID))
		events, err := eventlog.Open(paths.OrchestratorLogPath(home, cfg.Project, resumeRunID))
		if err != nil {
			return err
		}
		defer events.Close()

		if resumeForceReset {
			loaded, err := store.Load(time.Now())
			if err != nil {
				return err
			}
			state.ResetRunningTasks(loaded.State, "operator-requested force-reset via `mycelium resume --force-reset`", time.Now())
			loaded.State.Status = state.RunPaused
			if err := store.Save(loaded.State, time.Now()); err != nil {
				return err
			}
		}

		manifests, err := manifest.LoadActive(cfg.TasksRoot)
		if err != nil {
			return err
		}

		adapters, err := buildValidatorAdapters(cfg)
		if err != nil {
			return err
		}
		oc := cfg.BuildOrchestratorConfig(home, nil, adapters, nil, false)
		o := orchestrator.New(oc, store, events)

		rs, err := o.Run(cmd.Context(), resumeRunID, manifests, time.Now)
		if err != nil {
			return err
		}
		fmt.Printf("run %s finished: %s\n", resumeRunID, rs.Status)
		return nil
	},
}
