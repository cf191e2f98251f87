package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JamesPaynter/mycelium/internal/manifest"
)

// planCmd closes the plan -> run loop described in spec.md's CLI section:
// it validates every manifest currently sitting in tasks_root/backlog (for
// dependency cycles and required fields) against the whole backlog set,
// then promotes each one into tasks_root/active so the next `mycelium run`
// picks it up. Manifest authoring itself — turning a spec into task
// manifests — is the external Planner's job (see spec's external
// collaborator interfaces); this command operates purely on manifests
// already written to backlog/, whether a human or a Planner adapter wrote
// them.
var planOnly bool

func init() {
	planCmd.Flags().BoolVar(&planOnly, "check", false, "validate the backlog without promoting anything")
	rootCmd.AddCommand(planCmd)
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Validate and promote backlog tasks into the active run",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidateConfig(configPath)
		if err != nil {
			return err
		}

		backlog, err := manifest.LoadBacklog(cfg.TasksRoot)
		if err != nil {
			return err
		}
		if len(backlog) == 0 {
			fmt.Println("backlog is empty; nothing to plan")
			return nil
		}

		active, err := manifest.LoadActive(cfg.TasksRoot)
		if err != nil {
			return err
		}

		if errList := manifest.ValidateSet(append(append([]*manifest.Manifest{}, active...), backlog...)); len(errList) > 0 {
			for _, e := range errList {
				fmt.Printf("Error: %s\n", e)
			}
			return fmt.Errorf("%d manifest validation error(s)", len(errList))
		}

		if planOnly {
			fmt.Printf("backlog is valid: %d task(s) ready to promote\n", len(backlog))
			return nil
		}

		for _, m := range backlog {
			if err := manifest.MoveToActive(cfg.TasksRoot, m.ID); err != nil {
				return err
			}
			fmt.Printf("promoted %s: %s\n", m.ID, m.Name)
		}
		return nil
	},
}
