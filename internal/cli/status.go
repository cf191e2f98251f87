package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JamesPaynter/mycelium/internal/paths"
	"github.com/JamesPaynter/mycelium/internal/state"
)

var (
	statusRunID    string
	statusFollow   bool
	statusInterval float64
)

func init() {
	statusCmd.Flags().StringVar(&statusRunID, "run-id", "", "the run to show (required)")
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "live-update status (like watch)")
	statusCmd.Flags().Float64VarP(&statusInterval, "interval", "n", 2.0, "seconds between updates (with --follow)")
	statusCmd.MarkFlagRequired("run-id")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of every task in a run",
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
		statePath := paths.RunStatePath(home, cfg.Project, statusRunID)

		if statusFollow {
			return followStatus(statePath)
		}
		return renderStatus(os.Stdout, statePath)
	},
}

func followStatus(statePath string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	interval := time.Duration(statusInterval * float64(time.Second))
	var lastOutput string

	for {
		var buf bytes.Buffer
		if err := renderStatus(&buf, statePath); err != nil {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", err)
		}
		output := buf.String()

		if output != lastOutput {
			fmt.Print("\033[H\033[2J")
			fmt.Printf("Every %.1fs: mycelium status\n\n", statusInterval)
			fmt.Print(output)
			lastOutput = output
		}

		select {
		case <-sigCh:
			fmt.Println()
			return nil
		case <-time.After(interval):
		}
	}
}

func renderStatus(w io.Writer, statePath string) error {
	store := state.NewStore(statePath)
	loaded, err := store.Load(time.Now())
	if err != nil {
		return err
	}
	rs := loaded.State

	color := runStateColor(rs.Status)
	fmt.Fprintf(w, "Run %s  %s%s%s\n", rs.RunID, color, rs.Status, ansiReset)
	fmt.Fprintln(w, "──────────────────────────────────────")

	ids := make([]string, 0, len(rs.Tasks))
	for id := range rs.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		t := rs.Tasks[id]
		symbol, c := taskStateDisplay(t.Status)
		extra := ""
		switch {
		case t.LastError != "":
			extra = fmt.Sprintf("  %s", t.LastError)
		case t.BatchID != "":
			extra = fmt.Sprintf("  batch=%s attempts=%d", t.BatchID, t.Attempts)
		}
		fmt.Fprintf(w, "  %s%s%s  %-20s  %s%s\n", c, symbol, ansiReset, id, t.Status, extra)
	}

	if len(rs.Batches) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "batches: %d, tokens used: %d, estimated cost: $%.4f\n",
			len(rs.Batches), rs.TokensUsed, rs.EstimatedCost)
	}

	return nil
}
