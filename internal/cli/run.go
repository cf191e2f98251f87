package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/JamesPaynter/mycelium/internal/budget"
	"github.com/JamesPaynter/mycelium/internal/config"
	"github.com/JamesPaynter/mycelium/internal/eventlog"
	"github.com/JamesPaynter/mycelium/internal/llmclient"
	"github.com/JamesPaynter/mycelium/internal/manifest"
	"github.com/JamesPaynter/mycelium/internal/orchestrator"
	"github.com/JamesPaynter/mycelium/internal/paths"
	"github.com/JamesPaynter/mycelium/internal/state"
	"github.com/JamesPaynter/mycelium/internal/validator"
)

var (
	runID            string
	watchMode        bool
	pollSeconds      int
	metricsAddr      string
	forceDoctorCheck bool
)

func init() {
	runCmd.Flags().StringVar(&runID, "run-id", "", "resume or label this run (default: YYYYMMDD-HHMMSS in UTC)")
	runCmd.Flags().BoolVar(&watchMode, "watch", false, "keep running, picking up new backlog manifests as they're planned")
	runCmd.Flags().IntVar(&pollSeconds, "poll-seconds", 30, "interval between watch-mode backlog rescans")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090 (disabled when empty)")
	runCmd.Flags().BoolVar(&forceDoctorCheck, "force-doctor-check", false, "run the batch-scoped doctor validator on the next batch regardless of cadence")
	rootCmd.AddCommand(runCmd)
}

// serveMetrics starts a background Prometheus /metrics endpoint and
// returns the registered budget.Metrics collector, or nil if metricsAddr
// is unset. Grounded on kadirpekel-hector's
// pkg/observability.Metrics/promhttp wiring, scaled down to the one gauge
// pair C12 needs.
func serveMetrics(addr string) *budget.Metrics {
	if addr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	m := budget.NewMetrics(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			fmt.Fprintf(os.Stderr, "metrics server on %s: %s\n", addr, err)
		}
	}()
	return m
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every active task to completion or a stop signal",
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

		if runID == "" {
			runID = paths.DefaultRunID(time.Now())
		}

		manifests, err := manifest.LoadActive(cfg.TasksRoot)
		if err != nil {
			return err
		}
		if len(manifests) == 0 {
			fmt.Fprintln(os.Stderr, "no active tasks found; run `mycelium plan` first")
			return nil
		}
		if verrs := manifest.ValidateSet(manifests); len(verrs) > 0 {
			for _, e := range verrs {
				fmt.Fprintf(os.Stderr, "Error: %s\n", e)
			}
			return fmt.Errorf("%d manifest validation error(s)", len(verrs))
		}

		store := state.NewStore(paths.RunStatePath(home, cfg.Project, runID))
		events, err := eventlog.Open(paths.OrchestratorLogPath(home, cfg.Project, runID))
		if err != nil {
			return err
		}
		defer events.Close()

		adapters, err := buildValidatorAdapters(cfg)
		if err != nil {
			return err
		}

		metrics := serveMetrics(metricsAddr)
		oc := cfg.BuildOrchestratorConfig(home, nil, adapters, metrics, forceDoctorCheck)
		o := orchestrator.New(oc, store, events)

		fmt.Printf("mycelium run %s started (%d active task(s))\n", runID, len(manifests))

		rs, err := o.Run(cmd.Context(), runID, manifests, time.Now)
		if err != nil {
			return err
		}
		fmt.Printf("run %s finished: %s\n", runID, rs.Status)

		if !watchMode {
			return nil
		}
		return runWatchLoop(cmd.Context(), cfg.TasksRoot, runID, store, events, o)
	},
}

// runWatchLoop reruns the orchestrator against whatever's newly landed in
// active/ every poll interval, so manifests a separate `mycelium plan`
// invocation promotes from backlog/ get picked up without restarting the
// process. Mirrors the teacher's cli/run.go runDaemon ticker-plus-signal
// loop, minus the signal handling (orchestrator.Run already installs its
// own SIGINT/SIGTERM handler per call).
func runWatchLoop(ctx context.Context, tasksRoot, runID string, store *state.Store, events *eventlog.Log, o *orchestrator.Orchestrator) error {
	ticker := time.NewTicker(time.Duration(pollSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			manifests, err := manifest.LoadActive(tasksRoot)
			if err != nil {
				fmt.Fprintf(os.Stderr, "watch: %s\n", err)
				continue
			}
			if len(manifests) == 0 {
				continue
			}
			rs, err := o.Run(ctx, runID, manifests, time.Now)
			if err != nil {
				fmt.Fprintf(os.Stderr, "watch: %s\n", err)
				continue
			}
			fmt.Printf("watch: run %s now %s\n", runID, rs.Status)
		}
	}
}

// buildValidatorAdapters lazily constructs an Anthropic client only when
// mycelium.yaml actually enables an LLM-backed validator, so `mycelium run`
// against a config with validators disabled never requires
// ANTHROPIC_API_KEY to be set.
func buildValidatorAdapters(cfg *config.Config) (map[string]validator.Validator, error) {
	needsLLM := false
	for _, v := range cfg.Validators {
		if v.Enabled && v.Provider != "mcp" {
			needsLLM = true
		}
	}
	if !needsLLM {
		return nil, nil
	}
	client, err := llmclient.NewAnthropicClient("", "")
	if err != nil {
		return nil, fmt.Errorf("building validator LLM client: %w", err)
	}
	return cfg.BuildValidatorAdapters(client)
}
