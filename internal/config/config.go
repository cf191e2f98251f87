// Package config loads and validates mycelium.yaml and translates it into
// the typed Config values internal/orchestrator, internal/worker, and
// internal/validator actually run against. Its shape is grounded on the
// teacher's internal/config/config.go: a typed struct decoded with
// gopkg.in/yaml.v3, a Duration type wrapping time.Duration for
// human-readable YAML durations, and Load/parse/Validate returning
// []error instead of failing fast on the first problem, generalized from
// the teacher's agent/concerns/gates domain to mycelium's
// agent/enforcement/validators/budgets domain.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JamesPaynter/mycelium/internal/budget"
	"github.com/JamesPaynter/mycelium/internal/llmclient"
	"github.com/JamesPaynter/mycelium/internal/orchestrator"
	"github.com/JamesPaynter/mycelium/internal/scope"
	"github.com/JamesPaynter/mycelium/internal/validator"
	"github.com/JamesPaynter/mycelium/internal/worker"
)

// Config is the decoded shape of mycelium.yaml.
type Config struct {
	Project    string `yaml:"project"`
	RepoPath   string `yaml:"repo_path"`
	MainBranch string `yaml:"main_branch"`
	TasksRoot  string `yaml:"tasks_root"`
	Home       string `yaml:"home,omitempty"`

	Agent       AgentConfig       `yaml:"agent"`
	Settings    Settings          `yaml:"settings"`
	Enforcement EnforcementConfig `yaml:"enforcement,omitempty"`
	Validators  []ValidatorConfig `yaml:"validators,omitempty"`
	Budgets     BudgetConfig      `yaml:"budgets,omitempty"`
}

// AgentConfig names the coding-agent CLI invoked for each task turn.
type AgentConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

// Settings is the orchestrator's run-wide tuning, per spec §4.10.
type Settings struct {
	MaxParallel           int      `yaml:"max_parallel"`
	MaxRetries            int      `yaml:"max_retries"`
	CommandTimeout        Duration `yaml:"command_timeout"`
	BootstrapCmds         []string `yaml:"bootstrap_cmds,omitempty"`
	LintCmd               string   `yaml:"lint_cmd,omitempty"`
	FastTestCmd           string   `yaml:"fast_test_cmd,omitempty"`
	IntegrationDoctorCmd  string   `yaml:"integration_doctor_cmd,omitempty"`
	DoctorMetaCadence     int      `yaml:"doctor_meta_cadence,omitempty"`
	DoctorCanaryCmd       string   `yaml:"doctor_canary_cmd,omitempty"`
	RecoverDirtyWorkspace bool     `yaml:"recover_dirty_workspace,omitempty"`
	StopContainersOnExit  bool     `yaml:"stop_containers_on_exit,omitempty"`
}

// EnforcementConfig configures manifest scope enforcement (C11).
type EnforcementConfig struct {
	Mode                   string            `yaml:"mode,omitempty"`
	ComponentCommands      map[string]string `yaml:"component_commands,omitempty"`
	FallbackDoctorCmd      string            `yaml:"fallback_doctor_cmd,omitempty"`
	MaxComponentsForScoped int               `yaml:"max_components_for_scoped,omitempty"`
	ChecksetExpr           string            `yaml:"checkset_expr,omitempty"`
}

// ValidatorConfig is one entry of the validator pipeline (C8).
type ValidatorConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Mode     string `yaml:"mode"`
	Kind     string `yaml:"kind,omitempty"`
	Provider string `yaml:"provider,omitempty"`
	Model    string `yaml:"model,omitempty"`
}

// BudgetLimitConfig is one configured budget check (C12).
type BudgetLimitConfig struct {
	Scope string  `yaml:"scope"`
	Kind  string  `yaml:"kind"`
	Mode  string  `yaml:"mode"`
	Max   float64 `yaml:"max"`
}

// BudgetConfig groups the cost rate and every configured budget limit.
type BudgetConfig struct {
	CostPer1k  float64             `yaml:"cost_per_1k,omitempty"`
	TaskLimits []BudgetLimitConfig `yaml:"task_limits,omitempty"`
	RunLimits  []BudgetLimitConfig `yaml:"run_limits,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses mycelium.yaml from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	if cfg.MainBranch == "" {
		cfg.MainBranch = "main"
	}
	if cfg.TasksRoot == "" {
		cfg.TasksRoot = "tasks"
	}
	if cfg.Settings.MaxParallel == 0 {
		cfg.Settings.MaxParallel = 1
	}
	if cfg.Settings.MaxRetries == 0 {
		cfg.Settings.MaxRetries = 2
	}
	if cfg.Settings.CommandTimeout == 0 {
		cfg.Settings.CommandTimeout = Duration(10 * time.Minute)
	}
	if cfg.Enforcement.Mode == "" {
		cfg.Enforcement.Mode = string(scope.EnforcementOff)
	}
	if cfg.Enforcement.MaxComponentsForScoped == 0 {
		cfg.Enforcement.MaxComponentsForScoped = 3
	}
	if cfg.Enforcement.ChecksetExpr == "" {
		cfg.Enforcement.ChecksetExpr = scope.DefaultFallbackExpr
	}

	return &cfg, nil
}

// Validate mirrors the teacher's pattern of collecting every problem
// instead of failing on the first one found.
func Validate(cfg *Config) []error {
	var errs []error

	if cfg.Project == "" {
		errs = append(errs, fmt.Errorf("project is required"))
	}
	if cfg.RepoPath == "" {
		errs = append(errs, fmt.Errorf("repo_path is required"))
	}
	if cfg.Agent.Command == "" {
		errs = append(errs, fmt.Errorf("agent.command is required"))
	}
	if cfg.Settings.MaxParallel < 1 {
		errs = append(errs, fmt.Errorf("settings.max_parallel must be at least 1"))
	}

	switch scope.EnforcementMode(cfg.Enforcement.Mode) {
	case scope.EnforcementOff, scope.EnforcementWarn, scope.EnforcementBlock:
	default:
		errs = append(errs, fmt.Errorf("enforcement.mode: unknown value %q", cfg.Enforcement.Mode))
	}

	names := make(map[string]bool)
	for i, v := range cfg.Validators {
		if v.Name == "" {
			errs = append(errs, fmt.Errorf("validators[%d]: name is required", i))
		} else if names[v.Name] {
			errs = append(errs, fmt.Errorf("validators[%d]: duplicate name %q", i, v.Name))
		} else {
			names[v.Name] = true
		}
		switch validator.Mode(v.Mode) {
		case validator.ModeOff, validator.ModeWarn, validator.ModeBlock:
		default:
			errs = append(errs, fmt.Errorf("validators[%d] (%s): unknown mode %q", i, v.Name, v.Mode))
		}
	}

	for i, lim := range cfg.Budgets.TaskLimits {
		errs = append(errs, validateBudgetLimit("budgets.task_limits", i, lim)...)
	}
	for i, lim := range cfg.Budgets.RunLimits {
		errs = append(errs, validateBudgetLimit("budgets.run_limits", i, lim)...)
	}

	return errs
}

func validateBudgetLimit(field string, i int, lim BudgetLimitConfig) []error {
	var errs []error
	switch budget.Kind(lim.Kind) {
	case budget.KindTokens, budget.KindCost:
	default:
		errs = append(errs, fmt.Errorf("%s[%d]: unknown kind %q", field, i, lim.Kind))
	}
	switch budget.Mode(lim.Mode) {
	case budget.ModeWarn, budget.ModeBlock:
	default:
		errs = append(errs, fmt.Errorf("%s[%d]: unknown mode %q", field, i, lim.Mode))
	}
	if lim.Max <= 0 {
		errs = append(errs, fmt.Errorf("%s[%d]: max must be positive", field, i))
	}
	return errs
}

// BuildOrchestratorConfig translates the YAML-shaped config into the
// typed orchestrator.Config the engine actually runs against. home is the
// resolved mycelium home directory (see internal/paths.MyceliumHome);
// graph and the validator adapters are supplied by the caller since
// GraphModel implementations and LLM backends are external collaborators
// this package has no concrete knowledge of.
func (cfg *Config) BuildOrchestratorConfig(home string, graph scope.GraphModel, adapters map[string]validator.Validator, metrics *budget.Metrics, forceDoctorMetaOnce bool) orchestrator.Config {
	oc := orchestrator.Config{
		Home:       home,
		Project:    cfg.Project,
		RepoPath:   cfg.RepoPath,
		MainBranch: cfg.MainBranch,
		TasksRoot:  cfg.TasksRoot,

		MaxParallel:    cfg.Settings.MaxParallel,
		MaxRetries:     cfg.Settings.MaxRetries,
		CommandTimeout: cfg.Settings.CommandTimeout.Duration(),

		BootstrapCmds:        cfg.Settings.BootstrapCmds,
		LintCmd:              cfg.Settings.LintCmd,
		FastTestCmd:          cfg.Settings.FastTestCmd,
		IntegrationDoctorCmd: cfg.Settings.IntegrationDoctorCmd,
		DoctorMetaCadence:    cfg.Settings.DoctorMetaCadence,
		DoctorCanaryCmd:      cfg.Settings.DoctorCanaryCmd,
		ForceDoctorMetaOnce:  forceDoctorMetaOnce,

		Graph:                  graph,
		EnforcementMode:        scope.EnforcementMode(cfg.Enforcement.Mode),
		ComponentCommands:      cfg.Enforcement.ComponentCommands,
		FallbackDoctorCmd:      cfg.Enforcement.FallbackDoctorCmd,
		MaxComponentsForScoped: cfg.Enforcement.MaxComponentsForScoped,
		ChecksetExpr:           cfg.Enforcement.ChecksetExpr,

		ValidatorConfigs:  make([]validator.Config, 0, len(cfg.Validators)),
		ValidatorAdapters: adapters,

		AgentFactory: func(taskID string) worker.Agent {
			return &worker.CodexAgent{Command: cfg.Agent.Command, Args: cfg.Agent.Args}
		},

		RecoverDirtyWorkspace: cfg.Settings.RecoverDirtyWorkspace,
		StopContainersOnExit:  cfg.Settings.StopContainersOnExit,

		CostPer1k:        cfg.Budgets.CostPer1k,
		RunBudgetLimits:  make([]budget.Limit, 0, len(cfg.Budgets.RunLimits)),
		TaskBudgetLimits: make([]budget.Limit, 0, len(cfg.Budgets.TaskLimits)),
		Metrics:          metrics,
	}

	for _, v := range cfg.Validators {
		oc.ValidatorConfigs = append(oc.ValidatorConfigs, validator.Config{
			Name:     v.Name,
			Enabled:  v.Enabled,
			Mode:     validator.Mode(v.Mode),
			Kind:     v.Kind,
			Provider: v.Provider,
			Model:    v.Model,
		})
	}
	for _, lim := range cfg.Budgets.RunLimits {
		oc.RunBudgetLimits = append(oc.RunBudgetLimits, budget.Limit{
			Scope: budget.ScopeRun, Kind: budget.Kind(lim.Kind), Mode: budget.Mode(lim.Mode), Max: lim.Max,
		})
	}
	for _, lim := range cfg.Budgets.TaskLimits {
		oc.TaskBudgetLimits = append(oc.TaskBudgetLimits, budget.Limit{
			Scope: budget.ScopeTask, Kind: budget.Kind(lim.Kind), Mode: budget.Mode(lim.Mode), Max: lim.Max,
		})
	}

	return oc
}

// BuildValidatorAdapters constructs one Validator per enabled LLM-judge
// entry in cfg.Validators, all sharing the one client passed in; a
// validator's Provider field does not select a different client. Validators
// with Provider "mcp" are left for the caller to register separately, since an
// MCP server needs its own command/args/tool-name configuration this
// struct has no field for yet.
func (cfg *Config) BuildValidatorAdapters(client llmclient.Client) (map[string]validator.Validator, error) {
	adapters := make(map[string]validator.Validator, len(cfg.Validators))
	for _, v := range cfg.Validators {
		if !v.Enabled || v.Provider == "mcp" {
			continue
		}
		va, err := validator.NewLLMValidator(v.Name, v.Kind, client, v.Model)
		if err != nil {
			return nil, fmt.Errorf("validators: %s: %w", v.Name, err)
		}
		adapters[v.Name] = va
	}
	return adapters, nil
}
