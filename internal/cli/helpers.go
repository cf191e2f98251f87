package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/JamesPaynter/mycelium/internal/config"
	"github.com/JamesPaynter/mycelium/internal/errs"
	"github.com/JamesPaynter/mycelium/internal/paths"
)

// loadAndValidateConfig loads mycelium.yaml and validates it, printing
// every problem to stderr instead of failing on the first one.
func loadAndValidateConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return nil, err
	}

	errList := config.Validate(cfg)
	if len(errList) > 0 {
		for _, e := range errList {
			fmt.Fprintf(os.Stderr, "Error: %s\n", e)
		}
		return nil, fmt.Errorf("%d validation error(s)", len(errList))
	}

	return cfg, nil
}

// resolveRepo finds the git repository root from a config file path,
// falling back to cfg.RepoPath when the config doesn't live inside the
// repo it describes.
func resolveRepo(configArg string, cfg *config.Config) (string, error) {
	if cfg.RepoPath != "" {
		abs, err := filepath.Abs(cfg.RepoPath)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	configPath, err := filepath.Abs(configArg)
	if err != nil {
		return "", err
	}
	repoDir := findGitRoot(filepath.Dir(configPath))
	if repoDir == "" {
		return "", fmt.Errorf("could not find git repository root from %s", filepath.Dir(configPath))
	}
	return repoDir, nil
}

// findGitRoot walks up from dir looking for a .git directory.
func findGitRoot(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// resolveHome returns the effective mycelium home directory for cfg,
// honoring an explicit cfg.Home override before falling back to
// paths.MyceliumHome's $MYCELIUM_HOME / <repo>/.mycelium resolution.
func resolveHome(cfg *config.Config, repoPath string) string {
	if cfg.Home != "" {
		return cfg.Home
	}
	return paths.MyceliumHome(repoPath)
}

// printCLIError prints a UserError's Title/Message/Hint the way spec §7
// wants an operator-facing failure reported, falling back to a plain
// message for errors that never got wrapped into the taxonomy.
func printCLIError(err error) int {
	if err == nil {
		return 0
	}
	if ue, ok := err.(*errs.UserError); ok {
		fmt.Fprintf(os.Stderr, "%s: %s\n", ue.Title, ue.Message)
		if ue.Hint != "" {
			fmt.Fprintf(os.Stderr, "hint: %s\n", ue.Hint)
		}
		return ue.ExitCode()
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	return 1
}
