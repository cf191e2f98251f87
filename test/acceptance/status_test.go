package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/JamesPaynter/mycelium/internal/paths"
	"github.com/JamesPaynter/mycelium/internal/state"
)

var _ = Describe("mycelium status", func() {
	var tmpDir string
	var repoDir string
	var homeDir string
	var configPath string
	const runID = "test-run"

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "mycelium-status-*")
		Expect(err).NotTo(HaveOccurred())
		repoDir = filepath.Join(tmpDir, "repo")
		homeDir = filepath.Join(tmpDir, "home")
		runGit(tmpDir, "init", repoDir)

		configPath = filepath.Join(repoDir, "mycelium.yaml")
		writeFile(configPath, `
project: demo
repo_path: `+repoDir+`
home: `+homeDir+`
agent:
  command: "sh"
`)
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	It("renders task status and run-wide totals from the state store", func() {
		rs := state.New(runID, "demo", repoDir, "main", time.Now())
		rs.Tasks["task-a"] = &state.TaskState{Status: state.TaskComplete, Attempts: 1, TokensUsed: 500}
		rs.Tasks["task-b"] = &state.TaskState{Status: state.TaskRunning, Attempts: 1, BatchID: "batch-1"}
		rs.Batches = []state.Batch{{BatchID: "batch-1", Status: state.BatchRunning, Tasks: []string{"task-a", "task-b"}}}
		rs.TokensUsed = 500
		rs.EstimatedCost = 0.015

		store := state.NewStore(paths.RunStatePath(homeDir, "demo", runID))
		Expect(store.Save(rs, time.Now())).To(Succeed())

		cmd := exec.Command(binaryPath, "-c", configPath, "status", "--run-id", runID)
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))

		out := string(output)
		Expect(out).To(ContainSubstring(runID))
		Expect(out).To(ContainSubstring("task-a"))
		Expect(out).To(ContainSubstring("task-b"))
		Expect(out).To(ContainSubstring("batches: 1"))
		Expect(out).To(ContainSubstring("tokens used: 500"))
	})

	It("fails clearly when the run has no recorded state", func() {
		cmd := exec.Command(binaryPath, "-c", configPath, "status", "--run-id", "never-ran")
		err := cmd.Run()
		Expect(err).To(HaveOccurred())
	})
})
