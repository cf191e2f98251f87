package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("mycelium run", func() {
	var tmpDir string
	var repoDir string
	var tasksRoot string
	var configPath string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "mycelium-run-*")
		Expect(err).NotTo(HaveOccurred())

		repoDir = filepath.Join(tmpDir, "repo")
		runGit(tmpDir, "init", repoDir)
		runGit(repoDir, "checkout", "-b", "main")
		writeFile(filepath.Join(repoDir, "hello.txt"), "hello world\n")
		runGit(repoDir, "add", "hello.txt")
		runGit(repoDir, "commit", "-m", "initial commit")

		tasksRoot = filepath.Join(repoDir, "tasks")
		configPath = filepath.Join(repoDir, "mycelium.yaml")
		writeFile(configPath, `
project: demo
repo_path: `+repoDir+`
home: `+filepath.Join(tmpDir, "home")+`
tasks_root: `+tasksRoot+`
agent:
  command: "sh"
  args: ["-c", "true"]
settings:
  max_parallel: 1
`)
	})

	AfterEach(func() {
		exec.Command("git", "-C", repoDir, "worktree", "prune").Run()
		os.RemoveAll(tmpDir)
	})

	Context("with no active tasks", func() {
		It("exits 0 without starting a run", func() {
			cmd := exec.Command(binaryPath, "-c", configPath, "run")
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))
			Expect(string(output)).To(ContainSubstring("no active tasks found"))
		})
	})

	Context("with an invalid manifest already in active", func() {
		It("refuses to start and reports the validation error", func() {
			writeFile(filepath.Join(tasksRoot, "active", "broken", "manifest.yaml"), `
id: broken
verify:
  doctor: "true"
`)
			cmd := exec.Command(binaryPath, "-c", configPath, "run")
			output, err := cmd.CombinedOutput()
			Expect(err).To(HaveOccurred())
			Expect(string(output)).To(ContainSubstring("name is required"))
		})
	})
})
