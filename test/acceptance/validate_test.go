package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("mycelium validate", func() {
	var tmpDir string
	var repoDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "mycelium-validate-*")
		Expect(err).NotTo(HaveOccurred())
		repoDir = filepath.Join(tmpDir, "repo")
		runGit(tmpDir, "init", repoDir)
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	Context("with a valid config", func() {
		It("exits with code 0 and prints a success message", func() {
			configPath := filepath.Join(repoDir, "mycelium.yaml")
			writeFile(configPath, `
project: demo
repo_path: `+repoDir+`
agent:
  command: "sh"
  args: ["-c", "true"]
settings:
  max_parallel: 1
`)
			cmd := exec.Command(binaryPath, "-c", configPath, "validate")
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))
			Expect(string(output)).To(ContainSubstring("valid"))
		})
	})

	Context("with missing required fields", func() {
		It("exits with a non-zero code and reports each missing field", func() {
			configPath := filepath.Join(repoDir, "mycelium.yaml")
			writeFile(configPath, `
settings:
  max_parallel: 1
`)
			cmd := exec.Command(binaryPath, "-c", configPath, "validate")
			output, err := cmd.CombinedOutput()
			Expect(err).To(HaveOccurred())
			out := string(output)
			Expect(out).To(ContainSubstring("project is required"))
			Expect(out).To(ContainSubstring("repo_path is required"))
			Expect(out).To(ContainSubstring("agent.command is required"))
		})
	})

	Context("with an unknown enforcement mode", func() {
		It("reports the bad value", func() {
			configPath := filepath.Join(repoDir, "mycelium.yaml")
			writeFile(configPath, `
project: demo
repo_path: `+repoDir+`
agent:
  command: "sh"
enforcement:
  mode: "nonsense"
`)
			cmd := exec.Command(binaryPath, "-c", configPath, "validate")
			output, err := cmd.CombinedOutput()
			Expect(err).To(HaveOccurred())
			Expect(string(output)).To(ContainSubstring(`unknown value "nonsense"`))
		})
	})

	Context("with a nonexistent config file", func() {
		It("exits with a non-zero code", func() {
			cmd := exec.Command(binaryPath, "-c", "/tmp/does-not-exist-mycelium.yaml", "validate")
			err := cmd.Run()
			Expect(err).To(HaveOccurred())
		})
	})
})
