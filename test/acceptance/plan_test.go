package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("mycelium plan", func() {
	var tmpDir string
	var repoDir string
	var tasksRoot string
	var configPath string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "mycelium-plan-*")
		Expect(err).NotTo(HaveOccurred())
		repoDir = filepath.Join(tmpDir, "repo")
		runGit(tmpDir, "init", repoDir)
		tasksRoot = filepath.Join(repoDir, "tasks")

		configPath = filepath.Join(repoDir, "mycelium.yaml")
		writeFile(configPath, `
project: demo
repo_path: `+repoDir+`
tasks_root: `+tasksRoot+`
agent:
  command: "sh"
`)
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	writeManifest := func(id, name string, deps []string) {
		body := "id: " + id + "\nname: \"" + name + "\"\nverify:\n  doctor: \"true\"\n"
		if len(deps) > 0 {
			body += "dependencies:\n"
			for _, d := range deps {
				body += "  - " + d + "\n"
			}
		}
		writeFile(filepath.Join(tasksRoot, "backlog", id, "manifest.yaml"), body)
	}

	Context("with an empty backlog", func() {
		It("reports nothing to plan", func() {
			cmd := exec.Command(binaryPath, "-c", configPath, "plan")
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(output)).To(ContainSubstring("backlog is empty"))
		})
	})

	Context("with two independent backlog tasks", func() {
		BeforeEach(func() {
			writeManifest("task-a", "Task A", nil)
			writeManifest("task-b", "Task B", nil)
		})

		It("--check validates without promoting", func() {
			cmd := exec.Command(binaryPath, "-c", configPath, "plan", "--check")
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))
			Expect(string(output)).To(ContainSubstring("2 task(s) ready to promote"))

			_, err = os.Stat(filepath.Join(tasksRoot, "backlog", "task-a", "manifest.yaml"))
			Expect(err).NotTo(HaveOccurred())
			_, err = os.Stat(filepath.Join(tasksRoot, "active", "task-a"))
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		It("promotes every backlog task into active", func() {
			cmd := exec.Command(binaryPath, "-c", configPath, "plan")
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))
			Expect(string(output)).To(ContainSubstring("promoted task-a"))
			Expect(string(output)).To(ContainSubstring("promoted task-b"))

			_, err = os.Stat(filepath.Join(tasksRoot, "active", "task-a", "manifest.yaml"))
			Expect(err).NotTo(HaveOccurred())
			_, err = os.Stat(filepath.Join(tasksRoot, "backlog", "task-a"))
			Expect(os.IsNotExist(err)).To(BeTrue())
		})
	})

	Context("with a dependency cycle", func() {
		BeforeEach(func() {
			writeManifest("task-a", "Task A", []string{"task-b"})
			writeManifest("task-b", "Task B", []string{"task-a"})
		})

		It("rejects the backlog and promotes nothing", func() {
			cmd := exec.Command(binaryPath, "-c", configPath, "plan")
			output, err := cmd.CombinedOutput()
			Expect(err).To(HaveOccurred())
			Expect(string(output)).To(ContainSubstring("dependency cycle detected"))

			_, err = os.Stat(filepath.Join(tasksRoot, "active"))
			Expect(os.IsNotExist(err)).To(BeTrue())
		})
	})
})
