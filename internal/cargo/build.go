// Package cargo invokes the firmware build and locates its artifact.
package cargo

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// Build runs `cargo build` for the project and returns the path of the
// produced ELF. Release builds are not used for tests by default because
// mangled release symbol names break breakpoint placement.
func Build(projectPath, targetTriple string, release bool, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	cargoBin, err := exec.LookPath("cargo")
	if err != nil {
		return "", fmt.Errorf("cargo: executable not found: %w", err)
	}

	args := []string{"build"}
	if release {
		args = append(args, "--release")
	}
	cmd := exec.Command(cargoBin, args...)
	cmd.Dir = projectPath
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	logger.Info("building firmware", "project", projectPath, "release", release)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("cargo: build %s: %w", projectPath, err)
	}

	return ArtifactPath(projectPath, targetTriple, release), nil
}

// ArtifactPath returns where cargo places the executable for a project:
// target/<triple>/<profile>/<project-name>.
func ArtifactPath(projectPath, targetTriple string, release bool) string {
	profile := "debug"
	if release {
		profile = "release"
	}
	return filepath.Join(projectPath, "target", targetTriple, profile, filepath.Base(projectPath))
}
