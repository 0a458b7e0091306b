package importer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bioimage-lab/omero-ingest/internal/common"
)

// CLIImporter runs the OMERO CLI inside the server's Docker container.
type CLIImporter struct {
	cfg    common.OmeroConfig
	runner Runner
	mounts []BindMount
	logger *slog.Logger
}

func NewCLIImporter(cfg common.OmeroConfig, runner Runner, mounts []BindMount, logger *slog.Logger) *CLIImporter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TargetUser == "" {
		cfg.TargetUser = cfg.Username
	}
	return &CLIImporter{cfg: cfg, runner: runner, mounts: mounts, logger: logger}
}

// Import submits one file. The path is the host-side path; it is rewritten
// to the container-side path before the CLI sees it.
func (i *CLIImporter) Import(ctx context.Context, hostPath string) error {
	containerPath, ok := ApplyMount(i.mounts, hostPath)
	if !ok {
		return fmt.Errorf("path %s is not covered by any bind mount of container %s", hostPath, i.cfg.Container)
	}

	args := i.importArgs(containerPath)
	i.logger.Info("import: submitting", "host_path", hostPath, "container_path", containerPath)

	stdout, stderr, err := i.runner.Run(ctx, "docker", args...)
	if err != nil {
		return fmt.Errorf("omero import %s: %w (stderr: %s)", containerPath, err, truncate(string(stderr), 2<<10))
	}
	// A clean exit without an Image id means the server rejected the file
	// (wrong format, corrupt pyramid) even though the CLI did not fail.
	if !ImportSucceeded(stdout) {
		return fmt.Errorf("omero import %s: completed without an Image id", containerPath)
	}
	return nil
}

// importArgs builds the docker exec argv for one in-place import.
// An importer account imports on behalf of the target user via --sudo.
func (i *CLIImporter) importArgs(containerPath string) []string {
	args := []string{"exec", i.cfg.Container, i.cfg.OmeroBin}
	if i.cfg.Username != i.cfg.TargetUser {
		args = append(args, "--sudo", i.cfg.Username)
	}
	args = append(args,
		"-u", i.cfg.TargetUser,
		"-s", i.cfg.Host,
		"-w", i.cfg.Password,
		"import", "--transfer=ln_s",
	)
	switch {
	case i.cfg.Project != "":
		args = append(args, "-T", fmt.Sprintf("Project:name:%s/Dataset:name:%s", i.cfg.Project, i.cfg.Dataset))
	case i.cfg.Dataset != "":
		args = append(args, "-T", "Dataset:name:"+i.cfg.Dataset)
	}
	// No target: the image lands in Orphaned Images.
	return append(args, containerPath)
}

// ImportSucceeded reports whether the CLI output names an imported image.
func ImportSucceeded(stdout []byte) bool {
	for _, line := range strings.Split(string(stdout), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "Image:") {
			return true
		}
	}
	return false
}
