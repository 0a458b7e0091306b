package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// BindMount is one host-to-container bind mount of the OMERO server container.
// In-place import needs the file path as the container sees it, so every host
// path is rewritten through one of these before it reaches the CLI.
type BindMount struct {
	Source      string
	Destination string
}

// LoadBindMounts asks Docker for the container's mounts and keeps the binds.
func LoadBindMounts(ctx context.Context, runner Runner, container string) ([]BindMount, error) {
	stdout, stderr, err := runner.Run(ctx, "docker", "inspect", "-f", "{{ json .Mounts }}", container)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w (stderr: %s)", container, err, truncate(string(stderr), 1<<10))
	}
	mounts, err := ParseBindMounts(stdout)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", container, err)
	}
	return mounts, nil
}

// ParseBindMounts decodes `docker inspect -f '{{ json .Mounts }}'` output.
func ParseBindMounts(data []byte) ([]BindMount, error) {
	var raw []struct {
		Type        string `json:"Type"`
		Source      string `json:"Source"`
		Destination string `json:"Destination"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse mounts: %w", err)
	}
	var out []BindMount
	for _, m := range raw {
		if m.Type == "bind" {
			out = append(out, BindMount{Source: m.Source, Destination: m.Destination})
		}
	}
	return out, nil
}

// ApplyMount rewrites a host path into the container path via the
// longest-prefix bind mount. The second return is false when no mount
// covers the path.
func ApplyMount(mounts []BindMount, hostPath string) (string, bool) {
	best := -1
	for i, m := range mounts {
		src := strings.TrimRight(m.Source, "/")
		if hostPath != src && !strings.HasPrefix(hostPath, src+"/") {
			continue
		}
		if best == -1 || len(src) > len(strings.TrimRight(mounts[best].Source, "/")) {
			best = i
		}
	}
	if best == -1 {
		return "", false
	}
	src := strings.TrimRight(mounts[best].Source, "/")
	rel := strings.TrimPrefix(strings.TrimPrefix(hostPath, src), "/")
	if rel == "" {
		return mounts[best].Destination, true
	}
	return filepath.Join(mounts[best].Destination, rel), true
}
