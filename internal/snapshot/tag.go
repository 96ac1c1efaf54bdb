// Package snapshot builds per-project setup snapshot images: a single-flight
// worker per project clones the repository, runs the setup script through the
// launcher and commits the result under a deterministic, content-addressed
// tag. Identical project configuration always maps to the same tag, so
// repeat builds become cache hits.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/agenthub/agenthub/internal/state"
)

// fingerprintSchemaVersion is bumped whenever the fingerprint layout changes,
// forcing a rebuild of every existing snapshot.
const fingerprintSchemaVersion = 1

// Fingerprint returns the canonical JSON document hashed into the snapshot
// tag. Maps marshal with sorted keys, so identical configuration always
// yields identical bytes.
func Fingerprint(p *state.Project) ([]byte, error) {
	roMounts := make([]map[string]string, 0, len(p.DefaultROMounts))
	for _, m := range p.DefaultROMounts {
		roMounts = append(roMounts, map[string]string{"source": m.Source, "target": m.Target})
	}
	rwMounts := make([]map[string]string, 0, len(p.DefaultRWMounts))
	for _, m := range p.DefaultRWMounts {
		rwMounts = append(rwMounts, map[string]string{"source": m.Source, "target": m.Target})
	}
	envVars := make([]map[string]string, 0, len(p.DefaultEnvVars))
	for _, e := range p.DefaultEnvVars {
		envVars = append(envVars, map[string]string{"key": e.Key, "value": e.Value})
	}

	doc := map[string]any{
		"schema_version":    fingerprintSchemaVersion,
		"project_id":        p.ID,
		"setup_script":      p.SetupScript,
		"base_image":        map[string]string{"mode": string(p.BaseImage.Mode), "value": p.BaseImage.Value},
		"default_ro_mounts": roMounts,
		"default_rw_mounts": rwMounts,
		"default_env_vars":  envVars,
	}
	return json.Marshal(doc)
}

// Tag derives the deterministic snapshot image tag for a project's current
// configuration: setup-<project id prefix>-<16 hex chars of the fingerprint
// hash>.
func Tag(p *state.Project) (string, error) {
	fp, err := Fingerprint(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(fp)
	return fmt.Sprintf("setup-%s-%s", state.ShortID(p.ID), hex.EncodeToString(sum[:])[:16]), nil
}

// BaseImageArgs resolves a project's base image reference into launcher
// arguments. Tag mode passes the registry reference through; repo_path mode
// resolves the value inside the project checkout and refuses paths that
// escape it.
func BaseImageArgs(p *state.Project, checkoutDir string) ([]string, error) {
	switch p.BaseImage.Mode {
	case state.BaseImageRepoPath:
		resolved, err := resolveUnder(checkoutDir, p.BaseImage.Value)
		if err != nil {
			return nil, err
		}
		return []string{"--base-image-path", resolved}, nil
	case state.BaseImageTag, "":
		if p.BaseImage.Value == "" {
			return nil, nil
		}
		return []string{"--base-image", p.BaseImage.Value}, nil
	default:
		return nil, fmt.Errorf("unknown base image mode %q", p.BaseImage.Mode)
	}
}

// resolveUnder joins rel onto root and verifies the cleaned result stays
// inside root.
func resolveUnder(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("base image path is empty")
	}
	resolved := filepath.Clean(filepath.Join(root, rel))
	cleanRoot := filepath.Clean(root)
	if resolved != cleanRoot && !strings.HasPrefix(resolved, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("base image path %q escapes the project checkout", rel)
	}
	return resolved, nil
}
