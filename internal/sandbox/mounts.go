package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/claudesmith/claudesmith/internal/common/config"
	"github.com/claudesmith/claudesmith/internal/sandbox/docker"
)

// SkillsDir is the read-only skill library mount point inside the container.
const SkillsDir = "/skills"

// CacheDir is the read-only host conversation-cache mount point.
const CacheDir = "/claude-cache"

// buildMounts assembles the bind mounts for a session container:
// a per-session writable scratch directory, plus optional read-only mounts
// for the host's conversation cache and skill library when they exist.
func buildMounts(cfg config.SandboxConfig, sessionID string) ([]docker.MountConfig, error) {
	scratchHost, err := scratchHostDir(cfg, sessionID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(scratchHost, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}

	mounts := []docker.MountConfig{
		{Source: scratchHost, Target: ScratchDir, ReadOnly: false},
	}

	if home, err := os.UserHomeDir(); err == nil {
		if cacheName := projectCacheName(); cacheName != "" {
			hostCache := filepath.Join(home, ".claude", "projects", cacheName)
			if dirExists(hostCache) {
				mounts = append(mounts, docker.MountConfig{
					Source:   hostCache,
					Target:   CacheDir + "/projects/" + cacheName,
					ReadOnly: true,
				})
			}
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		hostSkills := filepath.Join(cwd, ".claude", "skills")
		if dirExists(hostSkills) {
			mounts = append(mounts, docker.MountConfig{
				Source:   hostSkills,
				Target:   SkillsDir,
				ReadOnly: true,
			})
		}
	}

	return mounts, nil
}

// scratchHostDir returns the host directory backing a session's /scratch.
func scratchHostDir(cfg config.SandboxConfig, sessionID string) (string, error) {
	root := cfg.ScratchRoot
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to resolve scratch root: %w", err)
		}
		root = filepath.Join(cwd, ".scratch")
	}
	return filepath.Join(root, sessionID), nil
}

// projectCacheName derives the host cache directory name for the current
// working directory: the absolute path with separators replaced by dashes,
// matching how conversation caches are laid out on disk.
func projectCacheName() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	name := strings.ReplaceAll(filepath.ToSlash(cwd), "/", "-")
	return name
}

func dirExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
