// Package sandbox manages per-session Docker containers. Each agent session
// gets exactly one container, named after the session, with a writable
// /scratch workspace and read-only cache and skill mounts.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/claudesmith/claudesmith/internal/common/config"
	apperrors "github.com/claudesmith/claudesmith/internal/common/errors"
	"github.com/claudesmith/claudesmith/internal/common/logger"
	"github.com/claudesmith/claudesmith/internal/sandbox/docker"
)

// ContainerNamePrefix is prepended to the session ID to form container names.
const ContainerNamePrefix = "claude-agent-"

// ScratchDir is the working directory inside every session container.
const ScratchDir = "/scratch"

// TimeoutExitCode mirrors the exit code of coreutils timeout(1).
const TimeoutExitCode = 124

// dockerClient is the subset of the Docker wrapper the controller uses.
type dockerClient interface {
	Ping(ctx context.Context) error
	HasImage(ctx context.Context, image string) (bool, error)
	CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	GetContainerInfo(ctx context.Context, containerID string) (*docker.ContainerInfo, error)
	ListContainers(ctx context.Context, namePrefix string) ([]docker.ContainerInfo, error)
	Exec(ctx context.Context, containerID string, command string, workDir string) (*docker.ExecResult, error)
	Stats(ctx context.Context, containerID string) (*docker.StatsSample, error)
}

// ExecResult is the outcome of a command run inside a session container.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out"`
}

// FileInfo describes one directory entry inside a container.
type FileInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// Status is a point-in-time view of a session container's resource usage.
type Status struct {
	SessionID   string  `json:"session_id"`
	ContainerID string  `json:"container_id"`
	State       string  `json:"state"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryUsage uint64  `json:"memory_usage"`
	MemoryLimit uint64  `json:"memory_limit"`
}

// Controller owns the session-to-container mapping and every container
// lifecycle operation. All methods are safe for concurrent use; operations
// on distinct sessions proceed in parallel.
type Controller struct {
	client dockerClient
	config config.SandboxConfig
	logger *logger.Logger

	mu       sync.RWMutex
	sessions map[string]string // sessionID -> containerID

	// statsInterval separates the two CPU samples in GetStatus.
	// Shortened in tests.
	statsInterval time.Duration
}

// NewController creates a sandbox controller backed by the given Docker client.
func NewController(client dockerClient, cfg config.SandboxConfig, log *logger.Logger) *Controller {
	return &Controller{
		client:        client,
		config:        cfg,
		logger:        log.WithFields(zap.String("component", "sandbox")),
		sessions:      make(map[string]string),
		statsInterval: 100 * time.Millisecond,
	}
}

// ContainerName returns the deterministic container name for a session.
func ContainerName(sessionID string) string {
	return ContainerNamePrefix + sessionID
}

// IsAvailable reports whether the Docker daemon is reachable.
func (c *Controller) IsAvailable(ctx context.Context) bool {
	return c.client.Ping(ctx) == nil
}

// EnsureImage verifies the sandbox image exists locally. The image is never
// pulled: it is built out of band, and a missing image is an operator error.
func (c *Controller) EnsureImage(ctx context.Context) error {
	exists, err := c.client.HasImage(ctx, c.config.Image)
	if err != nil {
		return apperrors.SandboxUnavailable("failed to check sandbox image", err)
	}
	if !exists {
		msg := fmt.Sprintf("sandbox image %s not found; build it with 'docker build -t %s .' before starting sessions",
			c.config.Image, c.config.Image)
		return apperrors.SandboxUnavailable(msg, nil)
	}
	return nil
}

// Create provisions the container for a session. An existing running
// container with the session's name is adopted; a stopped or exited one is
// removed and replaced. Returns the container ID.
func (c *Controller) Create(ctx context.Context, sessionID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.CreateTimeoutDuration())
	defer cancel()

	if err := c.EnsureImage(ctx); err != nil {
		return "", err
	}

	name := ContainerName(sessionID)

	existing, err := c.client.ListContainers(ctx, name)
	if err != nil {
		return "", apperrors.ContainerOpFailed("list", err)
	}
	for _, ctr := range existing {
		if ctr.Name != name {
			continue
		}
		if ctr.State == "running" {
			c.logger.Info("Reusing running session container",
				zap.String("session_id", sessionID),
				zap.String("container_id", ctr.ID))
			c.mu.Lock()
			c.sessions[sessionID] = ctr.ID
			c.mu.Unlock()
			return ctr.ID, nil
		}
		// a stopped leftover from a previous run is not resumable
		c.logger.Info("Removing stale session container",
			zap.String("session_id", sessionID),
			zap.String("container_id", ctr.ID),
			zap.String("state", ctr.State))
		if err := c.client.RemoveContainer(ctx, ctr.ID, true); err != nil {
			return "", apperrors.ContainerOpFailed("remove", err)
		}
	}

	mounts, err := buildMounts(c.config, sessionID)
	if err != nil {
		return "", apperrors.ContainerOpFailed("mounts", err)
	}

	containerID, err := c.client.CreateContainer(ctx, docker.ContainerConfig{
		Name:       name,
		Image:      c.config.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: ScratchDir,
		Mounts:     mounts,
		NetworkMode: "bridge",
		Memory:     c.config.MemoryBytes,
		MemorySwap: c.config.MemoryBytes, // no swap beyond the memory cap
		NanoCPUs:   c.config.CPUCores * 1e9,
		Labels: map[string]string{
			"claudesmith.session": sessionID,
		},
		TTY: true,
	})
	if err != nil {
		return "", apperrors.ContainerOpFailed("create", err)
	}

	if err := c.client.StartContainer(ctx, containerID); err != nil {
		_ = c.client.RemoveContainer(ctx, containerID, true)
		return "", apperrors.ContainerOpFailed("start", err)
	}

	c.mu.Lock()
	c.sessions[sessionID] = containerID
	c.mu.Unlock()

	c.logger.Info("Session container created",
		zap.String("session_id", sessionID),
		zap.String("container_id", containerID))
	return containerID, nil
}

// containerFor resolves a session's container ID.
func (c *Controller) containerFor(sessionID string) (string, error) {
	c.mu.RLock()
	id, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return "", apperrors.NotFound("session container", sessionID)
	}
	return id, nil
}

// Exec runs a shell command in the session's container with the given
// timeout. A timed-out command yields exit code 124 rather than an error, so
// the result can be surfaced to the model as ordinary tool output.
func (c *Controller) Exec(ctx context.Context, sessionID string, command string, timeout time.Duration) (*ExecResult, error) {
	containerID, err := c.containerFor(sessionID)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := c.client.Exec(execCtx, containerID, command, ScratchDir)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return &ExecResult{
				Stderr:   fmt.Sprintf("command timed out after %s", timeout),
				ExitCode: TimeoutExitCode,
				TimedOut: true,
			}, nil
		}
		return nil, apperrors.ContainerOpFailed("exec", err)
	}

	c.logger.Debug("Command executed",
		zap.String("session_id", sessionID),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("elapsed", time.Since(start)))

	return &ExecResult{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
	}, nil
}

// ReadFile reads a file from the session's container.
func (c *Controller) ReadFile(ctx context.Context, sessionID string, filePath string) (string, error) {
	containerID, err := c.containerFor(sessionID)
	if err != nil {
		return "", err
	}

	res, err := c.client.Exec(ctx, containerID, "cat "+shellQuote(filePath), ScratchDir)
	if err != nil {
		return "", apperrors.ContainerOpFailed("read", err)
	}
	if res.ExitCode != 0 {
		return "", apperrors.BadRequest(strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// WriteFile writes content to a file in the session's container, creating
// parent directories. The heredoc delimiter is freshly generated per write so
// content can never terminate the document early.
func (c *Controller) WriteFile(ctx context.Context, sessionID string, filePath string, content string) error {
	containerID, err := c.containerFor(sessionID)
	if err != nil {
		return err
	}

	delimiter := "CLAUDESMITH_EOF_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}

	command := fmt.Sprintf("mkdir -p %s && cat > %s << '%s'\n%s%s",
		shellQuote(path.Dir(filePath)), shellQuote(filePath), delimiter, content, delimiter)

	res, err := c.client.Exec(ctx, containerID, command, ScratchDir)
	if err != nil {
		return apperrors.ContainerOpFailed("write", err)
	}
	if res.ExitCode != 0 {
		return apperrors.BadRequest(strings.TrimSpace(res.Stderr))
	}
	return nil
}

// ListFiles lists the immediate entries of a directory in the container.
func (c *Controller) ListFiles(ctx context.Context, sessionID string, dirPath string) ([]FileInfo, error) {
	containerID, err := c.containerFor(sessionID)
	if err != nil {
		return nil, err
	}

	quoted := shellQuote(dirPath)
	command := fmt.Sprintf(
		`find %s -mindepth 1 -maxdepth 1 -exec stat --format '{"name":"%%n","size":%%s,"type":"%%F","mtime":%%Y}' {} \;`,
		quoted)

	res, err := c.client.Exec(ctx, containerID, command, ScratchDir)
	if err != nil {
		return nil, apperrors.ContainerOpFailed("list", err)
	}
	if res.ExitCode != 0 {
		return nil, apperrors.BadRequest(strings.TrimSpace(res.Stderr))
	}

	return parseFileListing(res.Stdout)
}

// parseFileListing decodes the per-entry JSON lines emitted by stat.
func parseFileListing(output string) ([]FileInfo, error) {
	var files []FileInfo
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry struct {
			Name  string `json:"name"`
			Size  int64  `json:"size"`
			Type  string `json:"type"`
			MTime int64  `json:"mtime"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// stat output for unusual filenames can break the line format;
			// skip rather than fail the whole listing
			continue
		}
		files = append(files, FileInfo{
			Name:    path.Base(entry.Name),
			Path:    entry.Name,
			Size:    entry.Size,
			IsDir:   entry.Type == "directory",
			ModTime: time.Unix(entry.MTime, 0).UTC(),
		})
	}
	return files, nil
}

// GetStatus returns the container state plus CPU and memory usage. CPU
// percentage is computed from two samples taken statsInterval apart.
func (c *Controller) GetStatus(ctx context.Context, sessionID string) (*Status, error) {
	containerID, err := c.containerFor(sessionID)
	if err != nil {
		return nil, err
	}

	info, err := c.client.GetContainerInfo(ctx, containerID)
	if err != nil {
		return nil, apperrors.ContainerOpFailed("inspect", err)
	}

	status := &Status{
		SessionID:   sessionID,
		ContainerID: containerID,
		State:       info.State,
	}
	if info.State != "running" {
		return status, nil
	}

	first, err := c.client.Stats(ctx, containerID)
	if err != nil {
		return nil, apperrors.ContainerOpFailed("stats", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.statsInterval):
	}

	second, err := c.client.Stats(ctx, containerID)
	if err != nil {
		return nil, apperrors.ContainerOpFailed("stats", err)
	}

	status.CPUPercent = cpuPercent(first, second)
	status.MemoryUsage = second.MemoryUsage
	status.MemoryLimit = second.MemoryLimit
	return status, nil
}

// cpuPercent computes CPU usage from two stats samples.
func cpuPercent(first, second *docker.StatsSample) float64 {
	cpuDelta := float64(second.CPUTotal) - float64(first.CPUTotal)
	systemDelta := float64(second.SystemCPU) - float64(first.SystemCPU)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	cpus := float64(second.OnlineCPUs)
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / systemDelta * cpus * 100.0
}

// Destroy stops and removes the session's container. Destroying a session
// with no container is a no-op.
func (c *Controller) Destroy(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	containerID, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if err := c.client.StopContainer(ctx, containerID, c.config.StopGracePeriodDuration()); err != nil {
		c.logger.Warn("Failed to stop container, forcing removal",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	if err := c.client.RemoveContainer(ctx, containerID, true); err != nil {
		return apperrors.ContainerOpFailed("remove", err)
	}

	c.logger.Info("Session container destroyed",
		zap.String("session_id", sessionID),
		zap.String("container_id", containerID))
	return nil
}

// CleanupAll removes every container carrying the session name prefix,
// including orphans from previous runs that no session tracks.
func (c *Controller) CleanupAll(ctx context.Context) error {
	containers, err := c.client.ListContainers(ctx, ContainerNamePrefix)
	if err != nil {
		return apperrors.ContainerOpFailed("list", err)
	}

	var (
		group   errgroup.Group
		removed atomic.Int64
	)
	group.SetLimit(4)
	for _, ctr := range containers {
		if !strings.HasPrefix(ctr.Name, ContainerNamePrefix) {
			continue
		}
		group.Go(func() error {
			if err := c.client.RemoveContainer(ctx, ctr.ID, true); err != nil {
				c.logger.Warn("Failed to remove container during cleanup",
					zap.String("container_id", ctr.ID),
					zap.Error(err))
				return err
			}
			removed.Add(1)
			return nil
		})
	}
	lastErr := group.Wait()

	c.mu.Lock()
	c.sessions = make(map[string]string)
	c.mu.Unlock()

	c.logger.Info("Sandbox cleanup complete", zap.Int64("removed", removed.Load()))
	return lastErr
}

// shellQuote wraps s in single quotes, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
