package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/docmend/docmend/internal/domain"
)

// oomExitCode is what the kernel hands back when the cgroup memory ceiling
// kills the process.
const oomExitCode = 137

// Engine implements domain.SandboxExecutor on ephemeral Docker containers.
// Every Execute call provisions a fresh container with its own tmpfs
// workspace and tears it down before returning, so no two executions ever
// share filesystem, process, or environment state.
type Engine struct {
	cli       *client.Client
	networkID string
	killGrace time.Duration

	mu     sync.Mutex
	pulled map[string]bool
}

var _ domain.SandboxExecutor = (*Engine)(nil)

// NewEngine initializes and returns a verified Docker-backed engine. It pings
// the daemon and provisions the sandbox network up front so a broken Docker
// setup fails the process at startup.
func NewEngine(ctx context.Context, killGrace time.Duration) (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	networkID, err := ensureSandboxNetwork(ctx, cli)
	if err != nil {
		return nil, err
	}

	slog.Info("Docker sandbox engine initialized", "network", sandboxNetworkName)
	return &Engine{
		cli:       cli,
		networkID: networkID,
		killGrace: killGrace,
		pulled:    make(map[string]bool),
	}, nil
}

// Execute runs one snippet in a fresh container and always returns a
// well-formed ValidationResult: a timeout is error_kind=timeout within the
// kill grace, an exceeded memory/pids ceiling is resource_limit, an install
// failure is dependency. The container is removed on every exit path.
func (e *Engine) Execute(ctx context.Context, req domain.ExecRequest) (domain.ValidationResult, error) {
	start := time.Now()
	res := domain.ValidationResult{
		TaskID:    req.TaskID,
		SnippetID: req.SnippetID,
		Attempt:   req.Attempt,
	}

	cap, err := domain.CapabilityFor(req.Language)
	if err != nil {
		return res, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = cap.DefaultTimeout
	}

	// Static screen before anything touches the daemon. An escape attempt is
	// fatal for this execution and never retried.
	if detail := screenCode(req.Code); detail != "" {
		return res, &domain.SecurityViolation{TaskID: req.TaskID, Detail: detail}
	}

	if err := e.ensureImage(ctx, cap.Image); err != nil {
		return res, err
	}

	containerID, err := e.createContainer(ctx, cap, req.Limits)
	if err != nil {
		return res, err
	}
	// Guaranteed teardown, even when the run was force-killed or a step below
	// panicked. Uses a fresh context so shutdown still cleans up.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.cli.ContainerRemove(cleanupCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			slog.Error("Failed to remove sandbox container", "containerID", containerID[:12], "error", err)
		}
	}()

	if err := e.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return res, fmt.Errorf("failed to start container: %w", err)
	}

	if err := e.copySnippet(ctx, containerID, cap.FileName, req.Code); err != nil {
		return res, err
	}

	// Dependency installation is its own sub-phase with its own timeout.
	// Exceeding it aborts only this snippet.
	if len(req.Dependencies) > 0 {
		if cap.InstallCmd == nil {
			res.Success = false
			res.ErrorKind = domain.ErrKindDependency
			res.Stderr = fmt.Sprintf("language %s has no dependency installer", req.Language)
			res.Duration = time.Since(start)
			return res, nil
		}

		installCtx, cancel := context.WithTimeout(ctx, req.Limits.InstallTimeout)
		out, errOut, exit, xerr := e.exec(installCtx, containerID, cap.InstallCmd(req.Dependencies))
		cancel()
		if xerr != nil || exit != 0 {
			res.Success = false
			res.ErrorKind = domain.ErrKindDependency
			res.Stdout = out
			res.Stderr = errOut
			if errors.Is(xerr, context.DeadlineExceeded) {
				res.Stderr = fmt.Sprintf("dependency installation exceeded %s", req.Limits.InstallTimeout)
			} else if xerr != nil && !errors.Is(xerr, context.Canceled) {
				res.Stderr = xerr.Error()
			}
			res.Duration = time.Since(start)
			return res, ctxCause(ctx)
		}
	}

	// The egress path exists only for installation. Cut the network before
	// the snippet itself runs.
	if err := e.cli.NetworkDisconnect(ctx, e.networkID, containerID, true); err != nil {
		slog.Warn("Failed to disconnect sandbox network", "containerID", containerID[:12], "error", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stdout, stderr, exit, xerr := e.exec(runCtx, containerID, cap.RunCmd)

	res.Stdout = stdout
	res.Stderr = stderr
	res.Duration = time.Since(start)

	switch {
	case errors.Is(xerr, context.DeadlineExceeded) && ctx.Err() == nil:
		res.Success = false
		res.ErrorKind = domain.ErrKindTimeout
		res.Stderr = fmt.Sprintf("execution exceeded %s", timeout)
		return res, nil
	case xerr != nil:
		return res, xerr
	case exit == oomExitCode:
		res.Success = false
		res.ErrorKind = domain.ErrKindResourceLimit
		return res, nil
	case exit != 0:
		res.Success = false
		res.ErrorKind = cap.ClassifyFailure(stderr)
		return res, nil
	default:
		res.Success = true
		return res, nil
	}
}

// ensureImage pulls the image once per process.
func (e *Engine) ensureImage(ctx context.Context, imageName string) error {
	e.mu.Lock()
	done := e.pulled[imageName]
	e.mu.Unlock()
	if done {
		return nil
	}

	slog.Info("Pulling image", "image", imageName)
	reader, err := e.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	// Drain the response body to ensure the pull completes properly.
	defer reader.Close()
	io.Copy(io.Discard, reader)

	e.mu.Lock()
	e.pulled[imageName] = true
	e.mu.Unlock()
	return nil
}

// createContainer provisions the isolated environment: idle entrypoint, hard
// memory/CPU/pids ceilings, size-capped tmpfs workspace, no host env, and the
// sandbox network with the host and gateway unroutable.
func (e *Engine) createContainer(ctx context.Context, cap domain.Capability, limits domain.ResourceLimits) (string, error) {
	pids := limits.Pids
	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image:      cap.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/work",
		Env:        []string{"HOME=/work"},
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:    limits.MemoryBytes,
			NanoCPUs:  int64(limits.CPUs * math.Pow10(9)),
			PidsLimit: &pids,
		},
		Tmpfs: map[string]string{
			"/work": fmt.Sprintf("rw,size=%d", limits.DiskBytes),
		},
		ExtraHosts: []string{
			"host.docker.internal:127.0.0.1",
			"gateway.docker.internal:127.0.0.1",
		},
	}, &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			sandboxNetworkName: {NetworkID: e.networkID},
		},
	}, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

// copySnippet writes the snippet into the container workspace as a tar
// stream.
func (e *Engine) copySnippet(ctx context.Context, containerID, fileName, code string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	data := []byte(code)
	if err := tw.WriteHeader(&tar.Header{
		Name: fileName,
		Mode: 0644,
		Size: int64(len(data)),
	}); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write snippet: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to close tar writer: %w", err)
	}

	if err := e.cli.CopyToContainer(ctx, containerID, "/work", &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy snippet to container: %w", err)
	}
	return nil
}

// exec runs one command in the container, demuxing stdout/stderr. When ctx
// expires it hard-kills the container so the attached stream terminates
// within the kill grace instead of hanging on a runaway process.
func (e *Engine) exec(ctx context.Context, containerID string, cmd []string) (string, string, int, error) {
	created, err := e.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   "/work",
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := e.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		// Forced termination: SIGKILL the whole container, then give the
		// stream the grace window to unwind.
		killCtx, cancel := context.WithTimeout(context.Background(), e.killGrace)
		defer cancel()
		if err := e.cli.ContainerKill(killCtx, containerID, "SIGKILL"); err != nil {
			slog.Error("Failed to kill container on timeout", "containerID", containerID[:12], "error", err)
		}
		select {
		case <-done:
		case <-time.After(e.killGrace):
		}
		return stdout.String(), stderr.String(), -1, ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), stderr.String(), -1, fmt.Errorf("error reading exec output: %w", err)
		}
	}

	inspect, err := e.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return stdout.String(), stderr.String(), -1, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return stdout.String(), stderr.String(), inspect.ExitCode, nil
}

// escapeMarkers are substrings whose presence in a snippet means it is
// probing the isolation boundary rather than demonstrating an API.
var escapeMarkers = []string{
	"/var/run/docker.sock",
	"docker.sock",
	"/proc/1/root",
	"/proc/sys/kernel",
	"nsenter",
	"/dev/mem",
	"/dev/kmsg",
}

// screenCode statically screens a snippet for sandbox-escape indicators.
// Returns a non-empty detail string when the snippet must not run.
func screenCode(code string) string {
	for _, m := range escapeMarkers {
		if strings.Contains(code, m) {
			return fmt.Sprintf("snippet references %q", m)
		}
	}
	return ""
}

// ctxCause surfaces workflow-level cancellation to the caller while leaving
// per-phase deadlines as ordinary results.
func ctxCause(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}
