package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// DockerRunner executes task workloads as Docker containers with the
// workspace bind-mounted and the assigned GPU passed through.
type DockerRunner struct {
	cli         *client.Client
	logger      *zap.Logger
	pullTimeout time.Duration
	runTimeout  time.Duration
}

// NewDockerRunner connects to the Docker daemon at the given endpoint.
func NewDockerRunner(endpoint string, pullTimeout, runTimeout time.Duration, logger *zap.Logger) (*DockerRunner, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if endpoint != "" {
		opts = append(opts, client.WithHost(endpoint))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping docker daemon: %w", err)
	}

	return &DockerRunner{
		cli:         cli,
		logger:      logger.Named("docker_runner"),
		pullTimeout: pullTimeout,
		runTimeout:  runTimeout,
	}, nil
}

// Run pulls the image, creates and starts the container, waits for it to
// exit and collects its output. The container is always removed.
func (r *DockerRunner) Run(ctx context.Context, spec RunSpec) Result {
	r.logger.Info("Starting container run",
		zap.String("image", spec.Image),
		zap.String("gpu_id", spec.GPUID),
		zap.String("workspace", spec.WorkspaceDir),
	)

	if err := r.pullImage(ctx, spec.Image); err != nil {
		return Result{ExitCode: -1, Error: fmt.Errorf("failed to pull image %s: %w", spec.Image, err)}
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	hostConfig := &container.HostConfig{
		Binds: []string{spec.WorkspaceDir + ":" + ContainerWorkspacePath},
	}
	if deviceID, ok := gpuDeviceID(spec.GPUID); ok {
		hostConfig.Resources = container.Resources{
			DeviceRequests: []container.DeviceRequest{{
				Driver:       "nvidia",
				DeviceIDs:    []string{deviceID},
				Capabilities: [][]string{{"gpu"}},
			}},
		}
	}

	created, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:      spec.Image,
		Env:        env,
		WorkingDir: ContainerWorkspacePath,
	}, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return Result{ExitCode: -1, Error: fmt.Errorf("failed to create container: %w", err)}
	}
	containerID := created.ID

	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.cli.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			r.logger.Warn("Failed to remove container", zap.String("container_id", containerID), zap.Error(err))
		}
	}()

	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return Result{ExitCode: -1, Error: fmt.Errorf("failed to start container: %w", err)}
	}

	runCtx := ctx
	if r.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.runTimeout)
		defer cancel()
	}

	exitCode, waitErr := r.waitForExit(runCtx, containerID)

	stdout, stderr := r.collectLogs(containerID)

	result := Result{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}
	if waitErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			result.Error = fmt.Errorf("container run timed out after %v", r.runTimeout)
			result.ExitCode = -2
		} else {
			result.Error = fmt.Errorf("failed waiting for container: %w", waitErr)
			result.ExitCode = -1
		}
		return result
	}

	r.logger.Info("Container run finished",
		zap.String("container_id", containerID),
		zap.Int("exit_code", exitCode),
	)
	return result
}

func (r *DockerRunner) pullImage(ctx context.Context, imageName string) error {
	pullCtx := ctx
	if r.pullTimeout > 0 {
		var cancel context.CancelFunc
		pullCtx, cancel = context.WithTimeout(ctx, r.pullTimeout)
		defer cancel()
	}

	out, err := r.cli.ImagePull(pullCtx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer out.Close()
	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, out); err != nil {
		return fmt.Errorf("failed to drain image pull stream: %w", err)
	}
	return nil
}

func (r *DockerRunner) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := r.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("container wait error: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		return -1, err
	}
}

// collectLogs reads the container's full output after exit. Uses a fresh
// context so logs are still retrievable after a run timeout.
func (r *DockerRunner) collectLogs(containerID string) (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reader, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		r.logger.Warn("Failed to collect container logs", zap.String("container_id", containerID), zap.Error(err))
		return "", ""
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		r.logger.Warn("Failed to demultiplex container logs", zap.String("container_id", containerID), zap.Error(err))
	}
	return stdout.String(), stderr.String()
}

// gpuDeviceID maps a registered unit ID like "gpu-3" to the Docker device
// index "3". Synthetic CPU units get no device request.
func gpuDeviceID(gpuID string) (string, bool) {
	idx, found := strings.CutPrefix(gpuID, "gpu-")
	if !found || idx == "" {
		return "", false
	}
	return idx, true
}
