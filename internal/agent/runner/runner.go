package runner

import (
	"context"
)

// ContainerWorkspacePath is where the task workspace is mounted inside
// the container. Inputs appear under inputs/, the container writes its
// results under outputs/.
const ContainerWorkspacePath = "/workspace"

// RunSpec describes a single containerized task run.
type RunSpec struct {
	Image string
	// Env is injected into the container environment.
	Env map[string]string
	// WorkspaceDir is the host directory bind-mounted at ContainerWorkspacePath.
	WorkspaceDir string
	// GPUID selects the compute unit ("gpu-N" maps to device index N,
	// "cpu-0" runs without GPU access).
	GPUID string
	// Name is used for the container name so runs are traceable.
	Name string
}

// Result holds the outcome of a container run. A non-zero ExitCode with a
// nil Error means the workload itself failed; Error is reserved for
// infrastructure failures (pull, create, start).
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Error    error
}

// Runner executes a task workload in isolation.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) Result
}
