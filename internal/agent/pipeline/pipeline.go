package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gridspot/gridspot-backend/internal/agent/runner"
	"github.com/gridspot/gridspot-backend/internal/models"
	"github.com/gridspot/gridspot-backend/internal/storage"
)

// StatusReporter pushes task progress back to the orchestrator.
type StatusReporter interface {
	ReportStatus(ctx context.Context, taskID uuid.UUID, report *models.StatusReport) error
}

// Pipeline executes an assigned task end to end: fetch inputs, run the
// containerized workload, publish outputs. Each stage is reported to the
// orchestrator before it starts; failure at any stage short-circuits the
// rest and reports FAILED.
type Pipeline struct {
	workspaceRoot   string
	resultURLExpiry time.Duration
	blob            storage.BlobStore
	runner          runner.Runner
	reporter        StatusReporter
	logger          *zap.Logger
}

// New creates a task execution pipeline.
func New(workspaceRoot string, resultURLExpiry time.Duration, blob storage.BlobStore, run runner.Runner, reporter StatusReporter, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		workspaceRoot:   workspaceRoot,
		resultURLExpiry: resultURLExpiry,
		blob:            blob,
		runner:          run,
		reporter:        reporter,
		logger:          logger,
	}
}

// Execute runs the full pipeline for one dispatched task. The workspace is
// removed on every exit path, success or failure.
func (p *Pipeline) Execute(ctx context.Context, task *models.DispatchPayload) error {
	logger := p.logger.With(zap.String("task_id", task.TaskID.String()), zap.String("gpu_id", task.GPUID))
	logger.Info("Handling task", zap.String("image", task.Image))

	// Workspace names carry a fresh UUID so re-deliveries of the same task
	// can never collide on disk.
	workspacePath := filepath.Join(p.workspaceRoot, uuid.New().String())
	inputsDir := filepath.Join(workspacePath, "inputs")
	outputsDir := filepath.Join(workspacePath, "outputs")
	for _, dir := range []string{inputsDir, outputsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			p.reportFailure(ctx, task.TaskID, logger, fmt.Sprintf("failed to create workspace: %v", err), nil)
			return fmt.Errorf("failed to create workspace for task %s: %w", task.TaskID, err)
		}
	}
	logger.Info("Task workspace created", zap.String("path", workspacePath))

	defer func() {
		if err := os.RemoveAll(workspacePath); err != nil {
			logger.Error("Failed to clean up task workspace", zap.String("path", workspacePath), zap.Error(err))
		} else {
			logger.Info("Task workspace cleaned up", zap.String("path", workspacePath))
		}
	}()

	// Stage 1: download inputs.
	p.report(ctx, task.TaskID, logger, &models.StatusReport{Status: models.TaskDownloading})
	if err := p.download(ctx, task, inputsDir); err != nil {
		logger.Error("Input download failed", zap.Error(err))
		p.reportFailure(ctx, task.TaskID, logger, fmt.Sprintf("input download failed: %v", err), nil)
		return err
	}

	// Stage 2: run the workload.
	p.report(ctx, task.TaskID, logger, &models.StatusReport{Status: models.TaskRunning})
	result := p.runner.Run(ctx, runner.RunSpec{
		Image:        task.Image,
		Env:          task.Env,
		WorkspaceDir: workspacePath,
		GPUID:        task.GPUID,
		Name:         "gridspot-task-" + task.TaskID.String(),
	})

	stdout := snippet(result.Stdout, 4096)
	stderr := snippet(result.Stderr, 4096)

	if result.Error != nil {
		logger.Error("Workload execution failed", zap.Int("exit_code", result.ExitCode), zap.Error(result.Error))
		p.reportFailure(ctx, task.TaskID, logger, result.Error.Error(), &logFields{stdout: stdout, stderr: stderr})
		return result.Error
	}
	if result.ExitCode != 0 {
		// The workload itself failed; that is a task outcome, not an agent error.
		msg := fmt.Sprintf("workload exited with code %d", result.ExitCode)
		logger.Info("Workload exited non-zero", zap.Int("exit_code", result.ExitCode))
		p.reportFailure(ctx, task.TaskID, logger, msg, &logFields{stdout: stdout, stderr: stderr})
		return nil
	}

	// Stage 3: publish outputs. A task that names no output key and wrote
	// nothing has no artifact; it completes without a result reference.
	produced, err := hasOutputs(outputsDir)
	if err != nil {
		logger.Error("Failed to inspect outputs directory", zap.Error(err))
		p.reportFailure(ctx, task.TaskID, logger, fmt.Sprintf("failed to inspect outputs: %v", err), &logFields{stdout: stdout, stderr: stderr})
		return err
	}

	var resultRef *string
	if task.OutputRef != "" || produced {
		p.report(ctx, task.TaskID, logger, &models.StatusReport{Status: models.TaskUploading})
		ref, err := p.upload(ctx, task, outputsDir, logger)
		if err != nil {
			logger.Error("Output upload failed", zap.Error(err))
			p.reportFailure(ctx, task.TaskID, logger, fmt.Sprintf("output upload failed: %v", err), &logFields{stdout: stdout, stderr: stderr})
			return err
		}
		resultRef = &ref
	} else {
		logger.Info("No outputs produced, skipping upload")
	}

	final := &models.StatusReport{
		Status:    models.TaskCompleted,
		Stdout:    &stdout,
		Stderr:    &stderr,
		ResultRef: resultRef,
	}
	if err := p.reporter.ReportStatus(ctx, task.TaskID, final); err != nil {
		logger.Error("Failed to report task completion", zap.Error(err))
		return fmt.Errorf("task %s finished but final report failed: %w", task.TaskID, err)
	}
	if resultRef != nil {
		logger.Info("Task completed", zap.String("result_ref", *resultRef))
	} else {
		logger.Info("Task completed")
	}
	return nil
}

// hasOutputs reports whether the outputs directory holds any regular file.
func hasOutputs(dir string) (bool, error) {
	found := false
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found, err
}

// download fetches the task's input prefix into the workspace. Tasks
// without inputs skip the transfer but still pass through the stage.
func (p *Pipeline) download(ctx context.Context, task *models.DispatchPayload, inputsDir string) error {
	if task.InputRef != "" {
		if _, err := p.blob.DownloadPrefix(ctx, task.InputRef, inputsDir); err != nil {
			return err
		}
	}
	if task.ScriptRef != "" {
		if _, err := p.blob.DownloadPrefix(ctx, task.ScriptRef, inputsDir); err != nil {
			return err
		}
	}
	return nil
}

// upload zips the outputs directory, stores the archive and returns a
// presigned download URL as the task's result reference.
func (p *Pipeline) upload(ctx context.Context, task *models.DispatchPayload, outputsDir string, logger *zap.Logger) (string, error) {
	archivePath := filepath.Join(filepath.Dir(outputsDir), task.TaskID.String()+".zip")
	fileCount, err := zipDirectory(outputsDir, archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to archive outputs: %w", err)
	}
	logger.Info("Outputs archived", zap.Int("files", fileCount), zap.String("archive", archivePath))

	objectKey := task.OutputRef
	if objectKey == "" {
		objectKey = "artifacts/" + task.TaskID.String() + ".zip"
	}
	if _, err := p.blob.UploadFile(ctx, objectKey, archivePath, "application/zip"); err != nil {
		return "", err
	}

	resultRef, err := p.blob.PresignGet(ctx, objectKey, p.resultURLExpiry)
	if err != nil {
		return "", fmt.Errorf("failed to presign result URL: %w", err)
	}
	return resultRef, nil
}

type logFields struct {
	stdout string
	stderr string
}

// report sends an intermediate progress report. Delivery failures are
// logged and tolerated; the pipeline keeps going.
func (p *Pipeline) report(ctx context.Context, taskID uuid.UUID, logger *zap.Logger, r *models.StatusReport) {
	if err := p.reporter.ReportStatus(ctx, taskID, r); err != nil {
		logger.Warn("Failed to report task progress", zap.String("status", string(r.Status)), zap.Error(err))
	}
}

func (p *Pipeline) reportFailure(ctx context.Context, taskID uuid.UUID, logger *zap.Logger, errMsg string, logs *logFields) {
	r := &models.StatusReport{Status: models.TaskFailed, Error: &errMsg}
	if logs != nil {
		r.Stdout = &logs.stdout
		r.Stderr = &logs.stderr
	}
	if err := p.reporter.ReportStatus(ctx, taskID, r); err != nil {
		logger.Error("Failed to report task failure", zap.Error(err))
	}
}

// snippet bounds captured output so reports stay small.
func snippet(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	return s[:maxLength] + "... (truncated)"
}
