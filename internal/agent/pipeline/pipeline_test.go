package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridspot/gridspot-backend/internal/agent/runner"
	"github.com/gridspot/gridspot-backend/internal/models"
	"github.com/gridspot/gridspot-backend/internal/storage"
)

// fakeBlob is an in-memory BlobStore double.
type fakeBlob struct {
	mu          sync.Mutex
	downloadErr error
	uploadErr   error
	uploaded    []string
	presignBase string
}

func (f *fakeBlob) EnsureBucket(ctx context.Context) error { return nil }

func (f *fakeBlob) DownloadPrefix(ctx context.Context, prefix, destDir string) (int, error) {
	if f.downloadErr != nil {
		return 0, f.downloadErr
	}
	if err := os.WriteFile(filepath.Join(destDir, "input.dat"), []byte("data"), 0644); err != nil {
		return 0, err
	}
	return 1, nil
}

func (f *fakeBlob) UploadFile(ctx context.Context, objectKey, filePath, contentType string) (*storage.ObjectInfo, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.uploaded = append(f.uploaded, objectKey)
	f.mu.Unlock()
	return &storage.ObjectInfo{Key: objectKey, Size: info.Size()}, nil
}

func (f *fakeBlob) PresignGet(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	return f.presignBase + objectKey, nil
}

// fakeRunner returns a canned result and optionally drops a file into the
// outputs directory like a real workload would.
type fakeRunner struct {
	result      runner.Result
	writeOutput bool
	invoked     bool
	lastSpec    runner.RunSpec
}

func (f *fakeRunner) Run(ctx context.Context, spec runner.RunSpec) runner.Result {
	f.invoked = true
	f.lastSpec = spec
	if f.writeOutput {
		outParams := filepath.Join(spec.WorkspaceDir, "outputs", "result.txt")
		if err := os.WriteFile(outParams, []byte("ok"), 0644); err != nil {
			return runner.Result{ExitCode: -1, Error: err}
		}
	}
	return f.result
}

// fakeReporter records every status report in order.
type fakeReporter struct {
	mu      sync.Mutex
	reports []*models.StatusReport
}

func (f *fakeReporter) ReportStatus(ctx context.Context, taskID uuid.UUID, report *models.StatusReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	return nil
}

func (f *fakeReporter) statuses() []models.TaskStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.TaskStatus, len(f.reports))
	for i, r := range f.reports {
		out[i] = r.Status
	}
	return out
}

func (f *fakeReporter) last() *models.StatusReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reports[len(f.reports)-1]
}

func newPipelineFixture(t *testing.T, blob *fakeBlob, run *fakeRunner) (*Pipeline, *fakeReporter, string) {
	t.Helper()
	root := t.TempDir()
	reporter := &fakeReporter{}
	p := New(root, time.Hour, blob, run, reporter, zap.NewNop())
	return p, reporter, root
}

func dispatch() *models.DispatchPayload {
	return &models.DispatchPayload{
		TaskID:   uuid.New(),
		Image:    "alpine:latest",
		InputRef: "inputs/task-a",
		Env:      map[string]string{"MODE": "test"},
		GPUID:    "gpu-0",
	}
}

func requireWorkspaceEmpty(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace not cleaned up")
}

func TestExecuteSuccess(t *testing.T) {
	blob := &fakeBlob{presignBase: "https://blob.example.invalid/"}
	run := &fakeRunner{result: runner.Result{ExitCode: 0, Stdout: "done\n"}, writeOutput: true}
	p, reporter, root := newPipelineFixture(t, blob, run)
	task := dispatch()

	require.NoError(t, p.Execute(context.Background(), task))

	assert.Equal(t, []models.TaskStatus{
		models.TaskDownloading,
		models.TaskRunning,
		models.TaskUploading,
		models.TaskCompleted,
	}, reporter.statuses())

	final := reporter.last()
	require.NotNil(t, final.ResultRef)
	assert.Equal(t, "https://blob.example.invalid/artifacts/"+task.TaskID.String()+".zip", *final.ResultRef)
	require.NotNil(t, final.Stdout)
	assert.Equal(t, "done\n", *final.Stdout)

	require.Len(t, blob.uploaded, 1)
	assert.Equal(t, "artifacts/"+task.TaskID.String()+".zip", blob.uploaded[0])

	// The runner saw the workspace mount and the assigned GPU.
	assert.Equal(t, "gpu-0", run.lastSpec.GPUID)
	assert.Equal(t, "test", run.lastSpec.Env["MODE"])

	requireWorkspaceEmpty(t, root)
}

func TestExecuteUsesExplicitOutputRef(t *testing.T) {
	blob := &fakeBlob{}
	run := &fakeRunner{result: runner.Result{ExitCode: 0}}
	p, _, _ := newPipelineFixture(t, blob, run)
	task := dispatch()
	task.OutputRef = "results/custom-location.zip"

	require.NoError(t, p.Execute(context.Background(), task))
	require.Len(t, blob.uploaded, 1)
	assert.Equal(t, "results/custom-location.zip", blob.uploaded[0])
}

func TestExecuteDownloadFailureShortCircuits(t *testing.T) {
	blob := &fakeBlob{downloadErr: errors.New("no such prefix")}
	run := &fakeRunner{result: runner.Result{ExitCode: 0}}
	p, reporter, root := newPipelineFixture(t, blob, run)

	err := p.Execute(context.Background(), dispatch())
	require.Error(t, err)

	assert.Equal(t, []models.TaskStatus{
		models.TaskDownloading,
		models.TaskFailed,
	}, reporter.statuses())
	final := reporter.last()
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "input download failed")

	// Compute and upload never ran.
	assert.False(t, run.invoked)
	assert.Empty(t, blob.uploaded)

	requireWorkspaceEmpty(t, root)
}

func TestExecuteNonZeroExitIsTaskFailureNotAgentError(t *testing.T) {
	blob := &fakeBlob{}
	run := &fakeRunner{result: runner.Result{ExitCode: 3, Stderr: "boom"}}
	p, reporter, root := newPipelineFixture(t, blob, run)

	// The workload failing is a reported outcome, not a pipeline error.
	require.NoError(t, p.Execute(context.Background(), dispatch()))

	assert.Equal(t, []models.TaskStatus{
		models.TaskDownloading,
		models.TaskRunning,
		models.TaskFailed,
	}, reporter.statuses())
	final := reporter.last()
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "exited with code 3")
	require.NotNil(t, final.Stderr)
	assert.Equal(t, "boom", *final.Stderr)

	assert.Empty(t, blob.uploaded)
	requireWorkspaceEmpty(t, root)
}

func TestExecuteRunnerInfraErrorReportsFailed(t *testing.T) {
	blob := &fakeBlob{}
	run := &fakeRunner{result: runner.Result{ExitCode: -1, Error: errors.New("failed to pull image")}}
	p, reporter, root := newPipelineFixture(t, blob, run)

	err := p.Execute(context.Background(), dispatch())
	require.Error(t, err)

	final := reporter.last()
	assert.Equal(t, models.TaskFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "failed to pull image")

	requireWorkspaceEmpty(t, root)
}

func TestExecuteUploadFailureReportsFailed(t *testing.T) {
	blob := &fakeBlob{uploadErr: errors.New("bucket gone")}
	run := &fakeRunner{result: runner.Result{ExitCode: 0}, writeOutput: true}
	p, reporter, root := newPipelineFixture(t, blob, run)

	err := p.Execute(context.Background(), dispatch())
	require.Error(t, err)

	assert.Equal(t, []models.TaskStatus{
		models.TaskDownloading,
		models.TaskRunning,
		models.TaskUploading,
		models.TaskFailed,
	}, reporter.statuses())
	final := reporter.last()
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "output upload failed")

	requireWorkspaceEmpty(t, root)
}

func TestExecuteSkipsDownloadWithoutInputRef(t *testing.T) {
	blob := &fakeBlob{downloadErr: errors.New("must not be called")}
	run := &fakeRunner{result: runner.Result{ExitCode: 0}}
	p, reporter, _ := newPipelineFixture(t, blob, run)
	task := dispatch()
	task.InputRef = ""

	require.NoError(t, p.Execute(context.Background(), task))
	assert.Equal(t, models.TaskCompleted, reporter.last().Status)
}

func TestExecuteNoOutputsSkipsUpload(t *testing.T) {
	blob := &fakeBlob{presignBase: "https://blob.example.invalid/"}
	run := &fakeRunner{result: runner.Result{ExitCode: 0, Stdout: "hello\n"}}
	p, reporter, root := newPipelineFixture(t, blob, run)

	// No output key and the workload wrote nothing: the task completes
	// without an artifact and without passing through the upload stage.
	require.NoError(t, p.Execute(context.Background(), dispatch()))

	assert.Equal(t, []models.TaskStatus{
		models.TaskDownloading,
		models.TaskRunning,
		models.TaskCompleted,
	}, reporter.statuses())

	final := reporter.last()
	assert.Nil(t, final.ResultRef)
	require.NotNil(t, final.Stdout)
	assert.Equal(t, "hello\n", *final.Stdout)

	assert.Empty(t, blob.uploaded)
	requireWorkspaceEmpty(t, root)
}

func TestZipDirectory(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "b.txt"), []byte("b"), 0644))

	dest := filepath.Join(t.TempDir(), "out.zip")
	count, err := zipDirectory(src, dest)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestZipDirectoryEmptyOutputs(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.zip")
	count, err := zipDirectory(t.TempDir(), dest)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = os.Stat(dest)
	assert.NoError(t, err)
}

func TestSnippetTruncates(t *testing.T) {
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	got := snippet(string(long), 4096)
	assert.Len(t, got, 4096+len("... (truncated)"))
	assert.Equal(t, "short", snippet("short", 4096))
}
