package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridspot/gridspot-backend/internal/models"
)

func newTestProvider(id string, gpuCount int) *models.Provider {
	gpus := make([]models.GPU, gpuCount)
	for i := range gpus {
		gpus[i] = models.GPU{ID: "gpu-" + string(rune('0'+i)), Name: "Test GPU", Status: models.GPUIdle}
	}
	return models.NewProvider(id, gpus, nil)
}

func TestRegisterProviderUpsertKeepsRegistrationTime(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := newTestProvider("prov-1", 1)
	first.RegisteredAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.RegisterProvider(ctx, first))

	again := newTestProvider("prov-1", 2)
	require.NoError(t, s.RegisterProvider(ctx, again))

	got, err := s.GetProvider(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, first.RegisteredAt, got.RegisteredAt)
	assert.Len(t, got.GPUs, 2)
}

func TestRegisterProviderResetsBusyGPU(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.RegisterProvider(ctx, newTestProvider("prov-1", 1)))
	require.NoError(t, s.CreateTask(ctx, models.NewTask("owner", "alpine")))
	_, err := s.AssignNextTask(ctx, "prov-1", "gpu-0")
	require.NoError(t, err)

	got, err := s.GetProvider(ctx, "prov-1")
	require.NoError(t, err)
	require.Equal(t, models.GPUBusy, got.GPUs[0].Status)

	// A restarting provider re-registers; its GPUs come back idle.
	require.NoError(t, s.RegisterProvider(ctx, newTestProvider("prov-1", 1)))
	got, err = s.GetProvider(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, models.GPUIdle, got.GPUs[0].Status)
}

func TestAssignNextTaskFIFO(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.RegisterProvider(ctx, newTestProvider("prov-1", 3)))

	oldest := models.NewTask("owner", "alpine")
	oldest.SubmittedAt = time.Now().UTC().Add(-3 * time.Minute)
	middle := models.NewTask("owner", "alpine")
	middle.SubmittedAt = time.Now().UTC().Add(-2 * time.Minute)
	newest := models.NewTask("owner", "alpine")
	newest.SubmittedAt = time.Now().UTC().Add(-1 * time.Minute)

	// Insertion order deliberately scrambled.
	for _, task := range []*models.Task{middle, newest, oldest} {
		require.NoError(t, s.CreateTask(ctx, task))
	}

	first, err := s.AssignNextTask(ctx, "prov-1", "gpu-0")
	require.NoError(t, err)
	assert.Equal(t, oldest.ID, first.ID)
	assert.Equal(t, models.TaskRunning, first.Status)
	assert.Equal(t, "prov-1", first.AssignedProvider)
	assert.Equal(t, "gpu-0", first.AssignedGPU)
	require.NotNil(t, first.StartedAt)

	second, err := s.AssignNextTask(ctx, "prov-1", "gpu-1")
	require.NoError(t, err)
	assert.Equal(t, middle.ID, second.ID)

	third, err := s.AssignNextTask(ctx, "prov-1", "gpu-2")
	require.NoError(t, err)
	assert.Equal(t, newest.ID, third.ID)
}

func TestAssignNextTaskEmptyQueue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.RegisterProvider(ctx, newTestProvider("prov-1", 1)))

	_, err := s.AssignNextTask(ctx, "prov-1", "gpu-0")
	assert.ErrorIs(t, err, models.ErrNoQueuedTasks)
}

func TestAssignNextTaskBusyGPURejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.RegisterProvider(ctx, newTestProvider("prov-1", 1)))
	require.NoError(t, s.CreateTask(ctx, models.NewTask("owner", "alpine")))
	require.NoError(t, s.CreateTask(ctx, models.NewTask("owner", "alpine")))

	_, err := s.AssignNextTask(ctx, "prov-1", "gpu-0")
	require.NoError(t, err)

	// The GPU is busy now; a second assignment on it must fail even with
	// tasks still queued.
	_, err = s.AssignNextTask(ctx, "prov-1", "gpu-0")
	assert.ErrorIs(t, err, models.ErrNoIdleGPU)
}

func TestAssignNextTaskConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.RegisterProvider(ctx, newTestProvider("prov-1", 8)))
	task := models.NewTask("owner", "alpine")
	require.NoError(t, s.CreateTask(ctx, task))

	// Eight concurrent polls race for one queued task; exactly one wins.
	var wg sync.WaitGroup
	assigned := make(chan *models.Task, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(gpuID string) {
			defer wg.Done()
			if got, err := s.AssignNextTask(ctx, "prov-1", gpuID); err == nil {
				assigned <- got
			}
		}("gpu-" + string(rune('0'+i)))
	}
	wg.Wait()
	close(assigned)

	var winners []*models.Task
	for got := range assigned {
		winners = append(winners, got)
	}
	require.Len(t, winners, 1)
	assert.Equal(t, task.ID, winners[0].ID)

	// Exactly one GPU ended up busy.
	provider, err := s.GetProvider(ctx, "prov-1")
	require.NoError(t, err)
	busy := 0
	for _, g := range provider.GPUs {
		if g.Status == models.GPUBusy {
			busy++
		}
	}
	assert.Equal(t, 1, busy)
}

func TestApplyTaskReportTerminalIsImmutable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.RegisterProvider(ctx, newTestProvider("prov-1", 1)))
	task := models.NewTask("owner", "alpine")
	require.NoError(t, s.CreateTask(ctx, task))
	_, err := s.AssignNextTask(ctx, "prov-1", "gpu-0")
	require.NoError(t, err)

	resultRef := "https://example.invalid/result.zip"
	done, becameTerminal, err := s.ApplyTaskReport(ctx, task.ID, &models.StatusReport{
		Status:    models.TaskCompleted,
		ResultRef: &resultRef,
	})
	require.NoError(t, err)
	assert.True(t, becameTerminal)
	assert.Equal(t, models.TaskCompleted, done.Status)
	assert.Equal(t, resultRef, done.ResultRef)
	require.NotNil(t, done.EndedAt)

	// A late FAILED report must not flip the status, but its log fields
	// are still applied.
	stderr := "late diagnostics"
	late, becameTerminal, err := s.ApplyTaskReport(ctx, task.ID, &models.StatusReport{
		Status: models.TaskFailed,
		Stderr: &stderr,
	})
	require.NoError(t, err)
	assert.False(t, becameTerminal)
	assert.Equal(t, models.TaskCompleted, late.Status)
	assert.Equal(t, stderr, late.Stderr)
	assert.Equal(t, done.EndedAt.Unix(), late.EndedAt.Unix())
}

func TestApplyTaskReportRejectsProgressOnQueuedTask(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	task := models.NewTask("owner", "alpine")
	require.NoError(t, s.CreateTask(ctx, task))

	// A queued task has no assignment; progress reports against it would
	// pull it out of the queue with no provider bound.
	for _, status := range []models.TaskStatus{models.TaskDownloading, models.TaskRunning, models.TaskUploading} {
		_, _, err := s.ApplyTaskReport(ctx, task.ID, &models.StatusReport{Status: status})
		assert.ErrorIs(t, err, models.ErrInvalidStatus, string(status))
	}

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, got.Status)
	assert.Empty(t, got.AssignedProvider)

	// Terminal reports remain valid on a queued task.
	done, becameTerminal, err := s.ApplyTaskReport(ctx, task.ID, &models.StatusReport{Status: models.TaskFailed})
	require.NoError(t, err)
	assert.True(t, becameTerminal)
	assert.Equal(t, models.TaskFailed, done.Status)
}

func TestApplyTaskReportUnknownTask(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, _, err := s.ApplyTaskReport(ctx, models.NewTask("owner", "alpine").ID, &models.StatusReport{
		Status: models.TaskRunning,
	})
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
}

func TestSetGPUStatusIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.RegisterProvider(ctx, newTestProvider("prov-1", 1)))

	require.NoError(t, s.SetGPUStatus(ctx, "prov-1", "gpu-0", models.GPUIdle))
	require.NoError(t, s.SetGPUStatus(ctx, "prov-1", "gpu-0", models.GPUIdle))

	provider, err := s.GetProvider(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, models.GPUIdle, provider.GPUs[0].Status)

	assert.ErrorIs(t, s.SetGPUStatus(ctx, "prov-1", "gpu-9", models.GPUBusy), models.ErrGPUNotFound)
	assert.ErrorIs(t, s.SetGPUStatus(ctx, "nope", "gpu-0", models.GPUBusy), models.ErrProviderNotFound)
}

func TestListStaleRunning(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	stale := models.NewTask("owner", "alpine")
	stale.Status = models.TaskRunning
	stale.AssignedProvider = "prov-1"
	stale.LastUpdate = time.Now().UTC().Add(-20 * time.Minute)
	require.NoError(t, s.CreateTask(ctx, stale))

	fresh := models.NewTask("owner", "alpine")
	fresh.Status = models.TaskDownloading
	fresh.LastUpdate = time.Now().UTC()
	require.NoError(t, s.CreateTask(ctx, fresh))

	queued := models.NewTask("owner", "alpine")
	queued.LastUpdate = time.Now().UTC().Add(-20 * time.Minute)
	require.NoError(t, s.CreateTask(ctx, queued))

	got, err := s.ListStaleRunning(ctx, time.Now().UTC().Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)
}

func TestListSilentProviders(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	silent := newTestProvider("silent", 1)
	silent.LastSeenAt = time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, s.RegisterProvider(ctx, silent))

	chatty := newTestProvider("chatty", 1)
	require.NoError(t, s.RegisterProvider(ctx, chatty))

	alreadyDown := newTestProvider("down", 1)
	alreadyDown.Status = models.ProviderUnreachable
	alreadyDown.LastSeenAt = time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, s.RegisterProvider(ctx, alreadyDown))

	got, err := s.ListSilentProviders(ctx, time.Now().UTC().Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "silent", got[0].ID)
}

func TestTouchProviderReactivates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.RegisterProvider(ctx, newTestProvider("prov-1", 1)))
	require.NoError(t, s.MarkProviderStatus(ctx, "prov-1", models.ProviderUnreachable))

	telemetry := &models.Telemetry{CPUPercent: 42.0, ReportedAt: time.Now().UTC()}
	require.NoError(t, s.TouchProvider(ctx, "prov-1", telemetry))

	got, err := s.GetProvider(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderActive, got.Status)
	require.NotNil(t, got.Telemetry)
	assert.Equal(t, 42.0, got.Telemetry.CPUPercent)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.RegisterProvider(ctx, newTestProvider("prov-1", 1)))

	snapshot, err := s.GetProvider(ctx, "prov-1")
	require.NoError(t, err)
	snapshot.GPUs[0].Status = models.GPUBusy

	fresh, err := s.GetProvider(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, models.GPUIdle, fresh.GPUs[0].Status)
}
