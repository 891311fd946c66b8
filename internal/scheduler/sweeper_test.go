package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridspot/gridspot-backend/internal/lifecycle"
	"github.com/gridspot/gridspot-backend/internal/models"
	"github.com/gridspot/gridspot-backend/internal/registry"
	"github.com/gridspot/gridspot-backend/internal/store"
)

func newSweeperFixture(t *testing.T) (*store.MemoryStore, *registry.Service, *Sweeper) {
	t.Helper()
	logger := zap.NewNop()
	st := store.NewMemoryStore()
	reg := registry.NewService(st, logger)
	lm := lifecycle.NewManager(st, reg, nil, nil, logger)
	sw := NewSweeper(st, lm, time.Minute, 10*time.Minute, 5*time.Minute, logger)
	return st, reg, sw
}

// backdate rewrites a task's last_update so it looks abandoned. Tests reach
// through the report path first so the task carries a real assignment.
func assignAndBackdate(t *testing.T, st *store.MemoryStore, minutes int) *models.Task {
	t.Helper()
	ctx := context.Background()

	task := models.NewTask("owner", "alpine")
	task.Status = models.TaskRunning
	task.AssignedProvider = "prov-1"
	task.AssignedGPU = "gpu-0"
	started := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute)
	task.StartedAt = &started
	task.LastUpdate = started
	require.NoError(t, st.CreateTask(ctx, task))
	return task
}

func TestSweepOnceReclaimsStaleTask(t *testing.T) {
	ctx := context.Background()
	st, reg, sw := newSweeperFixture(t)
	registerProvider(t, reg, "prov-1", 1)
	require.NoError(t, st.SetGPUStatus(ctx, "prov-1", "gpu-0", models.GPUBusy))
	task := assignAndBackdate(t, st, 30)

	sw.SweepOnce(ctx)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Contains(t, got.Error, "heartbeat lost")
	require.NotNil(t, got.EndedAt)

	// Reclamation releases the orphaned GPU back to the pool.
	provider, err := st.GetProvider(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, models.GPUIdle, provider.GPUs[0].Status)
}

func TestSweepOnceLeavesFreshTasksAlone(t *testing.T) {
	ctx := context.Background()
	st, reg, sw := newSweeperFixture(t)
	registerProvider(t, reg, "prov-1", 1)
	task := assignAndBackdate(t, st, 1)

	sw.SweepOnce(ctx)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, got.Status)
}

func TestSweepOnceLeavesTerminalTasksAlone(t *testing.T) {
	ctx := context.Background()
	st, reg, sw := newSweeperFixture(t)
	registerProvider(t, reg, "prov-1", 1)

	task := models.NewTask("owner", "alpine")
	task.Status = models.TaskCompleted
	task.LastUpdate = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.CreateTask(ctx, task))

	sw.SweepOnce(ctx)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)
}

func TestSweepOnceMarksSilentProviderUnreachable(t *testing.T) {
	ctx := context.Background()
	st, _, sw := newSweeperFixture(t)

	silent := models.NewProvider("silent", []models.GPU{{ID: "gpu-0"}}, nil)
	silent.LastSeenAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.RegisterProvider(ctx, silent))

	chatty := models.NewProvider("chatty", []models.GPU{{ID: "gpu-0"}}, nil)
	require.NoError(t, st.RegisterProvider(ctx, chatty))

	sw.SweepOnce(ctx)

	got, err := st.GetProvider(ctx, "silent")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderUnreachable, got.Status)

	got, err = st.GetProvider(ctx, "chatty")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderActive, got.Status)
}

func TestUnreachableProviderGetsNoWork(t *testing.T) {
	ctx := context.Background()
	st, reg, sw := newSweeperFixture(t)
	logger := zap.NewNop()
	m := NewMatcher(st, reg, nil, logger)

	silent := models.NewProvider("silent", []models.GPU{{ID: "gpu-0"}}, nil)
	silent.LastSeenAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.RegisterProvider(ctx, silent))
	require.NoError(t, st.CreateTask(ctx, models.NewTask("owner", "alpine")))

	sw.SweepOnce(ctx)

	// FindIdleGPU skips unreachable providers, so a direct lookup on the
	// registry yields nothing even though a task is queued.
	_, err := reg.FindIdleGPU(ctx, "silent")
	assert.ErrorIs(t, err, models.ErrNoIdleGPU)

	// A real poll reactivates the provider and work flows again.
	payload, err := m.HandlePoll(ctx, &models.PollRequest{ProviderID: "silent"})
	require.NoError(t, err)
	assert.NotNil(t, payload)
}

func TestJitterUpToHandlesTinyIntervals(t *testing.T) {
	assert.Zero(t, jitterUpTo(0))
	assert.Zero(t, jitterUpTo(-time.Second))

	for i := 0; i < 100; i++ {
		got := jitterUpTo(5 * time.Millisecond)
		assert.GreaterOrEqual(t, got, time.Duration(0))
		assert.Less(t, got, 5*time.Millisecond)
	}
}
