package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridspot/gridspot-backend/internal/models"
	"github.com/gridspot/gridspot-backend/internal/registry"
	"github.com/gridspot/gridspot-backend/internal/store"
)

func newMatcherFixture(t *testing.T) (*store.MemoryStore, *registry.Service, *Matcher) {
	t.Helper()
	logger := zap.NewNop()
	st := store.NewMemoryStore()
	reg := registry.NewService(st, logger)
	return st, reg, NewMatcher(st, reg, nil, logger)
}

func registerProvider(t *testing.T, reg *registry.Service, id string, gpuCount int) {
	t.Helper()
	gpus := make([]models.GPU, gpuCount)
	for i := range gpus {
		gpus[i] = models.GPU{ID: "gpu-" + string(rune('0'+i)), Name: "Test GPU"}
	}
	_, err := reg.Register(context.Background(), &models.RegisterRequest{ProviderID: id, GPUs: gpus})
	require.NoError(t, err)
}

func TestHandlePollAssignsOldestQueuedTask(t *testing.T) {
	ctx := context.Background()
	st, reg, m := newMatcherFixture(t)
	registerProvider(t, reg, "prov-1", 1)

	older := models.NewTask("owner", "alpine")
	older.SubmittedAt = time.Now().UTC().Add(-2 * time.Minute)
	older.Env = map[string]string{"MODE": "test"}
	newer := models.NewTask("owner", "alpine")
	require.NoError(t, st.CreateTask(ctx, newer))
	require.NoError(t, st.CreateTask(ctx, older))

	payload, err := m.HandlePoll(ctx, &models.PollRequest{ProviderID: "prov-1"})
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, older.ID, payload.TaskID)
	assert.Equal(t, "alpine", payload.Image)
	assert.Equal(t, "gpu-0", payload.GPUID)
	assert.Equal(t, "test", payload.Env["MODE"])
}

func TestHandlePollSecondPollGetsNothing(t *testing.T) {
	ctx := context.Background()
	st, reg, m := newMatcherFixture(t)
	registerProvider(t, reg, "prov-1", 1)
	require.NoError(t, st.CreateTask(ctx, models.NewTask("owner", "alpine")))
	require.NoError(t, st.CreateTask(ctx, models.NewTask("owner", "alpine")))

	first, err := m.HandlePoll(ctx, &models.PollRequest{ProviderID: "prov-1"})
	require.NoError(t, err)
	require.NotNil(t, first)

	// The only GPU is busy; a queued task must not be handed out.
	second, err := m.HandlePoll(ctx, &models.PollRequest{ProviderID: "prov-1"})
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestHandlePollEmptyQueueIsPlainHeartbeat(t *testing.T) {
	ctx := context.Background()
	st, reg, m := newMatcherFixture(t)
	registerProvider(t, reg, "prov-1", 1)

	before, err := st.GetProvider(ctx, "prov-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	payload, err := m.HandlePoll(ctx, &models.PollRequest{
		ProviderID: "prov-1",
		Telemetry:  &models.Telemetry{CPUPercent: 10, ReportedAt: time.Now().UTC()},
	})
	require.NoError(t, err)
	assert.Nil(t, payload)

	after, err := st.GetProvider(ctx, "prov-1")
	require.NoError(t, err)
	assert.True(t, after.LastSeenAt.After(before.LastSeenAt))
	require.NotNil(t, after.Telemetry)
}

func TestHandlePollUnknownProvider(t *testing.T) {
	_, _, m := newMatcherFixture(t)

	_, err := m.HandlePoll(context.Background(), &models.PollRequest{ProviderID: "ghost"})
	assert.ErrorIs(t, err, models.ErrProviderNotFound)
}

func TestHandlePollReactivatesUnreachableProvider(t *testing.T) {
	ctx := context.Background()
	st, reg, m := newMatcherFixture(t)
	registerProvider(t, reg, "prov-1", 1)
	require.NoError(t, st.MarkProviderStatus(ctx, "prov-1", models.ProviderUnreachable))
	require.NoError(t, st.CreateTask(ctx, models.NewTask("owner", "alpine")))

	// The poll itself is proof of liveness, so the provider is active
	// again and eligible for work in the same request.
	payload, err := m.HandlePoll(ctx, &models.PollRequest{ProviderID: "prov-1"})
	require.NoError(t, err)
	require.NotNil(t, payload)

	provider, err := st.GetProvider(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderActive, provider.Status)
}

func TestHandlePollMultiGPUTakesOneTaskPerPoll(t *testing.T) {
	ctx := context.Background()
	st, reg, m := newMatcherFixture(t)
	registerProvider(t, reg, "prov-1", 2)
	require.NoError(t, st.CreateTask(ctx, models.NewTask("owner", "alpine")))
	require.NoError(t, st.CreateTask(ctx, models.NewTask("owner", "alpine")))

	first, err := m.HandlePoll(ctx, &models.PollRequest{ProviderID: "prov-1"})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "gpu-0", first.GPUID)

	second, err := m.HandlePoll(ctx, &models.PollRequest{ProviderID: "prov-1"})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "gpu-1", second.GPUID)
	assert.NotEqual(t, first.TaskID, second.TaskID)

	third, err := m.HandlePoll(ctx, &models.PollRequest{ProviderID: "prov-1"})
	require.NoError(t, err)
	assert.Nil(t, third)
}
