package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gridspot/gridspot-backend/internal/events"
	"github.com/gridspot/gridspot-backend/internal/models"
	"github.com/gridspot/gridspot-backend/internal/registry"
	"github.com/gridspot/gridspot-backend/internal/store"
)

// Matcher runs the allocation algorithm synchronously inside each provider
// poll: refresh liveness, find an idle GPU on the polling provider, bind
// the oldest queued task to it, and hand back the dispatch payload. At most
// one task is returned per poll.
type Matcher struct {
	store     store.Store
	registry  *registry.Service
	publisher *events.Publisher
	logger    *zap.Logger
}

// NewMatcher creates a matcher. publisher may be nil.
func NewMatcher(st store.Store, reg *registry.Service, publisher *events.Publisher, logger *zap.Logger) *Matcher {
	return &Matcher{
		store:     st,
		registry:  reg,
		publisher: publisher,
		logger:    logger.Named("matcher"),
	}
}

// HandlePoll processes one combined heartbeat-and-poll request. A nil
// payload with a nil error means "heartbeat accepted, no work".
func (m *Matcher) HandlePoll(ctx context.Context, req *models.PollRequest) (*models.DispatchPayload, error) {
	// 1. Liveness first: even a poll that yields no work proves the
	// provider is alive.
	if err := m.registry.Heartbeat(ctx, req.ProviderID, req.Telemetry); err != nil {
		return nil, err
	}

	// 2. A provider with no idle GPU never receives work, even if tasks
	// are queued.
	gpu, err := m.registry.FindIdleGPU(ctx, req.ProviderID)
	if err != nil {
		if errors.Is(err, models.ErrNoIdleGPU) {
			return nil, nil
		}
		return nil, err
	}

	// 3+4. Oldest queued task, bound atomically to (provider, gpu). The
	// store re-checks the GPU inside its critical section, so a concurrent
	// poll cannot double-book either the task or the GPU.
	task, err := m.store.AssignNextTask(ctx, req.ProviderID, gpu.ID)
	if err != nil {
		if errors.Is(err, models.ErrNoQueuedTasks) || errors.Is(err, models.ErrNoIdleGPU) {
			return nil, nil
		}
		return nil, fmt.Errorf("assigning task to provider %s: %w", req.ProviderID, err)
	}

	m.logger.Info("Task assigned",
		zap.String("task_id", task.ID.String()),
		zap.String("provider_id", req.ProviderID),
		zap.String("gpu_id", gpu.ID),
	)
	m.publisher.PublishTaskEvent(&models.TaskEvent{
		TaskID:     task.ID,
		Status:     task.Status,
		ProviderID: req.ProviderID,
		GPUID:      gpu.ID,
		OccurredAt: time.Now().UTC(),
	})

	// 5. Dispatch payload for the polling provider.
	return models.DispatchPayloadFromTask(task), nil
}
