package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gridspot/gridspot-backend/internal/events"
	"github.com/gridspot/gridspot-backend/internal/metering"
	"github.com/gridspot/gridspot-backend/internal/models"
	"github.com/gridspot/gridspot-backend/internal/registry"
	"github.com/gridspot/gridspot-backend/internal/store"
)

// Manager owns the task state machine. It is invoked by the handlers on
// agent status reports and by the sweeper on stale reclamation; both paths
// funnel through Report, so terminal-state immutability and exactly-once
// GPU release are enforced in one place.
type Manager struct {
	store     store.Store
	registry  *registry.Service
	meter     *metering.Meter
	publisher *events.Publisher
	logger    *zap.Logger
}

// NewManager creates a lifecycle manager. meter and publisher may be nil.
func NewManager(st store.Store, reg *registry.Service, meter *metering.Meter, publisher *events.Publisher, logger *zap.Logger) *Manager {
	return &Manager{
		store:     st,
		registry:  reg,
		meter:     meter,
		publisher: publisher,
		logger:    logger.Named("lifecycle"),
	}
}

// Report applies an agent status report to a task. Terminal states are
// final: later reports are accepted for their log fields but the status
// does not change. The single report that moves the task into a terminal
// state also releases the assigned GPU and records usage.
func (m *Manager) Report(ctx context.Context, taskID uuid.UUID, report *models.StatusReport) (*models.Task, error) {
	if err := report.Validate(); err != nil {
		return nil, err
	}

	task, becameTerminal, err := m.store.ApplyTaskReport(ctx, taskID, report)
	if err != nil {
		return nil, err
	}

	m.logger.Info("Task status report applied",
		zap.String("task_id", taskID.String()),
		zap.String("reported", string(report.Status)),
		zap.String("status", string(task.Status)),
		zap.Bool("terminal_transition", becameTerminal),
	)

	if becameTerminal {
		m.releaseGPU(ctx, task)
		if m.meter != nil && task.AssignedProvider != "" {
			m.meter.RecordTerminal(task)
		}
	}

	m.publisher.PublishTaskEvent(&models.TaskEvent{
		TaskID:     task.ID,
		Status:     task.Status,
		ProviderID: task.AssignedProvider,
		GPUID:      task.AssignedGPU,
		Error:      task.Error,
		OccurredAt: time.Now().UTC(),
	})
	return task, nil
}

// FailStale transitions a stale running task to FAILED with a heartbeat
// lost error. The store's conditional report application means a task that
// reported a terminal state a moment earlier is left untouched.
func (m *Manager) FailStale(ctx context.Context, taskID uuid.UUID) error {
	msg := "heartbeat lost: no progress report from assigned provider"
	_, err := m.Report(ctx, taskID, &models.StatusReport{
		Status: models.TaskFailed,
		Error:  &msg,
	})
	if err != nil {
		return fmt.Errorf("failing stale task %s: %w", taskID, err)
	}
	return nil
}

// releaseGPU returns the task's GPU to the idle pool. MarkGPU is idempotent
// per (provider, gpu); releaseGPU is only ever reached once per task because
// the store reports the terminal transition exactly once.
func (m *Manager) releaseGPU(ctx context.Context, task *models.Task) {
	if task.AssignedProvider == "" || task.AssignedGPU == "" {
		return // failed before any GPU was bound
	}
	err := m.registry.MarkGPU(ctx, task.AssignedProvider, task.AssignedGPU, models.GPUIdle)
	if err != nil {
		// The provider may have deregistered; re-registration resets its
		// GPUs to idle anyway.
		m.logger.Warn("Failed to release GPU on terminal task",
			zap.String("task_id", task.ID.String()),
			zap.String("provider_id", task.AssignedProvider),
			zap.String("gpu_id", task.AssignedGPU),
			zap.Error(err),
		)
		return
	}
	m.logger.Info("GPU released",
		zap.String("task_id", task.ID.String()),
		zap.String("provider_id", task.AssignedProvider),
		zap.String("gpu_id", task.AssignedGPU),
	)
}
