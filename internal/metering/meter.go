package metering

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gridspot/gridspot-backend/internal/models"
)

// UsageRecord is the accounting entry written when a task reaches a
// terminal state. No settlement happens here; this is the raw material a
// billing system would consume.
type UsageRecord struct {
	TaskID     uuid.UUID         `json:"task_id"`
	OwnerID    string            `json:"owner_id"`
	ProviderID string            `json:"provider_id"`
	GPUID      string            `json:"gpu_id"`
	Status     models.TaskStatus `json:"status"`
	Seconds    int64             `json:"seconds"`
	Cost       decimal.Decimal   `json:"cost"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// Meter accumulates GPU-seconds and cost per terminal task.
type Meter struct {
	mu         sync.Mutex
	hourlyRate decimal.Decimal
	records    []UsageRecord
	logger     *zap.Logger
}

// NewMeter creates a meter with the given flat hourly rate.
func NewMeter(hourlyRate decimal.Decimal, logger *zap.Logger) *Meter {
	return &Meter{
		hourlyRate: hourlyRate,
		logger:     logger.Named("metering"),
	}
}

// RecordTerminal computes and stores the usage entry for a task that just
// reached a terminal state. Tasks that never started cost nothing.
func (m *Meter) RecordTerminal(task *models.Task) UsageRecord {
	var seconds int64
	if task.StartedAt != nil && task.EndedAt != nil {
		seconds = int64(task.EndedAt.Sub(*task.StartedAt).Seconds())
		if seconds < 0 {
			seconds = 0
		}
	}
	cost := m.hourlyRate.
		Mul(decimal.NewFromInt(seconds)).
		Div(decimal.NewFromInt(3600)).
		Round(6)

	rec := UsageRecord{
		TaskID:     task.ID,
		OwnerID:    task.OwnerID,
		ProviderID: task.AssignedProvider,
		GPUID:      task.AssignedGPU,
		Status:     task.Status,
		Seconds:    seconds,
		Cost:       cost,
		RecordedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()

	m.logger.Info("Usage recorded",
		zap.String("task_id", task.ID.String()),
		zap.String("provider_id", task.AssignedProvider),
		zap.Int64("gpu_seconds", seconds),
		zap.String("cost", cost.String()),
	)
	return rec
}

// Records returns a snapshot of all usage entries recorded so far.
func (m *Meter) Records() []UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UsageRecord, len(m.records))
	copy(out, m.records)
	return out
}
