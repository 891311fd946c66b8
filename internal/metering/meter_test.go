package metering

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridspot/gridspot-backend/internal/models"
)

func terminalTask(started, ended time.Time) *models.Task {
	task := models.NewTask("owner", "alpine")
	task.Status = models.TaskCompleted
	task.AssignedProvider = "prov-1"
	task.AssignedGPU = "gpu-0"
	task.StartedAt = &started
	task.EndedAt = &ended
	return task
}

func TestRecordTerminalComputesGPUSecondsCost(t *testing.T) {
	m := NewMeter(decimal.RequireFromString("2.5"), zap.NewNop())

	started := time.Now().UTC().Add(-time.Hour)
	rec := m.RecordTerminal(terminalTask(started, started.Add(time.Hour)))

	assert.Equal(t, int64(3600), rec.Seconds)
	// 3600s at 2.5/hour is exactly 2.5.
	assert.True(t, rec.Cost.Equal(decimal.RequireFromString("2.5")), "cost = %s", rec.Cost)
}

func TestRecordTerminalFractionalHour(t *testing.T) {
	m := NewMeter(decimal.NewFromInt(1), zap.NewNop())

	started := time.Now().UTC()
	rec := m.RecordTerminal(terminalTask(started, started.Add(90*time.Second)))

	assert.Equal(t, int64(90), rec.Seconds)
	assert.True(t, rec.Cost.Equal(decimal.RequireFromString("0.025")), "cost = %s", rec.Cost)
}

func TestRecordTerminalNeverStartedCostsNothing(t *testing.T) {
	m := NewMeter(decimal.NewFromInt(10), zap.NewNop())

	task := models.NewTask("owner", "alpine")
	task.Status = models.TaskFailed
	task.AssignedProvider = "prov-1"
	rec := m.RecordTerminal(task)

	assert.Equal(t, int64(0), rec.Seconds)
	assert.True(t, rec.Cost.IsZero())
}

func TestRecordsReturnsSnapshot(t *testing.T) {
	m := NewMeter(decimal.NewFromInt(1), zap.NewNop())
	started := time.Now().UTC()
	m.RecordTerminal(terminalTask(started, started.Add(time.Minute)))
	m.RecordTerminal(terminalTask(started, started.Add(2*time.Minute)))

	records := m.Records()
	require.Len(t, records, 2)
	records[0].Seconds = 999

	assert.Equal(t, int64(60), m.Records()[0].Seconds)
}
