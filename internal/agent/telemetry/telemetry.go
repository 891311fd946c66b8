package telemetry

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/gridspot/gridspot-backend/internal/models"
)

// Snapshot samples the host's CPU and memory usage for a heartbeat.
// Sampling failures are logged and leave the affected field at zero;
// a heartbeat without telemetry is still a valid heartbeat.
func Snapshot(logger *zap.Logger) *models.Telemetry {
	t := &models.Telemetry{ReportedAt: time.Now().UTC()}

	// Instantaneous reading; a sampling window would block the poll loop.
	if percents, err := cpu.Percent(0, false); err != nil {
		logger.Debug("Failed to sample CPU usage", zap.Error(err))
	} else if len(percents) > 0 {
		t.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		logger.Debug("Failed to sample memory usage", zap.Error(err))
	} else {
		t.MemPercent = vm.UsedPercent
	}

	return t
}
