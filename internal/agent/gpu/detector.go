package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/gridspot/gridspot-backend/internal/models"
)

// Detector discovers the compute units this host can offer.
type Detector struct {
	nvidiaSmiPath string
	logger        *zap.Logger
}

// NewDetector creates a GPU detector using the given nvidia-smi binary path.
func NewDetector(nvidiaSmiPath string, logger *zap.Logger) *Detector {
	return &Detector{
		nvidiaSmiPath: nvidiaSmiPath,
		logger:        logger,
	}
}

// Detect returns the allocatable compute units on this host. Hosts with
// NVIDIA GPUs report one unit per device; hosts without any usable GPU
// report a single synthetic CPU unit so they can still take work.
func (d *Detector) Detect(ctx context.Context) []models.GPU {
	gpus, err := d.detectNVIDIA(ctx)
	if err != nil {
		d.logger.Info("No NVIDIA GPUs detected, registering a synthetic CPU unit", zap.Error(err))
		return []models.GPU{{ID: "cpu-0", Name: "cpu", Status: models.GPUIdle}}
	}
	if len(gpus) == 0 {
		d.logger.Info("nvidia-smi reported zero GPUs, registering a synthetic CPU unit")
		return []models.GPU{{ID: "cpu-0", Name: "cpu", Status: models.GPUIdle}}
	}
	d.logger.Info("GPU detection completed", zap.Int("gpu_count", len(gpus)))
	return gpus
}

// detectNVIDIA queries nvidia-smi for the installed devices.
func (d *Detector) detectNVIDIA(ctx context.Context) ([]models.GPU, error) {
	path := d.nvidiaSmiPath
	if path == "" {
		path = "nvidia-smi"
	}
	if _, err := exec.LookPath(path); err != nil {
		return nil, fmt.Errorf("nvidia-smi not found: %w", err)
	}

	cmd := exec.CommandContext(ctx, path,
		"--query-gpu=index,name,uuid",
		"--format=csv,noheader,nounits")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi failed: %w", err)
	}

	var gpus []models.GPU
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			d.logger.Warn("Skipping malformed nvidia-smi line", zap.String("line", line))
			continue
		}
		index := strings.TrimSpace(fields[0])
		name := strings.TrimSpace(fields[1])
		gpus = append(gpus, models.GPU{
			ID:     "gpu-" + index,
			Name:   name,
			Status: models.GPUIdle,
		})
	}
	return gpus, nil
}
