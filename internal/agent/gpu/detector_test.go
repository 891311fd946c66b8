package gpu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridspot/gridspot-backend/internal/models"
)

func TestDetectFallsBackToSyntheticCPUUnit(t *testing.T) {
	d := NewDetector("definitely-not-nvidia-smi", zap.NewNop())

	units := d.Detect(context.Background())
	require.Len(t, units, 1)
	assert.Equal(t, "cpu-0", units[0].ID)
	assert.Equal(t, models.GPUIdle, units[0].Status)
}
