package registry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/gridspot/gridspot-backend/internal/models"
	"github.com/gridspot/gridspot-backend/internal/store"
)

// Service owns provider identity, GPU inventory and liveness. GPU busy/idle
// flags are mutated by exactly two actors: the matcher on assignment and
// the lifecycle manager on terminal release.
type Service struct {
	store  store.Store
	logger *zap.Logger
}

// NewService creates a registry service over the given store.
func NewService(st store.Store, logger *zap.Logger) *Service {
	return &Service{
		store:  st,
		logger: logger.Named("registry"),
	}
}

// Register upserts a provider with all GPUs reset to idle. A restarting
// provider never resumes a busy flag; its orphaned tasks are caught by the
// stale-task sweep.
func (s *Service) Register(ctx context.Context, req *models.RegisterRequest) (*models.Provider, error) {
	provider := models.NewProvider(req.ProviderID, req.GPUs, req.Metadata)
	if err := s.store.RegisterProvider(ctx, provider); err != nil {
		return nil, fmt.Errorf("registering provider %s: %w", req.ProviderID, err)
	}
	s.logger.Info("Provider registered",
		zap.String("provider_id", provider.ID),
		zap.Int("gpu_count", len(provider.GPUs)),
	)
	return provider, nil
}

// Heartbeat refreshes liveness and stores the telemetry snapshot. Unknown
// providers are rejected so they re-register before receiving work.
func (s *Service) Heartbeat(ctx context.Context, providerID string, telemetry *models.Telemetry) error {
	return s.store.TouchProvider(ctx, providerID, telemetry)
}

// FindIdleGPU returns the provider's first idle GPU in registration order.
// Unreachable providers are excluded from matching until their next
// successful heartbeat flips them back to active.
func (s *Service) FindIdleGPU(ctx context.Context, providerID string) (*models.GPU, error) {
	provider, err := s.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if provider.Status != models.ProviderActive {
		return nil, models.ErrNoIdleGPU
	}
	gpu := provider.FindIdleGPU()
	if gpu == nil {
		return nil, models.ErrNoIdleGPU
	}
	return gpu, nil
}

// MarkGPU flips one GPU's busy/idle flag. Idempotent per (provider, gpu).
func (s *Service) MarkGPU(ctx context.Context, providerID, gpuID string, status models.GPUStatus) error {
	if err := s.store.SetGPUStatus(ctx, providerID, gpuID, status); err != nil {
		return err
	}
	s.logger.Debug("GPU status updated",
		zap.String("provider_id", providerID),
		zap.String("gpu_id", gpuID),
		zap.String("status", string(status)),
	)
	return nil
}

// List returns all registered providers.
func (s *Service) List(ctx context.Context) ([]*models.Provider, error) {
	return s.store.ListProviders(ctx)
}
