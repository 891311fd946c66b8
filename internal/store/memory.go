package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridspot/gridspot-backend/internal/models"
)

// MemoryStore is an in-memory Store guarded by a single mutex. One lock
// covering providers and tasks is what makes AssignNextTask atomic here;
// the Postgres store gets the same guarantee from transactions.
type MemoryStore struct {
	mu        sync.RWMutex
	providers map[string]*models.Provider
	tasks     map[uuid.UUID]*models.Task
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers: make(map[string]*models.Provider),
		tasks:     make(map[uuid.UUID]*models.Task),
	}
}

func (s *MemoryStore) Initialize(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) RegisterProvider(ctx context.Context, provider *models.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.providers[provider.ID]; ok {
		// Upsert keeps the original registration time.
		provider.RegisteredAt = existing.RegisteredAt
	}
	s.providers[provider.ID] = cloneProvider(provider)
	return nil
}

func (s *MemoryStore) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	provider, ok := s.providers[id]
	if !ok {
		return nil, models.ErrProviderNotFound
	}
	return cloneProvider(provider), nil
}

func (s *MemoryStore) ListProviders(ctx context.Context) ([]*models.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, cloneProvider(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) TouchProvider(ctx context.Context, id string, telemetry *models.Telemetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	provider, ok := s.providers[id]
	if !ok {
		return models.ErrProviderNotFound
	}
	provider.Heartbeat(telemetry)
	return nil
}

func (s *MemoryStore) MarkProviderStatus(ctx context.Context, id string, status models.ProviderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	provider, ok := s.providers[id]
	if !ok {
		return models.ErrProviderNotFound
	}
	provider.Status = status
	return nil
}

func (s *MemoryStore) SetGPUStatus(ctx context.Context, providerID, gpuID string, status models.GPUStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setGPUStatusLocked(s.providers, providerID, gpuID, status)
}

func setGPUStatusLocked(providers map[string]*models.Provider, providerID, gpuID string, status models.GPUStatus) error {
	provider, ok := providers[providerID]
	if !ok {
		return models.ErrProviderNotFound
	}
	for i := range provider.GPUs {
		if provider.GPUs[i].ID == gpuID {
			provider.GPUs[i].Status = status // idempotent by construction
			return nil
		}
	}
	return models.ErrGPUNotFound
}

func (s *MemoryStore) CreateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	return cloneTask(task), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Task
	for _, t := range s.tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out, nil
}

func (s *MemoryStore) AssignNextTask(ctx context.Context, providerID, gpuID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	provider, ok := s.providers[providerID]
	if !ok {
		return nil, models.ErrProviderNotFound
	}

	// Re-check the GPU under the lock; the caller's earlier idle scan may
	// have raced with another poll from the same provider.
	var gpu *models.GPU
	for i := range provider.GPUs {
		if provider.GPUs[i].ID == gpuID {
			gpu = &provider.GPUs[i]
			break
		}
	}
	if gpu == nil {
		return nil, models.ErrGPUNotFound
	}
	if gpu.Status != models.GPUIdle {
		return nil, models.ErrNoIdleGPU
	}

	// Strict FIFO: oldest submission wins, ties broken by ID for a stable
	// total order.
	var next *models.Task
	for _, t := range s.tasks {
		if t.Status != models.TaskQueued {
			continue
		}
		if next == nil ||
			t.SubmittedAt.Before(next.SubmittedAt) ||
			(t.SubmittedAt.Equal(next.SubmittedAt) && t.ID.String() < next.ID.String()) {
			next = t
		}
	}
	if next == nil {
		return nil, models.ErrNoQueuedTasks
	}

	next.Assign(providerID, gpuID)
	gpu.Status = models.GPUBusy
	return cloneTask(next), nil
}

func (s *MemoryStore) ApplyTaskReport(ctx context.Context, id uuid.UUID, report *models.StatusReport) (*models.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, false, models.ErrTaskNotFound
	}
	becameTerminal, err := applyReport(task, report)
	if err != nil {
		return nil, false, err
	}
	return cloneTask(task), becameTerminal, nil
}

func (s *MemoryStore) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Task
	for _, t := range s.tasks {
		if t.Status.IsRunningFamily() && t.LastUpdate.Before(cutoff) {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListSilentProviders(ctx context.Context, cutoff time.Time) ([]*models.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Provider
	for _, p := range s.providers {
		if p.Status == models.ProviderActive && p.LastSeenAt.Before(cutoff) {
			out = append(out, cloneProvider(p))
		}
	}
	return out, nil
}

// Callers always get snapshots; internal state is only reachable under the
// store's own lock.

func cloneProvider(p *models.Provider) *models.Provider {
	cp := *p
	cp.GPUs = append([]models.GPU(nil), p.GPUs...)
	if p.Telemetry != nil {
		t := *p.Telemetry
		cp.Telemetry = &t
	}
	if p.Metadata != nil {
		md := make(map[string]interface{}, len(p.Metadata))
		for k, v := range p.Metadata {
			md[k] = v
		}
		cp.Metadata = md
	}
	return &cp
}

func cloneTask(t *models.Task) *models.Task {
	ct := *t
	if t.Env != nil {
		env := make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			env[k] = v
		}
		ct.Env = env
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		ct.StartedAt = &ts
	}
	if t.EndedAt != nil {
		ts := *t.EndedAt
		ct.EndedAt = &ts
	}
	return &ct
}
