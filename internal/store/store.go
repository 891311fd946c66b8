package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gridspot/gridspot-backend/internal/models"
)

// Store is the persistence boundary for providers and tasks. One interface
// covers both because the assignment step must bind a queued task and a
// provider GPU in a single atomic unit; splitting the entities across two
// stores would reopen the double-assignment race.
type Store interface {
	// Initialize sets up any necessary structures or connections.
	Initialize(ctx context.Context) error

	// RegisterProvider upserts a provider. The GPU list and metadata are
	// replaced wholesale and every GPU is reset to idle.
	RegisterProvider(ctx context.Context, provider *models.Provider) error

	// GetProvider retrieves a provider snapshot by ID.
	GetProvider(ctx context.Context, id string) (*models.Provider, error)

	// ListProviders retrieves all providers.
	ListProviders(ctx context.Context) ([]*models.Provider, error)

	// TouchProvider refreshes last_seen and stores the telemetry snapshot.
	// It never alters GPU busy/idle flags.
	TouchProvider(ctx context.Context, id string, telemetry *models.Telemetry) error

	// MarkProviderStatus sets a provider's active/unreachable flag.
	MarkProviderStatus(ctx context.Context, id string, status models.ProviderStatus) error

	// SetGPUStatus flips exactly one GPU's busy/idle flag. Safe to call
	// twice with the same target status.
	SetGPUStatus(ctx context.Context, providerID, gpuID string, status models.GPUStatus) error

	// CreateTask stores a newly submitted task.
	CreateTask(ctx context.Context, task *models.Task) error

	// GetTask retrieves a task snapshot by ID.
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)

	// ListTasks retrieves tasks, optionally filtered by status
	// (empty status means all), newest submission first.
	ListTasks(ctx context.Context, status models.TaskStatus) ([]*models.Task, error)

	// AssignNextTask atomically binds the oldest queued task (by
	// submitted_at, ties broken by ID) to the given (provider, gpu) pair:
	// the task moves to RUNNING with assignment and started_at recorded,
	// and the GPU is marked busy, in one commit. The GPU's idleness is
	// re-checked inside the critical section so a concurrent poll cannot
	// double-book it. Returns ErrNoQueuedTasks when the queue is empty and
	// ErrNoIdleGPU when the GPU was taken in the meantime.
	AssignNextTask(ctx context.Context, providerID, gpuID string) (*models.Task, error)

	// ApplyTaskReport applies an agent status report. Progress reports on a
	// still-queued task return ErrInvalidStatus. Terminal tasks accept
	// log fields but never change status again; becameTerminal is true only
	// for the single report that moved the task into a terminal state, which
	// is the caller's exactly-once trigger for releasing the GPU.
	ApplyTaskReport(ctx context.Context, id uuid.UUID, report *models.StatusReport) (task *models.Task, becameTerminal bool, err error)

	// ListStaleRunning returns assigned, non-terminal tasks whose
	// last_update is older than the cutoff.
	ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*models.Task, error)

	// ListSilentProviders returns active providers not seen since the cutoff.
	ListSilentProviders(ctx context.Context, cutoff time.Time) ([]*models.Provider, error)

	// Close cleans up any resources used by the store.
	Close() error
}

// applyReport mutates a task in place according to a validated report and
// reports whether this call performed the terminal transition. Both store
// implementations funnel through here so the state machine lives in one
// place.
func applyReport(t *models.Task, report *models.StatusReport) (becameTerminal bool, err error) {
	// A queued task has no assignment, so nothing can legitimately report
	// progress on it. Terminal reports (operator cancel, sweep) are allowed.
	if t.Status == models.TaskQueued && !report.Status.IsTerminal() {
		return false, fmt.Errorf("%w: cannot report %s on a queued task", models.ErrInvalidStatus, report.Status)
	}

	now := time.Now().UTC()
	t.LastUpdate = now

	// Log fields are accepted even after a terminal state, for late output.
	if report.Stdout != nil {
		t.Stdout = *report.Stdout
	}
	if report.Stderr != nil {
		t.Stderr = *report.Stderr
	}
	if report.Error != nil {
		t.Error = *report.Error
	}
	if report.ResultRef != nil {
		t.ResultRef = *report.ResultRef
	}

	if t.Status.IsTerminal() {
		return false, nil
	}

	t.Status = report.Status
	if report.Status.IsTerminal() {
		t.EndedAt = &now
		return true, nil
	}
	return false, nil
}
