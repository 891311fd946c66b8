package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a submitted task.
// DOWNLOADING and UPLOADING are pipeline sub-states reported by the agent;
// for matching purposes they count as the coarse RUNNING state.
type TaskStatus string

const (
	TaskQueued      TaskStatus = "QUEUED"
	TaskRunning     TaskStatus = "RUNNING"
	TaskDownloading TaskStatus = "DOWNLOADING"
	TaskUploading   TaskStatus = "UPLOADING"
	TaskCompleted   TaskStatus = "COMPLETED"
	TaskFailed      TaskStatus = "FAILED"
	TaskCancelled   TaskStatus = "CANCELLED"
)

// IsTerminal reports whether the status is final. Terminal tasks are
// immutable except for log-only report fields.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// IsRunningFamily reports whether the status maps to the coarse RUNNING
// state (an assigned, non-terminal task).
func (s TaskStatus) IsRunningFamily() bool {
	return s == TaskRunning || s == TaskDownloading || s == TaskUploading
}

// IsValid reports whether s is one of the known task states. Status
// reports carrying anything else are rejected rather than trusted.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskQueued, TaskRunning, TaskDownloading, TaskUploading,
		TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Task is one unit of submitted containerized work.
type Task struct {
	ID      uuid.UUID  `json:"id"`
	OwnerID string     `json:"owner_id"`
	Status  TaskStatus `json:"status"`

	Image     string            `json:"image"`
	InputRef  string            `json:"input_ref,omitempty"`  // blob store key for input archive
	ScriptRef string            `json:"script_ref,omitempty"` // blob store key for entry script
	OutputRef string            `json:"output_ref,omitempty"` // blob store prefix for artifacts
	Env       map[string]string `json:"env,omitempty"`

	// Set exactly once by the matcher; never reassigned while non-terminal.
	AssignedProvider string `json:"assigned_provider,omitempty"`
	AssignedGPU      string `json:"assigned_gpu,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	LastUpdate  time.Time  `json:"last_update"`

	// Execution feedback, populated only by agent reports.
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	Error     string `json:"error,omitempty"`
	ResultRef string `json:"result_ref,omitempty"` // presigned artifact link
}

// NewTask creates a QUEUED task with a generated ID and submission timestamps.
func NewTask(ownerID, image string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Status:      TaskQueued,
		Image:       image,
		SubmittedAt: now,
		LastUpdate:  now,
	}
}

// Assign binds the task to a (provider, gpu) pair and moves it to RUNNING.
// Callers must hold the conditional "still QUEUED" guarantee; see the store.
func (t *Task) Assign(providerID, gpuID string) {
	now := time.Now().UTC()
	t.AssignedProvider = providerID
	t.AssignedGPU = gpuID
	t.Status = TaskRunning
	t.StartedAt = &now
	t.LastUpdate = now
}
