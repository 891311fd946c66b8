package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Wire payloads for the orchestrator API. Fields are enumerated explicitly
// and validated; unknown-shaped input is rejected rather than trusted.

// RegisterRequest is sent by an agent on startup (upsert semantics).
type RegisterRequest struct {
	ProviderID string                 `json:"provider_id"`
	GPUs       []GPU                  `json:"gpus"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func (r *RegisterRequest) Validate() error {
	if r.ProviderID == "" {
		return fmt.Errorf("provider_id is required")
	}
	if len(r.GPUs) == 0 {
		return fmt.Errorf("at least one gpu (or a synthetic cpu unit) is required")
	}
	for i, g := range r.GPUs {
		if g.ID == "" {
			return fmt.Errorf("gpus[%d]: id is required", i)
		}
	}
	return nil
}

// PollRequest is the combined heartbeat-and-poll a provider sends
// periodically: it both reports liveness and requests work.
type PollRequest struct {
	ProviderID string     `json:"provider_id"`
	Telemetry  *Telemetry `json:"telemetry,omitempty"`
}

func (r *PollRequest) Validate() error {
	if r.ProviderID == "" {
		return fmt.Errorf("provider_id is required")
	}
	return nil
}

// DispatchPayload is what a polling provider receives when a task is
// assigned to it. At most one task is returned per poll.
type DispatchPayload struct {
	TaskID    uuid.UUID         `json:"task_id"`
	Image     string            `json:"image"`
	InputRef  string            `json:"input_ref,omitempty"`
	ScriptRef string            `json:"script_ref,omitempty"`
	OutputRef string            `json:"output_ref,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	GPUID     string            `json:"gpu_id"`
}

// PollResponse carries either a dispatch payload or nothing.
type PollResponse struct {
	Task    *DispatchPayload `json:"task"`
	Message string           `json:"message,omitempty"`
}

// DispatchPayloadFromTask builds the dispatch view of an assigned task.
func DispatchPayloadFromTask(t *Task) *DispatchPayload {
	return &DispatchPayload{
		TaskID:    t.ID,
		Image:     t.Image,
		InputRef:  t.InputRef,
		ScriptRef: t.ScriptRef,
		OutputRef: t.OutputRef,
		Env:       t.Env,
		GPUID:     t.AssignedGPU,
	}
}

// SubmitTaskRequest is a consumer's task submission.
type SubmitTaskRequest struct {
	OwnerID   string            `json:"owner_id"`
	Image     string            `json:"image"`
	InputRef  string            `json:"input_ref,omitempty"`
	ScriptRef string            `json:"script_ref,omitempty"`
	OutputRef string            `json:"output_ref,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

func (r *SubmitTaskRequest) Validate() error {
	if r.Image == "" {
		return fmt.Errorf("image is required: %w", ErrInvalidTaskData)
	}
	return nil
}

// StatusReport is sent by the executing agent as a task moves through the
// pipeline. Only the pointer fields present in the report are applied.
type StatusReport struct {
	Status    TaskStatus `json:"status"`
	Stdout    *string    `json:"stdout,omitempty"`
	Stderr    *string    `json:"stderr,omitempty"`
	Error     *string    `json:"error,omitempty"`
	ResultRef *string    `json:"result_ref,omitempty"`
}

func (r *StatusReport) Validate() error {
	if !r.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, r.Status)
	}
	// QUEUED and CANCELLED are orchestrator-owned; agents never report them.
	if r.Status == TaskQueued || r.Status == TaskCancelled {
		return fmt.Errorf("%w: %s is not reportable by an agent", ErrInvalidStatus, r.Status)
	}
	return nil
}

// TaskEvent is published to the event stream on every accepted transition.
type TaskEvent struct {
	TaskID     uuid.UUID  `json:"task_id"`
	Status     TaskStatus `json:"status"`
	ProviderID string     `json:"provider_id,omitempty"`
	GPUID      string     `json:"gpu_id,omitempty"`
	Error      string     `json:"error,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}
