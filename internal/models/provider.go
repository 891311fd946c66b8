package models

import (
	"time"
)

// ProviderStatus represents the possible states of a registered provider.
type ProviderStatus string

const (
	ProviderActive      ProviderStatus = "active"
	ProviderUnreachable ProviderStatus = "unreachable"
)

// GPUStatus is the busy/idle flag of a single compute unit.
// The pairing (provider, gpu_id) is the true unit of allocation.
type GPUStatus string

const (
	GPUIdle GPUStatus = "idle"
	GPUBusy GPUStatus = "busy"
)

// GPU describes one allocatable compute unit on a provider. CPU-only
// providers register a single synthetic unit (e.g. "cpu-0").
type GPU struct {
	ID     string    `json:"id" yaml:"id"`
	Name   string    `json:"name" yaml:"name"`
	Status GPUStatus `json:"status" yaml:"status"`
}

// Telemetry is the most recent host snapshot sent with a heartbeat.
// It is stored for observability and never influences matching.
type Telemetry struct {
	CPUPercent float64            `json:"cpu_percent" yaml:"cpu_percent"`
	MemPercent float64            `json:"mem_percent" yaml:"mem_percent"`
	GPULoad    map[string]float64 `json:"gpu_load,omitempty" yaml:"gpu_load,omitempty"` // keyed by GPU ID
	ReportedAt time.Time          `json:"reported_at" yaml:"reported_at"`
}

// Provider represents a registered compute node offering GPUs (or a
// CPU-only placeholder) for task execution.
type Provider struct {
	ID           string                 `json:"id" yaml:"id"`
	Name         string                 `json:"name" yaml:"name"`
	Status       ProviderStatus         `json:"status" yaml:"status"`
	GPUs         []GPU                  `json:"gpus" yaml:"gpus"` // registration order is the matching order
	RegisteredAt time.Time              `json:"registered_at" yaml:"registered_at"`
	LastSeenAt   time.Time              `json:"last_seen_at" yaml:"last_seen_at"`
	Telemetry    *Telemetry             `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NewProvider creates a Provider with all reported GPUs reset to idle.
// A provider does not resume mid-flight busy state across a restart; any
// task it was running is caught by stale-task reclamation.
func NewProvider(id string, gpus []GPU, metadata map[string]interface{}) *Provider {
	now := time.Now().UTC()
	reset := make([]GPU, len(gpus))
	for i, g := range gpus {
		g.Status = GPUIdle
		reset[i] = g
	}
	return &Provider{
		ID:           id,
		Name:         id,
		Status:       ProviderActive,
		GPUs:         reset,
		RegisteredAt: now,
		LastSeenAt:   now,
		Metadata:     metadata,
	}
}

// Heartbeat refreshes the provider's liveness and stores the latest
// telemetry snapshot. GPU busy/idle flags are left untouched.
func (p *Provider) Heartbeat(t *Telemetry) {
	p.LastSeenAt = time.Now().UTC()
	p.Status = ProviderActive
	if t != nil {
		p.Telemetry = t
	}
}

// FindIdleGPU returns the first idle GPU in registration order, or nil.
func (p *Provider) FindIdleGPU() *GPU {
	for i := range p.GPUs {
		if p.GPUs[i].Status == GPUIdle {
			return &p.GPUs[i]
		}
	}
	return nil
}
