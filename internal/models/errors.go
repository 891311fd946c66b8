package models

import "errors"

// Predefined errors for stores, matching and handlers.
var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrTaskNotFound     = errors.New("task not found")
	ErrGPUNotFound      = errors.New("gpu not found on provider")
	ErrNoIdleGPU        = errors.New("provider has no idle gpu")
	ErrNoQueuedTasks    = errors.New("no queued tasks")
	ErrInvalidTaskData  = errors.New("invalid task data provided")
	ErrInvalidStatus    = errors.New("invalid task status")
)
