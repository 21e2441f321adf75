package types

import "time"

// SubmitRequest is the payload of POST /jobs.
type SubmitRequest struct {
	// Reference to the job input, resolved by the backend.
	// example: inputs/photo-123.png
	InputRef string `json:"input_ref" example:"inputs/photo-123.png"`
	// Artifact key as namespace/name@version.
	// example: styles/monet@v1
	Artifact string `json:"artifact" example:"styles/monet@v1"`
	// Accelerator memory the job is expected to need, in MiB.
	// example: 2048
	EstimatedMemory int64 `json:"estimated_memory,omitempty" example:"2048"`
	// Reservation priority; higher preempts lower.
	// example: 5
	Priority int `json:"priority,omitempty" example:"5"`
	// Free-form parameters forwarded to the backend. allow_downgrade=true
	// lets the worker retry at reduced quality when memory is short.
	Params map[string]string `json:"params,omitempty"`
}

// JobResponse is the wire form of a job.
type JobResponse struct {
	// example: 4f0c2a4e-3f7e-4a8e-9d47-1c2b3a4d5e6f
	ID string `json:"id"`
	// One of queued, processing, completed, failed.
	// example: queued
	Status          string            `json:"status" example:"queued"`
	RetryCount      int               `json:"retry_count"`
	InputRef        string            `json:"input_ref"`
	Artifact        string            `json:"artifact"`
	EstimatedMemory int64             `json:"estimated_memory"`
	Priority        int               `json:"priority"`
	Params          map[string]string `json:"params,omitempty"`
	ResultRef       string            `json:"result_ref,omitempty"`
	Error           string            `json:"error,omitempty"`
	ElapsedMs       int64             `json:"elapsed_ms,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	// Earliest time the job will be picked up again after a retry.
	AvailableAt time.Time `json:"available_at"`
}

// JobsResponse wraps the list returned by GET /jobs.
type JobsResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Count int           `json:"count"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}
