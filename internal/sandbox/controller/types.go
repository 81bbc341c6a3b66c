package controller

import (
	"time"

	"agentbox/internal/sandbox/repository"
)

// EnsureSandboxRequest asks for a running sandbox for a user.
type EnsureSandboxRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// SandboxResponse is the wire form of a sandbox record.
type SandboxResponse struct {
	ID            string   `json:"id"`
	UserID        string   `json:"user_id"`
	Status        string   `json:"status"`
	Image         string   `json:"image"`
	ContainerID   string   `json:"container_id,omitempty"`
	CPULimit      *float64 `json:"cpu_limit,omitempty"`
	MemoryLimitMB *int64   `json:"memory_limit,omitempty"`
	IdleTimeout   int      `json:"idle_timeout"`
	LastActiveAt  string   `json:"last_active_at,omitempty"`
	ErrorMessage  string   `json:"error_message,omitempty"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
}

// StopSandboxResponse reports whether a stop actually changed anything.
type StopSandboxResponse struct {
	ID      string `json:"id"`
	Stopped bool   `json:"stopped"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	PoolSize int    `json:"pool_size"`
}

func toSandboxResponse(record *repository.SandboxRecord) SandboxResponse {
	resp := SandboxResponse{
		ID:            record.ID,
		UserID:        record.UserID,
		Status:        string(record.Status),
		Image:         record.Image,
		CPULimit:      record.CPULimit,
		MemoryLimitMB: record.MemoryLimitMB,
		IdleTimeout:   record.IdleTimeout,
		CreatedAt:     record.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     record.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if record.ContainerID != nil {
		resp.ContainerID = *record.ContainerID
	}
	if record.LastActiveAt != nil {
		resp.LastActiveAt = record.LastActiveAt.UTC().Format(time.RFC3339)
	}
	if record.ErrorMessage != nil {
		resp.ErrorMessage = *record.ErrorMessage
	}
	return resp
}

func toSandboxResponses(records []*repository.SandboxRecord) []SandboxResponse {
	out := make([]SandboxResponse, 0, len(records))
	for _, record := range records {
		out = append(out, toSandboxResponse(record))
	}
	return out
}
