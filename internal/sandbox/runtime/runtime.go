// Package runtime defines the capability interface the lifecycle manager
// uses to talk to a container runtime. Different implementations (docker,
// k8s, a fake for tests) can be used interchangeably.
package runtime

import (
	"context"
	"time"
)

// StartSpec contains everything needed to start a sandbox container.
type StartSpec struct {
	// Image is the container image to run.
	Image string

	// SessionID identifies the sandbox; used for container naming and labels.
	SessionID string

	// IdleTimeout is advertised to the container so in-container agents can
	// self-terminate; enforcement also happens host-side via the idle sweep.
	IdleTimeout time.Duration

	// CPULimit is the CPU allowance in cores, e.g. 1.0. Zero means unlimited.
	CPULimit float64

	// MemoryLimitMB is the memory allowance in MB. Zero means unlimited.
	MemoryLimitMB int64

	// VolumeMounts maps host paths to container paths.
	VolumeMounts map[string]string
}

// Handle represents a started container. The pool owns a handle's lifetime
// while it is registered.
type Handle interface {
	// ID returns the external runtime reference for the container, if the
	// runtime exposes one (empty otherwise).
	ID() string

	// IsStarted reports whether the underlying container is still running.
	IsStarted(ctx context.Context) bool

	// Stop stops the container without removing its resources.
	Stop(ctx context.Context) error

	// Cleanup stops the container and releases all its resources.
	Cleanup(ctx context.Context) error
}

// Runtime starts sandbox containers.
type Runtime interface {
	// Start creates and starts a container for the spec and returns a live handle.
	Start(ctx context.Context, spec StartSpec) (Handle, error)
}
