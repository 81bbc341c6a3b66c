// Package service implements the sandbox lifecycle: ensuring a running
// sandbox per user, stopping, restarting, deleting, and reclaiming idle
// containers. The durable record store is the source of truth for status;
// the in-memory pool is a performance layer over it.
package service

import (
	"context"
	"fmt"
	"time"

	"agentbox/internal/sandbox/pool"
	"agentbox/internal/sandbox/repository"
	"agentbox/internal/sandbox/runtime"
	"agentbox/internal/sandbox/workspace"
	"agentbox/pkg/errors"
	"agentbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config carries the per-sandbox resource defaults applied to new records.
type Config struct {
	// Image is the container image new sandboxes run.
	Image string `yaml:"image"`

	// IdleTimeout is how long a sandbox may sit unused before the sweeper
	// reclaims it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// CPULimit is the CPU allowance in cores.
	CPULimit float64 `yaml:"cpu_limit"`

	// MemoryLimitMB is the memory allowance in MB.
	MemoryLimitMB int64 `yaml:"memory_limit_mb"`
}

// DefaultConfig returns the resource defaults for new sandboxes.
func DefaultConfig() *Config {
	return &Config{
		Image:         "python:3.12-slim",
		IdleTimeout:   time.Hour,
		CPULimit:      1.0,
		MemoryLimitMB: 512,
	}
}

// Manager owns sandbox lifecycle transitions. It is the only writer of
// record status, so every status change flows through exactly one code path
// per transition.
type Manager struct {
	repo       repository.SandboxRepository
	pool       *pool.Pool
	runtime    runtime.Runtime
	workspaces *workspace.Manager
	events     *EventPublisher
	gate       *creationGate
	cfg        *Config
}

// NewManager wires a lifecycle manager. events may be nil.
func NewManager(repo repository.SandboxRepository, p *pool.Pool, rt runtime.Runtime, ws *workspace.Manager, events *EventPublisher, cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Manager{
		repo:       repo,
		pool:       p,
		runtime:    rt,
		workspaces: ws,
		events:     events,
		gate:       newCreationGate(),
		cfg:        cfg,
	}
}

// EnsureRunning guarantees userID has a live sandbox and returns its record
// and handle with one reference taken on the pool entry. Callers must pair
// every successful return with Release(record.ID).
//
// The call is idempotent: concurrent callers for the same user get the same
// container, and at most one of them pays the start cost.
func (m *Manager) EnsureRunning(ctx context.Context, userID string) (*repository.SandboxRecord, runtime.Handle, error) {
	record, err := m.getOrCreateRecord(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if record.Status.IsTerminal() {
		return nil, nil, errors.Newf(errors.SandboxTerminating, "sandbox %s is being deleted", record.ID)
	}

	// Fast path: a pooled live handle needs no gate.
	if handle, ok := m.acquireLive(ctx, record); ok {
		return record, handle, nil
	}

	unlock := m.gate.lock(record.ID)
	defer unlock()

	// The record may have changed while we waited on the gate: another
	// caller may have finished creating, or a delete may have won it.
	record, err = m.mustGet(ctx, record.ID)
	if err != nil {
		return nil, nil, err
	}
	if record.Status.IsTerminal() {
		return nil, nil, errors.Newf(errors.SandboxTerminating, "sandbox %s is being deleted", record.ID)
	}
	if handle, ok := m.acquireLive(ctx, record); ok {
		return record, handle, nil
	}

	return m.createAndRegister(ctx, record)
}

// Release drops the caller's reference on sandboxID's pool entry. Safe to
// call after the entry has been removed.
func (m *Manager) Release(sandboxID string) {
	m.pool.Release(sandboxID)
}

// acquireLive tries the pool for record's handle and verifies liveness. A
// stale handle (container died outside our control) is detached and closed
// so the caller can recreate. On success the record is marked running and
// its activity timestamp refreshed.
func (m *Manager) acquireLive(ctx context.Context, record *repository.SandboxRecord) (runtime.Handle, bool) {
	handle := m.pool.Acquire(record.ID)
	if handle == nil {
		return nil, false
	}

	if !handle.IsStarted(ctx) {
		logger.Warn(ctx, "pooled sandbox container is dead, discarding handle",
			zap.String("sandbox_id", record.ID))
		m.pool.Release(record.ID)
		m.pool.Remove(ctx, record.ID)
		return nil, false
	}

	if record.Status != repository.StatusRunning {
		if err := m.repo.UpdateStatus(ctx, record.ID, repository.StatusRunning, nil, nil); err != nil {
			logger.Error(ctx, "failed to mark sandbox running", zap.String("sandbox_id", record.ID), zap.Error(err))
		} else {
			record.Status = repository.StatusRunning
			record.ErrorMessage = nil
		}
	} else if err := m.repo.TouchLastActive(ctx, record.ID); err != nil {
		logger.Warn(ctx, "failed to touch sandbox activity", zap.String("sandbox_id", record.ID), zap.Error(err))
	}

	return handle, true
}

// createAndRegister starts a fresh container for record and registers it.
// Caller must hold the creation gate for record.ID.
func (m *Manager) createAndRegister(ctx context.Context, record *repository.SandboxRecord) (*repository.SandboxRecord, runtime.Handle, error) {
	// A running record with no pool entry means the container is gone: it
	// died and was discarded, or eviction reclaimed it and the record was
	// never reconciled. Mark it stopped so the recreate is a legal restart.
	if record.Status == repository.StatusRunning {
		if err := m.repo.UpdateStatus(ctx, record.ID, repository.StatusStopped, nil, nil); err != nil {
			return nil, nil, errors.Wrapf(err, errors.SandboxUpdateFailed, "reconcile lost sandbox")
		}
		record.Status = repository.StatusStopped
		m.events.publish(ctx, EventSandboxStopped, record, "container lost")
	}

	if !repository.CanTransition(record.Status, repository.StatusCreating) {
		return nil, nil, errors.Newf(errors.InvalidStatusTransition,
			"cannot create sandbox %s from status %s", record.ID, record.Status)
	}
	if err := m.repo.UpdateStatus(ctx, record.ID, repository.StatusCreating, nil, nil); err != nil {
		return nil, nil, errors.Wrapf(err, errors.SandboxUpdateFailed, "mark sandbox creating")
	}
	record.Status = repository.StatusCreating
	m.events.publish(ctx, EventSandboxCreated, record, "")

	if _, err := m.workspaces.Ensure(record.UserID); err != nil {
		return nil, nil, m.failCreation(ctx, record, err, "prepare workspace")
	}
	mounts, err := m.workspaces.MountFor(record.UserID)
	if err != nil {
		return nil, nil, m.failCreation(ctx, record, err, "resolve workspace mount")
	}

	spec := runtime.StartSpec{
		Image:         record.Image,
		SessionID:     record.ID,
		IdleTimeout:   time.Duration(record.IdleTimeout) * time.Second,
		CPULimit:      m.cfg.CPULimit,
		MemoryLimitMB: m.cfg.MemoryLimitMB,
		VolumeMounts:  mounts,
	}
	if record.CPULimit != nil {
		spec.CPULimit = *record.CPULimit
	}
	if record.MemoryLimitMB != nil {
		spec.MemoryLimitMB = *record.MemoryLimitMB
	}

	handle, err := m.runtime.Start(ctx, spec)
	if err != nil {
		return nil, nil, m.failCreation(ctx, record, err, "start sandbox container")
	}

	m.pool.Register(ctx, record.ID, handle)

	containerID := handle.ID()
	var cidPtr *string
	if containerID != "" {
		cidPtr = &containerID
	}
	if err := m.repo.UpdateStatus(ctx, record.ID, repository.StatusRunning, cidPtr, nil); err != nil {
		// The container is up and pooled; the record will converge on the
		// next acquire. Do not tear down a healthy sandbox over a row update.
		logger.Error(ctx, "failed to mark sandbox running after start",
			zap.String("sandbox_id", record.ID), zap.Error(err))
	} else {
		record.Status = repository.StatusRunning
		record.ContainerID = cidPtr
		record.ErrorMessage = nil
	}

	logger.Info(ctx, "sandbox started",
		zap.String("sandbox_id", record.ID),
		zap.String("user_id", record.UserID),
		zap.String("container_id", containerID))
	m.events.publish(ctx, EventSandboxRunning, record, "")

	return record, handle, nil
}

// failCreation records a failed start and returns the user-facing error.
func (m *Manager) failCreation(ctx context.Context, record *repository.SandboxRecord, cause error, action string) error {
	msg := fmt.Sprintf("%s: %v", action, cause)
	if err := m.repo.UpdateStatus(ctx, record.ID, repository.StatusFailed, nil, &msg); err != nil {
		logger.Error(ctx, "failed to mark sandbox failed", zap.String("sandbox_id", record.ID), zap.Error(err))
	}
	record.Status = repository.StatusFailed
	record.ErrorMessage = &msg
	m.events.publish(ctx, EventSandboxFailed, record, msg)

	logger.Error(ctx, "sandbox creation failed",
		zap.String("sandbox_id", record.ID),
		zap.String("user_id", record.UserID),
		zap.String("action", action),
		zap.Error(cause))
	return errors.Wrapf(cause, errors.SandboxCreateFailed, "%s", action)
}

// getOrCreateRecord loads the user's record, creating a pending one on first
// contact. A concurrent first-contact race is resolved by the unique
// constraint on user_id: the loser re-reads the winner's row.
func (m *Manager) getOrCreateRecord(ctx context.Context, userID string) (*repository.SandboxRecord, error) {
	if userID == "" {
		return nil, errors.Newf(errors.InvalidParams, "user id is required")
	}

	record, err := m.repo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "load sandbox record")
	}
	if record != nil {
		return record, nil
	}

	record = &repository.SandboxRecord{
		ID:          uuid.New().String(),
		UserID:      userID,
		Status:      repository.StatusPending,
		Image:       m.cfg.Image,
		IdleTimeout: int(m.cfg.IdleTimeout / time.Second),
	}
	if err := m.repo.Create(ctx, record); err != nil {
		if err == repository.ErrUserHasSandbox {
			if record, err = m.repo.GetByUserID(ctx, userID); err == nil && record != nil {
				return record, nil
			}
		}
		return nil, errors.Wrapf(err, errors.SandboxCreateFailed, "create sandbox record")
	}
	return record, nil
}

// Stop stops id's sandbox: the container leaves the pool and the record is
// marked stopped. Returns false when there was nothing to stop, so repeated
// stops are no-ops.
func (m *Manager) Stop(ctx context.Context, id string) (bool, error) {
	record, err := m.mustGet(ctx, id)
	if err != nil {
		return false, err
	}

	m.pool.Remove(ctx, id)

	if record.Status == repository.StatusStopped {
		return false, nil
	}
	if !repository.CanTransition(record.Status, repository.StatusStopped) {
		// pending/failed sandboxes have no container to stop.
		return false, nil
	}

	if err := m.repo.UpdateStatus(ctx, id, repository.StatusStopped, nil, nil); err != nil {
		return false, errors.Wrapf(err, errors.SandboxUpdateFailed, "mark sandbox stopped")
	}
	record.Status = repository.StatusStopped
	m.events.publish(ctx, EventSandboxStopped, record, "stopped by request")

	logger.Info(ctx, "sandbox stopped", zap.String("sandbox_id", id))
	return true, nil
}

// Restart stops id's sandbox and leaves recreation to the next EnsureRunning,
// so a restart costs nothing until the user actually comes back.
func (m *Manager) Restart(ctx context.Context, id string) (*repository.SandboxRecord, error) {
	if _, err := m.Stop(ctx, id); err != nil {
		return nil, err
	}
	return m.mustGet(ctx, id)
}

// Rebuild discards id's container outright and starts a fresh one from the
// record's image immediately. Unlike Restart the user does not wait for
// their next request to pay the start cost.
func (m *Manager) Rebuild(ctx context.Context, id string) (*repository.SandboxRecord, error) {
	record, err := m.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}

	m.pool.Remove(ctx, id)
	if record.Status != repository.StatusStopped && repository.CanTransition(record.Status, repository.StatusStopped) {
		if err := m.repo.UpdateStatus(ctx, id, repository.StatusStopped, nil, nil); err != nil {
			return nil, errors.Wrapf(err, errors.SandboxUpdateFailed, "mark sandbox stopped")
		}
	}

	record, _, err = m.EnsureRunning(ctx, record.UserID)
	if err != nil {
		return nil, err
	}
	m.Release(record.ID)
	return record, nil
}

// Delete tears down id's sandbox completely: container, workspace (archived
// first), and record. The record enters terminating before any teardown so
// concurrent EnsureRunning calls are rejected rather than racing a delete.
func (m *Manager) Delete(ctx context.Context, id string) error {
	record, err := m.mustGet(ctx, id)
	if err != nil {
		return err
	}

	// Hold the creation gate so an in-flight EnsureRunning finishes (and its
	// handle lands in the pool) before we tear down; otherwise its late
	// registration would outlive the record.
	unlock := m.gate.lock(id)
	defer unlock()

	if err := m.repo.UpdateStatus(ctx, id, repository.StatusTerminating, nil, nil); err != nil {
		return errors.Wrapf(err, errors.SandboxDeleteFailed, "mark sandbox terminating")
	}
	record.Status = repository.StatusTerminating

	m.pool.Remove(ctx, id)

	// Workspace archival and removal are best-effort: the user asked for the
	// sandbox to go away, and a storage hiccup must not leave a half-deleted
	// record behind.
	if object, err := m.workspaces.Archive(ctx, record.UserID); err != nil {
		logger.Warn(ctx, "failed to archive workspace",
			zap.String("sandbox_id", id), zap.String("user_id", record.UserID), zap.Error(err))
	} else if object != "" {
		logger.Info(ctx, "workspace archived",
			zap.String("sandbox_id", id), zap.String("object", object))
	}
	if err := m.workspaces.Remove(record.UserID); err != nil {
		logger.Warn(ctx, "failed to remove workspace directory",
			zap.String("sandbox_id", id), zap.Error(err))
	}

	if _, err := m.repo.Delete(ctx, id); err != nil {
		return errors.Wrapf(err, errors.SandboxDeleteFailed, "delete sandbox record")
	}

	m.events.publish(ctx, EventSandboxDeleted, record, "deleted by request")
	logger.Info(ctx, "sandbox deleted", zap.String("sandbox_id", id), zap.String("user_id", record.UserID))
	return nil
}

// CleanupIdle evicts every pooled sandbox idle past the configured timeout
// and reconciles their records to stopped. Returns the number of sandboxes
// reclaimed.
func (m *Manager) CleanupIdle(ctx context.Context) (int, error) {
	evicted := m.pool.SweepIdle(ctx, m.cfg.IdleTimeout)
	if len(evicted) == 0 {
		return 0, nil
	}

	updated, err := m.repo.MarkStoppedBatch(ctx, evicted)
	if err != nil {
		// Containers are already gone; the records will self-heal on the
		// next EnsureRunning via the stale-handle path.
		logger.Error(ctx, "failed to mark idle sandboxes stopped",
			zap.Strings("sandbox_ids", evicted), zap.Error(err))
		return len(evicted), nil
	}

	for _, id := range evicted {
		m.events.publish(ctx, EventSandboxStopped,
			&repository.SandboxRecord{ID: id, Status: repository.StatusStopped}, "idle timeout")
	}

	logger.Info(ctx, "idle sandboxes reclaimed",
		zap.Int("evicted", len(evicted)), zap.Int64("records_updated", updated))
	return len(evicted), nil
}

// ReconcileStartup repairs records left behind by an unclean shutdown. It
// must run before the service accepts traffic.
func (m *Manager) ReconcileStartup(ctx context.Context) error {
	failed, stopped, err := m.repo.ReconcileStartup(ctx)
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "startup reconciliation")
	}
	if failed > 0 || stopped > 0 {
		logger.Info(ctx, "reconciled sandbox records after restart",
			zap.Int64("marked_failed", failed), zap.Int64("marked_stopped", stopped))
	}
	return nil
}

// Shutdown drains the pool, closing every live container handle.
func (m *Manager) Shutdown(ctx context.Context) {
	m.pool.Shutdown(ctx)
}

// Get returns id's record.
func (m *Manager) Get(ctx context.Context, id string) (*repository.SandboxRecord, error) {
	return m.mustGet(ctx, id)
}

// List returns records matching the filter plus the unpaginated total.
func (m *Manager) List(ctx context.Context, filter repository.ListFilter) ([]*repository.SandboxRecord, int64, error) {
	records, total, err := m.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, errors.Wrapf(err, errors.DatabaseError, "list sandboxes")
	}
	return records, total, nil
}

// PoolSize reports the number of live pooled sandboxes, for health output.
func (m *Manager) PoolSize() int {
	return m.pool.Len()
}

func (m *Manager) mustGet(ctx context.Context, id string) (*repository.SandboxRecord, error) {
	if id == "" {
		return nil, errors.Newf(errors.InvalidParams, "sandbox id is required")
	}
	record, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "load sandbox record")
	}
	if record == nil {
		return nil, errors.Newf(errors.SandboxNotFound, "sandbox %s not found", id)
	}
	return record, nil
}
