package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"agentbox/internal/common/mq"
	"agentbox/internal/sandbox/pool"
	"agentbox/internal/sandbox/repository"
	"agentbox/internal/sandbox/runtime"
	"agentbox/internal/sandbox/service"
	"agentbox/internal/sandbox/workspace"
	apperrors "agentbox/pkg/errors"
)

type fakeHandle struct {
	mu       sync.Mutex
	id       string
	started  bool
	cleanups int
}

func (f *fakeHandle) ID() string { return f.id }

func (f *fakeHandle) IsStarted(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeHandle) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	return nil
}

func (f *fakeHandle) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	f.cleanups++
	return nil
}

func (f *fakeHandle) kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
}

func (f *fakeHandle) cleanupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanups
}

type fakeRuntime struct {
	mu      sync.Mutex
	starts  int
	failErr error
	handles []*fakeHandle
}

func (r *fakeRuntime) Start(ctx context.Context, spec runtime.StartSpec) (runtime.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return nil, r.failErr
	}
	r.starts++
	h := &fakeHandle{id: fmt.Sprintf("container-%d", r.starts), started: true}
	r.handles = append(r.handles, h)
	return h, nil
}

func (r *fakeRuntime) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func (r *fakeRuntime) handle(i int) *fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[i]
}

type fakeRepo struct {
	mu               sync.Mutex
	byID             map[string]*repository.SandboxRecord
	markStoppedCalls [][]string
	reconcileFailed  int64
	reconcileStopped int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: make(map[string]*repository.SandboxRecord)}
}

func copyRecord(r *repository.SandboxRecord) *repository.SandboxRecord {
	cp := *r
	return &cp
}

func (f *fakeRepo) GetByUserID(ctx context.Context, userID string) (*repository.SandboxRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.byID {
		if r.UserID == userID {
			return copyRecord(r), nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) GetByID(ctx context.Context, id string) (*repository.SandboxRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.byID[id]; ok {
		return copyRecord(r), nil
	}
	return nil, nil
}

func (f *fakeRepo) Create(ctx context.Context, record *repository.SandboxRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.byID {
		if r.UserID == record.UserID {
			return repository.ErrUserHasSandbox
		}
	}
	now := time.Now()
	record.CreatedAt = now
	record.UpdatedAt = now
	f.byID[record.ID] = copyRecord(record)
	return nil
}

func (f *fakeRepo) UpdateStatus(ctx context.Context, id string, status repository.Status, containerID, errorMessage *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byID[id]
	if !ok {
		return fmt.Errorf("record %s not found", id)
	}
	r.Status = status
	if containerID != nil {
		r.ContainerID = containerID
	}
	if errorMessage != nil {
		r.ErrorMessage = errorMessage
	} else if status == repository.StatusRunning {
		r.ErrorMessage = nil
	}
	now := time.Now()
	r.LastActiveAt = &now
	r.UpdatedAt = now
	return nil
}

func (f *fakeRepo) TouchLastActive(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.byID[id]; ok {
		now := time.Now()
		r.LastActiveAt = &now
	}
	return nil
}

func (f *fakeRepo) MarkStoppedBatch(ctx context.Context, ids []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markStoppedCalls = append(f.markStoppedCalls, ids)
	var n int64
	for _, id := range ids {
		if r, ok := f.byID[id]; ok && r.Status == repository.StatusRunning {
			r.Status = repository.StatusStopped
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) Delete(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[id]; !ok {
		return false, nil
	}
	delete(f.byID, id)
	return true, nil
}

func (f *fakeRepo) List(ctx context.Context, filter repository.ListFilter) ([]*repository.SandboxRecord, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.SandboxRecord
	for _, r := range f.byID {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.UserID != "" && r.UserID != filter.UserID {
			continue
		}
		out = append(out, copyRecord(r))
	}
	return out, int64(len(out)), nil
}

func (f *fakeRepo) ReconcileStartup(ctx context.Context) (int64, int64, error) {
	return f.reconcileFailed, f.reconcileStopped, nil
}

func (f *fakeRepo) status(t *testing.T, id string) repository.Status {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byID[id]
	if !ok {
		t.Fatalf("record %s not found", id)
	}
	return r.Status
}

func newTestManager(t *testing.T, repo *fakeRepo, rt runtime.Runtime, producer mq.Producer) *service.Manager {
	t.Helper()
	ws := workspace.NewManager(&workspace.Config{RootDir: t.TempDir()}, nil)
	events := service.NewEventPublisher(producer, "")
	cfg := &service.Config{
		Image:         "python:3.12-slim",
		IdleTimeout:   time.Hour,
		CPULimit:      1.0,
		MemoryLimitMB: 512,
	}
	return service.NewManager(repo, pool.New(8), rt, ws, events, cfg)
}

func TestEnsureRunningCreatesAndStarts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	rt := &fakeRuntime{}
	mgr := newTestManager(t, repo, rt, nil)

	record, handle, err := mgr.EnsureRunning(ctx, "alice")
	if err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}
	defer mgr.Release(record.ID)

	if record.Status != repository.StatusRunning {
		t.Fatalf("expected running, got %s", record.Status)
	}
	if handle == nil || !handle.IsStarted(ctx) {
		t.Fatal("expected a live handle")
	}
	if rt.startCount() != 1 {
		t.Fatalf("expected one container start, got %d", rt.startCount())
	}
	if repo.status(t, record.ID) != repository.StatusRunning {
		t.Fatal("durable record should be running")
	}
	if record.ContainerID == nil || *record.ContainerID != "container-1" {
		t.Fatalf("expected container id recorded, got %v", record.ContainerID)
	}
}

func TestEnsureRunningReusesPooledHandle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	rt := &fakeRuntime{}
	mgr := newTestManager(t, repo, rt, nil)

	first, _, err := mgr.EnsureRunning(ctx, "alice")
	if err != nil {
		t.Fatalf("first ensure failed: %v", err)
	}
	mgr.Release(first.ID)

	second, handle, err := mgr.EnsureRunning(ctx, "alice")
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	defer mgr.Release(second.ID)

	if second.ID != first.ID {
		t.Fatalf("expected same sandbox, got %s and %s", first.ID, second.ID)
	}
	if rt.startCount() != 1 {
		t.Fatalf("expected container reuse, got %d starts", rt.startCount())
	}
	if handle.ID() != "container-1" {
		t.Fatalf("expected pooled handle, got %s", handle.ID())
	}
}

func TestConcurrentEnsureStartsExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	rt := &fakeRuntime{}
	mgr := newTestManager(t, repo, rt, nil)

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, _, err := mgr.EnsureRunning(ctx, "alice")
			if err != nil {
				errs <- err
				return
			}
			mgr.Release(record.ID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent ensure failed: %v", err)
	}

	if rt.startCount() != 1 {
		t.Fatalf("expected exactly one container start, got %d", rt.startCount())
	}
	if mgr.PoolSize() != 1 {
		t.Fatalf("expected one pooled sandbox, got %d", mgr.PoolSize())
	}
}

func TestEnsureRunningHealsStaleHandle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	rt := &fakeRuntime{}
	mgr := newTestManager(t, repo, rt, nil)

	record, _, err := mgr.EnsureRunning(ctx, "alice")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	mgr.Release(record.ID)

	// Container dies outside the manager's control.
	rt.handle(0).kill()

	healed, handle, err := mgr.EnsureRunning(ctx, "alice")
	if err != nil {
		t.Fatalf("ensure after death failed: %v", err)
	}
	defer mgr.Release(healed.ID)

	if rt.startCount() != 2 {
		t.Fatalf("expected a fresh container start, got %d", rt.startCount())
	}
	if handle.ID() != "container-2" {
		t.Fatalf("expected new handle, got %s", handle.ID())
	}
	if rt.handle(0).cleanupCount() == 0 {
		t.Fatal("stale handle should have been closed")
	}
	if repo.status(t, healed.ID) != repository.StatusRunning {
		t.Fatal("record should be running after healing")
	}
}

func TestEnsureRunningRecreatesEvictedSandbox(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	rt := &fakeRuntime{}
	ws := workspace.NewManager(&workspace.Config{RootDir: t.TempDir()}, nil)
	mgr := service.NewManager(repo, pool.New(1), rt, ws, service.NewEventPublisher(nil, ""), &service.Config{
		Image:       "python:3.12-slim",
		IdleTimeout: time.Hour,
	})

	alice, _, err := mgr.EnsureRunning(ctx, "alice")
	if err != nil {
		t.Fatalf("ensure alice failed: %v", err)
	}
	mgr.Release(alice.ID)

	// Bob's registration displaces alice's idle container; her record is
	// still running because eviction never touches the record store.
	bob, _, err := mgr.EnsureRunning(ctx, "bob")
	if err != nil {
		t.Fatalf("ensure bob failed: %v", err)
	}
	mgr.Release(bob.ID)
	if rt.handle(0).cleanupCount() == 0 {
		t.Fatal("displaced container should have been closed")
	}
	if repo.status(t, alice.ID) != repository.StatusRunning {
		t.Fatalf("expected stale running record, got %s", repo.status(t, alice.ID))
	}

	back, handle, err := mgr.EnsureRunning(ctx, "alice")
	if err != nil {
		t.Fatalf("ensure after eviction failed: %v", err)
	}
	defer mgr.Release(back.ID)
	if back.ID != alice.ID {
		t.Fatalf("expected same sandbox record, got %s and %s", alice.ID, back.ID)
	}
	if handle == nil || !handle.IsStarted(ctx) {
		t.Fatal("expected a live replacement handle")
	}
	if rt.startCount() != 3 {
		t.Fatalf("expected a fresh container for alice, got %d starts", rt.startCount())
	}
	if repo.status(t, alice.ID) != repository.StatusRunning {
		t.Fatal("record should be running again")
	}
}

func TestEnsureRunningFailureMarksFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	rt := &fakeRuntime{failErr: errors.New("image pull timeout")}
	mgr := newTestManager(t, repo, rt, nil)

	_, _, err := mgr.EnsureRunning(ctx, "alice")
	if err == nil {
		t.Fatal("expected creation failure")
	}
	if apperrors.GetCode(err) != apperrors.SandboxCreateFailed {
		t.Fatalf("expected SandboxCreateFailed, got %d", apperrors.GetCode(err))
	}

	record, getErr := repo.GetByUserID(ctx, "alice")
	if getErr != nil || record == nil {
		t.Fatalf("expected record persisted, got %v", getErr)
	}
	if record.Status != repository.StatusFailed {
		t.Fatalf("expected failed status, got %s", record.Status)
	}
	if record.ErrorMessage == nil || *record.ErrorMessage == "" {
		t.Fatal("expected error message recorded")
	}

	// A later attempt recovers once the runtime does.
	rt.mu.Lock()
	rt.failErr = nil
	rt.mu.Unlock()

	recovered, _, err := mgr.EnsureRunning(ctx, "alice")
	if err != nil {
		t.Fatalf("retry after failure should succeed: %v", err)
	}
	defer mgr.Release(recovered.ID)
	if recovered.Status != repository.StatusRunning {
		t.Fatalf("expected running after retry, got %s", recovered.Status)
	}
	if recovered.ErrorMessage != nil {
		t.Fatalf("expected error message cleared, got %q", *recovered.ErrorMessage)
	}
}

func TestEnsureRunningRejectsTerminating(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	rt := &fakeRuntime{}
	mgr := newTestManager(t, repo, rt, nil)

	if err := repo.Create(ctx, &repository.SandboxRecord{
		ID:     "sb-term",
		UserID: "alice",
		Status: repository.StatusTerminating,
		Image:  "python:3.12-slim",
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	_, _, err := mgr.EnsureRunning(ctx, "alice")
	if apperrors.GetCode(err) != apperrors.SandboxTerminating {
		t.Fatalf("expected SandboxTerminating, got %v", err)
	}
	if rt.startCount() != 0 {
		t.Fatal("no container should start for a terminating sandbox")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	rt := &fakeRuntime{}
	mgr := newTestManager(t, repo, rt, nil)

	record, _, err := mgr.EnsureRunning(ctx, "alice")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	mgr.Release(record.ID)

	stopped, err := mgr.Stop(ctx, record.ID)
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if !stopped {
		t.Fatal("first stop should report a transition")
	}
	if repo.status(t, record.ID) != repository.StatusStopped {
		t.Fatal("record should be stopped")
	}
	if rt.handle(0).cleanupCount() != 1 {
		t.Fatalf("container should be closed once, got %d", rt.handle(0).cleanupCount())
	}

	stopped, err = mgr.Stop(ctx, record.ID)
	if err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
	if stopped {
		t.Fatal("second stop must be a no-op")
	}
}

func TestStopUnknownSandbox(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	mgr := newTestManager(t, repo, &fakeRuntime{}, nil)

	_, err := mgr.Stop(context.Background(), "nope")
	if apperrors.GetCode(err) != apperrors.SandboxNotFound {
		t.Fatalf("expected SandboxNotFound, got %v", err)
	}
}

func TestRestartRecreatesLazily(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	rt := &fakeRuntime{}
	mgr := newTestManager(t, repo, rt, nil)

	record, _, err := mgr.EnsureRunning(ctx, "alice")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	mgr.Release(record.ID)

	restarted, err := mgr.Restart(ctx, record.ID)
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if restarted.Status != repository.StatusStopped {
		t.Fatalf("expected stopped after restart, got %s", restarted.Status)
	}
	if rt.startCount() != 1 {
		t.Fatal("restart must not start a container eagerly")
	}

	again, _, err := mgr.EnsureRunning(ctx, "alice")
	if err != nil {
		t.Fatalf("ensure after restart failed: %v", err)
	}
	defer mgr.Release(again.ID)
	if rt.startCount() != 2 {
		t.Fatalf("expected recreation on next use, got %d starts", rt.startCount())
	}
}

func TestRebuildStartsImmediately(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	rt := &fakeRuntime{}
	mgr := newTestManager(t, repo, rt, nil)

	record, _, err := mgr.EnsureRunning(ctx, "alice")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	mgr.Release(record.ID)

	rebuilt, err := mgr.Rebuild(ctx, record.ID)
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if rebuilt.Status != repository.StatusRunning {
		t.Fatalf("expected running after rebuild, got %s", rebuilt.Status)
	}
	if rt.startCount() != 2 {
		t.Fatalf("expected a fresh container, got %d starts", rt.startCount())
	}
	if rt.handle(0).cleanupCount() == 0 {
		t.Fatal("old container should be discarded")
	}
}

func TestDeleteCascades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	rt := &fakeRuntime{}
	mgr := newTestManager(t, repo, rt, nil)

	record, _, err := mgr.EnsureRunning(ctx, "alice")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	mgr.Release(record.ID)

	if err := mgr.Delete(ctx, record.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if rt.handle(0).cleanupCount() != 1 {
		t.Fatal("container should be closed on delete")
	}
	if got, _ := repo.GetByID(ctx, record.ID); got != nil {
		t.Fatal("record should be deleted")
	}

	// The user can come back with a brand new sandbox.
	fresh, _, err := mgr.EnsureRunning(ctx, "alice")
	if err != nil {
		t.Fatalf("ensure after delete failed: %v", err)
	}
	defer mgr.Release(fresh.ID)
	if fresh.ID == record.ID {
		t.Fatal("expected a new sandbox id after delete")
	}
}

// blockingRuntime parks Start until released so tests can hold a creation
// in flight at a known point.
type blockingRuntime struct {
	fakeRuntime
	entered chan struct{}
	release chan struct{}
}

func (r *blockingRuntime) Start(ctx context.Context, spec runtime.StartSpec) (runtime.Handle, error) {
	r.entered <- struct{}{}
	<-r.release
	return r.fakeRuntime.Start(ctx, spec)
}

func TestDeleteWaitsForInFlightCreation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	rt := &blockingRuntime{entered: make(chan struct{}), release: make(chan struct{})}
	mgr := newTestManager(t, repo, rt, nil)

	if err := repo.Create(ctx, &repository.SandboxRecord{
		ID:     "sb-race",
		UserID: "alice",
		Status: repository.StatusStopped,
		Image:  "python:3.12-slim",
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	ensureDone := make(chan error, 1)
	go func() {
		record, _, err := mgr.EnsureRunning(ctx, "alice")
		if err == nil {
			mgr.Release(record.ID)
		}
		ensureDone <- err
	}()
	<-rt.entered

	deleteDone := make(chan error, 1)
	go func() { deleteDone <- mgr.Delete(ctx, "sb-race") }()

	// The creator holds the gate inside Start, so the delete must wait.
	select {
	case err := <-deleteDone:
		t.Fatalf("delete finished while creation was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(rt.release)
	if err := <-ensureDone; err != nil {
		t.Fatalf("in-flight ensure failed: %v", err)
	}
	if err := <-deleteDone; err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if mgr.PoolSize() != 0 {
		t.Fatalf("no pool entry may outlive its record, got %d", mgr.PoolSize())
	}
	if got, _ := repo.GetByID(ctx, "sb-race"); got != nil {
		t.Fatal("record should be deleted")
	}
	if rt.handle(0).cleanupCount() == 0 {
		t.Fatal("late-registered container should have been closed")
	}
}

func TestCleanupIdleReconcilesRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	rt := &fakeRuntime{}
	ws := workspace.NewManager(&workspace.Config{RootDir: t.TempDir()}, nil)
	mgr := service.NewManager(repo, pool.New(8), rt, ws, service.NewEventPublisher(nil, ""), &service.Config{
		Image:       "python:3.12-slim",
		IdleTimeout: time.Nanosecond,
	})

	record, _, err := mgr.EnsureRunning(ctx, "alice")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	mgr.Release(record.ID)
	time.Sleep(time.Millisecond)

	reclaimed, err := mgr.CleanupIdle(ctx)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected one sandbox reclaimed, got %d", reclaimed)
	}
	if repo.status(t, record.ID) != repository.StatusStopped {
		t.Fatal("record should follow pool eviction to stopped")
	}
	if len(repo.markStoppedCalls) != 1 {
		t.Fatalf("expected one batch reconcile, got %d", len(repo.markStoppedCalls))
	}
	if rt.handle(0).cleanupCount() != 1 {
		t.Fatal("idle container should be closed")
	}
}

func TestCleanupIdleSkipsActiveSandboxes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	rt := &fakeRuntime{}
	ws := workspace.NewManager(&workspace.Config{RootDir: t.TempDir()}, nil)
	mgr := service.NewManager(repo, pool.New(8), rt, ws, service.NewEventPublisher(nil, ""), &service.Config{
		Image:       "python:3.12-slim",
		IdleTimeout: time.Nanosecond,
	})

	record, _, err := mgr.EnsureRunning(ctx, "alice")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	defer mgr.Release(record.ID)
	time.Sleep(time.Millisecond)

	reclaimed, err := mgr.CleanupIdle(ctx)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("in-use sandbox must not be reclaimed, got %d", reclaimed)
	}
	if repo.status(t, record.ID) != repository.StatusRunning {
		t.Fatal("record should stay running while in use")
	}
}

type capturingProducer struct {
	mu        sync.Mutex
	published []*mq.Message
	topics    []string
}

func (p *capturingProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, message)
	p.topics = append(p.topics, topic)
	return nil
}

func (p *capturingProducer) PublishBatch(ctx context.Context, topic string, messages []*mq.Message) error {
	for _, m := range messages {
		_ = p.Publish(ctx, topic, m)
	}
	return nil
}

func (p *capturingProducer) Ping(ctx context.Context) error { return nil }

func (p *capturingProducer) Close() error { return nil }

func TestLifecycleEventsPublished(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	rt := &fakeRuntime{}
	producer := &capturingProducer{}
	mgr := newTestManager(t, repo, rt, producer)

	record, _, err := mgr.EnsureRunning(ctx, "alice")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	mgr.Release(record.ID)
	if _, err := mgr.Stop(ctx, record.ID); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	producer.mu.Lock()
	defer producer.mu.Unlock()
	if len(producer.published) != 3 {
		t.Fatalf("expected created+running+stopped events, got %d", len(producer.published))
	}
	for _, topic := range producer.topics {
		if topic != service.DefaultLifecycleTopic {
			t.Fatalf("unexpected topic %s", topic)
		}
	}
	for _, msg := range producer.published {
		if msg.Key != record.ID {
			t.Fatalf("events must partition by sandbox id, got key %s", msg.Key)
		}
	}
}

func TestReconcileStartup(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	repo.reconcileFailed = 2
	repo.reconcileStopped = 3
	mgr := newTestManager(t, repo, &fakeRuntime{}, nil)

	if err := mgr.ReconcileStartup(context.Background()); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
}
