package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentbox/internal/common/cache"
	"agentbox/internal/common/db"
)

const (
	defaultRecordCacheTTL      = 5 * time.Minute
	defaultRecordCacheEmptyTTL = 30 * time.Second

	recordCacheEmptyMarker = "__empty__"
)

// ListFilter narrows and paginates List results.
type ListFilter struct {
	Status   Status
	UserID   string
	Page     int
	PageSize int
}

// SandboxRepository persists sandbox records.
//
// Get operations return (nil, nil) when no record exists; only infrastructure
// failures surface as errors. Status writes always stamp last_active_at and
// updated_at, matching the manager's side-effect contract.
type SandboxRepository interface {
	GetByUserID(ctx context.Context, userID string) (*SandboxRecord, error)
	GetByID(ctx context.Context, id string) (*SandboxRecord, error)
	Create(ctx context.Context, record *SandboxRecord) error
	UpdateStatus(ctx context.Context, id string, status Status, containerID, errorMessage *string) error
	TouchLastActive(ctx context.Context, id string) error
	MarkStoppedBatch(ctx context.Context, ids []string) (int64, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, filter ListFilter) ([]*SandboxRecord, int64, error)

	// ReconcileStartup repairs records orphaned by a process crash: the pool
	// is process-local, so at startup every `creating` record is a creation
	// that never finished and every `running` record has no live handle.
	ReconcileStartup(ctx context.Context) (failed, stopped int64, err error)
}

// SQLSandboxRepository implements SandboxRepository on internal/common/db
// with an optional cache fronting the by-user lookup.
type SQLSandboxRepository struct {
	dbProvider db.Provider
	cache      cache.Cache
	ttl        time.Duration
	emptyTTL   time.Duration
}

// NewSandboxRepository creates a repository with default cache TTLs.
// The cache may be nil, in which case every read hits the database.
func NewSandboxRepository(provider db.Provider, cacheClient cache.Cache) *SQLSandboxRepository {
	return &SQLSandboxRepository{
		dbProvider: provider,
		cache:      cacheClient,
		ttl:        defaultRecordCacheTTL,
		emptyTTL:   defaultRecordCacheEmptyTTL,
	}
}

const sandboxColumns = "id, user_id, container_id, status, image, runtime, cpu_limit, memory_limit, idle_timeout, last_active_at, error_message, created_at, updated_at"

func (r *SQLSandboxRepository) GetByUserID(ctx context.Context, userID string) (*SandboxRecord, error) {
	if userID == "" {
		return nil, errors.New("user id is empty")
	}

	cacheKey := userCacheKey(userID)
	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, cacheKey); err == nil {
			if cached == recordCacheEmptyMarker {
				return nil, nil
			}
			var record SandboxRecord
			if err := json.Unmarshal([]byte(cached), &record); err == nil {
				return &record, nil
			}
			// Corrupt cache entry: drop it and fall through to the database.
			_ = r.cache.Del(ctx, cacheKey)
		}
	}

	querier, err := db.GetProviderQuerier(r.dbProvider, nil)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + sandboxColumns + " FROM user_sandbox WHERE user_id = ?"
	record, err := scanRecord(querier.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if record == nil {
			_ = r.cache.Set(ctx, cacheKey, recordCacheEmptyMarker, r.emptyTTL)
		} else if payload, marshalErr := json.Marshal(record); marshalErr == nil {
			_ = r.cache.Set(ctx, cacheKey, payload, r.ttl)
		}
	}

	return record, nil
}

func (r *SQLSandboxRepository) GetByID(ctx context.Context, id string) (*SandboxRecord, error) {
	if id == "" {
		return nil, errors.New("sandbox id is empty")
	}

	querier, err := db.GetProviderQuerier(r.dbProvider, nil)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + sandboxColumns + " FROM user_sandbox WHERE id = ?"
	return scanRecord(querier.QueryRow(ctx, query, id))
}

func (r *SQLSandboxRepository) Create(ctx context.Context, record *SandboxRecord) error {
	if record == nil {
		return errors.New("record is nil")
	}
	if record.ID == "" || record.UserID == "" {
		return errors.New("record id and user id are required")
	}

	status := record.Status
	if status == "" {
		status = StatusPending
	}

	querier, err := db.GetProviderQuerier(r.dbProvider, nil)
	if err != nil {
		return err
	}

	query := `INSERT INTO user_sandbox
		(id, user_id, container_id, status, image, runtime, cpu_limit, memory_limit, idle_timeout)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = querier.Exec(ctx, query,
		record.ID, record.UserID, nullString(record.ContainerID), string(status),
		record.Image, nullString(record.Runtime),
		nullFloat(record.CPULimit), nullInt(record.MemoryLimitMB), record.IdleTimeout)
	if err != nil {
		if _, ok := db.UniqueViolation(err); ok {
			return ErrUserHasSandbox
		}
		return fmt.Errorf("insert sandbox record failed: %w", err)
	}

	r.invalidateUser(ctx, record.UserID)
	return nil
}

func (r *SQLSandboxRepository) UpdateStatus(ctx context.Context, id string, status Status, containerID, errorMessage *string) error {
	querier, err := db.GetProviderQuerier(r.dbProvider, nil)
	if err != nil {
		return err
	}

	setClauses := []string{"status = ?", "last_active_at = ?", "updated_at = ?"}
	now := time.Now().UTC()
	args := []interface{}{string(status), now, now}

	if containerID != nil {
		setClauses = append(setClauses, "container_id = ?")
		args = append(args, *containerID)
	}
	if errorMessage != nil {
		setClauses = append(setClauses, "error_message = ?")
		args = append(args, *errorMessage)
	} else if status == StatusRunning {
		// A successful (re)start clears any previous failure message.
		setClauses = append(setClauses, "error_message = NULL")
	}

	query := "UPDATE user_sandbox SET " + strings.Join(setClauses, ", ") + " WHERE id = ?"
	args = append(args, id)

	if _, err := querier.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update sandbox status failed: %w", err)
	}

	r.invalidateByID(ctx, id)
	return nil
}

func (r *SQLSandboxRepository) TouchLastActive(ctx context.Context, id string) error {
	querier, err := db.GetProviderQuerier(r.dbProvider, nil)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	query := "UPDATE user_sandbox SET last_active_at = ?, updated_at = ? WHERE id = ?"
	if _, err := querier.Exec(ctx, query, now, now, id); err != nil {
		return fmt.Errorf("touch sandbox failed: %w", err)
	}

	r.invalidateByID(ctx, id)
	return nil
}

func (r *SQLSandboxRepository) MarkStoppedBatch(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	querier, err := db.GetProviderQuerier(r.dbProvider, nil)
	if err != nil {
		return 0, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	now := time.Now().UTC()
	args := make([]interface{}, 0, len(ids)+3)
	args = append(args, string(StatusStopped), now, now)
	for _, id := range ids {
		args = append(args, id)
	}

	query := "UPDATE user_sandbox SET status = ?, last_active_at = ?, updated_at = ? WHERE id IN (" + placeholders + ")"
	result, err := querier.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("batch stop update failed: %w", err)
	}

	for _, id := range ids {
		r.invalidateByID(ctx, id)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return affected, nil
}

func (r *SQLSandboxRepository) Delete(ctx context.Context, id string) (bool, error) {
	record, err := r.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, nil
	}

	querier, err := db.GetProviderQuerier(r.dbProvider, nil)
	if err != nil {
		return false, err
	}

	result, err := querier.Exec(ctx, "DELETE FROM user_sandbox WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete sandbox record failed: %w", err)
	}

	r.invalidateUser(ctx, record.UserID)

	affected, err := result.RowsAffected()
	if err != nil {
		return true, nil
	}
	return affected > 0, nil
}

func (r *SQLSandboxRepository) List(ctx context.Context, filter ListFilter) ([]*SandboxRecord, int64, error) {
	querier, err := db.GetProviderQuerier(r.dbProvider, nil)
	if err != nil {
		return nil, 0, err
	}

	var conditions []string
	var args []interface{}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int64
	if err := querier.QueryRow(ctx, "SELECT COUNT(*) FROM user_sandbox"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sandbox records failed: %w", err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 20
	}

	query := "SELECT " + sandboxColumns + " FROM user_sandbox" + where +
		" ORDER BY updated_at DESC LIMIT ? OFFSET ?"
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := querier.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sandbox records failed: %w", err)
	}
	defer rows.Close()

	var records []*SandboxRecord
	for rows.Next() {
		record, scanErr := scanRecordFromRows(rows)
		if scanErr != nil {
			return nil, 0, scanErr
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list sandbox records failed: %w", err)
	}

	return records, total, nil
}

func (r *SQLSandboxRepository) ReconcileStartup(ctx context.Context) (int64, int64, error) {
	querier, err := db.GetProviderQuerier(r.dbProvider, nil)
	if err != nil {
		return 0, 0, err
	}

	now := time.Now().UTC()

	failedResult, err := querier.Exec(ctx,
		"UPDATE user_sandbox SET status = ?, error_message = ?, updated_at = ? WHERE status = ?",
		string(StatusFailed), "creation interrupted by service restart", now, string(StatusCreating))
	if err != nil {
		return 0, 0, fmt.Errorf("reconcile creating records failed: %w", err)
	}

	stoppedResult, err := querier.Exec(ctx,
		"UPDATE user_sandbox SET status = ?, updated_at = ? WHERE status = ?",
		string(StatusStopped), now, string(StatusRunning))
	if err != nil {
		return 0, 0, fmt.Errorf("reconcile running records failed: %w", err)
	}

	failed, _ := failedResult.RowsAffected()
	stopped, _ := stoppedResult.RowsAffected()
	return failed, stopped, nil
}

// invalidateUser drops the cached record for a user.
func (r *SQLSandboxRepository) invalidateUser(ctx context.Context, userID string) {
	if r.cache == nil || userID == "" {
		return
	}
	_ = r.cache.Del(ctx, userCacheKey(userID))
}

// invalidateByID resolves the owning user to drop its cache entry. Cache
// consistency is best-effort; a stale entry self-corrects at TTL expiry.
func (r *SQLSandboxRepository) invalidateByID(ctx context.Context, id string) {
	if r.cache == nil {
		return
	}
	record, err := r.GetByID(ctx, id)
	if err != nil || record == nil {
		return
	}
	_ = r.cache.Del(ctx, userCacheKey(record.UserID))
}

func userCacheKey(userID string) string {
	return "sandbox:user:" + userID
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInt(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*SandboxRecord, error) {
	record, err := scanRecordFromRows(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func scanRecordFromRows(row rowScanner) (*SandboxRecord, error) {
	var record SandboxRecord
	var containerID, runtimeName, errorMessage sql.NullString
	var cpuLimit sql.NullFloat64
	var memoryLimit sql.NullInt64
	var lastActiveAt sql.NullTime
	var status string

	err := row.Scan(
		&record.ID, &record.UserID, &containerID, &status, &record.Image,
		&runtimeName, &cpuLimit, &memoryLimit, &record.IdleTimeout,
		&lastActiveAt, &errorMessage, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Status = Status(status)
	if containerID.Valid {
		record.ContainerID = &containerID.String
	}
	if runtimeName.Valid {
		record.Runtime = &runtimeName.String
	}
	if errorMessage.Valid {
		record.ErrorMessage = &errorMessage.String
	}
	if cpuLimit.Valid {
		record.CPULimit = &cpuLimit.Float64
	}
	if memoryLimit.Valid {
		record.MemoryLimitMB = &memoryLimit.Int64
	}
	if lastActiveAt.Valid {
		t := lastActiveAt.Time
		record.LastActiveAt = &t
	}

	return &record, nil
}
