// Package repository Run 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"genflow/internal/shared/model"
	"genflow/internal/shared/storage"
	"genflow/internal/shared/storage/dbutil"
)

const runColumns = `id, owner_id, job_type, status, input, result_ref, error_code, error, parent_run_id,
	cancel_requested, heartbeat_at, started_at, completed_at, created_at, updated_at`

// CreateRun 创建 Run
func (s *Store) CreateRun(ctx context.Context, run *model.Run) error {
	query := s.rebind(`
		INSERT INTO runs (id, owner_id, job_type, status, input, parent_run_id, cancel_requested, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.OwnerID, run.JobType, run.Status, jsonParam(run.Input), run.ParentRunID,
		run.CancelRequested, run.CreatedAt, run.UpdatedAt)
	if s.dialect.IsUniqueViolation(err) {
		return fmt.Errorf("run %s: %w", run.ID, storage.ErrDuplicate)
	}
	return err
}

// GetRun 获取 Run
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	query := s.rebind(`SELECT ` + runColumns + ` FROM runs WHERE id = $1`)
	row := s.db.QueryRowContext(ctx, query, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	return run, err
}

// scanRun 辅助函数
func scanRun(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Run, error) {
	run := &model.Run{}
	var input *[]byte
	var errorCode *string
	err := scanner.Scan(
		&run.ID, &run.OwnerID, &run.JobType, &run.Status, &input, &run.ResultRef, &errorCode,
		&run.Error, &run.ParentRunID, &run.CancelRequested, &run.HeartbeatAt, &run.StartedAt,
		&run.CompletedAt, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Input = jsonValue(input)
	if errorCode != nil {
		code := model.ErrorCode(*errorCode)
		run.ErrorCode = &code
	}
	return run, nil
}

// scanRuns 批量扫描
func scanRuns(rows *sql.Rows) ([]*model.Run, error) {
	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRunsByOwner 列出用户的 Run（按创建时间倒序）
func (s *Store) ListRunsByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.rebind(`SELECT ` + runColumns + ` FROM runs WHERE owner_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`)
	rows, err := s.db.QueryContext(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListRunsByStatus 列出指定状态的 Run（按创建时间正序，供派发兜底与回收器使用）
func (s *Store) ListRunsByStatus(ctx context.Context, status model.RunStatus, limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`SELECT ` + runColumns + ` FROM runs WHERE status = $1 ORDER BY created_at ASC LIMIT $2`)
	rows, err := s.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// DeleteRun 删除 Run 及其事件（父 Run 不受影响）
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM run_events WHERE run_id = $1`), id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM runs WHERE id = $1`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	return tx.Commit()
}

// ============================================================================
// 状态迁移（条件更新）
// ============================================================================

// transition 仅当当前状态属于 to 的合法源状态时更新，否则返回 ErrConflict
//
// sets 中的占位符从 $3 开始编号；占位符必须按出现顺序递增（SQLite 按位置绑定）。
func (s *Store) transition(ctx context.Context, id string, to model.RunStatus, sets string, args ...any) error {
	sources := model.SourcesFor(to)

	params := []any{to, time.Now().UTC()}
	params = append(params, args...)
	idPos := len(params) + 1
	params = append(params, id)
	for _, src := range sources {
		params = append(params, src)
	}

	query := `UPDATE runs SET status = $1, updated_at = $2`
	if sets != "" {
		query += ", " + sets
	}
	query += fmt.Sprintf(` WHERE id = $%d AND status IN (%s)`, idPos, dbutil.PlaceholderList(idPos+1, len(sources)))

	res, err := s.db.ExecContext(ctx, s.rebind(query), params...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return s.conflictOrNotFound(ctx, id, to)
}

func (s *Store) conflictOrNotFound(ctx context.Context, id string, to model.RunStatus) error {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("run %s: %s -> %s: %w", id, run.Status, to, storage.ErrConflict)
}

// MarkRunning queued → running（执行器的原子领取）
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.transition(ctx, id, model.RunStatusRunning, `started_at = $3, heartbeat_at = $4`, now, now)
}

// MarkDone running → done
func (s *Store) MarkDone(ctx context.Context, id, resultRef string) error {
	now := time.Now().UTC()
	return s.transition(ctx, id, model.RunStatusDone, `result_ref = $3, completed_at = $4`, resultRef, now)
}

// MarkError → error
func (s *Store) MarkError(ctx context.Context, id string, code model.ErrorCode, detail string) error {
	now := time.Now().UTC()
	return s.transition(ctx, id, model.RunStatusError,
		`error_code = $3, error = $4, completed_at = $5`, string(code), detail, now)
}

// MarkCancelled → cancelled
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.transition(ctx, id, model.RunStatusCancelled, `completed_at = $3`, now)
}

// ============================================================================
// 取消与心跳
// ============================================================================

// RequestCancel 设置取消标记
func (s *Store) RequestCancel(ctx context.Context, id string) (bool, error) {
	query := s.rebind(`UPDATE runs SET cancel_requested = $1, updated_at = $2
		WHERE id = $3 AND status IN ($4, $5)`)
	res, err := s.db.ExecContext(ctx, query, true, time.Now().UTC(), id,
		model.RunStatusQueued, model.RunStatusRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// IsCancelRequested 查询取消标记
func (s *Store) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT cancel_requested FROM runs WHERE id = $1`), id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	return requested, err
}

// TouchHeartbeat 刷新心跳
func (s *Store) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	query := s.rebind(`UPDATE runs SET heartbeat_at = $1 WHERE id = $2 AND status = $3`)
	_, err := s.db.ExecContext(ctx, query, at.UTC(), id, model.RunStatusRunning)
	return err
}
