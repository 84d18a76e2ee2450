// Package repository Event 日志相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"genflow/internal/shared/model"
	"genflow/internal/shared/storage"
)

// maxAppendAttempts seq 唯一约束冲突时的最大重试次数
const maxAppendAttempts = 5

const eventColumns = `id, run_id, seq, kind, payload, timestamp`

// AppendEvent 追加事件
//
// 在事务内读取当前最大 seq 并写入 seq+1；(run_id, seq) 唯一约束兜底并发写入，
// 冲突时整体重试。
func (s *Store) AppendEvent(ctx context.Context, runID string, kind model.EventKind, payload json.RawMessage) (*model.Event, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}

	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		e, err := s.appendOnce(ctx, runID, kind, payload)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, storage.ErrDuplicate) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("append event to run %s after %d attempts: %w", runID, maxAppendAttempts, lastErr)
}

func (s *Store) appendOnce(ctx context.Context, runID string, kind model.EventKind, payload json.RawMessage) (*model.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var lastSeq int64
	var lastKind model.EventKind
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT seq, kind FROM run_events WHERE run_id = $1 ORDER BY seq DESC LIMIT 1`), runID).
		Scan(&lastSeq, &lastKind)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var exists int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM runs WHERE id = $1`), runID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, storage.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case lastKind.IsTerminal():
		return nil, fmt.Errorf("run %s: %w", runID, storage.ErrRunTerminal)
	}

	e := &model.Event{
		RunID:     runID,
		Seq:       lastSeq + 1,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx,
		s.rebind(`INSERT INTO run_events (run_id, seq, kind, payload, timestamp) VALUES ($1, $2, $3, $4, $5)`),
		e.RunID, e.Seq, e.Kind, jsonParam(e.Payload), e.Timestamp)
	if s.dialect.IsUniqueViolation(err) {
		return nil, fmt.Errorf("run %s seq %d: %w", runID, e.Seq, storage.ErrDuplicate)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return nil, fmt.Errorf("run %s seq %d: %w", runID, e.Seq, storage.ErrDuplicate)
		}
		return nil, err
	}
	return e, nil
}

// ReadEvents 读取 seq >= cursor 的事件
func (s *Store) ReadEvents(ctx context.Context, runID string, cursor int64, limit int) ([]*model.Event, int64, error) {
	query := `SELECT ` + eventColumns + ` FROM run_events WHERE run_id = $1 AND seq >= $2 ORDER BY seq ASC`
	args := []any{runID, cursor}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	events, err := s.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, cursor, err
	}
	next := cursor
	if n := len(events); n > 0 {
		next = events[n-1].Seq + 1
	}
	return events, next, nil
}

// ReadAllEvents 读取完整日志
func (s *Store) ReadAllEvents(ctx context.Context, runID string) ([]*model.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM run_events WHERE run_id = $1 ORDER BY seq ASC`, runID)
}

// LastEvent 读取最后一条事件
func (s *Store) LastEvent(ctx context.Context, runID string) (*model.Event, error) {
	events, err := s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM run_events WHERE run_id = $1 ORDER BY seq DESC LIMIT 1`, runID)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []*model.Event{}
	for rows.Next() {
		e := &model.Event{}
		var payload *[]byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.Seq, &e.Kind, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Payload = jsonValue(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}
