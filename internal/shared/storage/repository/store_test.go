// Package repository SQLite 集成测试
//
// 使用 SQLite 内存数据库验证 repository 层 Run 存储与事件日志的正确性。
// 无需外部数据库依赖，可在任何环境下运行。
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"genflow/internal/shared/model"
	"genflow/internal/shared/storage"
	"genflow/internal/shared/storage/dbutil"
	sqlitedriver "genflow/internal/shared/storage/driver/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore 创建用于测试的 SQLite 内存数据库 Store
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

func newRun(id, owner string) *model.Run {
	now := time.Now().UTC()
	return &model.Run{
		ID:        id,
		OwnerID:   owner,
		JobType:   model.JobTypeReport,
		Status:    model.RunStatusQueued,
		Input:     json.RawMessage(`{"prompt":"quarterly summary"}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func mustCreate(t *testing.T, s *Store, run *model.Run) {
	t.Helper()
	require.NoError(t, s.CreateRun(context.Background(), run))
}

func payload(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// ============================================================================
// Dialect 基础测试
// ============================================================================

func TestDialectTypes(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, dbutil.DriverSQLite, d.DriverType())
	assert.Equal(t, "datetime('now')", d.CurrentTimestamp())
	assert.False(t, d.IsUniqueViolation(nil))
	assert.True(t, d.IsUniqueViolation(fmt.Errorf("constraint failed: UNIQUE constraint failed: run_events.run_id, run_events.seq (2067)")))
}

func TestRebind(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, "SELECT * FROM t WHERE id = ? AND name = ?",
		d.Rebind("SELECT * FROM t WHERE id = $1 AND name = $2"))
	// 应去除 PG 类型转换
	assert.Equal(t, "UPDATE t SET status = ? WHERE id = ?",
		d.Rebind("UPDATE t SET status = $1::varchar WHERE id = $2"))
	assert.Equal(t, "$3, $4, $5", dbutil.PlaceholderList(3, 3))
}

// ============================================================================
// Run 测试
// ============================================================================

func TestRunCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newRun("run-1", "alice")
	mustCreate(t, s, run)

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, model.JobTypeReport, got.JobType)
	assert.Equal(t, model.RunStatusQueued, got.Status)
	assert.JSONEq(t, `{"prompt":"quarterly summary"}`, string(got.Input))
	assert.Nil(t, got.ResultRef)
	assert.Nil(t, got.ParentRunID)
	assert.False(t, got.CancelRequested)

	err = s.CreateRun(ctx, newRun("run-1", "alice"))
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, newRun("run-1", "alice"))

	require.NoError(t, s.MarkRunning(ctx, "run-1"))
	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.HeartbeatAt)

	// 重复领取失败
	assert.ErrorIs(t, s.MarkRunning(ctx, "run-1"), storage.ErrConflict)

	require.NoError(t, s.MarkDone(ctx, "run-1", "log://run-1"))
	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, got.Status)
	require.NotNil(t, got.ResultRef)
	assert.Equal(t, "log://run-1", *got.ResultRef)
	assert.NotNil(t, got.CompletedAt)
}

func TestRunTerminalAbsorbing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, newRun("run-1", "alice"))
	require.NoError(t, s.MarkRunning(ctx, "run-1"))
	require.NoError(t, s.MarkCancelled(ctx, "run-1"))

	assert.ErrorIs(t, s.MarkDone(ctx, "run-1", "ref"), storage.ErrConflict)
	assert.ErrorIs(t, s.MarkError(ctx, "run-1", model.ErrorCodeExecution, "boom"), storage.ErrConflict)
	assert.ErrorIs(t, s.MarkRunning(ctx, "run-1"), storage.ErrConflict)
	assert.ErrorIs(t, s.MarkCancelled(ctx, "run-1"), storage.ErrConflict)

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
	assert.Nil(t, got.ResultRef)

	assert.ErrorIs(t, s.MarkRunning(ctx, "missing"), storage.ErrNotFound)
}

func TestRunMarkError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, newRun("run-1", "alice"))
	require.NoError(t, s.MarkRunning(ctx, "run-1"))
	require.NoError(t, s.MarkError(ctx, "run-1", model.ErrorCodeTimeout, "run exceeded 10m0s"))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, model.ErrorCodeTimeout, *got.ErrorCode)
	require.NotNil(t, got.Error)
	assert.Equal(t, "run exceeded 10m0s", *got.Error)
}

func TestRequestCancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, newRun("run-1", "alice"))

	ok, err := s.RequestCancel(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, ok)

	requested, err := s.IsCancelRequested(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, requested)

	require.NoError(t, s.MarkRunning(ctx, "run-1"))
	require.NoError(t, s.MarkCancelled(ctx, "run-1"))

	// 终态上的取消请求是 no-op
	ok, err = s.RequestCancel(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.RequestCancel(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.IsCancelRequested(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		run := newRun(fmt.Sprintf("run-a%d", i), "alice")
		run.CreatedAt = run.CreatedAt.Add(time.Duration(i) * time.Second)
		mustCreate(t, s, run)
	}
	mustCreate(t, s, newRun("run-b0", "bob"))
	require.NoError(t, s.MarkRunning(ctx, "run-a1"))

	runs, err := s.ListRunsByOwner(ctx, "alice", 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-a2", runs[0].ID)

	queued, err := s.ListRunsByStatus(ctx, model.RunStatusQueued, 10)
	require.NoError(t, err)
	assert.Len(t, queued, 3)

	running, err := s.ListRunsByStatus(ctx, model.RunStatusRunning, 10)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "run-a1", running[0].ID)
}

func TestDeleteChildKeepsParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, newRun("parent", "alice"))
	child := newRun("child", "alice")
	parentID := "parent"
	child.ParentRunID = &parentID
	mustCreate(t, s, child)

	_, err := s.AppendEvent(ctx, "child", model.EventKindStatus, payload(model.StatusPayload{Phase: model.PhaseRunning}))
	require.NoError(t, err)

	require.NoError(t, s.DeleteRun(ctx, "child"))
	_, err = s.GetRun(ctx, "child")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	events, err := s.ReadAllEvents(ctx, "child")
	require.NoError(t, err)
	assert.Empty(t, events)

	parent, err := s.GetRun(ctx, "parent")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQueued, parent.Status)

	assert.ErrorIs(t, s.DeleteRun(ctx, "child"), storage.ErrNotFound)
}

// ============================================================================
// Event 日志测试
// ============================================================================

func TestAppendEventGapless(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, newRun("run-1", "alice"))

	for i := 0; i < 5; i++ {
		e, err := s.AppendEvent(ctx, "run-1", model.EventKindDelta, payload(model.DeltaPayload{Text: fmt.Sprint(i)}))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), e.Seq)
	}

	events, err := s.ReadAllEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, model.EventKindDelta, e.Kind)
	}
}

func TestAppendEventErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, "missing", model.EventKindStatus, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	mustCreate(t, s, newRun("run-1", "alice"))
	_, err = s.AppendEvent(ctx, "run-1", model.EventKind("bogus"), nil)
	assert.Error(t, err)

	_, err = s.AppendEvent(ctx, "run-1", model.EventKindCancelled, payload(model.CancelledPayload{Reason: "user"}))
	require.NoError(t, err)

	_, err = s.AppendEvent(ctx, "run-1", model.EventKindDelta, payload(model.DeltaPayload{Text: "late"}))
	assert.ErrorIs(t, err, storage.ErrRunTerminal)
	_, err = s.AppendEvent(ctx, "run-1", model.EventKindComplete, nil)
	assert.ErrorIs(t, err, storage.ErrRunTerminal)

	last, err := s.LastEvent(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, model.EventKindCancelled, last.Kind)
	assert.Equal(t, int64(1), last.Seq)
}

func TestReadEventsCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, newRun("run-1", "alice"))

	last, err := s.LastEvent(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, last)

	events, next, err := s.ReadEvents(ctx, "run-1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int64(0), next)

	for i := 0; i < 6; i++ {
		_, err := s.AppendEvent(ctx, "run-1", model.EventKindDelta, payload(model.DeltaPayload{Text: fmt.Sprint(i)}))
		require.NoError(t, err)
	}

	// 幂等：同一游标读两次结果相同
	a, nextA, err := s.ReadEvents(ctx, "run-1", 3, 0)
	require.NoError(t, err)
	b, nextB, err := s.ReadEvents(ctx, "run-1", 3, 0)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, nextA, nextB)
	require.Len(t, a, 4)
	assert.Equal(t, int64(3), a[0].Seq)
	assert.Equal(t, int64(7), nextA)

	// 游标越过末尾：空结果，游标不变
	empty, next, err := s.ReadEvents(ctx, "run-1", 7, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, int64(7), next)

	// 分页拼接等于完整日志
	all, err := s.ReadAllEvents(ctx, "run-1")
	require.NoError(t, err)
	var joined []*model.Event
	cursor := int64(0)
	for {
		page, n, err := s.ReadEvents(ctx, "run-1", cursor, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		joined = append(joined, page...)
		cursor = n
	}
	assert.Equal(t, all, joined)
}

func TestConcurrentAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, newRun("run-1", "alice"))

	const writers, perWriter = 4, 10
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := s.AppendEvent(ctx, "run-1", model.EventKindDelta,
					payload(model.DeltaPayload{Text: fmt.Sprintf("%d-%d", w, i)})); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := s.ReadAllEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
	}
}

// ============================================================================
// 心跳测试
// ============================================================================

func TestRunHeartbeats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, newRun("run-1", "alice"))
	require.NoError(t, s.MarkRunning(ctx, "run-1"))

	hb := storage.NewRunHeartbeats(s, time.Minute)
	require.NoError(t, hb.Beat(ctx, "run-1", "worker-1"))
	alive, err := hb.Alive(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, alive)

	require.NoError(t, s.TouchHeartbeat(ctx, "run-1", time.Now().Add(-2*time.Minute)))
	alive, err = hb.Alive(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, alive)
	assert.NoError(t, hb.Clear(ctx, "run-1"))
}
