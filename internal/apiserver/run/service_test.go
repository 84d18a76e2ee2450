package run

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genflow/internal/executor"
	"genflow/internal/pipeline"
	"genflow/internal/shared/model"
	"genflow/internal/shared/resultstore"
	"genflow/internal/shared/storage"
	sqlitedriver "genflow/internal/shared/storage/driver/sqlite"
	"genflow/internal/shared/storage/repository"
	"genflow/pkg/logging"
)

// ============================================================================
// 测试替身
// ============================================================================

// echoStrategy 单步策略，合成时输出 delta 后返回 prompt
type echoStrategy struct {
	mu     sync.Mutex
	inputs []*model.JobInput
}

func (s *echoStrategy) Plan(_ context.Context, input *model.JobInput) ([]pipeline.Step, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, input)
	s.mu.Unlock()
	return []pipeline.Step{{Index: 0, Name: "draft", Required: true}}, nil
}

func (s *echoStrategy) ExecuteStep(context.Context, pipeline.Step, pipeline.StepContext) (*pipeline.StepOutput, error) {
	return &pipeline.StepOutput{Output: json.RawMessage(`{"text":"draft ok"}`)}, nil
}

func (s *echoStrategy) Synthesize(ctx context.Context, input *model.JobInput, _ []pipeline.StepOutcome, emit pipeline.Emitter) (json.RawMessage, error) {
	if err := emit.Delta(ctx, "answer: "); err != nil {
		return nil, err
	}
	if err := emit.Delta(ctx, input.Prompt); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"content": "answer: " + input.Prompt})
}

func (s *echoStrategy) Policy() pipeline.Policy {
	return pipeline.Policy{MaxAttempts: 1, StepTimeout: time.Second, RunTimeout: 5 * time.Second}
}

func (s *echoStrategy) lastInput() *model.JobInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inputs) == 0 {
		return nil
	}
	return s.inputs[len(s.inputs)-1]
}

// recordingDispatcher 只记录派发，不执行
type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, runID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, runID)
	return nil
}

func (d *recordingDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

// fakeAnswerer 记录追问请求
type fakeAnswerer struct {
	got    pipeline.FollowUpRequest
	answer string
	err    error
}

func (a *fakeAnswerer) Answer(_ context.Context, req pipeline.FollowUpRequest) (string, error) {
	a.got = req
	return a.answer, a.err
}

type fixture struct {
	svc        *Service
	store      *repository.Store
	exec       *executor.Executor
	strategy   *echoStrategy
	dispatcher *recordingDispatcher
	answerer   *fakeAnswerer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	d := sqlitedriver.NewDialect()
	require.NoError(t, d.AutoMigrate(db))
	store := repository.NewStore(db, d)
	t.Cleanup(func() { store.Close() })

	strategy := &echoStrategy{}
	reg := pipeline.NewRegistry()
	reg.Register(model.JobTypeReport, strategy)
	results := resultstore.NewLogStore(store)

	exec := executor.New(executor.Config{
		WorkerID:           "test-worker",
		HeartbeatInterval:  20 * time.Millisecond,
		CancelPollInterval: 5 * time.Millisecond,
	}, executor.Deps{
		Runs:     store,
		Events:   store,
		Registry: reg,
		Results:  results,
		Logger:   logging.Discard(),
	})

	f := &fixture{
		store:      store,
		exec:       exec,
		strategy:   strategy,
		dispatcher: &recordingDispatcher{},
		answerer:   &fakeAnswerer{answer: "because"},
	}
	f.svc = NewService(ServiceDeps{
		Store:      store,
		Results:    results,
		Registry:   reg,
		Dispatcher: f.dispatcher,
		Answerer:   f.answerer,
	})
	return f
}

func (f *fixture) submit(t *testing.T, owner, prompt string) *model.Run {
	t.Helper()
	input, err := json.Marshal(map[string]string{"prompt": prompt})
	require.NoError(t, err)
	run, err := f.svc.Submit(context.Background(), owner, SubmitRequest{JobType: model.JobTypeReport, Input: input})
	require.NoError(t, err)
	return run
}

func (f *fixture) execute(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.exec.Execute(context.Background(), id))
}

func (f *fixture) append(t *testing.T, id string, kind model.EventKind, payload any) {
	t.Helper()
	raw, err := model.EncodePayload(payload)
	require.NoError(t, err)
	_, err = f.store.AppendEvent(context.Background(), id, kind, raw)
	require.NoError(t, err)
}

// ============================================================================
// 提交
// ============================================================================

func TestSubmit_CreatesQueuedRunAndDispatches(t *testing.T) {
	f := newFixture(t)
	run := f.submit(t, "alice", "quarterly summary")

	assert.Equal(t, model.RunStatusQueued, run.Status)
	assert.Equal(t, "alice", run.OwnerID)
	assert.Equal(t, []string{run.ID}, f.dispatcher.dispatched())

	stored, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQueued, stored.Status)
}

func TestSubmit_Validation(t *testing.T) {
	tests := []struct {
		name  string
		req   SubmitRequest
		field string
	}{
		{"unknown job type", SubmitRequest{JobType: "poem", Input: json.RawMessage(`{"prompt":"x"}`)}, "job_type"},
		{"unregistered job type", SubmitRequest{JobType: model.JobTypeChart, Input: json.RawMessage(`{"prompt":"x"}`)}, "job_type"},
		{"missing input", SubmitRequest{JobType: model.JobTypeReport}, "input"},
		{"input not an object", SubmitRequest{JobType: model.JobTypeReport, Input: json.RawMessage(`[1,2]`)}, "input"},
		{"missing prompt", SubmitRequest{JobType: model.JobTypeReport, Input: json.RawMessage(`{}`)}, "input.prompt"},
		{"previous supplied", SubmitRequest{JobType: model.JobTypeReport, Input: json.RawMessage(`{"prompt":"x","previous":{"run_id":"r"}}`)}, "input.previous"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Submit(context.Background(), "alice", tt.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
			assert.Empty(t, f.dispatcher.dispatched())
		})
	}
}

func TestGet_OtherOwnerIsNotFound(t *testing.T) {
	f := newFixture(t)
	run := f.submit(t, "alice", "hello")

	_, err := f.svc.Get(context.Background(), "bob", run.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.svc.Poll(context.Background(), "bob", run.ID, 0, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.svc.Get(context.Background(), "alice", "run-missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestList_OnlyOwnRuns(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "alice", "one")
	f.submit(t, "alice", "two")
	f.submit(t, "bob", "three")

	runs, err := f.svc.List(context.Background(), "alice", 10, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

// ============================================================================
// 增量轮询
// ============================================================================

func TestPoll_ConcatenatedPagesEqualFullLog(t *testing.T) {
	f := newFixture(t)
	run := f.submit(t, "alice", "hello")
	f.execute(t, run.ID)

	all, err := f.store.ReadAllEvents(context.Background(), run.ID)
	require.NoError(t, err)

	var collected []*model.Event
	cursor := int64(0)
	var last *PollResult
	for i := 0; i < 100; i++ {
		res, err := f.svc.Poll(context.Background(), "alice", run.ID, cursor, 2)
		require.NoError(t, err)
		collected = append(collected, res.Items...)
		cursor = res.NextCursor
		last = res
		if res.Done {
			break
		}
		assert.Equal(t, model.RunStatusDone, res.Status)
	}

	require.NotNil(t, last)
	assert.True(t, last.Done)
	assert.Equal(t, model.RunStatusDone, last.Status)
	require.Len(t, collected, len(all))
	for i := range all {
		assert.Equal(t, all[i].Seq, collected[i].Seq)
		assert.Equal(t, all[i].Kind, collected[i].Kind)
	}
	assert.Equal(t, model.EventKindComplete, collected[len(collected)-1].Kind)
}

func TestPoll_CursorSemantics(t *testing.T) {
	f := newFixture(t)
	run := f.submit(t, "alice", "hello")
	ctx := context.Background()

	res, err := f.svc.Poll(ctx, "alice", run.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, int64(0), res.NextCursor)
	assert.False(t, res.Done)
	assert.Equal(t, model.RunStatusQueued, res.Status)

	_, err = f.svc.Poll(ctx, "alice", run.ID, -1, 0)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	require.NoError(t, f.store.MarkRunning(ctx, run.ID))
	f.append(t, run.ID, model.EventKindStatus, model.StatusPayload{Phase: model.PhaseRunning})
	f.append(t, run.ID, model.EventKindDelta, model.DeltaPayload{Text: "a"})

	res, err = f.svc.Poll(ctx, "alice", run.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, int64(1), res.Items[0].Seq)
	assert.Equal(t, int64(3), res.NextCursor)

	// 超出末尾的游标原样返回
	res, err = f.svc.Poll(ctx, "alice", run.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, int64(10), res.NextCursor)
	assert.Equal(t, model.RunStatusRunning, res.Status)
}

func TestPoll_TerminalEventBeforeStoreUpdate(t *testing.T) {
	f := newFixture(t)
	run := f.submit(t, "alice", "hello")
	ctx := context.Background()

	require.NoError(t, f.store.MarkRunning(ctx, run.ID))
	f.append(t, run.ID, model.EventKindDelta, model.DeltaPayload{Text: "partial"})
	f.append(t, run.ID, model.EventKindCancelled, model.CancelledPayload{Reason: "user"})

	res, err := f.svc.Poll(ctx, "alice", run.ID, 0, 0)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, model.RunStatusCancelled, res.Status)

	// 终态事件已经交付，Run Store 尚未更新：空页仍报告 done，状态取自日志
	res, err = f.svc.Poll(ctx, "alice", run.ID, res.NextCursor, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.True(t, res.Done)
	assert.Equal(t, model.RunStatusCancelled, res.Status)

	snap, err := f.svc.Snapshot(ctx, "alice", run.ID)
	require.NoError(t, err)
	assert.True(t, snap.Done)
	assert.Equal(t, res.Status, snap.Status)

	require.NoError(t, f.store.MarkCancelled(ctx, run.ID))
	res, err = f.svc.Poll(ctx, "alice", run.ID, res.NextCursor, 0)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, model.RunStatusCancelled, res.Status)
}

func TestPoll_TerminalRunWithoutEvents(t *testing.T) {
	f := newFixture(t)
	run := f.submit(t, "alice", "hello")
	require.NoError(t, f.store.MarkCancelled(context.Background(), run.ID))

	res, err := f.svc.Poll(context.Background(), "alice", run.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.True(t, res.Done)
	assert.Equal(t, model.RunStatusCancelled, res.Status)
}

func TestPoll_CompleteEventBeforeMarkDone(t *testing.T) {
	f := newFixture(t)
	run := f.submit(t, "alice", "hello")
	ctx := context.Background()

	require.NoError(t, f.store.MarkRunning(ctx, run.ID))
	f.append(t, run.ID, model.EventKindDelta, model.DeltaPayload{Text: "answer"})
	f.append(t, run.ID, model.EventKindComplete, model.CompletePayload{Result: json.RawMessage(`"answer"`)})

	first, err := f.svc.Poll(ctx, "alice", run.ID, 0, 0)
	require.NoError(t, err)
	assert.True(t, first.Done)
	assert.Equal(t, model.RunStatusDone, first.Status)

	second, err := f.svc.Poll(ctx, "alice", run.ID, first.NextCursor, 0)
	require.NoError(t, err)
	assert.Empty(t, second.Items)
	assert.True(t, second.Done)
	assert.Equal(t, model.RunStatusDone, second.Status)
	assert.Equal(t, first.NextCursor, second.NextCursor)

	snap, err := f.svc.Snapshot(ctx, "alice", run.ID)
	require.NoError(t, err)
	assert.True(t, snap.Done)
	assert.Equal(t, model.RunStatusDone, snap.Status)
}

func TestPoll_MidLogPageOfFinishedRunIsNotDone(t *testing.T) {
	f := newFixture(t)
	run := f.submit(t, "alice", "hello")
	f.execute(t, run.ID)

	res, err := f.svc.Poll(context.Background(), "alice", run.ID, 0, 1)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.False(t, res.Done)
}

// TestPollers_AgreeWhileRunExecutes 游标轮询与快照轮询并发跟随同一个执行中的 Run，
// 二者报告的终态必须一致
func TestPollers_AgreeWhileRunExecutes(t *testing.T) {
	for i := 0; i < 5; i++ {
		f := newFixture(t)
		run := f.submit(t, "alice", "hello")
		ctx := context.Background()

		var mu sync.Mutex
		seen := map[string]map[model.RunStatus]bool{"cursor": {}, "snapshot": {}}
		record := func(shape string, done bool, status model.RunStatus) {
			if !done && !status.IsTerminal() {
				return
			}
			mu.Lock()
			seen[shape][status] = true
			mu.Unlock()
		}

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.exec.Execute(ctx, run.ID))
		}()
		go func() {
			defer wg.Done()
			var cursor int64
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				res, err := f.svc.Poll(ctx, "alice", run.ID, cursor, 2)
				if !assert.NoError(t, err) {
					return
				}
				record("cursor", res.Done, res.Status)
				cursor = res.NextCursor
				if res.Done {
					return
				}
			}
			t.Error("cursor poller never saw done")
		}()
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				snap, err := f.svc.Snapshot(ctx, "alice", run.ID)
				if !assert.NoError(t, err) {
					return
				}
				record("snapshot", snap.Done, snap.Status)
				if snap.Done {
					return
				}
			}
			t.Error("snapshot poller never saw done")
		}()
		wg.Wait()

		assert.Equal(t, map[model.RunStatus]bool{model.RunStatusDone: true}, seen["cursor"])
		assert.Equal(t, map[model.RunStatus]bool{model.RunStatusDone: true}, seen["snapshot"])

		// 结束后任意游标的轮询与快照一致
		snap, err := f.svc.Snapshot(ctx, "alice", run.ID)
		require.NoError(t, err)
		for cursor := int64(0); cursor <= snap.LastSeq+1; cursor++ {
			res, err := f.svc.Poll(ctx, "alice", run.ID, cursor, 0)
			require.NoError(t, err)
			assert.True(t, res.Done, "cursor %d", cursor)
			assert.Equal(t, snap.Status, res.Status, "cursor %d", cursor)
		}
	}
}

// ============================================================================
// 快照轮询
// ============================================================================

func TestSnapshot_Completed(t *testing.T) {
	f := newFixture(t)
	run := f.submit(t, "alice", "hello")
	f.execute(t, run.ID)

	snap, err := f.svc.Snapshot(context.Background(), "alice", run.ID)
	require.NoError(t, err)
	assert.True(t, snap.Done)
	assert.Equal(t, model.RunStatusDone, snap.Status)
	assert.Equal(t, "answer: hello", snap.Content)
	assert.JSONEq(t, `{"content":"answer: hello"}`, string(snap.FinalResult))
	require.Len(t, snap.Steps, 1)
	assert.Equal(t, model.StepStateSucceeded, snap.Steps[0].State)
}

func TestSnapshot_TerminalRunWithoutEvents(t *testing.T) {
	f := newFixture(t)
	run := f.submit(t, "alice", "hello")
	require.NoError(t, f.store.MarkCancelled(context.Background(), run.ID))

	snap, err := f.svc.Snapshot(context.Background(), "alice", run.ID)
	require.NoError(t, err)
	assert.True(t, snap.Done)
	assert.Equal(t, model.RunStatusCancelled, snap.Status)
}

func TestSnapshot_InProgressUsesStoreStatus(t *testing.T) {
	f := newFixture(t)
	run := f.submit(t, "alice", "hello")

	snap, err := f.svc.Snapshot(context.Background(), "alice", run.ID)
	require.NoError(t, err)
	assert.False(t, snap.Done)
	assert.Equal(t, model.RunStatusQueued, snap.Status)
	assert.Empty(t, snap.Steps)
}

// ============================================================================
// 取消
// ============================================================================

func TestCancel_QueuedRun(t *testing.T) {
	f := newFixture(t)
	run := f.submit(t, "alice", "hello")
	ctx := context.Background()

	got, err := f.svc.Cancel(ctx, "alice", run.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	// 提交一次、取消后重新派发一次
	assert.Equal(t, []string{run.ID, run.ID}, f.dispatcher.dispatched())

	f.execute(t, run.ID)

	res, err := f.svc.Poll(ctx, "alice", run.ID, 0, 0)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, model.RunStatusCancelled, res.Status)
	require.NotEmpty(t, res.Items)
	assert.Equal(t, model.EventKindCancelled, res.Items[len(res.Items)-1].Kind)
}

func TestCancel_TerminalRunIsNoOp(t *testing.T) {
	f := newFixture(t)
	run := f.submit(t, "alice", "hello")
	f.execute(t, run.ID)
	ctx := context.Background()

	before, err := f.store.ReadAllEvents(ctx, run.ID)
	require.NoError(t, err)

	got, err := f.svc.Cancel(ctx, "alice", run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, got.Status)
	assert.False(t, got.CancelRequested)

	after, err := f.store.ReadAllEvents(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

// ============================================================================
// 重新生成与追问
// ============================================================================

func TestRegenerate_FromDoneRun(t *testing.T) {
	f := newFixture(t)
	parent := f.submit(t, "alice", "hello")
	f.execute(t, parent.ID)
	ctx := context.Background()

	child, err := f.svc.Regenerate(ctx, "alice", parent.ID, "shorter please")
	require.NoError(t, err)
	require.NotNil(t, child.ParentRunID)
	assert.Equal(t, parent.ID, *child.ParentRunID)
	assert.Equal(t, model.RunStatusQueued, child.Status)
	assert.NotEqual(t, parent.ID, child.ID)

	f.execute(t, child.ID)
	input := f.strategy.lastInput()
	require.NotNil(t, input)
	require.NotNil(t, input.Previous)
	assert.Equal(t, "hello", input.Prompt)
	assert.Equal(t, parent.ID, input.Previous.RunID)
	assert.Equal(t, model.RunStatusDone, input.Previous.Status)
	assert.Equal(t, "shorter please", input.Previous.Feedback)
	assert.JSONEq(t, `{"content":"answer: hello"}`, string(input.Previous.Result))

	// 父 Run 不受影响
	got, err := f.svc.Get(ctx, "alice", parent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusDone, got.Status)
}

func TestRegenerate_FromCancelledRunUsesPartialContent(t *testing.T) {
	f := newFixture(t)
	parent := f.submit(t, "alice", "hello")
	ctx := context.Background()

	require.NoError(t, f.store.MarkRunning(ctx, parent.ID))
	f.append(t, parent.ID, model.EventKindDelta, model.DeltaPayload{Text: "half "})
	f.append(t, parent.ID, model.EventKindDelta, model.DeltaPayload{Text: "done"})
	f.append(t, parent.ID, model.EventKindCancelled, model.CancelledPayload{Reason: "user"})

	// Run Store 仍为 running，以日志终态为准
	child, err := f.svc.Regenerate(ctx, "alice", parent.ID, "continue")
	require.NoError(t, err)

	stored, err := f.store.GetRun(ctx, child.ID)
	require.NoError(t, err)
	input, err := model.ParseJobInput(stored.Input)
	require.NoError(t, err)
	require.NotNil(t, input.Previous)
	assert.Equal(t, model.RunStatusCancelled, input.Previous.Status)
	assert.JSONEq(t, `"half done"`, string(input.Previous.Result))
}

func TestRegenerate_KeepsExtraInputFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent, err := f.svc.Submit(ctx, "alice", SubmitRequest{
		JobType: model.JobTypeReport,
		Input:   json.RawMessage(`{"prompt":"q3","audience":"board","tone":"formal","context":{"quarter":3}}`),
	})
	require.NoError(t, err)
	f.execute(t, parent.ID)

	child, err := f.svc.Regenerate(ctx, "alice", parent.ID, "make it shorter")
	require.NoError(t, err)

	stored, err := f.store.GetRun(ctx, child.ID)
	require.NoError(t, err)
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(stored.Input, &fields))
	assert.JSONEq(t, `"q3"`, string(fields["prompt"]))
	assert.JSONEq(t, `"board"`, string(fields["audience"]))
	assert.JSONEq(t, `"formal"`, string(fields["tone"]))
	assert.JSONEq(t, `{"quarter":3}`, string(fields["context"]))

	input, err := model.ParseJobInput(stored.Input)
	require.NoError(t, err)
	require.NotNil(t, input.Previous)
	assert.Equal(t, "make it shorter", input.Previous.Feedback)
	assert.Equal(t, parent.ID, input.Previous.RunID)
}

func TestRegenerate_Rejects(t *testing.T) {
	f := newFixture(t)
	run := f.submit(t, "alice", "hello")
	ctx := context.Background()

	_, err := f.svc.Regenerate(ctx, "alice", run.ID, "more")
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = f.svc.Regenerate(ctx, "alice", run.ID, "   ")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = f.svc.Regenerate(ctx, "bob", run.ID, "more")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFollowUp(t *testing.T) {
	f := newFixture(t)
	run := f.submit(t, "alice", "hello")
	ctx := context.Background()

	_, err := f.svc.FollowUp(ctx, "alice", run.ID, FollowUpRequest{Question: "why?"})
	assert.ErrorIs(t, err, storage.ErrConflict)

	f.execute(t, run.ID)

	prior := []pipeline.Exchange{{Question: "what?", Answer: "that"}}
	answer, err := f.svc.FollowUp(ctx, "alice", run.ID, FollowUpRequest{Question: " why? ", PriorExchange: prior})
	require.NoError(t, err)
	assert.Equal(t, "because", answer)
	assert.Equal(t, "why?", f.answerer.got.Question)
	assert.Equal(t, prior, f.answerer.got.Prior)
	assert.Equal(t, "hello", f.answerer.got.Input.Prompt)
	assert.JSONEq(t, `{"content":"answer: hello"}`, string(f.answerer.got.Result))

	_, err = f.svc.FollowUp(ctx, "alice", run.ID, FollowUpRequest{})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	f.answerer.err = pipeline.Transient(errors.New("rate limited"))
	_, err = f.svc.FollowUp(ctx, "alice", run.ID, FollowUpRequest{Question: "again?"})
	assert.True(t, pipeline.IsTransient(err))
}

// ============================================================================
// 删除
// ============================================================================

func TestDelete(t *testing.T) {
	f := newFixture(t)
	run := f.submit(t, "alice", "hello")
	ctx := context.Background()

	err := f.svc.Delete(ctx, "alice", run.ID)
	assert.ErrorIs(t, err, storage.ErrConflict)

	f.execute(t, run.ID)
	require.NoError(t, f.svc.Delete(ctx, "alice", run.ID))

	_, err = f.svc.Get(ctx, "alice", run.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
