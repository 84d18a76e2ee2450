package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"genflow/internal/pipeline"
	"genflow/internal/shared/model"
	"genflow/internal/shared/resultstore"
	sqlitedriver "genflow/internal/shared/storage/driver/sqlite"
	"genflow/internal/shared/storage/repository"
	"genflow/pkg/logging"

	"github.com/stretchr/testify/require"
)

// fakeStrategy 可编程的生成策略
type fakeStrategy struct {
	steps  []pipeline.Step
	plan   func(ctx context.Context) ([]pipeline.Step, error)
	exec   func(ctx context.Context, step pipeline.Step, sc pipeline.StepContext) (*pipeline.StepOutput, error)
	synth  func(ctx context.Context, outcomes []pipeline.StepOutcome, emit pipeline.Emitter) (json.RawMessage, error)
	policy pipeline.Policy
}

func (f *fakeStrategy) Plan(ctx context.Context, _ *model.JobInput) ([]pipeline.Step, error) {
	if f.plan != nil {
		return f.plan(ctx)
	}
	return f.steps, nil
}

func (f *fakeStrategy) ExecuteStep(ctx context.Context, step pipeline.Step, sc pipeline.StepContext) (*pipeline.StepOutput, error) {
	if f.exec != nil {
		return f.exec(ctx, step, sc)
	}
	return &pipeline.StepOutput{Output: json.RawMessage(`{"text":"` + step.Name + ` ok"}`)}, nil
}

func (f *fakeStrategy) Synthesize(ctx context.Context, _ *model.JobInput, outcomes []pipeline.StepOutcome, emit pipeline.Emitter) (json.RawMessage, error) {
	if f.synth != nil {
		return f.synth(ctx, outcomes, emit)
	}
	if err := emit.Delta(ctx, "final "); err != nil {
		return nil, err
	}
	if err := emit.Replace(ctx, "final answer"); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"content":"final answer"}`), nil
}

func (f *fakeStrategy) Policy() pipeline.Policy {
	if f.policy.MaxAttempts == 0 {
		return pipeline.Policy{MaxAttempts: 3, StepTimeout: time.Second, RunTimeout: 5 * time.Second}
	}
	return f.policy
}

func twoSteps() []pipeline.Step {
	return []pipeline.Step{
		{Index: 0, Name: "outline", Required: true},
		{Index: 1, Name: "draft"},
	}
}

type harness struct {
	store *repository.Store
	exec  *Executor
}

func newStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	d := sqlitedriver.NewDialect()
	require.NoError(t, d.AutoMigrate(db))
	s := repository.NewStore(db, d)
	t.Cleanup(func() { s.Close() })
	return s
}

func newHarness(t *testing.T, s pipeline.Strategy) *harness {
	t.Helper()
	store := newStore(t)
	reg := pipeline.NewRegistry()
	reg.Register(model.JobTypeReport, s)
	exec := New(Config{
		WorkerID:           "test-worker",
		HeartbeatInterval:  20 * time.Millisecond,
		CancelPollInterval: 5 * time.Millisecond,
	}, Deps{
		Runs:     store,
		Events:   store,
		Registry: reg,
		Results:  resultstore.NewLogStore(store),
		Logger:   logging.Discard(),
	})
	exec.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return &harness{store: store, exec: exec}
}

func (h *harness) createRun(t *testing.T, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, h.store.CreateRun(context.Background(), &model.Run{
		ID:        id,
		OwnerID:   "alice",
		JobType:   model.JobTypeReport,
		Status:    model.RunStatusQueued,
		Input:     json.RawMessage(`{"prompt":"quarterly summary"}`),
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func (h *harness) events(t *testing.T, id string) []*model.Event {
	t.Helper()
	events, err := h.store.ReadAllEvents(context.Background(), id)
	require.NoError(t, err)
	return events
}

func (h *harness) run(t *testing.T, id string) *model.Run {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run
}

func kinds(events []*model.Event) []model.EventKind {
	out := make([]model.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func phases(t *testing.T, events []*model.Event) []string {
	t.Helper()
	var out []string
	for _, e := range events {
		if e.Kind != model.EventKindStatus {
			continue
		}
		var p model.StatusPayload
		require.NoError(t, e.DecodePayload(&p))
		out = append(out, p.Phase)
	}
	return out
}
