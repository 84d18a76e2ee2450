package bootstrap

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genflow/internal/config"
	"genflow/internal/pipeline"
	"genflow/internal/shared/infra"
	"genflow/internal/shared/metrics"
	"genflow/internal/shared/model"
	sqlitedriver "genflow/internal/shared/storage/driver/sqlite"
	"genflow/internal/shared/storage/repository"
	"genflow/pkg/logging"
)

type constStrategy struct{}

func (constStrategy) Plan(context.Context, *model.JobInput) ([]pipeline.Step, error) {
	return []pipeline.Step{{Index: 0, Name: "only", Required: true}}, nil
}

func (constStrategy) ExecuteStep(context.Context, pipeline.Step, pipeline.StepContext) (*pipeline.StepOutput, error) {
	return &pipeline.StepOutput{Output: json.RawMessage(`{"text":"ok"}`)}, nil
}

func (constStrategy) Synthesize(ctx context.Context, _ *model.JobInput, _ []pipeline.StepOutcome, emit pipeline.Emitter) (json.RawMessage, error) {
	if err := emit.Delta(ctx, "done"); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"content":"done"}`), nil
}

func (constStrategy) Policy() pipeline.Policy {
	return pipeline.Policy{MaxAttempts: 1, StepTimeout: time.Second, RunTimeout: 5 * time.Second}
}

func TestPolicy(t *testing.T) {
	p := Policy(config.ExecutorConfig{
		Retry:       config.RetryConfig{MaxAttempts: 5, BaseBackoff: time.Second},
		StepTimeout: 30 * time.Second,
	})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, time.Second, p.BaseBackoff)
	assert.Equal(t, 30*time.Second, p.StepTimeout)
	// 未配置的字段保留默认值
	assert.Equal(t, pipeline.DefaultPolicy().RunTimeout, p.RunTimeout)
	assert.Equal(t, pipeline.DefaultPolicy().MaxBackoff, p.MaxBackoff)
}

func TestPipeline_RegistersAllJobTypes(t *testing.T) {
	cfg := &config.Config{
		LLM:      config.LLMConfig{BaseURL: "http://localhost:11434/v1", Model: "test"},
		Executor: config.ExecutorConfig{Retry: config.RetryConfig{MaxAttempts: 2}},
	}
	reg, answerer, err := Pipeline(cfg)
	require.NoError(t, err)
	assert.NotNil(t, answerer)
	for _, jt := range model.AllJobTypes {
		assert.True(t, reg.Has(jt), jt)
	}
}

func TestWorker_ExecutesDispatchedRun(t *testing.T) {
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	d := sqlitedriver.NewDialect()
	require.NoError(t, d.AutoMigrate(db))
	store := repository.NewStore(db, d)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Executor: config.ExecutorConfig{
			WorkerID:           "test-worker",
			Workers:            1,
			QueueSize:          8,
			SweepInterval:      time.Hour,
			HeartbeatInterval:  50 * time.Millisecond,
			CancelPollInterval: 10 * time.Millisecond,
		},
		Reaper: config.ReaperConfig{Schedule: "@every 1h", Grace: time.Minute},
	}
	reg := pipeline.NewRegistry()
	reg.Register(model.JobTypeChart, constStrategy{})

	w := NewWorker(cfg, infra.NewNoOpInfrastructure(store), reg, metrics.NewNop(), logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() {
		cancel()
		w.Wait()
	})

	now := time.Now().UTC()
	require.NoError(t, store.CreateRun(ctx, &model.Run{
		ID: "run-boot", OwnerID: "alice", JobType: model.JobTypeChart,
		Status: model.RunStatusQueued, Input: json.RawMessage(`{"prompt":"bar chart"}`),
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, w.Dispatcher.Dispatch(ctx, "run-boot"))

	require.Eventually(t, func() bool {
		run, err := store.GetRun(ctx, "run-boot")
		return err == nil && run.Status == model.RunStatusDone
	}, 5*time.Second, 20*time.Millisecond)

	last, err := store.LastEvent(ctx, "run-boot")
	require.NoError(t, err)
	assert.Equal(t, model.EventKindComplete, last.Kind)
}
