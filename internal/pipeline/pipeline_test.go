package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"genflow/internal/shared/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	policy := Policy{MaxAttempts: 3}
	optional := Step{Index: 0, Name: "search"}
	required := Step{Index: 1, Name: "outline", Required: true}
	boom := errors.New("boom")

	tests := []struct {
		name    string
		err     error
		step    Step
		attempt int
		want    Disposition
	}{
		{"transient retried", Transient(boom), optional, 1, Retry},
		{"step timeout retried", fmt.Errorf("call: %w", context.DeadlineExceeded), required, 2, Retry},
		{"transient exhausted optional", Transient(boom), optional, 3, Continue},
		{"transient exhausted required", Transient(boom), required, 3, Abort},
		{"permanent optional", boom, optional, 1, Continue},
		{"permanent required", boom, required, 1, Abort},
		{"nil", nil, required, 1, Continue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err, tt.step, tt.attempt, policy))
		})
	}
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, model.ErrorCodeSynthesis, ErrorCode(&SynthesisError{Err: errors.New("x")}))
	assert.Equal(t, model.ErrorCodeSynthesis, ErrorCode(fmt.Errorf("wrap: %w", &SynthesisError{Err: errors.New("x")})))
	assert.Equal(t, model.ErrorCodeExecution, ErrorCode(&StepError{Step: Step{Name: "a"}, Err: errors.New("x")}))
}

func TestErrorWrapping(t *testing.T) {
	root := errors.New("rate limited")
	err := &StepError{Step: Step{Index: 2, Name: "draft"}, Attempts: 3, Err: Transient(root)}
	assert.ErrorIs(t, err, root)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "step 2 (draft) failed after 3 attempt(s)")
	assert.Nil(t, Transient(nil))
}

func TestRetryDelay(t *testing.T) {
	policy := Policy{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}

	first := RetryDelay(policy, "run-1:0", 1)
	assert.Equal(t, first, RetryDelay(policy, "run-1:0", 1), "jitter is deterministic")
	assert.GreaterOrEqual(t, first, 100*time.Millisecond)
	assert.Less(t, first, 150*time.Millisecond)

	second := RetryDelay(policy, "run-1:0", 2)
	assert.GreaterOrEqual(t, second, 200*time.Millisecond)
	assert.Less(t, second, 300*time.Millisecond)

	for attempt := 1; attempt < 20; attempt++ {
		assert.LessOrEqual(t, RetryDelay(policy, "run-1:0", attempt), time.Second)
	}
}

func TestPolicyMerge(t *testing.T) {
	p := DefaultPolicy().Merge(Policy{MaxAttempts: 5, StepTimeout: time.Second})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, time.Second, p.StepTimeout)
	assert.Equal(t, DefaultPolicy().RunTimeout, p.RunTimeout)
}

type nopStrategy struct{}

func (nopStrategy) Plan(context.Context, *model.JobInput) ([]Step, error) { return nil, nil }
func (nopStrategy) ExecuteStep(context.Context, Step, StepContext) (*StepOutput, error) {
	return &StepOutput{}, nil
}
func (nopStrategy) Synthesize(context.Context, *model.JobInput, []StepOutcome, Emitter) (json.RawMessage, error) {
	return nil, nil
}
func (nopStrategy) Policy() Policy { return DefaultPolicy() }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve(model.JobTypeChart)
	require.Error(t, err)
	assert.False(t, r.Has(model.JobTypeChart))

	r.Register(model.JobTypeChart, nopStrategy{})
	s, err := r.Resolve(model.JobTypeChart)
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.True(t, r.Has(model.JobTypeChart))
}
