package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"genflow/internal/shared/queue"
	"genflow/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingRunner 记录被执行的 Run
type recordingRunner struct {
	mu    sync.Mutex
	calls []string
	block chan struct{}
}

func (r *recordingRunner) Execute(_ context.Context, runID string) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runID)
	return nil
}

func (r *recordingRunner) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// memQueue 内存派发队列
type memQueue struct {
	mu    sync.Mutex
	msgs  []*queue.RunMessage
	acked []string
}

func (q *memQueue) EnqueueRun(_ context.Context, runID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := runID + "-msg"
	q.msgs = append(q.msgs, &queue.RunMessage{ID: id, RunID: runID, EnqueuedAt: time.Now()})
	return id, nil
}

func (q *memQueue) CreateConsumerGroup(context.Context) error { return nil }

func (q *memQueue) ConsumeRuns(ctx context.Context, _ string, _ int64, block time.Duration) ([]*queue.RunMessage, error) {
	q.mu.Lock()
	msgs := q.msgs
	q.msgs = nil
	q.mu.Unlock()
	if len(msgs) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(block):
		}
	}
	return msgs, nil
}

func (q *memQueue) AckRun(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, id)
	return nil
}

func (q *memQueue) QueueLength(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.msgs)), nil
}

func TestDispatcher_DedupesPendingRuns(t *testing.T) {
	runner := &recordingRunner{}
	d := NewDispatcher(DispatcherConfig{Workers: 1}, runner, newStore(t), nil, nil, logging.Discard())

	require.NoError(t, d.Dispatch(context.Background(), "run-1"))
	require.NoError(t, d.Dispatch(context.Background(), "run-1"))
	assert.Equal(t, 1, d.Pending())
	assert.Len(t, d.ch, 1)
}

func TestDispatcher_FullChannelLeavesRunForSweep(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Workers: 1, QueueSize: 1}, &recordingRunner{}, newStore(t), nil, nil, logging.Discard())

	assert.True(t, d.submit("run-1"))
	assert.False(t, d.submit("run-2"))
	assert.Equal(t, 1, d.Pending(), "dropped run is not marked pending")
}

func TestDispatcher_SweepPicksQueuedRuns(t *testing.T) {
	h := newHarness(t, &fakeStrategy{steps: twoSteps()})
	h.createRun(t, "run-1")
	h.createRun(t, "run-2")
	h.createRun(t, "run-3")
	require.NoError(t, h.store.MarkRunning(context.Background(), "run-3"))

	d := NewDispatcher(DispatcherConfig{Workers: 1}, &recordingRunner{}, h.store, nil, nil, logging.Discard())
	assert.Equal(t, 2, d.Sweep(context.Background()))
	assert.Equal(t, 0, d.Sweep(context.Background()), "already pending")
}

func TestDispatcher_StartExecutesRuns(t *testing.T) {
	h := newHarness(t, &fakeStrategy{steps: twoSteps()})
	h.createRun(t, "run-1")

	d := NewDispatcher(DispatcherConfig{Workers: 2, SweepInterval: time.Hour}, h.exec, h.store, nil, nil, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		run, err := h.store.GetRun(context.Background(), "run-1")
		return err == nil && run.IsTerminal()
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, d.Pending())

	cancel()
	<-stopped
}

func TestDispatcher_ConsumesRedisQueue(t *testing.T) {
	runner := &recordingRunner{}
	q := &memQueue{}
	d := NewDispatcher(DispatcherConfig{Workers: 1, SweepInterval: time.Hour, ConsumeBlock: 10 * time.Millisecond},
		runner, newStore(t), q, nil, logging.Discard())

	require.NoError(t, d.Dispatch(context.Background(), "run-9"))
	assert.Equal(t, 0, d.Pending(), "queued remotely, not locally")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	require.Eventually(t, func() bool {
		return len(runner.executed()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"run-9"}, runner.executed())
	q.mu.Lock()
	assert.Equal(t, []string{"run-9-msg"}, q.acked)
	q.mu.Unlock()
}

func TestEnqueueDispatcher(t *testing.T) {
	q := &memQueue{}
	d := NewEnqueueDispatcher(q, logging.Discard())

	require.NoError(t, d.Dispatch(context.Background(), "run-1"))
	n, err := q.QueueLength(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// 无队列时静默成功
	assert.NoError(t, NewEnqueueDispatcher(nil, logging.Discard()).Dispatch(context.Background(), "run-2"))
}
