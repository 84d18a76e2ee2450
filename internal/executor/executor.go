// Package executor Run 的后台执行
//
// 执行器是 Run 事件日志的唯一写入方：领取 → 规划 → 逐步执行 → 汇总，
// 每一步的进展都以事件追加到日志，终态事件写入后再更新 Run Store。
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"genflow/internal/pipeline"
	"genflow/internal/shared/eventbus"
	"genflow/internal/shared/metrics"
	"genflow/internal/shared/model"
	"genflow/internal/shared/resultstore"
	"genflow/internal/shared/storage"
	"genflow/pkg/logging"
)

var (
	// errCancelRequested Run 被用户取消
	errCancelRequested = errors.New("cancel requested")
	// errRunTimeout 超过整体执行期限
	errRunTimeout = errors.New("run deadline exceeded")
)

// terminalWriteTimeout 终态写入使用的独立超时
const terminalWriteTimeout = 10 * time.Second

// Config 执行器配置
type Config struct {
	WorkerID           string
	Policy             pipeline.Policy // 覆盖策略默认值的非零字段
	HeartbeatInterval  time.Duration
	CancelPollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = "executor"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = time.Second
	}
}

// Deps 执行器依赖
type Deps struct {
	Runs       storage.RunStore
	Events     storage.EventLog
	Heartbeats storage.Heartbeats
	Registry   *pipeline.Registry
	Results    resultstore.Store
	Bus        eventbus.RunEventBus
	Metrics    *metrics.Metrics
	Logger     *logging.Logger
}

// Executor Run 执行器
type Executor struct {
	cfg        Config
	runs       storage.RunStore
	events     storage.EventLog
	heartbeats storage.Heartbeats
	registry   *pipeline.Registry
	results    resultstore.Store
	bus        eventbus.RunEventBus
	metrics    *metrics.Metrics
	logger     *logging.Logger

	// sleep 退避等待，测试中替换
	sleep func(ctx context.Context, d time.Duration) error
}

// New 创建执行器
func New(cfg Config, deps Deps) *Executor {
	cfg.applyDefaults()
	if deps.Heartbeats == nil {
		deps.Heartbeats = storage.NewRunHeartbeats(deps.Runs, 3*cfg.HeartbeatInterval)
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.NewNoOpEventBus()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default("executor")
	}
	return &Executor{
		cfg:        cfg,
		runs:       deps.Runs,
		events:     deps.Events,
		heartbeats: deps.Heartbeats,
		registry:   deps.Registry,
		results:    deps.Results,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		logger:     deps.Logger.WithWorker(cfg.WorkerID),
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// runState 单次执行的上下文
type runState struct {
	run      *model.Run
	input    *model.JobInput
	strategy pipeline.Strategy
	policy   pipeline.Policy
	logger   *logging.Logger
	started  time.Time

	// parent 进程生命周期；ctx 叠加取消与整体期限
	parent context.Context
	ctx    context.Context
}

// Execute 领取并执行 Run
//
// 领取失败（已被其他 worker 领取或已终止）时直接返回 nil。
// 进程退出导致的中断不写终态，由回收器根据心跳处理。
func (e *Executor) Execute(ctx context.Context, runID string) error {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status != model.RunStatusQueued {
		return nil
	}
	if err := e.runs.MarkRunning(ctx, runID); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			e.logger.WithRunID(runID).Debug("Run already claimed")
			return nil
		}
		return fmt.Errorf("claim run %s: %w", runID, err)
	}

	st := &runState{
		run:     run,
		logger:  e.logger.WithRunID(runID),
		started: time.Now(),
		parent:  ctx,
	}
	e.metrics.RunsActive.Inc()
	defer e.metrics.RunsActive.Dec()
	st.logger.RunLog("claimed", runID, "job_type", string(run.JobType))

	if run.CancelRequested {
		e.cancelled(st, "cancelled before start")
		return nil
	}

	st.strategy, err = e.registry.Resolve(run.JobType)
	if err != nil {
		e.fail(st, err)
		return nil
	}
	st.policy = pipeline.DefaultPolicy().Merge(st.strategy.Policy()).Merge(e.cfg.Policy)

	runCtx, cancel := context.WithCancelCause(ctx)
	deadlineCtx, cancelDeadline := context.WithTimeoutCause(runCtx, st.policy.RunTimeout, errRunTimeout)
	defer cancelDeadline()
	st.ctx = deadlineCtx

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.supervise(deadlineCtx, runID, cancel)
	}()
	defer wg.Wait()
	defer cancel(nil)

	e.run(st)
	return nil
}

// supervise 执行期间轮询取消标记并刷新心跳
func (e *Executor) supervise(ctx context.Context, runID string, cancel context.CancelCauseFunc) {
	cancelTicker := time.NewTicker(e.cfg.CancelPollInterval)
	defer cancelTicker.Stop()
	beatTicker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer beatTicker.Stop()

	e.beat(ctx, runID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-cancelTicker.C:
			requested, err := e.runs.IsCancelRequested(ctx, runID)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.WithRunID(runID).WithError(err).Warn("Failed to poll cancel flag")
				}
				continue
			}
			if requested {
				cancel(errCancelRequested)
				return
			}
		case <-beatTicker.C:
			e.beat(ctx, runID)
		}
	}
}

func (e *Executor) beat(ctx context.Context, runID string) {
	err := e.heartbeats.Beat(ctx, runID, e.cfg.WorkerID)
	if ctx.Err() != nil {
		return
	}
	e.logger.HeartbeatLog(runID, e.cfg.WorkerID, err)
}

// run 执行主流程；任何返回路径都已写入终态（进程退出除外）
func (e *Executor) run(st *runState) {
	runID := st.run.ID
	if !e.emit(st, model.EventKindStatus, model.StatusPayload{
		Phase:   model.PhaseRunning,
		Message: "run started",
	}) {
		return
	}

	input, err := model.ParseJobInput(st.run.Input)
	if err != nil {
		e.fail(st, fmt.Errorf("invalid input: %w", err))
		return
	}
	st.input = input

	// 规划
	var steps []pipeline.Step
	err = e.withRetry(st, runID+":plan", func(ctx context.Context) error {
		var perr error
		steps, perr = st.strategy.Plan(ctx, input)
		return perr
	})
	if err != nil {
		if e.stopped(st) {
			return
		}
		e.fail(st, fmt.Errorf("plan: %w", err))
		return
	}
	if err := checkPlan(steps); err != nil {
		e.fail(st, fmt.Errorf("plan: %w", err))
		return
	}
	plan := make([]model.PlanStep, len(steps))
	for i, s := range steps {
		plan[i] = model.PlanStep{Index: s.Index, Name: s.Name, Required: s.Required}
	}
	if !e.emit(st, model.EventKindStatus, model.StatusPayload{
		Phase:   model.PhasePlanned,
		Message: fmt.Sprintf("planned %d step(s)", len(steps)),
		Plan:    plan,
	}) {
		return
	}

	// 逐步执行
	emitter := &runEmitter{e: e, st: st}
	outcomes := make([]pipeline.StepOutcome, 0, len(steps))
	for _, step := range steps {
		if e.stopped(st) {
			return
		}
		outcome, ok := e.executeStep(st, step, outcomes, emitter)
		if !ok {
			return
		}
		outcomes = append(outcomes, outcome)
		if outcome.Err != nil && step.Required {
			e.fail(st, outcome.Err)
			return
		}
	}

	// 汇总
	if e.stopped(st) {
		return
	}
	if !e.emit(st, model.EventKindStatus, model.StatusPayload{
		Phase:   model.PhaseSynthesis,
		Message: "synthesizing result",
	}) {
		return
	}
	var result json.RawMessage
	err = e.withRetry(st, runID+":synthesize", func(ctx context.Context) error {
		var serr error
		result, serr = st.strategy.Synthesize(ctx, input, outcomes, emitter)
		return serr
	})
	if err != nil {
		if e.stopped(st) {
			return
		}
		e.fail(st, &pipeline.SynthesisError{Err: err})
		return
	}
	if e.stopped(st) {
		return
	}

	writeCtx, cancel := e.writeContext(st)
	defer cancel()
	ref, err := e.results.Save(writeCtx, runID, result)
	if err != nil {
		e.fail(st, fmt.Errorf("save result: %w", err))
		return
	}
	e.complete(st, ref, result)
}

// checkPlan 步骤序号必须依次为 0..n-1
func checkPlan(steps []pipeline.Step) error {
	for i, step := range steps {
		if step.Index != i {
			return fmt.Errorf("step %q has index %d, want %d", step.Name, step.Index, i)
		}
	}
	return nil
}

// executeStep 执行单个步骤并写入 step_result；ok=false 表示 Run 已终止
func (e *Executor) executeStep(st *runState, step pipeline.Step, previous []pipeline.StepOutcome, emitter *runEmitter) (pipeline.StepOutcome, bool) {
	outcome := pipeline.StepOutcome{Step: step}
	index := step.Index
	if !e.emit(st, model.EventKindStatus, model.StatusPayload{
		Phase:     model.PhaseStepStarted,
		Message:   "step started",
		StepIndex: &index,
		StepName:  step.Name,
	}) {
		return outcome, false
	}

	attempts := 0
	for {
		attempts++
		sc := pipeline.StepContext{
			RunID:    st.run.ID,
			JobType:  st.run.JobType,
			Input:    st.input,
			Attempt:  attempts,
			Previous: previous,
			Emitter:  &stepEmitter{runEmitter: emitter, index: index},
		}
		stepCtx, cancel := context.WithTimeout(st.ctx, st.policy.StepTimeout)
		out, err := st.strategy.ExecuteStep(stepCtx, step, sc)
		cancel()

		if err == nil {
			e.metrics.RecordStepAttempt(string(st.run.JobType), "ok")
			outcome.Output = out
			break
		}
		if e.stopped(st) {
			return outcome, false
		}

		disposition := pipeline.Classify(err, step, attempts, st.policy)
		e.metrics.RecordStepAttempt(string(st.run.JobType), disposition.String())
		st.logger.WithError(err).Warn("Step attempt failed",
			"step", step.Name, "attempt", attempts, "disposition", disposition.String())
		if disposition != pipeline.Retry {
			outcome.Err = &pipeline.StepError{Step: step, Attempts: attempts, Err: err}
			break
		}

		if !e.emit(st, model.EventKindStatus, model.StatusPayload{
			Phase:     model.PhaseRetrying,
			Message:   err.Error(),
			StepIndex: &index,
			StepName:  step.Name,
			Attempt:   attempts + 1,
		}) {
			return outcome, false
		}
		delay := pipeline.RetryDelay(st.policy, fmt.Sprintf("%s:%d", st.run.ID, index), attempts)
		if e.sleep(st.ctx, delay) != nil {
			e.stopped(st)
			return outcome, false
		}
	}

	payload := model.StepResultPayload{
		StepIndex: index,
		StepName:  step.Name,
		OK:        outcome.Err == nil,
		Attempts:  attempts,
	}
	if outcome.Output != nil {
		payload.Output = outcome.Output.Output
		payload.Artifacts = outcome.Output.Artifacts
	}
	if outcome.Err != nil {
		payload.Error = outcome.Err.Error()
	}
	if !e.emit(st, model.EventKindStepResult, payload) {
		return outcome, false
	}
	return outcome, true
}

// withRetry 对整段调用按策略重试可重试错误（规划与汇总使用）
//
// 每次调用各自受 StepTimeout 约束，超时按可重试错误处理。
func (e *Executor) withRetry(st *runState, key string, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(st.ctx, st.policy.StepTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if st.ctx.Err() != nil || !pipeline.IsTransient(err) || attempt >= st.policy.MaxAttempts {
			return err
		}
		st.logger.WithError(err).Warn("Retrying", "key", key, "attempt", attempt)
		if e.sleep(st.ctx, pipeline.RetryDelay(st.policy, key, attempt)) != nil {
			return err
		}
	}
}

// stopped 检查 Run 是否被取消或超时，是则写入对应终态
func (e *Executor) stopped(st *runState) bool {
	if st.ctx.Err() == nil {
		return false
	}
	if st.parent.Err() != nil {
		st.logger.Warn("Executor shutting down, run left for reaper")
		return true
	}
	switch cause := context.Cause(st.ctx); {
	case errors.Is(cause, errCancelRequested):
		e.cancelled(st, "cancelled by user")
	case errors.Is(cause, errRunTimeout):
		e.terminate(st, model.EventKindError, model.ErrorPayload{
			Code:    model.ErrorCodeTimeout,
			Message: fmt.Sprintf("run exceeded its %s deadline", st.policy.RunTimeout),
		}, func(ctx context.Context) error {
			return e.runs.MarkError(ctx, st.run.ID, model.ErrorCodeTimeout, errRunTimeout.Error())
		}, model.RunStatusError)
	default:
		e.fail(st, cause)
	}
	return true
}

// ============================================================================
// 事件写入
// ============================================================================

// writeContext 事件写入使用与 Run 期限无关的上下文
func (e *Executor) writeContext(st *runState) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(st.parent), terminalWriteTimeout)
}

// emit 追加非终态事件；返回 false 表示 Run 已终止或写入失败（已处理）
func (e *Executor) emit(st *runState, kind model.EventKind, payload any) bool {
	ctx, cancel := e.writeContext(st)
	defer cancel()
	if _, err := e.append(ctx, st.run.ID, kind, payload); err != nil {
		if errors.Is(err, storage.ErrRunTerminal) {
			st.logger.Warn("Run terminated externally, stopping")
			return false
		}
		e.fail(st, fmt.Errorf("append %s event: %w", kind, err))
		return false
	}
	return true
}

func (e *Executor) append(ctx context.Context, runID string, kind model.EventKind, payload any) (*model.Event, error) {
	raw, err := model.EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	ev, err := e.events.AppendEvent(ctx, runID, kind, raw)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordEvent(string(kind))
	if err := e.bus.PublishRunEvent(ctx, ev); err != nil {
		e.logger.WithRunID(runID).WithError(err).Debug("Failed to publish event")
	}
	return ev, nil
}

func (e *Executor) complete(st *runState, ref string, result json.RawMessage) {
	e.terminate(st, model.EventKindComplete, model.CompletePayload{ResultRef: ref, Result: result},
		func(ctx context.Context) error { return e.runs.MarkDone(ctx, st.run.ID, ref) },
		model.RunStatusDone)
}

func (e *Executor) cancelled(st *runState, reason string) {
	e.terminate(st, model.EventKindCancelled, model.CancelledPayload{Reason: reason},
		func(ctx context.Context) error { return e.runs.MarkCancelled(ctx, st.run.ID) },
		model.RunStatusCancelled)
}

// fail 以 error 终结 Run，错误码由错误类型决定
func (e *Executor) fail(st *runState, cause error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	code := pipeline.ErrorCode(cause)
	e.terminate(st, model.EventKindError, model.ErrorPayload{Code: code, Message: msg},
		func(ctx context.Context) error { return e.runs.MarkError(ctx, st.run.ID, code, msg) },
		model.RunStatusError)
}

// terminate 先追加终态事件，再更新 Run Store（二者不一致时由回收器修复）
func (e *Executor) terminate(st *runState, kind model.EventKind, payload any, mark func(ctx context.Context) error, status model.RunStatus) {
	ctx, cancel := e.writeContext(st)
	defer cancel()

	if _, err := e.append(ctx, st.run.ID, kind, payload); err != nil {
		if errors.Is(err, storage.ErrRunTerminal) {
			st.logger.Warn("Run already terminal, skipping terminal write", "kind", string(kind))
			return
		}
		st.logger.WithError(err).Error("Failed to append terminal event", "kind", string(kind))
		return
	}
	if err := mark(ctx); err != nil {
		st.logger.WithError(err).Error("Failed to update run status", "status", string(status))
	}
	if err := e.heartbeats.Clear(ctx, st.run.ID); err != nil {
		st.logger.WithError(err).Debug("Failed to clear heartbeat")
	}

	duration := time.Since(st.started)
	e.metrics.RecordRunFinished(string(st.run.JobType), string(status), duration)
	st.logger.WithDuration(duration).RunLog("finished", st.run.ID, "status", string(status))
}

// ============================================================================
// Emitter
// ============================================================================

// runEmitter 汇总阶段的部分内容推送
type runEmitter struct {
	e  *Executor
	st *runState
}

func (r *runEmitter) push(ctx context.Context, kind model.EventKind, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wctx, cancel := r.e.writeContext(r.st)
	defer cancel()
	_, err := r.e.append(wctx, r.st.run.ID, kind, payload)
	return err
}

func (r *runEmitter) Delta(ctx context.Context, text string) error {
	return r.push(ctx, model.EventKindDelta, model.DeltaPayload{Text: text})
}

func (r *runEmitter) Replace(ctx context.Context, content string) error {
	return r.push(ctx, model.EventKindReplace, model.ReplacePayload{Content: content})
}

// stepEmitter 步骤内的部分内容推送，附带 step_index
type stepEmitter struct {
	*runEmitter
	index int
}

func (s *stepEmitter) Delta(ctx context.Context, text string) error {
	i := s.index
	return s.push(ctx, model.EventKindDelta, model.DeltaPayload{Text: text, StepIndex: &i})
}

func (s *stepEmitter) Replace(ctx context.Context, content string) error {
	i := s.index
	return s.push(ctx, model.EventKindReplace, model.ReplacePayload{Content: content, StepIndex: &i})
}
