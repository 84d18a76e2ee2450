// Package run Run 领域：提交、查询、两种轮询视图、取消、重新生成与追问
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"genflow/internal/pipeline"
	"genflow/internal/shared/metrics"
	"genflow/internal/shared/model"
	"genflow/internal/shared/resultstore"
	"genflow/internal/shared/storage"
)

const (
	// DefaultPollLimit 单次增量轮询默认返回的事件数
	DefaultPollLimit = 200
	// MaxPollLimit 单次增量轮询最多返回的事件数
	MaxPollLimit = 1000
)

// Store run 服务需要的存储接口
type Store interface {
	storage.RunStore
	storage.EventLog
}

// Dispatcher 请求后台执行 Run
type Dispatcher interface {
	Dispatch(ctx context.Context, runID string) error
}

// ValidationError 请求参数不合法
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, field+": "+msg)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// SubmitRequest 提交请求
type SubmitRequest struct {
	JobType model.JobType   `json:"job_type"`
	Input   json.RawMessage `json:"input"`
}

// PollResult 增量轮询结果
type PollResult struct {
	RunID      string          `json:"run_id"`
	Items      []*model.Event  `json:"items"`
	NextCursor int64           `json:"next_cursor"`
	Done       bool            `json:"done"`
	Status     model.RunStatus `json:"status"`
}

// FollowUpRequest 追问请求
type FollowUpRequest struct {
	Question      string              `json:"question" validate:"required,max=4000"`
	PriorExchange []pipeline.Exchange `json:"prior_exchange" validate:"max=20,dive"`
}

// Service Run 领域服务
type Service struct {
	store      Store
	results    resultstore.Store
	registry   *pipeline.Registry
	dispatcher Dispatcher
	answerer   pipeline.Answerer
	metrics    *metrics.Metrics
	validate   *validator.Validate

	newID func() string
	now   func() time.Time
}

// ServiceDeps 服务依赖；Answerer 为空时追问不可用
type ServiceDeps struct {
	Store      Store
	Results    resultstore.Store
	Registry   *pipeline.Registry
	Dispatcher Dispatcher
	Answerer   pipeline.Answerer
	Metrics    *metrics.Metrics
}

// NewService 创建 Run 服务
func NewService(deps ServiceDeps) *Service {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	return &Service{
		store:      deps.Store,
		results:    deps.Results,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		answerer:   deps.Answerer,
		metrics:    deps.Metrics,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		newID:      func() string { return "run-" + uuid.NewString() },
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// validationError 将 validator 错误转换为 ValidationError
func validationError(err error, prefix string) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		name := fe.Namespace()
		if i := strings.Index(name, "."); i >= 0 {
			name = name[i+1:]
		}
		msg := fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		fields[prefix+strings.ToLower(name)] = msg
	}
	return &ValidationError{Fields: fields}
}

// ============================================================================
// 提交与查询
// ============================================================================

// Submit 创建 Run 并交给后台执行，立即返回
func (s *Service) Submit(ctx context.Context, owner string, req SubmitRequest) (*model.Run, error) {
	if !req.JobType.Valid() {
		return nil, invalid("job_type", fmt.Sprintf("unknown job type %q", req.JobType))
	}
	if !s.registry.Has(req.JobType) {
		return nil, invalid("job_type", fmt.Sprintf("job type %q is not available", req.JobType))
	}
	if len(req.Input) == 0 {
		return nil, invalid("input", "required")
	}
	input, err := model.ParseJobInput(req.Input)
	if err != nil {
		return nil, invalid("input", "must be a JSON object: "+err.Error())
	}
	if input.Previous != nil {
		return nil, invalid("input.previous", "set by regenerate only")
	}
	if err := s.validate.Struct(input); err != nil {
		return nil, validationError(err, "input.")
	}

	run := s.newRun(owner, req.JobType, req.Input, nil)
	if err := s.create(ctx, run, "submit"); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Service) newRun(owner string, jobType model.JobType, input json.RawMessage, parent *string) *model.Run {
	now := s.now()
	return &model.Run{
		ID:          s.newID(),
		OwnerID:     owner,
		JobType:     jobType,
		Status:      model.RunStatusQueued,
		Input:       input,
		ParentRunID: parent,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// create 写入 Run Store（必须成功）后派发（允许失败，有兜底扫描）
func (s *Service) create(ctx context.Context, run *model.Run, origin string) error {
	if err := s.store.CreateRun(ctx, run); err != nil {
		log.Printf("[run.%s.store.failed] run_id=%s error=%v", origin, run.ID, err)
		return fmt.Errorf("create run: %w", err)
	}
	s.metrics.RunsSubmitted.WithLabelValues(string(run.JobType), origin).Inc()
	if err := s.dispatcher.Dispatch(ctx, run.ID); err != nil {
		log.Printf("[run.%s.dispatch.failed] run_id=%s error=%v", origin, run.ID, err)
	}
	log.Printf("[run.%s.complete] run_id=%s owner=%s job_type=%s", origin, run.ID, run.OwnerID, run.JobType)
	return nil
}

// Get 获取 Run；非本人的 Run 视为不存在
func (s *Service) Get(ctx context.Context, owner, id string) (*model.Run, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if !run.OwnedBy(owner) {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	return run, nil
}

// List 列出本人的 Run
func (s *Service) List(ctx context.Context, owner string, limit, offset int) ([]*model.Run, error) {
	if limit < 0 || offset < 0 {
		return nil, invalid("limit", "limit and offset must be non-negative")
	}
	if limit > 200 {
		limit = 200
	}
	return s.store.ListRunsByOwner(ctx, owner, limit, offset)
}

// Delete 删除已结束的 Run 及其事件与结果对象；父 Run 不受影响
func (s *Service) Delete(ctx context.Context, owner, id string) error {
	run, err := s.Get(ctx, owner, id)
	if err != nil {
		return err
	}
	if !run.IsTerminal() {
		return fmt.Errorf("run %s is %s, cancel it first: %w", id, run.Status, storage.ErrConflict)
	}
	if err := s.store.DeleteRun(ctx, id); err != nil {
		return err
	}
	if run.ResultRef != nil && s.results != nil {
		if err := s.results.Delete(ctx, *run.ResultRef); err != nil {
			log.Printf("[run.delete.result.failed] run_id=%s ref=%s error=%v", id, *run.ResultRef, err)
		}
	}
	return nil
}

// ============================================================================
// 轮询视图
// ============================================================================

// Poll 增量轮询：返回 seq >= cursor 的事件
//
// 先读 Run 再读日志：终态事件总是先于状态更新写入，
// 因此读到终态 Run 时终态事件必然已在日志中。
func (s *Service) Poll(ctx context.Context, owner, id string, cursor int64, limit int) (*PollResult, error) {
	return s.poll(ctx, owner, id, cursor, limit, "cursor")
}

// Stream 与 Poll 语义相同，供 WebSocket 网关逐页推送
func (s *Service) Stream(ctx context.Context, owner, id string, cursor int64, limit int) (*PollResult, error) {
	return s.poll(ctx, owner, id, cursor, limit, "stream")
}

func (s *Service) poll(ctx context.Context, owner, id string, cursor int64, limit int, shape string) (*PollResult, error) {
	if cursor < 0 {
		return nil, invalid("cursor", "must be non-negative")
	}
	switch {
	case limit <= 0:
		limit = DefaultPollLimit
	case limit > MaxPollLimit:
		limit = MaxPollLimit
	}

	run, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	events, next, err := s.store.ReadEvents(ctx, id, cursor, limit)
	if err != nil {
		return nil, err
	}

	res := &PollResult{
		RunID:      id,
		Items:      events,
		NextCursor: next,
		Status:     run.Status,
	}
	if n := len(events); n > 0 && events[n-1].IsTerminal() {
		res.Done = true
		res.Status = events[n-1].Kind.TerminalStatus()
	} else if n == 0 {
		// 终态事件可能已在之前的页中交付，而 Run Store 尚未更新
		status, last, err := s.effectiveStatus(ctx, run)
		if err != nil {
			return nil, err
		}
		switch {
		case last != nil && last.IsTerminal() && cursor > last.Seq:
			res.Done = true
			res.Status = status
		case run.IsTerminal():
			res.Done = true
		}
	}
	s.metrics.RecordPoll(shape, res.Done)
	return res, nil
}

// Snapshot 快照轮询：对完整日志折叠
func (s *Service) Snapshot(ctx context.Context, owner, id string) (*model.Snapshot, error) {
	run, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ReadAllEvents(ctx, id)
	if err != nil {
		return nil, err
	}

	snap := model.FoldSnapshot(id, events)
	if !snap.Done {
		snap.Status = run.Status
		snap.Done = run.IsTerminal()
	}
	if snap.Done && len(snap.FinalResult) == 0 && snap.ResultRef != "" && s.results != nil {
		result, err := s.results.Load(ctx, snap.ResultRef)
		if err != nil {
			log.Printf("[run.snapshot.result.failed] run_id=%s ref=%s error=%v", id, snap.ResultRef, err)
		} else {
			snap.FinalResult = result
		}
	}
	s.metrics.RecordPoll("snapshot", snap.Done)
	return snap, nil
}

// ============================================================================
// 取消、重新生成、追问
// ============================================================================

// Cancel 请求取消；已结束的 Run 原样返回
//
// 只设置取消标记：运行中的 Run 由执行器的监督协程感知，
// 排队中的 Run 被重新派发，执行器领取后立即写入 cancelled。
func (s *Service) Cancel(ctx context.Context, owner, id string) (*model.Run, error) {
	run, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if run.IsTerminal() {
		return run, nil
	}
	accepted, err := s.store.RequestCancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if !accepted {
		return run, nil
	}
	run.CancelRequested = true
	if run.Status == model.RunStatusQueued {
		if err := s.dispatcher.Dispatch(ctx, id); err != nil {
			log.Printf("[run.cancel.dispatch.failed] run_id=%s error=%v", id, err)
		}
	}
	log.Printf("[run.cancel.requested] run_id=%s status=%s", id, run.Status)
	return run, nil
}

// effectiveStatus 以日志终态事件优先的状态（Run Store 可能尚未更新）
func (s *Service) effectiveStatus(ctx context.Context, run *model.Run) (model.RunStatus, *model.Event, error) {
	last, err := s.store.LastEvent(ctx, run.ID)
	if err != nil {
		return "", nil, err
	}
	if last != nil && last.IsTerminal() {
		return last.Kind.TerminalStatus(), last, nil
	}
	return run.Status, last, nil
}

// finalResult 读取已完成 Run 的最终结果
func (s *Service) finalResult(ctx context.Context, run *model.Run, terminal *model.Event) (json.RawMessage, error) {
	if terminal != nil && terminal.Kind == model.EventKindComplete {
		var p model.CompletePayload
		if err := terminal.DecodePayload(&p); err == nil {
			if len(p.Result) > 0 {
				return p.Result, nil
			}
			if p.ResultRef != "" && s.results != nil {
				return s.results.Load(ctx, p.ResultRef)
			}
		}
	}
	if run.ResultRef != nil && s.results != nil {
		return s.results.Load(ctx, *run.ResultRef)
	}
	return nil, fmt.Errorf("run %s has no result: %w", run.ID, storage.ErrNotFound)
}

// Regenerate 基于已结束的 Run 与用户反馈创建新 Run
//
// 新输入 = 父输入 + previous{run_id, status, result, feedback}；
// result 为父 Run 的最终结果（done）或日志折叠出的部分内容（error / cancelled）。
func (s *Service) Regenerate(ctx context.Context, owner, id, feedback string) (*model.Run, error) {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return nil, invalid("feedback", "required")
	}
	if len(feedback) > 10000 {
		return nil, invalid("feedback", "max=10000")
	}

	parent, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	status, terminal, err := s.effectiveStatus(ctx, parent)
	if err != nil {
		return nil, err
	}
	if !status.IsTerminal() {
		return nil, fmt.Errorf("run %s is %s, wait for it to finish or cancel it: %w", id, status, storage.ErrConflict)
	}

	var previous json.RawMessage
	if status == model.RunStatusDone {
		previous, err = s.finalResult(ctx, parent, terminal)
		if err != nil {
			return nil, err
		}
	} else {
		events, err := s.store.ReadAllEvents(ctx, id)
		if err != nil {
			return nil, err
		}
		if content := model.FoldSnapshot(id, events).Content; content != "" {
			previous, err = json.Marshal(content)
			if err != nil {
				return nil, err
			}
		}
	}

	raw, err := withPrevious(parent.Input, &model.PriorOutput{
		RunID:    parent.ID,
		Status:   status,
		Result:   previous,
		Feedback: feedback,
	})
	if err != nil {
		return nil, fmt.Errorf("parent input: %w", err)
	}

	parentID := parent.ID
	run := s.newRun(owner, parent.JobType, raw, &parentID)
	if err := s.create(ctx, run, "regenerate"); err != nil {
		return nil, err
	}
	return run, nil
}

// withPrevious 在父输入上设置 previous，保留父输入的其余所有字段
func withPrevious(parent json.RawMessage, prior *model.PriorOutput) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(parent, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("input is not a JSON object")
	}
	p, err := json.Marshal(prior)
	if err != nil {
		return nil, err
	}
	fields["previous"] = p
	return json.Marshal(fields)
}

// FollowUp 针对已完成 Run 的同步追问
func (s *Service) FollowUp(ctx context.Context, owner, id string, req FollowUpRequest) (string, error) {
	req.Question = strings.TrimSpace(req.Question)
	if err := s.validate.Struct(req); err != nil {
		return "", validationError(err, "")
	}
	if s.answerer == nil {
		return "", fmt.Errorf("follow-up is not configured: %w", storage.ErrConflict)
	}

	run, err := s.Get(ctx, owner, id)
	if err != nil {
		return "", err
	}
	status, terminal, err := s.effectiveStatus(ctx, run)
	if err != nil {
		return "", err
	}
	if status != model.RunStatusDone {
		return "", fmt.Errorf("run %s is %s, follow-up needs a finished run: %w", id, status, storage.ErrConflict)
	}
	result, err := s.finalResult(ctx, run, terminal)
	if err != nil {
		return "", err
	}
	input, err := model.ParseJobInput(run.Input)
	if err != nil {
		return "", fmt.Errorf("run input: %w", err)
	}

	return s.answerer.Answer(ctx, pipeline.FollowUpRequest{
		RunID:    run.ID,
		JobType:  run.JobType,
		Input:    input,
		Result:   result,
		Question: req.Question,
		Prior:    req.PriorExchange,
	})
}
