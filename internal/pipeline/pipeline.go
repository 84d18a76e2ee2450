// Package pipeline 定义执行器与生成策略之间的协作接口
//
// 执行器只负责编排：规划 → 逐步执行 → 汇总。具体内容（提示词、检索、
// 图表渲染等）由按 job_type 注册的 Strategy 提供。
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"genflow/internal/shared/model"
)

// Step 规划产出的单个步骤
type Step struct {
	Index    int            `json:"index"`
	Name     string         `json:"name"`
	Required bool           `json:"required"`
	Params   map[string]any `json:"params,omitempty"`
}

// StepOutput 步骤执行结果
type StepOutput struct {
	Output    json.RawMessage  `json:"output,omitempty"`
	Artifacts []model.Artifact `json:"artifacts,omitempty"`
}

// StepOutcome 已完成步骤的结果，失败时 Err 非空
type StepOutcome struct {
	Step   Step
	Output *StepOutput
	Err    error
}

// Succeeded 步骤是否成功
func (o StepOutcome) Succeeded() bool {
	return o.Err == nil && o.Output != nil
}

// Emitter 向事件日志推送部分内容（delta / replace）
type Emitter interface {
	Delta(ctx context.Context, text string) error
	Replace(ctx context.Context, content string) error
}

// StepContext 步骤执行上下文
type StepContext struct {
	RunID    string
	JobType  model.JobType
	Input    *model.JobInput
	Attempt  int
	Previous []StepOutcome
	Emitter  Emitter
}

// Policy 重试与超时策略
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	StepTimeout time.Duration
	RunTimeout  time.Duration
}

// DefaultPolicy 默认策略
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
		StepTimeout: 2 * time.Minute,
		RunTimeout:  15 * time.Minute,
	}
}

// Merge 以 override 中的非零字段覆盖
func (p Policy) Merge(override Policy) Policy {
	if override.MaxAttempts > 0 {
		p.MaxAttempts = override.MaxAttempts
	}
	if override.BaseBackoff > 0 {
		p.BaseBackoff = override.BaseBackoff
	}
	if override.MaxBackoff > 0 {
		p.MaxBackoff = override.MaxBackoff
	}
	if override.StepTimeout > 0 {
		p.StepTimeout = override.StepTimeout
	}
	if override.RunTimeout > 0 {
		p.RunTimeout = override.RunTimeout
	}
	return p
}

// Strategy 某一 job_type 的生成策略
type Strategy interface {
	Plan(ctx context.Context, input *model.JobInput) ([]Step, error)
	ExecuteStep(ctx context.Context, step Step, sc StepContext) (*StepOutput, error)
	Synthesize(ctx context.Context, input *model.JobInput, outcomes []StepOutcome, emit Emitter) (json.RawMessage, error)
	Policy() Policy
}

// Exchange 一轮追问问答
type Exchange struct {
	Question string `json:"question" validate:"required"`
	Answer   string `json:"answer"`
}

// FollowUpRequest 针对已完成 Run 的追问
type FollowUpRequest struct {
	RunID    string
	JobType  model.JobType
	Input    *model.JobInput
	Result   json.RawMessage
	Question string
	Prior    []Exchange
}

// Answerer 同步回答追问
type Answerer interface {
	Answer(ctx context.Context, req FollowUpRequest) (string, error)
}
