// Package model 定义核心数据模型
//
// event.go 包含事件日志相关的数据模型定义：
//   - Event：Run 事件日志中的一条记录
//   - EventKind：事件类型枚举
//   - 各类事件的 Payload 结构
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// EventKind - 事件类型
// ============================================================================

// EventKind 事件类型
//
// 事件分类：
//  1. 进度事件：status, delta, replace, step_result
//  2. 终止事件：complete, error, cancelled（每个 Run 至多一个，且必须是最后一条）
type EventKind string

const (
	// EventKindStatus 运行/步骤状态更新
	// Payload: StatusPayload
	EventKindStatus EventKind = "status"

	// EventKindDelta 增量内容
	// Payload: {"text": "...", "step_index": 0}
	EventKindDelta EventKind = "delta"

	// EventKindReplace 全量内容替换
	// Payload: {"content": "..."}
	EventKindReplace EventKind = "replace"

	// EventKindStepResult 步骤结构化结果（成功或失败）
	// Payload: StepResultPayload
	EventKindStepResult EventKind = "step_result"

	// EventKindComplete 终止：成功，携带最终结果
	EventKindComplete EventKind = "complete"

	// EventKindError 终止：失败
	EventKindError EventKind = "error"

	// EventKindCancelled 终止：已取消
	EventKindCancelled EventKind = "cancelled"
)

// IsTerminal 是否为终止事件
func (k EventKind) IsTerminal() bool {
	switch k {
	case EventKindComplete, EventKindError, EventKindCancelled:
		return true
	}
	return false
}

// Valid 是否为已知事件类型
func (k EventKind) Valid() bool {
	switch k {
	case EventKindStatus, EventKindDelta, EventKindReplace, EventKindStepResult,
		EventKindComplete, EventKindError, EventKindCancelled:
		return true
	}
	return false
}

// TerminalStatus 终止事件对应的 Run 状态（非终止事件返回空串）
func (k EventKind) TerminalStatus() RunStatus {
	switch k {
	case EventKindComplete:
		return RunStatusDone
	case EventKindError:
		return RunStatusError
	case EventKindCancelled:
		return RunStatusCancelled
	}
	return ""
}

// ============================================================================
// Event - 事件
// ============================================================================

// Event Run 事件日志中的一条不可变记录
//
// Seq 在单个 Run 内从 1 开始连续递增，无空洞。
type Event struct {
	ID        int64           `json:"id,omitempty" bson:"-" db:"id"`
	RunID     string          `json:"run_id" bson:"run_id" db:"run_id"`
	Seq       int64           `json:"seq" bson:"seq" db:"seq"`
	Kind      EventKind       `json:"kind" bson:"kind" db:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty" bson:"payload,omitempty" db:"payload"`
	Timestamp time.Time       `json:"timestamp" bson:"timestamp" db:"timestamp"`
}

// IsTerminal 是否为终止事件
func (e *Event) IsTerminal() bool {
	return e.Kind.IsTerminal()
}

// DecodePayload 将 Payload 解码到 v
func (e *Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// ============================================================================
// Payload 结构
// ============================================================================

// 状态事件的阶段
const (
	PhaseRunning     = "running"
	PhasePlanned     = "planned"
	PhaseStepStarted = "step_started"
	PhaseRetrying    = "retrying"
	PhaseSynthesis   = "synthesizing"
)

// StatusPayload status 事件负载
type StatusPayload struct {
	Phase     string     `json:"phase"`
	Message   string     `json:"message,omitempty"`
	StepIndex *int       `json:"step_index,omitempty"`
	StepName  string     `json:"step_name,omitempty"`
	Attempt   int        `json:"attempt,omitempty"`
	Plan      []PlanStep `json:"plan,omitempty"`
}

// PlanStep 计划中的一个步骤
type PlanStep struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
}

// DeltaPayload delta 事件负载
type DeltaPayload struct {
	Text      string `json:"text"`
	StepIndex *int   `json:"step_index,omitempty"`
}

// ReplacePayload replace 事件负载
type ReplacePayload struct {
	Content   string `json:"content"`
	StepIndex *int   `json:"step_index,omitempty"`
}

// StepResultPayload step_result 事件负载
type StepResultPayload struct {
	StepIndex int             `json:"step_index"`
	StepName  string          `json:"step_name"`
	OK        bool            `json:"ok"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Attempts  int             `json:"attempts"`
	Artifacts []Artifact      `json:"artifacts,omitempty"`
}

// Artifact 步骤产出的附件（图表、模板文件等）
type Artifact struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// CompletePayload complete 事件负载
type CompletePayload struct {
	ResultRef string          `json:"result_ref"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// ErrorPayload error 事件负载
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// CancelledPayload cancelled 事件负载
type CancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

// EncodePayload 序列化事件负载
func EncodePayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
