// Package model 定义核心数据模型
//
// run.go 包含生成任务执行相关的数据模型定义：
//   - Run：一次生成任务的执行实例
//   - RunStatus：执行状态枚举
//   - JobType：任务类型枚举
//   - JobInput：任务输入
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// RunStatus - 执行状态
// ============================================================================

// RunStatus 表示 Run 的生命周期状态
//
// 合法迁移只有：queued → running → {done, error, cancelled}。
// 终态（done/error/cancelled）不可再变更。
type RunStatus string

const (
	// RunStatusQueued 已创建，等待执行器领取
	RunStatusQueued RunStatus = "queued"

	// RunStatusRunning 执行器已领取并开始执行
	RunStatusRunning RunStatus = "running"

	// RunStatusDone 执行成功，result_ref 已设置
	RunStatusDone RunStatus = "done"

	// RunStatusError 执行失败，error 已设置
	RunStatusError RunStatus = "error"

	// RunStatusCancelled 已被取消
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal 是否为终态
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusDone, RunStatusError, RunStatusCancelled:
		return true
	}
	return false
}

// Valid 是否为已知状态
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusDone, RunStatusError, RunStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo 判断状态迁移是否合法（只允许向前迁移）
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusQueued:
		return next == RunStatusRunning || next == RunStatusCancelled || next == RunStatusError
	case RunStatusRunning:
		return next == RunStatusDone || next == RunStatusError || next == RunStatusCancelled
	}
	return false
}

// SourcesFor 返回可以迁移到目标状态的源状态列表（供条件更新使用）
func SourcesFor(next RunStatus) []RunStatus {
	var out []RunStatus
	for _, s := range []RunStatus{RunStatusQueued, RunStatusRunning} {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}

// ============================================================================
// JobType - 任务类型
// ============================================================================

// JobType 生成任务类型，决定执行器使用的策略
type JobType string

const (
	JobTypeResearch JobType = "research"
	JobTypeReport   JobType = "report"
	JobTypeTemplate JobType = "template"
	JobTypeChart    JobType = "chart"
)

// AllJobTypes 全部已知任务类型
var AllJobTypes = []JobType{JobTypeResearch, JobTypeReport, JobTypeTemplate, JobTypeChart}

// Valid 是否为已知任务类型
func (t JobType) Valid() bool {
	for _, jt := range AllJobTypes {
		if jt == t {
			return true
		}
	}
	return false
}

// ============================================================================
// ErrorCode - 失败原因分类
// ============================================================================

// ErrorCode 终态 error 的分类，写入 error 事件和 Run 记录
type ErrorCode string

const (
	// ErrorCodeExecution 规划或必需步骤失败
	ErrorCodeExecution ErrorCode = "execution"

	// ErrorCodeSynthesis 汇总阶段失败
	ErrorCodeSynthesis ErrorCode = "synthesis"

	// ErrorCodeTimeout 超过整体执行期限（与取消区分）
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodeExecutorLost 执行器心跳丢失，由回收器终结
	ErrorCodeExecutorLost ErrorCode = "executor_lost"
)

// ============================================================================
// Run - 执行实例
// ============================================================================

// Run 一次生成任务
type Run struct {
	ID              string          `json:"id" bson:"_id" db:"id"`
	OwnerID         string          `json:"owner_id" bson:"owner_id" db:"owner_id"`
	JobType         JobType         `json:"job_type" bson:"job_type" db:"job_type"`
	Status          RunStatus       `json:"status" bson:"status" db:"status"`
	Input           json.RawMessage `json:"input,omitempty" bson:"input,omitempty" db:"input"`
	ResultRef       *string         `json:"result_ref,omitempty" bson:"result_ref,omitempty" db:"result_ref"`  // 仅 done 时设置
	ErrorCode       *ErrorCode      `json:"error_code,omitempty" bson:"error_code,omitempty" db:"error_code"` // 仅 error 时设置
	Error           *string         `json:"error,omitempty" bson:"error,omitempty" db:"error"`                // 仅 error 时设置
	ParentRunID     *string         `json:"parent_run_id,omitempty" bson:"parent_run_id,omitempty" db:"parent_run_id"`
	CancelRequested bool            `json:"cancel_requested" bson:"cancel_requested" db:"cancel_requested"`
	HeartbeatAt     *time.Time      `json:"heartbeat_at,omitempty" bson:"heartbeat_at,omitempty" db:"heartbeat_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty" bson:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" bson:"completed_at,omitempty" db:"completed_at"`
	CreatedAt       time.Time       `json:"created_at" bson:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" bson:"updated_at" db:"updated_at"`
}

// IsTerminal Run 是否已结束
func (r *Run) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// OwnedBy 是否属于指定用户
func (r *Run) OwnedBy(ownerID string) bool {
	return ownerID != "" && r.OwnerID == ownerID
}

// Duration 执行耗时（未开始返回 0，未结束按当前时间计算）
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	return end.Sub(*r.StartedAt)
}

// ============================================================================
// JobInput - 任务输入
// ============================================================================

// JobInput 提交时的任务输入
//
// 对事件日志不透明，只由执行策略解释。
type JobInput struct {
	Prompt    string         `json:"prompt" validate:"required,max=20000"`
	Params    map[string]any `json:"params,omitempty"`
	Documents []string       `json:"documents,omitempty" validate:"max=32,dive,max=200000"`
	Previous  *PriorOutput   `json:"previous,omitempty"`
}

// PriorOutput 重新生成时嵌入的上一次输出与用户反馈
type PriorOutput struct {
	RunID    string          `json:"run_id"`
	Status   RunStatus       `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Feedback string          `json:"feedback"`
}

// ParseJobInput 解析 Run 的输入
func ParseJobInput(raw json.RawMessage) (*JobInput, error) {
	var in JobInput
	if len(raw) == 0 {
		return &in, nil
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	return &in, nil
}
