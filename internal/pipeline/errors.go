package pipeline

import (
	"context"
	"errors"
	"fmt"

	"genflow/internal/shared/model"
)

// TransientError 可重试的协作方错误（限流、5xx、网络抖动）
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient 将错误标记为可重试
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// StepError 单个步骤最终失败（已耗尽重试）
type StepError struct {
	Step     Step
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed after %d attempt(s): %v", e.Step.Index, e.Step.Name, e.Attempts, e.Err)
}
func (e *StepError) Unwrap() error { return e.Err }

// SynthesisError 汇总阶段失败
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string { return "synthesis: " + e.Err.Error() }
func (e *SynthesisError) Unwrap() error { return e.Err }

// Disposition 执行器对错误的处理方式
type Disposition int

const (
	// Retry 退避后重试当前调用
	Retry Disposition = iota
	// Continue 记录失败，继续后续步骤
	Continue
	// Abort 终止 Run
	Abort
)

func (d Disposition) String() string {
	switch d {
	case Retry:
		return "retry"
	case Continue:
		return "continue"
	default:
		return "abort"
	}
}

// Classify 步骤错误的处理方式，仅取决于错误类型、步骤属性与已尝试次数
//
// 调用方须先排除 Run 级别的取消与超时。
func Classify(err error, step Step, attempt int, policy Policy) Disposition {
	if err == nil {
		return Continue
	}
	if IsTransient(err) && attempt < policy.MaxAttempts {
		return Retry
	}
	if step.Required {
		return Abort
	}
	return Continue
}

// IsTransient 是否可重试；单步超时视为可重试
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

// ErrorCode Run 终止错误对应的错误码（整体超时由执行器单独判定）
func ErrorCode(err error) model.ErrorCode {
	var se *SynthesisError
	if errors.As(err, &se) {
		return model.ErrorCodeSynthesis
	}
	return model.ErrorCodeExecution
}
