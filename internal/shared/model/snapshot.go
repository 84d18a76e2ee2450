package model

import "encoding/json"

// StepState 快照中的步骤状态
type StepState string

const (
	StepStatePending   StepState = "pending"
	StepStateRunning   StepState = "running"
	StepStateSucceeded StepState = "succeeded"
	StepStateFailed    StepState = "failed"
)

// StepSummary 单个步骤的汇总
type StepSummary struct {
	Index    int             `json:"index"`
	Name     string          `json:"name"`
	Required bool            `json:"required,omitempty"`
	State    StepState       `json:"state"`
	Attempts int             `json:"attempts,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Snapshot 对事件日志折叠后的当前视图
type Snapshot struct {
	RunID        string          `json:"run_id"`
	Status       RunStatus       `json:"status"`
	Done         bool            `json:"done"`
	Steps        []StepSummary   `json:"steps"`
	Artifacts    []Artifact      `json:"artifacts"`
	Content      string          `json:"content,omitempty"`
	FinalResult  json.RawMessage `json:"final_result,omitempty"`
	ResultRef    string          `json:"result_ref,omitempty"`
	Error        *ErrorPayload   `json:"error,omitempty"`
	CancelReason string          `json:"cancel_reason,omitempty"`
	LastSeq      int64           `json:"last_seq"`
}

// FoldSnapshot 将事件列表折叠为快照
//
// 纯函数：结果只取决于 events。没有事件时状态为 queued，
// 有事件但无终止事件时为 running，终止事件决定终态。
// 无法解码的负载按空负载处理。
func FoldSnapshot(runID string, events []*Event) *Snapshot {
	snap := &Snapshot{
		RunID:     runID,
		Status:    RunStatusQueued,
		Steps:     []StepSummary{},
		Artifacts: []Artifact{},
	}

	for _, e := range events {
		snap.LastSeq = e.Seq
		if snap.Status == RunStatusQueued {
			snap.Status = RunStatusRunning
		}

		switch e.Kind {
		case EventKindStatus:
			var p StatusPayload
			_ = e.DecodePayload(&p)
			foldStatus(snap, &p)

		case EventKindDelta:
			var p DeltaPayload
			_ = e.DecodePayload(&p)
			snap.Content += p.Text

		case EventKindReplace:
			var p ReplacePayload
			_ = e.DecodePayload(&p)
			snap.Content = p.Content

		case EventKindStepResult:
			var p StepResultPayload
			_ = e.DecodePayload(&p)
			step := snap.step(p.StepIndex)
			if p.StepName != "" {
				step.Name = p.StepName
			}
			step.Attempts = p.Attempts
			if p.OK {
				step.State = StepStateSucceeded
				step.Output = p.Output
				step.Error = ""
			} else {
				step.State = StepStateFailed
				step.Error = p.Error
			}
			snap.Artifacts = append(snap.Artifacts, p.Artifacts...)

		case EventKindComplete:
			var p CompletePayload
			_ = e.DecodePayload(&p)
			snap.FinalResult = p.Result
			snap.ResultRef = p.ResultRef

		case EventKindError:
			var p ErrorPayload
			_ = e.DecodePayload(&p)
			snap.Error = &p

		case EventKindCancelled:
			var p CancelledPayload
			_ = e.DecodePayload(&p)
			snap.CancelReason = p.Reason
		}

		if e.Kind.IsTerminal() {
			snap.Status = e.Kind.TerminalStatus()
			snap.Done = true
		}
	}

	return snap
}

func foldStatus(snap *Snapshot, p *StatusPayload) {
	switch p.Phase {
	case PhasePlanned:
		for _, ps := range p.Plan {
			step := snap.step(ps.Index)
			step.Name = ps.Name
			step.Required = ps.Required
		}
	case PhaseStepStarted, PhaseRetrying:
		if p.StepIndex == nil {
			return
		}
		step := snap.step(*p.StepIndex)
		if p.StepName != "" {
			step.Name = p.StepName
		}
		step.State = StepStateRunning
		if p.Attempt > step.Attempts {
			step.Attempts = p.Attempt
		}
	}
}

// step 返回指定序号的步骤，不存在时补齐
func (s *Snapshot) step(index int) *StepSummary {
	if index < 0 {
		index = 0
	}
	for len(s.Steps) <= index {
		s.Steps = append(s.Steps, StepSummary{Index: len(s.Steps), State: StepStatePending})
	}
	return &s.Steps[index]
}
