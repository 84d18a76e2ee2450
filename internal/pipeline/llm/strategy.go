package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"genflow/internal/pipeline"
	"genflow/internal/shared/model"
)

// stepTemplate 规划模板中的单个步骤
type stepTemplate struct {
	name        string
	required    bool
	instruction string
	artifact    string
	// validate 非空时输出必须是通过校验的 JSON
	validate func(json.RawMessage) error
}

// jobProfile 每种 job_type 的系统提示与步骤模板
type jobProfile struct {
	system string
	steps  []stepTemplate
}

var profiles = map[model.JobType]jobProfile{
	model.JobTypeResearch: {
		system: "You are a meticulous research analyst. Cite the supplied documents where relevant.",
		steps: []stepTemplate{
			{name: "scope", required: true, instruction: "List the key questions this research must answer."},
			{name: "investigate", instruction: "Answer each key question using the supplied documents and general knowledge."},
			{name: "findings", instruction: "Condense the answers into ranked findings with supporting evidence."},
		},
	},
	model.JobTypeReport: {
		system: "You are a senior business writer producing structured reports.",
		steps: []stepTemplate{
			{name: "outline", required: true, instruction: "Write a section outline for the report."},
			{name: "draft", required: true, instruction: "Draft every section of the outline."},
			{name: "review", instruction: "Point out gaps, inconsistencies and unsupported claims in the draft."},
		},
	},
	model.JobTypeTemplate: {
		system: "You fill document templates precisely, keeping the template structure intact.",
		steps: []stepTemplate{
			{name: "fill", required: true, instruction: "Fill the template using the request parameters. Keep placeholders you cannot resolve."},
		},
	},
	model.JobTypeChart: {
		system: "You turn data descriptions into chart specifications.",
		steps: []stepTemplate{
			{name: "extract_data", required: true, instruction: "Extract the data series as a JSON array of {label, value} objects."},
			{
				name:     "chart_spec",
				required: true,
				instruction: "Produce a JSON chart specification object with type, title, x (a list of category labels as strings) " +
					"and series (a list of {name, values} objects with exactly one value per label). Reply with the JSON only.",
				artifact: "chart_spec",
				validate: validateChartSpec,
			},
		},
	},
}

// Strategy 基于模板规划、由 LLM 执行步骤的通用策略
type Strategy struct {
	client  *Client
	jobType model.JobType
	profile jobProfile
	policy  pipeline.Policy
}

var _ pipeline.Strategy = (*Strategy)(nil)

// NewStrategy 创建指定 job_type 的策略
func NewStrategy(client *Client, jobType model.JobType, policy pipeline.Policy) (*Strategy, error) {
	profile, ok := profiles[jobType]
	if !ok {
		return nil, fmt.Errorf("no llm profile for job type %q", jobType)
	}
	return &Strategy{client: client, jobType: jobType, profile: profile, policy: policy}, nil
}

// RegisterAll 为所有 job_type 注册 LLM 策略
func RegisterAll(reg *pipeline.Registry, client *Client, policy pipeline.Policy) error {
	for _, jt := range model.AllJobTypes {
		s, err := NewStrategy(client, jt, policy)
		if err != nil {
			return err
		}
		reg.Register(jt, s)
	}
	return nil
}

func (s *Strategy) Policy() pipeline.Policy { return s.policy }

// Plan 按模板生成步骤；重新生成时追加 revise 步骤
func (s *Strategy) Plan(_ context.Context, input *model.JobInput) ([]pipeline.Step, error) {
	steps := make([]pipeline.Step, 0, len(s.profile.steps)+1)
	for i, t := range s.profile.steps {
		steps = append(steps, pipeline.Step{Index: i, Name: t.name, Required: t.required})
	}
	if input.Previous != nil {
		steps = append(steps, pipeline.Step{Index: len(steps), Name: "revise", Required: true})
	}
	return steps, nil
}

func (s *Strategy) template(name string) stepTemplate {
	for _, t := range s.profile.steps {
		if t.name == name {
			return t
		}
	}
	return stepTemplate{
		name:        name,
		required:    true,
		instruction: "Revise the previous output so it addresses the user's feedback. Keep what the feedback does not mention.",
	}
}

func (s *Strategy) ExecuteStep(ctx context.Context, step pipeline.Step, sc pipeline.StepContext) (*pipeline.StepOutput, error) {
	t := s.template(step.Name)
	messages := s.baseMessages(sc.Input)
	for _, prev := range sc.Previous {
		if prev.Succeeded() {
			messages = append(messages, Message{Role: "assistant", Content: fmt.Sprintf("[%s]\n%s", prev.Step.Name, outputText(prev.Output.Output))})
		}
	}
	messages = append(messages, Message{Role: "user", Content: t.instruction})

	content, err := s.client.Chat(ctx, messages)
	if err != nil {
		return nil, err
	}

	out := &pipeline.StepOutput{}
	trimmed := json.RawMessage(strings.TrimSpace(content))
	if t.validate != nil {
		if err := t.validate(trimmed); err != nil {
			return nil, fmt.Errorf("step %s: %w", t.name, err)
		}
	}
	if t.artifact != "" && json.Valid(trimmed) {
		out.Output = trimmed
		out.Artifacts = []model.Artifact{{
			Name:     fmt.Sprintf("%s-%s", sc.RunID, t.name),
			Kind:     t.artifact,
			MimeType: "application/json",
		}}
		return out, nil
	}
	out.Output, err = json.Marshal(map[string]string{"text": content})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Synthesize 流式生成最终结果，片段以 delta 推送，结束时以 replace 给出全文
func (s *Strategy) Synthesize(ctx context.Context, input *model.JobInput, outcomes []pipeline.StepOutcome, emit pipeline.Emitter) (json.RawMessage, error) {
	messages := s.baseMessages(input)
	var used []string
	for _, o := range outcomes {
		if !o.Succeeded() {
			continue
		}
		used = append(used, o.Step.Name)
		messages = append(messages, Message{Role: "assistant", Content: fmt.Sprintf("[%s]\n%s", o.Step.Name, outputText(o.Output.Output))})
	}
	messages = append(messages, Message{Role: "user", Content: "Combine the work above into the final deliverable in Markdown."})

	content, err := s.client.ChatStream(ctx, messages, func(text string) error {
		return emit.Delta(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	if err := emit.Replace(ctx, content); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"job_type": s.jobType,
		"content":  content,
		"steps":    used,
	})
}

func (s *Strategy) baseMessages(input *model.JobInput) []Message {
	var b strings.Builder
	b.WriteString(input.Prompt)
	if len(input.Params) > 0 {
		params, _ := json.Marshal(input.Params)
		fmt.Fprintf(&b, "\n\nParameters: %s", params)
	}
	for i, doc := range input.Documents {
		fmt.Fprintf(&b, "\n\n<document index=%d>\n%s\n</document>", i, doc)
	}
	if p := input.Previous; p != nil {
		fmt.Fprintf(&b, "\n\nPrevious attempt (%s):\n%s\n\nFeedback:\n%s", p.Status, outputText(p.Result), p.Feedback)
	}
	return []Message{
		{Role: "system", Content: s.profile.system},
		{Role: "user", Content: b.String()},
	}
}

// outputText 从 {"text": ...} / {"content": ...} / 字符串中取正文，其余原样返回
func outputText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj map[string]any
	if json.Unmarshal(raw, &obj) == nil {
		for _, key := range []string{"text", "content"} {
			if v, ok := obj[key].(string); ok {
				return v
			}
		}
	}
	return string(raw)
}
