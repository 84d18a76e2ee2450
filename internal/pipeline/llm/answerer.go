package llm

import (
	"context"
	"fmt"

	"genflow/internal/pipeline"
)

// Answerer 基于已完成结果回答追问
type Answerer struct {
	client *Client
}

var _ pipeline.Answerer = (*Answerer)(nil)

// NewAnswerer 创建追问回答器
func NewAnswerer(client *Client) *Answerer {
	return &Answerer{client: client}
}

func (a *Answerer) Answer(ctx context.Context, req pipeline.FollowUpRequest) (string, error) {
	prompt := ""
	if req.Input != nil {
		prompt = req.Input.Prompt
	}
	messages := []Message{
		{Role: "system", Content: "Answer questions about the deliverable below. Say so when the deliverable does not contain the answer."},
		{Role: "user", Content: fmt.Sprintf("Original request:\n%s\n\nDeliverable:\n%s", prompt, outputText(req.Result))},
	}
	for _, ex := range req.Prior {
		messages = append(messages,
			Message{Role: "user", Content: ex.Question},
			Message{Role: "assistant", Content: ex.Answer})
	}
	messages = append(messages, Message{Role: "user", Content: req.Question})
	return a.client.Chat(ctx, messages)
}
