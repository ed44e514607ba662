package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentplexus/calltest/internal/openai"
)

// DefaultOpenAIModel is the judge model when none is configured.
const DefaultOpenAIModel = "gpt-4o"

// ChatClient is the subset of the OpenAI client a judge needs.
type ChatClient interface {
	Chat(ctx context.Context, req openai.ChatRequest) (string, error)
}

// OpenAI judges with a chat model using strict JSON-schema output.
type OpenAI struct {
	client ChatClient
	model  string
}

// NewOpenAI returns an OpenAI-backed judge. An empty model uses DefaultOpenAIModel.
func NewOpenAI(client ChatClient, model string) (*OpenAI, error) {
	if client == nil {
		return nil, errors.New("judge: chat client is required")
	}
	if model = strings.TrimSpace(model); model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAI{client: client, model: model}, nil
}

func (j *OpenAI) Judge(ctx context.Context, transcript, question string) (Verdict, error) {
	temp := 0.0
	raw, err := j.client.Chat(ctx, openai.ChatRequest{
		Model: j.model,
		Messages: []openai.Message{
			{Role: "system", Content: systemPrompt()},
			{Role: "user", Content: userPrompt(transcript, question)},
		},
		Temperature: &temp,
		Schema:      &openai.Schema{Name: "verdict", Schema: verdictSchema},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("judge: openai: %w", err)
	}
	return parseVerdict(raw)
}
