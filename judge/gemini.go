package judge

import (
	"context"
	"errors"
	"fmt"
)

// DefaultGeminiModel is the Gemini judge model when none is configured.
const DefaultGeminiModel = "gemini-2.0-flash"

// Generator is the subset of the Gemini client a judge needs.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// Gemini judges with a Gemini model.
type Gemini struct {
	client Generator
}

func NewGemini(client Generator) (*Gemini, error) {
	if client == nil {
		return nil, errors.New("judge: gemini client is required")
	}
	return &Gemini{client: client}, nil
}

func (j *Gemini) Judge(ctx context.Context, transcript, question string) (Verdict, error) {
	raw, err := j.client.Generate(ctx, systemPrompt(), userPrompt(transcript, question))
	if err != nil {
		return Verdict{}, fmt.Errorf("judge: gemini: %w", err)
	}
	return parseVerdict(raw)
}
