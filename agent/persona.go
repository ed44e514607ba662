// Package agent generates the persona's side of the conversation with an LLM.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/agentplexus/calltest/conversation"
	"github.com/agentplexus/calltest/internal/openai"
)

// DefaultModel is used when no persona model is configured.
const DefaultModel = "gpt-4o"

// ChatClient is the subset of the OpenAI client the persona needs.
type ChatClient interface {
	Chat(ctx context.Context, req openai.ChatRequest) (string, error)
}

// Persona implements conversation.Generator on top of a chat model.
type Persona struct {
	client      ChatClient
	model       string
	temperature float64
}

type Option func(*Persona)

func WithModel(model string) Option {
	return func(p *Persona) {
		if model = strings.TrimSpace(model); model != "" {
			p.model = model
		}
	}
}

func WithTemperature(t float64) Option {
	return func(p *Persona) {
		p.temperature = t
	}
}

// NewPersona returns a persona generator backed by client.
func NewPersona(client ChatClient, opts ...Option) (*Persona, error) {
	if client == nil {
		return nil, errors.New("agent: chat client is required")
	}
	p := &Persona{client: client, model: DefaultModel, temperature: 0.7}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

var replySchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "utterance": {"type": "string"},
    "end_call": {"type": "boolean"}
  },
  "required": ["utterance", "end_call"],
  "additionalProperties": false
}`)

type replyPayload struct {
	Utterance string `json:"utterance"`
	EndCall   bool   `json:"end_call"`
}

// Next asks the model for the persona's next line.
func (p *Persona) Next(ctx context.Context, req conversation.Request) (conversation.Reply, error) {
	temp := p.temperature
	raw, err := p.client.Chat(ctx, openai.ChatRequest{
		Model:       p.model,
		Messages:    buildMessages(req),
		Temperature: &temp,
		Schema:      &openai.Schema{Name: "persona_reply", Schema: replySchema},
	})
	if err != nil {
		return conversation.Reply{}, fmt.Errorf("agent: generate reply: %w", err)
	}

	out, err := parseReply(raw)
	if err != nil {
		return conversation.Reply{}, err
	}
	return conversation.Reply{Text: strings.TrimSpace(out.Utterance), EndCall: out.EndCall}, nil
}

func buildMessages(req conversation.Request) []openai.Message {
	messages := make([]openai.Message, 0, len(req.Turns)+1)
	messages = append(messages, openai.Message{Role: "system", Content: systemPrompt(req)})
	for _, turn := range req.Turns {
		role := "user"
		if turn.Speaker == conversation.SpeakerPersona {
			role = "assistant"
		}
		messages = append(messages, openai.Message{Role: role, Content: turn.Text})
	}
	return messages
}

func systemPrompt(req conversation.Request) string {
	return strings.Join([]string{
		"You are on a live phone call. Stay in character for the whole call.",
		"",
		"Character (" + req.Persona.Name + "):",
		strings.TrimSpace(req.Persona.Prompt),
		"",
		"Your objective on this call:",
		strings.TrimSpace(req.Objective),
		"",
		"Rules:",
		"1) Reply with what you say next, as spoken words only. No stage directions.",
		"2) Keep each reply short, one or two sentences, like a real caller.",
		"3) Never reveal that you are an AI or that this is a test.",
		"4) Set end_call=true only when the objective is done or cannot be completed, and put your goodbye in utterance.",
		"",
		"Return JSON only with keys utterance (string) and end_call (boolean).",
	}, "\n")
}

func parseReply(raw string) (replyPayload, error) {
	var out replyPayload
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return replyPayload{}, fmt.Errorf("agent: decode reply: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return replyPayload{}, errors.New("agent: decode reply: multiple JSON values")
		}
		return replyPayload{}, fmt.Errorf("agent: decode reply trailing data: %w", err)
	}
	if strings.TrimSpace(out.Utterance) == "" && !out.EndCall {
		return replyPayload{}, errors.New("agent: reply has no utterance")
	}
	return out, nil
}
