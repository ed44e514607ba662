// Package judge asks an LLM whether a call transcript satisfies a criterion.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Verdict is a judge's answer for one criterion.
type Verdict struct {
	Passed    bool   `json:"passed"`
	Rationale string `json:"rationale"`
}

// Judge evaluates one yes/no question against a transcript. Implementations
// are stateless and safe for concurrent use.
type Judge interface {
	Judge(ctx context.Context, transcript, question string) (Verdict, error)
}

var verdictSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "passed": {"type": "boolean"},
    "rationale": {"type": "string"}
  },
  "required": ["passed", "rationale"],
  "additionalProperties": false
}`)

func systemPrompt() string {
	return strings.Join([]string{
		"You evaluate recorded phone calls between a caller (persona) and a voice agent (counterpart).",
		"You are given the call transcript and one criterion.",
		"Decide strictly from the transcript whether the criterion was met.",
		"If the transcript is empty or cut off before the criterion could be met, it was not met.",
		"Return JSON only with keys passed (boolean) and rationale (string, one or two sentences citing the transcript).",
	}, "\n")
}

func userPrompt(transcript, question string) string {
	if strings.TrimSpace(transcript) == "" {
		transcript = "(no speech was captured)"
	}
	return "Transcript:\n" + transcript + "\n\nCriterion:\n" + strings.TrimSpace(question)
}

func parseVerdict(raw string) (Verdict, error) {
	var out Verdict
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return Verdict{}, fmt.Errorf("judge: decode verdict: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return Verdict{}, errors.New("judge: decode verdict: multiple JSON values")
		}
		return Verdict{}, fmt.Errorf("judge: decode verdict trailing data: %w", err)
	}
	out.Rationale = strings.TrimSpace(out.Rationale)
	if out.Rationale == "" {
		return Verdict{}, errors.New("judge: verdict missing rationale")
	}
	return out, nil
}
