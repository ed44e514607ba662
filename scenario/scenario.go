// Package scenario defines what a call test is: who the persona is, what it
// is trying to achieve, and how the outcome is judged.
package scenario

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agentplexus/calltest"
)

// Direction says which side places the call.
type Direction string

const (
	// Outbound: the engine dials the agent under test.
	Outbound Direction = "outbound"
	// Inbound: the engine waits for the agent under test to call in.
	Inbound Direction = "inbound"
)

// Persona is the LLM-driven caller played by the engine.
type Persona struct {
	Name   string `json:"name" yaml:"name"`
	Prompt string `json:"prompt" yaml:"prompt"`
	// Voice is a Twilio <Say> voice such as "Polly.Joanna". Empty uses the default.
	Voice string `json:"voice,omitempty" yaml:"voice,omitempty"`
}

// Criterion is one yes/no question asked about the finished call.
type Criterion struct {
	Name   string `json:"name" yaml:"name"`
	Prompt string `json:"prompt" yaml:"prompt"`
}

// Scenario is the call objective handed to the persona and the criteria the
// transcript is judged against.
type Scenario struct {
	Name     string      `json:"name" yaml:"name"`
	Prompt   string      `json:"prompt" yaml:"prompt"`
	Criteria []Criterion `json:"evaluations" yaml:"evaluations"`
}

// Test is the unit of execution: one persona, one scenario, one number.
type Test struct {
	Persona     Persona   `json:"agent" yaml:"agent"`
	Scenario    Scenario  `json:"scenario" yaml:"scenario"`
	PhoneNumber string    `json:"phone_number" yaml:"phone_number"`
	Direction   Direction `json:"direction" yaml:"direction"`
}

// NewPersona returns a validated persona.
func NewPersona(name, prompt, voice string) (Persona, error) {
	p := Persona{Name: strings.TrimSpace(name), Prompt: prompt, Voice: strings.TrimSpace(voice)}
	if err := p.Validate(); err != nil {
		return Persona{}, err
	}
	return p, nil
}

// NewScenario returns a validated scenario. The criteria slice is copied.
func NewScenario(name, prompt string, criteria ...Criterion) (Scenario, error) {
	s := Scenario{
		Name:     strings.TrimSpace(name),
		Prompt:   prompt,
		Criteria: append([]Criterion(nil), criteria...),
	}
	if err := s.Validate(); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

// Validate checks the persona fields.
func (p Persona) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return invalid("agent.name", "must not be empty")
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return invalid("agent.prompt", "must not be empty")
	}
	return nil
}

// Validate checks the scenario fields and criterion name uniqueness.
func (s Scenario) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return invalid("scenario.name", "must not be empty")
	}
	if strings.TrimSpace(s.Prompt) == "" {
		return invalid("scenario.prompt", "must not be empty")
	}
	if len(s.Criteria) == 0 {
		return invalid("scenario.evaluations", "at least one evaluation is required")
	}
	seen := make(map[string]struct{}, len(s.Criteria))
	for i, c := range s.Criteria {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return invalid(fmt.Sprintf("scenario.evaluations[%d].name", i), "must not be empty")
		}
		if strings.TrimSpace(c.Prompt) == "" {
			return invalid(fmt.Sprintf("scenario.evaluations[%d].prompt", i), "must not be empty")
		}
		if _, dup := seen[name]; dup {
			return invalid(fmt.Sprintf("scenario.evaluations[%d].name", i), fmt.Sprintf("duplicate evaluation %q", name))
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Validate checks the whole test. An empty direction is treated as outbound.
func (t Test) Validate() error {
	if strings.TrimSpace(t.PhoneNumber) == "" {
		return invalid("phone_number", "must not be empty")
	}
	switch t.Direction {
	case "", Outbound, Inbound:
	default:
		return invalid("direction", fmt.Sprintf("unknown direction %q", t.Direction))
	}
	if err := t.Persona.Validate(); err != nil {
		return err
	}
	return t.Scenario.Validate()
}

// EffectiveDirection returns the direction, defaulting to Outbound.
func (t Test) EffectiveDirection() Direction {
	if t.Direction == "" {
		return Outbound
	}
	return t.Direction
}

// Name identifies the test in logs: "<persona>/<scenario>".
func (t Test) Name() string {
	return t.Persona.Name + "/" + t.Scenario.Name
}

func invalid(field, msg string) error {
	return calltest.NewError(calltest.CodeValidation, field, fmt.Errorf("%s %s", field, msg))
}

// InvalidField returns the offending field of a validation error, or "".
func InvalidField(err error) string {
	if !calltest.IsCode(err, calltest.CodeValidation) {
		return ""
	}
	var e *calltest.Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
