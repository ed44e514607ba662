// Package tts speaks persona lines on a live Twilio call.
//
// Twilio synthesizes speech itself: the provider renders TwiML with a <Say>
// verb and the call is updated to execute it, so no audio bytes leave the
// engine.
package tts

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agentplexus/omnivoice/tts"
)

// HoldSeconds is how long a call idles after speaking while it waits for the
// counterpart. It only needs to outlast the longest plausible call.
const HoldSeconds = 3600

// Provider renders <Say> TwiML with a default voice and language.
type Provider struct {
	defaultVoice    string
	defaultLanguage string
	voices          []tts.Voice
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	voice    string
	language string
}

// WithVoice sets the default voice.
func WithVoice(voice string) Option {
	return func(o *options) {
		o.voice = voice
	}
}

// WithLanguage sets the default language.
func WithLanguage(language string) Option {
	return func(o *options) {
		o.language = language
	}
}

// New creates a TTS provider.
func New(opts ...Option) *Provider {
	cfg := &options{
		voice:    "Polly.Joanna",
		language: "en-US",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Provider{
		defaultVoice:    cfg.voice,
		defaultLanguage: cfg.language,
		voices:          twilioVoices(),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "twilio"
}

// ListVoices returns the catalog of <Say> voices, optionally restricted to a
// language prefix such as "en" or "es-US".
func (p *Provider) ListVoices(_ context.Context, language string) []tts.Voice {
	out := make([]tts.Voice, 0, len(p.voices))
	for _, v := range p.voices {
		if language == "" || strings.HasPrefix(v.Language, language) {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out
}

// GetVoice returns a catalog voice by ID.
func (p *Provider) GetVoice(_ context.Context, voiceID string) (*tts.Voice, error) {
	for _, v := range p.voices {
		if v.ID == voiceID {
			return &v, nil
		}
	}
	return nil, fmt.Errorf("tts: voice not found: %s", voiceID)
}

// SayElement is a TwiML <Say> verb.
type SayElement struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

// PauseElement is a TwiML <Pause> verb.
type PauseElement struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

type hangupElement struct {
	XMLName xml.Name `xml:"Hangup"`
}

type responseElement struct {
	XMLName xml.Name `xml:"Response"`
	Say     *SayElement
	Pause   *PauseElement
	Hangup  *hangupElement
}

// Say renders TwiML that speaks text and then keeps the call open.
func (p *Provider) Say(ctx context.Context, text string, config tts.SynthesisConfig) (string, error) {
	say, err := p.sayElement(ctx, text, config)
	if err != nil {
		return "", err
	}
	return render(&responseElement{Say: say, Pause: &PauseElement{Length: HoldSeconds}})
}

// SayAndHangup renders TwiML that speaks text and then ends the call.
func (p *Provider) SayAndHangup(ctx context.Context, text string, config tts.SynthesisConfig) (string, error) {
	say, err := p.sayElement(ctx, text, config)
	if err != nil {
		return "", err
	}
	return render(&responseElement{Say: say, Hangup: &hangupElement{}})
}

// sayElement resolves voice and language. A catalog voice carries its own
// language; config.Model overrides it.
func (p *Provider) sayElement(ctx context.Context, text string, config tts.SynthesisConfig) (*SayElement, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("tts: text must not be empty")
	}

	voice := config.VoiceID
	if voice == "" {
		voice = p.defaultVoice
	}

	language := p.defaultLanguage
	if v, err := p.GetVoice(ctx, voice); err == nil {
		language = v.Language
	}
	if config.Model != "" {
		language = config.Model
	}

	return &SayElement{Voice: voice, Language: language, Text: text}, nil
}

func render(resp *responseElement) (string, error) {
	out, err := xml.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("tts: render twiml: %w", err)
	}
	return xml.Header + string(out), nil
}

func twilioVoices() []tts.Voice {
	return []tts.Voice{
		{ID: "alice", Name: "Alice", Language: "en-US", Gender: "female", Provider: "twilio"},
		{ID: "man", Name: "Man", Language: "en-US", Gender: "male", Provider: "twilio"},
		{ID: "woman", Name: "Woman", Language: "en-US", Gender: "female", Provider: "twilio"},

		{ID: "Polly.Joanna", Name: "Joanna (Polly)", Language: "en-US", Gender: "female", Provider: "twilio"},
		{ID: "Polly.Matthew", Name: "Matthew (Polly)", Language: "en-US", Gender: "male", Provider: "twilio"},
		{ID: "Polly.Ivy", Name: "Ivy (Polly)", Language: "en-US", Gender: "female", Provider: "twilio"},
		{ID: "Polly.Kendra", Name: "Kendra (Polly)", Language: "en-US", Gender: "female", Provider: "twilio"},
		{ID: "Polly.Salli", Name: "Salli (Polly)", Language: "en-US", Gender: "female", Provider: "twilio"},
		{ID: "Polly.Joey", Name: "Joey (Polly)", Language: "en-US", Gender: "male", Provider: "twilio"},
		{ID: "Polly.Amy", Name: "Amy (Polly)", Language: "en-GB", Gender: "female", Provider: "twilio"},
		{ID: "Polly.Brian", Name: "Brian (Polly)", Language: "en-GB", Gender: "male", Provider: "twilio"},

		{ID: "Google.en-US-Standard-C", Name: "Google US Female C", Language: "en-US", Gender: "female", Provider: "twilio"},
		{ID: "Google.en-US-Standard-D", Name: "Google US Male D", Language: "en-US", Gender: "male", Provider: "twilio"},

		{ID: "Polly.Penelope", Name: "Penelope (Polly)", Language: "es-US", Gender: "female", Provider: "twilio"},
		{ID: "Polly.Miguel", Name: "Miguel (Polly)", Language: "es-US", Gender: "male", Provider: "twilio"},
		{ID: "Polly.Celine", Name: "Celine (Polly)", Language: "fr-FR", Gender: "female", Provider: "twilio"},
		{ID: "Polly.Marlene", Name: "Marlene (Polly)", Language: "de-DE", Gender: "female", Provider: "twilio"},
	}
}
