// Package stt configures Twilio real-time transcription for a call and
// decodes the transcription webhooks Twilio sends back.
//
// Transcription runs on Twilio's side of the call: the <Start><Transcription>
// verb forks the counterpart's audio to the speech engine and every recognized
// utterance is POSTed to a status callback URL.
package stt

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentplexus/omnivoice/stt"
)

// Tracks Twilio can transcribe.
const (
	TrackInbound  = "inbound_track"
	TrackOutbound = "outbound_track"
	TrackBoth     = "both_tracks"
)

// Provider holds the transcription settings applied to every call.
type Provider struct {
	language        string
	speechModel     string
	engine          string
	profanityFilter bool
	partialResults  bool
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	language        string
	speechModel     string
	engine          string
	profanityFilter bool
	partialResults  bool
}

// WithLanguage sets the recognition language, e.g. "en-US".
func WithLanguage(language string) Option {
	return func(o *options) {
		o.language = language
	}
}

// WithSpeechModel sets the speech model, e.g. "telephony" or "long".
func WithSpeechModel(model string) Option {
	return func(o *options) {
		o.speechModel = model
	}
}

// WithEngine selects the transcription engine ("google" or "deepgram").
func WithEngine(engine string) Option {
	return func(o *options) {
		o.engine = engine
	}
}

// WithProfanityFilter enables or disables the profanity filter.
func WithProfanityFilter(enabled bool) Option {
	return func(o *options) {
		o.profanityFilter = enabled
	}
}

// WithPartialResults asks Twilio to also send interim hypotheses.
func WithPartialResults(enabled bool) Option {
	return func(o *options) {
		o.partialResults = enabled
	}
}

// New creates a transcription provider.
func New(opts ...Option) *Provider {
	cfg := &options{
		language:    "en-US",
		speechModel: "telephony",
		engine:      "google",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Provider{
		language:        cfg.language,
		speechModel:     cfg.speechModel,
		engine:          cfg.engine,
		profanityFilter: cfg.profanityFilter,
		partialResults:  cfg.partialResults,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "twilio"
}

// Language returns the recognition language.
func (p *Provider) Language() string {
	return p.language
}

// TranscriptionElement is a TwiML <Transcription> noun, nested in <Start>.
type TranscriptionElement struct {
	XMLName           xml.Name `xml:"Transcription"`
	StatusCallbackURL string   `xml:"statusCallbackUrl,attr"`
	Track             string   `xml:"track,attr,omitempty"`
	LanguageCode      string   `xml:"languageCode,attr,omitempty"`
	SpeechModel       string   `xml:"speechModel,attr,omitempty"`
	Engine            string   `xml:"transcriptionEngine,attr,omitempty"`
	ProfanityFilter   string   `xml:"profanityFilter,attr,omitempty"`
	PartialResults    string   `xml:"partialResults,attr,omitempty"`
}

// Element returns the <Transcription> noun that transcribes the given track
// and reports to callbackURL.
func (p *Provider) Element(callbackURL, track string) *TranscriptionElement {
	if track == "" {
		track = TrackInbound
	}
	return &TranscriptionElement{
		StatusCallbackURL: callbackURL,
		Track:             track,
		LanguageCode:      p.language,
		SpeechModel:       p.speechModel,
		Engine:            p.engine,
		ProfanityFilter:   strconv.FormatBool(p.profanityFilter),
		PartialResults:    strconv.FormatBool(p.partialResults),
	}
}

// Transcription webhook event kinds.
const (
	EventStarted = "transcription-started"
	EventContent = "transcription-content"
	EventStopped = "transcription-stopped"
	EventError   = "transcription-error"
)

// TranscriptionEvent is one real-time transcription callback.
type TranscriptionEvent struct {
	Event      string
	CallSID    string
	Track      string
	SequenceID int
	Transcript string
	Confidence float64
	IsFinal    bool
	Language   string
	Timestamp  time.Time
	Error      string
}

type transcriptionData struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// ParseTranscriptionWebhook decodes the form body of a transcription callback.
func ParseTranscriptionWebhook(form url.Values) (*TranscriptionEvent, error) {
	ev := &TranscriptionEvent{
		Event:    form.Get("TranscriptionEvent"),
		CallSID:  form.Get("CallSid"),
		Track:    form.Get("Track"),
		Language: form.Get("LanguageCode"),
	}
	if ev.Event == "" {
		return nil, errors.New("stt: missing TranscriptionEvent")
	}
	if seq := form.Get("SequenceId"); seq != "" {
		n, err := strconv.Atoi(seq)
		if err != nil {
			return nil, fmt.Errorf("stt: invalid SequenceId %q: %w", seq, err)
		}
		ev.SequenceID = n
	}
	if ts := form.Get("Timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.Timestamp = t
		}
	}

	switch ev.Event {
	case EventContent:
		var data transcriptionData
		if err := json.Unmarshal([]byte(form.Get("TranscriptionData")), &data); err != nil {
			return nil, fmt.Errorf("stt: invalid TranscriptionData: %w", err)
		}
		ev.Transcript = strings.TrimSpace(data.Transcript)
		ev.Confidence = data.Confidence
		ev.IsFinal = form.Get("Final") == "true"
	case EventError:
		ev.Error = form.Get("TranscriptionError")
		if ev.Error == "" {
			ev.Error = form.Get("TranscriptionErrorCode")
		}
	}
	return ev, nil
}

// Utterance reports whether the event carries a final, non-empty transcript.
func (e *TranscriptionEvent) Utterance() bool {
	return e.Event == EventContent && e.IsFinal && e.Transcript != ""
}

// ToStreamEvent converts the callback into a stream event.
func (e *TranscriptionEvent) ToStreamEvent() stt.StreamEvent {
	event := stt.StreamEvent{
		Type:       stt.EventTranscript,
		Transcript: e.Transcript,
		IsFinal:    e.IsFinal,
	}

	if e.IsFinal {
		event.Segment = &stt.Segment{
			Text:       e.Transcript,
			Confidence: e.Confidence,
			Language:   e.Language,
		}
	}

	return event
}
