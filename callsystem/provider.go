// Package callsystem places, answers, speaks on and ends Twilio calls for a
// call test session.
package callsystem

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentplexus/calltest"
	"github.com/agentplexus/calltest/internal/client"
	"github.com/agentplexus/calltest/stt"
	"github.com/agentplexus/calltest/tts"
	"github.com/agentplexus/omnivoice/callsystem"
	omnitts "github.com/agentplexus/omnivoice/tts"
)

// API is the subset of the Twilio REST client the provider uses.
type API interface {
	CreateCall(ctx context.Context, params client.CreateCallParams) (*client.Call, error)
	UpdateCall(ctx context.Context, callSID string, params client.UpdateCallParams) (*client.Call, error)
	FindPhoneNumber(ctx context.Context, number string) (*client.PhoneNumber, error)
	UpdatePhoneNumber(ctx context.Context, sid string, params client.UpdatePhoneNumberParams) (*client.PhoneNumber, error)
}

var _ API = (*client.Client)(nil)

// Endpoint is the public address of a session's call channel.
type Endpoint struct {
	MediaURL         string // wss://…/media
	VoiceURL         string // https://…/voice
	StatusURL        string // https://…/status
	TranscriptionURL string // https://…/transcription
}

// Provider manages Twilio calls.
type Provider struct {
	api         API
	stt         *stt.Provider
	tts         *tts.Provider
	defaultFrom string
	logger      *slog.Logger

	mu    sync.RWMutex
	calls map[string]*Call

	// inbound is held by the session the number is routed to.
	inbound  chan struct{}
	original *client.UpdatePhoneNumberParams
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	phoneNumber string
	stt         *stt.Provider
	tts         *tts.Provider
	logger      *slog.Logger
}

// WithPhoneNumber sets the caller-id number calls are placed from.
func WithPhoneNumber(number string) Option {
	return func(o *options) {
		o.phoneNumber = number
	}
}

// WithSTT sets the transcription settings.
func WithSTT(p *stt.Provider) Option {
	return func(o *options) {
		o.stt = p
	}
}

// WithTTS sets the speech settings.
func WithTTS(p *tts.Provider) Option {
	return func(o *options) {
		o.tts = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a Twilio call provider.
func New(api API, opts ...Option) (*Provider, error) {
	if api == nil {
		return nil, errors.New("callsystem: twilio api is required")
	}
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.stt == nil {
		cfg.stt = stt.New()
	}
	if cfg.tts == nil {
		cfg.tts = tts.New()
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	return &Provider{
		api:         api,
		stt:         cfg.stt,
		tts:         cfg.tts,
		defaultFrom: cfg.phoneNumber,
		logger:      cfg.logger,
		calls:       make(map[string]*Call),
		inbound:     make(chan struct{}, 1),
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return calltest.ProviderName
}

// PhoneNumber returns the caller-id number.
func (p *Provider) PhoneNumber() string {
	return p.defaultFrom
}

// WithFrom overrides the caller-id for one call.
func WithFrom(number string) callsystem.CallOption {
	return func(o *callsystem.CallOptions) {
		o.From = number
	}
}

// WithRingTimeout sets how long Twilio lets the call ring.
func WithRingTimeout(d time.Duration) callsystem.CallOption {
	return func(o *callsystem.CallOptions) {
		o.Timeout = d
	}
}

// Originate places an outbound call to the number under test. Once answered,
// the call forks its audio to the endpoint's media stream, transcribes the
// counterpart and holds the line open for the persona.
func (p *Provider) Originate(ctx context.Context, to string, ep Endpoint, opts ...callsystem.CallOption) (*Call, error) {
	callOpts := &callsystem.CallOptions{}
	for _, opt := range opts {
		opt(callOpts)
	}

	from := callOpts.From
	if from == "" {
		from = p.defaultFrom
	}
	if from == "" {
		return nil, errors.New("callsystem: from number is required (set TWILIO_PHONE_NUMBER)")
	}

	twiml, err := p.streamTwiML(ep)
	if err != nil {
		return nil, err
	}

	statusCallback := callOpts.StatusCallback
	if statusCallback == "" {
		statusCallback = ep.StatusURL
	}

	twilioCall, err := p.api.CreateCall(ctx, client.CreateCallParams{
		To:                  to,
		From:                from,
		Twiml:               twiml,
		StatusCallback:      statusCallback,
		StatusCallbackEvent: []string{"initiated", "ringing", "answered", "completed"},
		Timeout:             callOpts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("callsystem: failed to place call: %w", err)
	}

	call := p.track(&Call{
		id:        twilioCall.SID,
		direction: callsystem.Outbound,
		status:    mapCallStatus(twilioCall.Status),
		rawStatus: twilioCall.Status,
		from:      from,
		to:        to,
		startTime: time.Now(),
		provider:  p,
	})
	p.logger.Info("call placed", "call_sid", call.id, "to", to, "status", twilioCall.Status)
	return call, nil
}

// RouteInbound points the caller-id number's voice webhook at the endpoint so
// the agent under test can call in. The number serves one session at a time:
// RouteInbound waits until the previous session has restored it. The
// returned restore func puts the number's original webhooks back, as they
// were before the first session routed it, and releases the number.
func (p *Provider) RouteInbound(ctx context.Context, ep Endpoint) (restore func(context.Context) error, err error) {
	if p.defaultFrom == "" {
		return nil, errors.New("callsystem: phone number is required for inbound tests (set TWILIO_PHONE_NUMBER)")
	}
	select {
	case p.inbound <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("callsystem: waiting for phone number %s: %w", p.defaultFrom, ctx.Err())
	}
	release := func() { <-p.inbound }

	pn, err := p.api.FindPhoneNumber(ctx, p.defaultFrom)
	if err != nil {
		release()
		return nil, fmt.Errorf("callsystem: find phone number: %w", err)
	}
	previous := p.originalRouting(pn)

	if _, err := p.api.UpdatePhoneNumber(ctx, pn.SID, client.UpdatePhoneNumberParams{
		VoiceURL:       ep.VoiceURL,
		StatusCallback: ep.StatusURL,
	}); err != nil {
		release()
		return nil, fmt.Errorf("callsystem: route phone number: %w", err)
	}
	p.logger.Info("inbound calls routed to channel", "number", p.defaultFrom, "voice_url", ep.VoiceURL)

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			defer release()
			_, err = p.api.UpdatePhoneNumber(ctx, pn.SID, previous)
		})
		if err != nil {
			return fmt.Errorf("callsystem: restore phone number: %w", err)
		}
		return nil
	}, nil
}

// originalRouting returns the number's webhooks as first seen, so a restore
// that failed earlier does not leave a dead tunnel recorded as the original.
func (p *Provider) originalRouting(pn *client.PhoneNumber) client.UpdatePhoneNumberParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.original == nil {
		p.original = &client.UpdatePhoneNumberParams{VoiceURL: pn.VoiceURL, StatusCallback: pn.StatusCallback}
	}
	return *p.original
}

// HandleIncomingWebhook answers a Twilio voice webhook. Calls from
// expectedFrom are bridged into the endpoint; anything else is rejected.
func (p *Provider) HandleIncomingWebhook(callSID, from, to, expectedFrom string, ep Endpoint) (*Call, string, error) {
	if expectedFrom != "" && from != expectedFrom {
		p.logger.Warn("rejecting unexpected caller", "call_sid", callSID, "from", from, "expected", expectedFrom)
		twiml, err := render(&responseElement{Reject: &rejectElement{}})
		return nil, twiml, err
	}

	twiml, err := p.streamTwiML(ep)
	if err != nil {
		return nil, "", err
	}

	call := p.track(&Call{
		id:        callSID,
		direction: callsystem.Inbound,
		status:    callsystem.StatusAnswered,
		rawStatus: calltest.CallStatusInProgress,
		from:      from,
		to:        to,
		startTime: time.Now(),
		provider:  p,
	})
	p.logger.Info("inbound call answered", "call_sid", callSID, "from", from)
	return call, twiml, nil
}

// HandleStatusCallback records a Twilio status callback and reports whether
// the call is over.
func (p *Provider) HandleStatusCallback(callSID, status string) (callsystem.CallStatus, bool) {
	mapped := mapCallStatus(status)
	terminal := calltest.IsTerminalCallStatus(status)

	p.mu.Lock()
	call, ok := p.calls[callSID]
	if ok && terminal {
		delete(p.calls, callSID)
	}
	p.mu.Unlock()

	if ok {
		call.setStatus(mapped, status)
	}
	p.logger.Debug("call status", "call_sid", callSID, "status", status)
	return mapped, terminal
}

// GetCall returns a tracked call.
func (p *Provider) GetCall(callSID string) (*Call, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	call, ok := p.calls[callSID]
	return call, ok
}

// Close hangs up every call still tracked.
func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	calls := make([]*Call, 0, len(p.calls))
	for _, c := range p.calls {
		calls = append(calls, c)
	}
	p.calls = make(map[string]*Call)
	p.mu.Unlock()

	var errs []error
	for _, c := range calls {
		if err := c.Hangup(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) track(call *Call) *Call {
	p.mu.Lock()
	p.calls[call.id] = call
	p.mu.Unlock()
	return call
}

func (p *Provider) streamTwiML(ep Endpoint) (string, error) {
	if ep.MediaURL == "" || ep.TranscriptionURL == "" {
		return "", errors.New("callsystem: endpoint media and transcription URLs are required")
	}
	return render(&responseElement{
		Start: &startElement{
			Stream:        &streamElement{URL: ep.MediaURL, Track: "inbound_track"},
			Transcription: p.stt.Element(ep.TranscriptionURL, stt.TrackInbound),
		},
		Pause: &tts.PauseElement{Length: tts.HoldSeconds},
	})
}

// Call is one Twilio call.
type Call struct {
	id        string
	direction callsystem.CallDirection
	from      string
	to        string
	startTime time.Time
	provider  *Provider

	mu        sync.RWMutex
	status    callsystem.CallStatus
	rawStatus string
	ended     bool
}

// ID returns the call SID.
func (c *Call) ID() string {
	return c.id
}

// Direction returns inbound or outbound.
func (c *Call) Direction() callsystem.CallDirection {
	return c.direction
}

// Status returns the current call status.
func (c *Call) Status() callsystem.CallStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// TwilioStatus returns the last raw Twilio status.
func (c *Call) TwilioStatus() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rawStatus
}

// From returns the caller ID.
func (c *Call) From() string {
	return c.from
}

// To returns the called number.
func (c *Call) To() string {
	return c.to
}

// StartTime returns when the call was placed or answered.
func (c *Call) StartTime() time.Time {
	return c.startTime
}

// Duration returns the time since the call started.
func (c *Call) Duration() time.Duration {
	return time.Since(c.startTime)
}

// Say speaks text on the call and keeps it open.
func (c *Call) Say(ctx context.Context, text string, config omnitts.SynthesisConfig) error {
	twiml, err := c.provider.tts.Say(ctx, text, config)
	if err != nil {
		return err
	}
	if _, err := c.provider.api.UpdateCall(ctx, c.id, client.UpdateCallParams{Twiml: twiml}); err != nil {
		return fmt.Errorf("callsystem: say: %w", err)
	}
	return nil
}

// SayAndHangup speaks a last line and lets Twilio end the call after it.
func (c *Call) SayAndHangup(ctx context.Context, text string, config omnitts.SynthesisConfig) error {
	twiml, err := c.provider.tts.SayAndHangup(ctx, text, config)
	if err != nil {
		return err
	}
	if _, err := c.provider.api.UpdateCall(ctx, c.id, client.UpdateCallParams{Twiml: twiml}); err != nil {
		if client.IsCallNotInProgress(err) {
			c.markEnded()
			return nil
		}
		return fmt.Errorf("callsystem: say and hangup: %w", err)
	}
	c.markEnded()
	return nil
}

// Hangup ends the call. A call that already ended is not an error.
func (c *Call) Hangup(ctx context.Context) error {
	c.mu.RLock()
	ended := c.ended
	status := c.status
	c.mu.RUnlock()
	if ended {
		return nil
	}

	params := client.UpdateCallParams{Status: calltest.CallStatusCompleted}
	if status == callsystem.StatusRinging {
		params.Status = calltest.CallStatusCanceled
	}
	if _, err := c.provider.api.UpdateCall(ctx, c.id, params); err != nil && !client.IsCallNotInProgress(err) {
		return fmt.Errorf("callsystem: hangup: %w", err)
	}
	c.markEnded()
	return nil
}

func (c *Call) setStatus(status callsystem.CallStatus, raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	c.rawStatus = raw
	if calltest.IsTerminalCallStatus(raw) {
		c.ended = true
	}
}

func (c *Call) markEnded() {
	c.mu.Lock()
	c.ended = true
	c.mu.Unlock()
}

type streamElement struct {
	XMLName xml.Name `xml:"Stream"`
	URL     string   `xml:"url,attr"`
	Track   string   `xml:"track,attr,omitempty"`
}

type startElement struct {
	XMLName       xml.Name `xml:"Start"`
	Stream        *streamElement
	Transcription *stt.TranscriptionElement
}

type rejectElement struct {
	XMLName xml.Name `xml:"Reject"`
}

type responseElement struct {
	XMLName xml.Name `xml:"Response"`
	Start   *startElement
	Pause   *tts.PauseElement
	Reject  *rejectElement
}

func render(resp *responseElement) (string, error) {
	out, err := xml.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("callsystem: render twiml: %w", err)
	}
	return xml.Header + string(out), nil
}

// mapCallStatus maps a Twilio status to a call status.
func mapCallStatus(status string) callsystem.CallStatus {
	switch status {
	case calltest.CallStatusQueued, calltest.CallStatusInitiated, calltest.CallStatusRinging:
		return callsystem.StatusRinging
	case calltest.CallStatusInProgress:
		return callsystem.StatusAnswered
	case calltest.CallStatusCompleted:
		return callsystem.StatusEnded
	case calltest.CallStatusBusy:
		return callsystem.StatusBusy
	case calltest.CallStatusNoAnswer:
		return callsystem.StatusNoAnswer
	case calltest.CallStatusFailed, calltest.CallStatusCanceled:
		return callsystem.StatusFailed
	default:
		return callsystem.StatusRinging
	}
}
