// Package channel runs the per-session real-time endpoint a call is bridged
// into: a local HTTP server for Twilio's media stream and webhooks, exposed
// publicly through a tunnel.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentplexus/calltest"
	"github.com/agentplexus/calltest/callsystem"
	"github.com/agentplexus/calltest/conversation"
	"github.com/agentplexus/calltest/stt"
	"github.com/agentplexus/calltest/transport"
	"github.com/agentplexus/calltest/tunnel"
	omnicall "github.com/agentplexus/omnivoice/callsystem"
	omnitransport "github.com/agentplexus/omnivoice/transport"
	omnitts "github.com/agentplexus/omnivoice/tts"
)

const (
	defaultBindHost        = "127.0.0.1"
	defaultShutdownTimeout = 5 * time.Second
	eventBuffer            = 64
)

// Call is the live call the channel speaks on.
type Call interface {
	ID() string
	Say(ctx context.Context, text string, config omnitts.SynthesisConfig) error
	SayAndHangup(ctx context.Context, text string, config omnitts.SynthesisConfig) error
	Hangup(ctx context.Context) error
}

// Telephony reacts to Twilio webhooks on the channel's behalf.
type Telephony interface {
	HandleStatusCallback(callSID, status string) (omnicall.CallStatus, bool)
	// Answer handles an inbound voice webhook. A nil Call means the caller
	// was rejected; the TwiML is returned either way.
	Answer(callSID, from, to, expectedFrom string, ep callsystem.Endpoint) (Call, string, error)
}

// Config configures a channel.
type Config struct {
	Port      int
	BindHost  string
	Opener    tunnel.Opener
	Telephony Telephony
	// ExpectedCaller restricts inbound calls to this number.
	ExpectedCaller string
	// Voice is the persona's <Say> voice.
	Voice string
	// AudioSink receives inbound μ-law audio.
	AudioSink io.Writer
	// AuthToken enables X-Twilio-Signature validation on webhooks.
	AuthToken       string
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Channel is one session's call endpoint. It implements conversation.Line.
type Channel struct {
	cfg      Config
	logger   *slog.Logger
	server   *http.Server
	media    *transport.Server
	tunnel   tunnel.Tunnel
	endpoint callsystem.Endpoint
	addr     string
	served   chan struct{}

	events chan conversation.Event
	done   chan struct{}

	// emitMu serializes event delivery; mu guards call state. Never hold
	// both.
	emitMu sync.Mutex
	closed bool
	ended  bool

	mu          sync.Mutex
	call        Call
	callSID     string
	connected   chan struct{}
	isConnected bool
	lastStatus  string
	failure     error
	failed      chan struct{}

	closeOnce sync.Once
	closeErr  error
}

var (
	_ conversation.Line     = (*Channel)(nil)
	_ conversation.Farewell = (*Channel)(nil)
)

// Open starts the local server on cfg.Port and opens the public tunnel to it.
// Tunnel failures are returned as TUNNEL_UNAVAILABLE errors.
func Open(ctx context.Context, cfg Config) (*Channel, error) {
	if cfg.Opener == nil || cfg.Telephony == nil {
		return nil, errors.New("channel: opener and telephony are required")
	}
	if cfg.BindHost == "" {
		cfg.BindHost = defaultBindHost
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, calltest.NewError(calltest.CodeChannel, "listen", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	c := &Channel{
		cfg:       cfg,
		logger:    cfg.Logger.With("port", port),
		addr:      ln.Addr().String(),
		served:    make(chan struct{}),
		events:    make(chan conversation.Event, eventBuffer),
		done:      make(chan struct{}),
		connected: make(chan struct{}),
		failed:    make(chan struct{}),
	}
	c.media = transport.NewServer(transport.WithAudioSink(cfg.AudioSink), transport.WithLogger(c.logger))
	c.server = &http.Server{
		Handler:           c.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		defer close(c.served)
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("channel server stopped", "err", err)
		}
	}()

	tun, err := cfg.Opener.Open(ctx, port)
	if err != nil {
		_ = c.Close()
		if calltest.CodeOf(err) != calltest.CodeTunnelUnavailable {
			err = calltest.NewError(calltest.CodeTunnelUnavailable, "open", err)
		}
		return nil, err
	}
	c.tunnel = tun
	base := strings.TrimRight(tun.URL(), "/")
	c.endpoint = callsystem.Endpoint{
		MediaURL:         tunnel.WebsocketURL(base, calltest.MediaStreamPath),
		VoiceURL:         base + calltest.VoiceWebhookPath,
		StatusURL:        base + calltest.StatusWebhookPath,
		TranscriptionURL: base + calltest.TranscriptionWebhookPath,
	}
	c.logger.Info("channel open", "public_url", base)
	return c, nil
}

// Endpoint returns the public URLs the telephony provider should target.
func (c *Channel) Endpoint() callsystem.Endpoint {
	return c.endpoint
}

// Addr returns the local listen address.
func (c *Channel) Addr() string {
	return c.addr
}

// PublicURL returns the tunnel's public base URL.
func (c *Channel) PublicURL() string {
	if c.tunnel == nil {
		return ""
	}
	return strings.TrimRight(c.tunnel.URL(), "/")
}

// Attach binds the call placed for this session.
func (c *Channel) Attach(call Call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.call = call
	if c.callSID == "" {
		c.callSID = call.ID()
	}
}

// WaitConnected blocks until the call is answered and bridged, and returns
// its call SID. A call that ends before connecting (busy, no-answer, failed)
// returns a CHANNEL_ERROR naming the status.
func (c *Channel) WaitConnected(ctx context.Context) (string, error) {
	select {
	case <-c.connected:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.callSID, nil
	case <-c.failed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return "", c.failure
	case <-c.done:
		return "", calltest.NewError(calltest.CodeChannel, "closed", errors.New("channel closed"))
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// LastStatus returns the last Twilio call status seen.
func (c *Channel) LastStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStatus
}

// Events implements conversation.Line.
func (c *Channel) Events() <-chan conversation.Event {
	return c.events
}

// Say implements conversation.Line.
func (c *Channel) Say(ctx context.Context, text string) error {
	call, err := c.activeCall()
	if err != nil {
		return err
	}
	return call.Say(ctx, text, omnitts.SynthesisConfig{VoiceID: c.cfg.Voice})
}

// SayAndHangup implements conversation.Farewell.
func (c *Channel) SayAndHangup(ctx context.Context, text string) error {
	call, err := c.activeCall()
	if err != nil {
		return err
	}
	return call.SayAndHangup(ctx, text, omnitts.SynthesisConfig{VoiceID: c.cfg.Voice})
}

// Hangup implements conversation.Line. Without an attached call it is a no-op.
func (c *Channel) Hangup(ctx context.Context) error {
	c.mu.Lock()
	call := c.call
	c.mu.Unlock()
	if call == nil {
		return nil
	}
	return call.Hangup(ctx)
}

// Close tears down the tunnel, media connections and HTTP server. Repeated
// calls return nil.
func (c *Channel) Close() error {
	first := false
	c.closeOnce.Do(func() {
		first = true
		close(c.done)

		var errs []error
		if c.tunnel != nil {
			if err := c.tunnel.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close tunnel: %w", err))
			}
		}
		_ = c.media.Close()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
		defer cancel()
		if err := c.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			_ = c.server.Close()
		}
		<-c.served

		c.emitMu.Lock()
		c.closed = true
		close(c.events)
		c.emitMu.Unlock()

		c.closeErr = errors.Join(errs...)
		c.logger.Debug("channel closed")
	})
	if !first {
		return nil
	}
	return c.closeErr
}

func (c *Channel) activeCall() (Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return nil, calltest.NewError(calltest.CodeChannel, "no_call", errors.New("no call attached"))
	}
	return c.call, nil
}

// emit delivers an event in arrival order. Events after close or after the
// call ended are dropped.
func (c *Channel) emit(ev conversation.Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.closed || c.ended {
		return
	}
	if ev.Type == conversation.EventHangup || ev.Type == conversation.EventError {
		c.ended = true
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Channel) markConnected(callSID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isConnected || c.failure != nil {
		return
	}
	if callSID != "" && c.callSID == "" {
		c.callSID = callSID
	}
	c.isConnected = true
	close(c.connected)
	c.logger.Info("call connected", "call_sid", c.callSID)
}

func (c *Channel) markFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isConnected || c.failure != nil {
		return
	}
	c.failure = err
	close(c.failed)
}

func (c *Channel) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+calltest.MediaStreamPath, c.handleMedia)
	mux.HandleFunc("POST "+calltest.VoiceWebhookPath, c.webhook(c.handleVoice))
	mux.HandleFunc("POST "+calltest.StatusWebhookPath, c.webhook(c.handleStatus))
	mux.HandleFunc("POST "+calltest.TranscriptionWebhookPath, c.webhook(c.handleTranscription))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// webhook parses the form body and, when an auth token is configured,
// rejects requests without a valid Twilio signature.
func (c *Channel) webhook(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		if c.cfg.AuthToken != "" {
			fullURL := c.PublicURL() + r.URL.RequestURI()
			if !ValidSignature(c.cfg.AuthToken, fullURL, r.PostForm, r.Header.Get(SignatureHeader)) {
				c.logger.Warn("rejecting webhook with bad signature", "path", r.URL.Path)
				http.Error(w, "invalid signature", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}

func (c *Channel) handleMedia(w http.ResponseWriter, r *http.Request) {
	conn, err := c.media.Accept(w, r)
	if err != nil {
		c.logger.Warn("media stream rejected", "err", err)
		return
	}
	go c.pumpMedia(conn)
}

// pumpMedia maps media stream lifecycle events onto the conversation.
func (c *Channel) pumpMedia(conn *transport.Connection) {
	for ev := range conn.Events() {
		switch ev.Type {
		case omnitransport.EventAudioStarted:
			c.markConnected(conn.CallSID())
		case omnitransport.EventAudioStopped, omnitransport.EventDisconnected:
			c.emit(conversation.Event{Type: conversation.EventHangup, Status: "stream_stopped"})
		case omnitransport.EventError:
			c.emit(conversation.Event{Type: conversation.EventError, Err: ev.Error})
		case omnitransport.EventDTMF:
			c.logger.Debug("dtmf received")
		}
	}
	c.logger.Debug("media stream closed", "frames", conn.Frames())
}

func (c *Channel) handleVoice(w http.ResponseWriter, r *http.Request) {
	callSID := r.PostForm.Get("CallSid")
	call, twiml, err := c.cfg.Telephony.Answer(callSID, r.PostForm.Get("From"), r.PostForm.Get("To"),
		c.cfg.ExpectedCaller, c.endpoint)
	if err != nil {
		c.logger.Error("answering inbound call failed", "call_sid", callSID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if call != nil {
		c.Attach(call)
	}
	writeTwiML(w, twiml)
}

func (c *Channel) handleStatus(w http.ResponseWriter, r *http.Request) {
	callSID := r.PostForm.Get("CallSid")
	status := r.PostForm.Get("CallStatus")

	// Inbound channels receive callbacks for every call to the routed number,
	// rejected callers included, so only the attached call counts. Outbound
	// callbacks may arrive before Dial has returned the SID.
	c.mu.Lock()
	ours := c.callSID == callSID || (c.callSID == "" && c.cfg.ExpectedCaller == "")
	if ours {
		c.lastStatus = status
	}
	c.mu.Unlock()

	_, terminal := c.cfg.Telephony.HandleStatusCallback(callSID, status)
	if !ours {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch {
	case status == calltest.CallStatusInProgress:
		c.markConnected(callSID)
	case terminal:
		c.markFailed(calltest.NewError(calltest.CodeChannel, "twilio_"+strings.ReplaceAll(status, "-", "_"),
			fmt.Errorf("call ended before connecting: %s", status)))
		c.emit(conversation.Event{Type: conversation.EventHangup, Status: status})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Channel) handleTranscription(w http.ResponseWriter, r *http.Request) {
	ev, err := stt.ParseTranscriptionWebhook(r.PostForm)
	if err != nil {
		c.logger.Warn("bad transcription webhook", "err", err)
		http.Error(w, "invalid transcription event", http.StatusBadRequest)
		return
	}
	switch {
	case ev.Utterance():
		at := ev.Timestamp
		if at.IsZero() {
			at = time.Now()
		}
		c.emit(conversation.Event{Type: conversation.EventUtterance, Text: ev.Transcript, At: at})
	case ev.Event == stt.EventError:
		c.logger.Warn("transcription error", "call_sid", ev.CallSID, "error", ev.Error)
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeTwiML(w http.ResponseWriter, twiml string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, twiml)
}
