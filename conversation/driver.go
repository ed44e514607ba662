package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agentplexus/calltest"
	"github.com/agentplexus/calltest/scenario"
)

const (
	defaultSilenceTimeout = 30 * time.Second
	hangupTimeout         = 10 * time.Second
)

// EventType classifies what the line delivered.
type EventType int

const (
	// EventUtterance carries a final transcript segment from the counterpart.
	EventUtterance EventType = iota
	// EventHangup means the call ended on the provider side.
	EventHangup
	// EventError means the media path broke.
	EventError
)

// Event is one item received from the call line.
type Event struct {
	Type   EventType
	Text   string
	At     time.Time
	Status string // provider call status for EventHangup, if known
	Err    error
}

// Line is the live call as seen by the driver.
type Line interface {
	// Events delivers counterpart utterances and lifecycle signals in arrival order.
	Events() <-chan Event
	// Say speaks text to the counterpart.
	Say(ctx context.Context, text string) error
	// Hangup ends the call. It must tolerate an already-ended call.
	Hangup(ctx context.Context) error
}

// Farewell is implemented by lines that can speak a last utterance and end
// the call in one step, so the goodbye is not cut off by the hangup.
type Farewell interface {
	SayAndHangup(ctx context.Context, text string) error
}

// Request is the input to one persona generation step.
type Request struct {
	Persona   scenario.Persona
	Objective string
	Turns     []Turn
}

// Reply is the persona's next move.
type Reply struct {
	Text    string
	EndCall bool
}

// Generator produces the persona's next utterance from the transcript so far.
type Generator interface {
	Next(ctx context.Context, req Request) (Reply, error)
}

// Outcome is how a conversation ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeFailed    Outcome = "failed"
)

// Result reports why the loop stopped.
type Result struct {
	Outcome Outcome
	// Reason is a short tag: hangup, persona_ended, silence, max_turns, max_duration, ...
	Reason string
	Err    error
}

// Config bounds a conversation. Zero MaxTurns or MaxDuration means unbounded.
type Config struct {
	MaxTurns       int
	MaxDuration    time.Duration
	SilenceTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Driver runs one conversation over one line.
type Driver struct {
	line       Line
	gen        Generator
	persona    scenario.Persona
	objective  string
	transcript *Transcript
	cfg        Config
	logger     *slog.Logger

	running atomic.Bool
}

// NewDriver wires a driver for one session.
func NewDriver(line Line, gen Generator, sc scenario.Scenario, persona scenario.Persona, transcript *Transcript, cfg Config) (*Driver, error) {
	if line == nil {
		return nil, errors.New("conversation: line must not be nil")
	}
	if gen == nil {
		return nil, errors.New("conversation: generator must not be nil")
	}
	if transcript == nil {
		return nil, errors.New("conversation: transcript must not be nil")
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = defaultSilenceTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Driver{
		line:       line,
		gen:        gen,
		persona:    persona,
		objective:  sc.Prompt,
		transcript: transcript,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Run drives the conversation until the call ends, a bound is hit, or the
// line fails. Only one Run may be active per driver.
func (d *Driver) Run(ctx context.Context) Result {
	if !d.running.CompareAndSwap(false, true) {
		return Result{Outcome: OutcomeFailed, Reason: "already_running",
			Err: calltest.NewError(calltest.CodeInternal, "driver_already_running", nil)}
	}
	defer d.running.Store(false)

	var deadline <-chan time.Time
	if d.cfg.MaxDuration > 0 {
		timer := time.NewTimer(d.cfg.MaxDuration)
		defer timer.Stop()
		deadline = timer.C
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.MaxDuration)
		defer cancel()
	}

	silence := time.NewTimer(d.cfg.SilenceTimeout)
	defer silence.Stop()

	events := d.line.Events()
	for {
		select {
		case <-ctx.Done():
			return d.stopOnContext(ctx)

		case <-deadline:
			return d.timeout("max_duration")

		case <-silence.C:
			d.logger.Info("no counterpart speech, ending call", "silence", d.cfg.SilenceTimeout)
			d.hangup(ctx)
			return Result{Outcome: OutcomeCompleted, Reason: "silence"}

		case ev, ok := <-events:
			if !ok {
				return Result{Outcome: OutcomeCompleted, Reason: "channel_closed"}
			}
			switch ev.Type {
			case EventHangup:
				d.logger.Info("call ended by provider", "status", ev.Status)
				return Result{Outcome: OutcomeCompleted, Reason: "hangup"}
			case EventError:
				d.logger.Error("media channel failed", "err", ev.Err)
				return Result{Outcome: OutcomeFailed, Reason: "channel_error",
					Err: calltest.NewError(calltest.CodeChannel, "media_stream", ev.Err)}
			case EventUtterance:
				if res, done := d.exchange(ctx, ev); done {
					return res
				}
				resetTimer(silence, d.cfg.SilenceTimeout)
			}
		}
	}
}

// exchange records one counterpart utterance and answers it.
func (d *Driver) exchange(ctx context.Context, ev Event) (Result, bool) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return Result{}, false
	}
	at := ev.At
	if at.IsZero() {
		at = d.cfg.Now()
	}
	d.transcript.Append(SpeakerCounterpart, text, at)
	d.logger.Debug("counterpart turn", "text", text)
	if d.turnLimitReached() {
		return d.timeout("max_turns"), true
	}

	reply, err := d.gen.Next(ctx, Request{
		Persona:   d.persona,
		Objective: d.objective,
		Turns:     d.transcript.Snapshot(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return d.stopOnContext(ctx), true
		}
		return Result{Outcome: OutcomeFailed, Reason: "persona_generation",
			Err: fmt.Errorf("conversation: generate reply: %w", err)}, true
	}

	said := strings.TrimSpace(reply.Text)
	if fw, ok := d.line.(Farewell); ok && reply.EndCall && said != "" {
		if err := fw.SayAndHangup(ctx, said); err != nil {
			if ctx.Err() != nil {
				return d.stopOnContext(ctx), true
			}
			return Result{Outcome: OutcomeFailed, Reason: "say",
				Err: calltest.NewError(calltest.CodeChannel, "say", err)}, true
		}
		d.transcript.Append(SpeakerPersona, said, d.cfg.Now())
		d.logger.Info("persona ended the call")
		return Result{Outcome: OutcomeCompleted, Reason: "persona_ended"}, true
	}

	if said != "" {
		if err := d.line.Say(ctx, said); err != nil {
			if ctx.Err() != nil {
				return d.stopOnContext(ctx), true
			}
			return Result{Outcome: OutcomeFailed, Reason: "say",
				Err: calltest.NewError(calltest.CodeChannel, "say", err)}, true
		}
		d.transcript.Append(SpeakerPersona, said, d.cfg.Now())
		d.logger.Debug("persona turn", "text", said)
		if d.turnLimitReached() {
			return d.timeout("max_turns"), true
		}
	}

	if reply.EndCall {
		d.logger.Info("persona ended the call")
		d.hangup(ctx)
		return Result{Outcome: OutcomeCompleted, Reason: "persona_ended"}, true
	}
	return Result{}, false
}

func (d *Driver) turnLimitReached() bool {
	return d.cfg.MaxTurns > 0 && d.transcript.Len() >= d.cfg.MaxTurns
}

func (d *Driver) timeout(reason string) Result {
	d.logger.Warn("conversation bound reached", "reason", reason, "turns", d.transcript.Len())
	d.hangup(context.Background())
	return Result{Outcome: OutcomeTimedOut, Reason: reason,
		Err: calltest.NewError(calltest.CodeConversationTimeout, reason, nil)}
}

func (d *Driver) stopOnContext(ctx context.Context) Result {
	d.hangup(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Result{Outcome: OutcomeTimedOut, Reason: "max_duration",
			Err: calltest.NewError(calltest.CodeConversationTimeout, "max_duration", ctx.Err())}
	}
	return Result{Outcome: OutcomeFailed, Reason: "canceled", Err: ctx.Err()}
}

// hangup ends the call on a context detached from ctx's cancellation.
func (d *Driver) hangup(ctx context.Context) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hangupTimeout)
	defer cancel()
	if err := d.line.Hangup(hctx); err != nil {
		d.logger.Warn("hangup failed", "err", err)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
