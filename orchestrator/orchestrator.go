// Package orchestrator runs one call test end to end: it opens the session's
// channel, gets the call connected, lets the conversation driver run, tears
// everything down and has the transcript judged.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentplexus/calltest"
	"github.com/agentplexus/calltest/callsystem"
	"github.com/agentplexus/calltest/channel"
	"github.com/agentplexus/calltest/conversation"
	"github.com/agentplexus/calltest/evaluation"
	"github.com/agentplexus/calltest/recording"
	"github.com/agentplexus/calltest/scenario"
	"github.com/agentplexus/calltest/tunnel"
)

const (
	// DefaultConnectTimeout bounds CALL_CONNECTING.
	DefaultConnectTimeout = 60 * time.Second

	teardownTimeout = 15 * time.Second
)

// Telephony places and routes calls for the session's channel.
type Telephony interface {
	channel.Telephony
	// Dial places an outbound call whose media is bridged to ep.
	Dial(ctx context.Context, to string, ep callsystem.Endpoint) (channel.Call, error)
	// RouteInbound points inbound calls at ep. restore undoes it.
	RouteInbound(ctx context.Context, ep callsystem.Endpoint) (restore func(context.Context) error, err error)
}

// Channel is the session's open call endpoint.
type Channel interface {
	conversation.Line
	Endpoint() callsystem.Endpoint
	PublicURL() string
	Attach(call channel.Call)
	WaitConnected(ctx context.Context) (string, error)
	Close() error
}

// ChannelOpener opens a channel. OpenChannel is the production opener.
type ChannelOpener func(ctx context.Context, cfg channel.Config) (Channel, error)

// OpenChannel opens a *channel.Channel.
func OpenChannel(ctx context.Context, cfg channel.Config) (Channel, error) {
	ch, err := channel.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Evaluator judges a finished transcript, one result per criterion.
type Evaluator interface {
	Evaluate(ctx context.Context, transcript string, criteria []scenario.Criterion) []evaluation.Result
}

var _ Evaluator = (*evaluation.Pipeline)(nil)

// Deps are the collaborators an orchestrator drives.
type Deps struct {
	Telephony Telephony
	Generator conversation.Generator
	Evaluator Evaluator
	Tunnels   tunnel.Opener
	// OpenChannel defaults to OpenChannel.
	OpenChannel ChannelOpener
}

// Config tunes one orchestrated run.
type Config struct {
	// Port is the local channel port. Zero picks a free one.
	Port           int
	BindHost       string
	ConnectTimeout time.Duration
	Conversation   conversation.Config
	// RecordingsDir enables counterpart audio recording when set.
	RecordingsDir string
	// AuthToken enables webhook signature validation on the channel.
	AuthToken string
	Logger    *slog.Logger
	Now       func() time.Time
}

func (d Deps) validate() error {
	switch {
	case d.Telephony == nil:
		return errors.New("orchestrator: telephony is required")
	case d.Generator == nil:
		return errors.New("orchestrator: persona generator is required")
	case d.Evaluator == nil:
		return errors.New("orchestrator: evaluator is required")
	case d.Tunnels == nil:
		return errors.New("orchestrator: tunnel opener is required")
	}
	return nil
}

// Orchestrator drives exactly one test.
type Orchestrator struct {
	deps Deps
	cfg  Config

	used atomic.Bool

	mu      sync.Mutex
	session *Session
}

// New returns an orchestrator for a single run.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.OpenChannel == nil {
		deps.OpenChannel = OpenChannel
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{deps: deps, cfg: cfg}, nil
}

// Session returns the run's session, or nil before Run.
func (o *Orchestrator) Session() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// run is the mutable state of one Run.
type run struct {
	sess    *Session
	logger  *slog.Logger
	ch      Channel
	restore func(context.Context) error
	rec     *recording.Recorder
}

// exit is where a run left the state machine.
type exit struct {
	state State
	err   error
	// judge reports whether the transcript should still be evaluated.
	judge bool
}

// Run executes the test. Every failure is reported in the result; Run never
// returns a nil result.
func (o *Orchestrator) Run(ctx context.Context, test scenario.Test) *TestResult {
	sess := newSession(test, o.cfg.Now())
	if !o.used.CompareAndSwap(false, true) {
		err := calltest.NewError(calltest.CodeInternal, "orchestrator_reused", errors.New("orchestrator already ran"))
		_ = sess.transition(StateFailed)
		return o.result(sess, err, evaluation.FailAll(test.Scenario.Criteria, err.Error()), "")
	}
	o.mu.Lock()
	o.session = sess
	o.mu.Unlock()

	r := &run{
		sess:   sess,
		logger: o.cfg.Logger.With("session_id", sess.ID, "test", test.Name()),
	}
	r.logger.Info("test started", "direction", test.EffectiveDirection(), "phone_number", test.PhoneNumber)

	if err := test.Validate(); err != nil {
		o.enter(r, StateFailed)
		r.logger.Warn("invalid test", "err", err)
		return o.result(sess, err, evaluation.FailAll(test.Scenario.Criteria, err.Error()), "")
	}

	out := o.execute(ctx, r)
	recordingPath := o.teardown(ctx, r)

	var results []evaluation.Result
	switch {
	case out.judge && ctx.Err() == nil:
		results = o.deps.Evaluator.Evaluate(ctx, conversation.Format(sess.Transcript.Snapshot()), test.Scenario.Criteria)
	case out.err != nil:
		results = evaluation.FailAll(test.Scenario.Criteria, out.err.Error())
	case ctx.Err() != nil:
		results = evaluation.FailAll(test.Scenario.Criteria, "evaluation skipped: "+ctx.Err().Error())
	default:
		results = evaluation.FailAll(test.Scenario.Criteria, "call did not complete")
	}
	if out.state == StateCompleted {
		o.enter(r, StateCompleted)
	}

	res := o.result(sess, out.err, results, recordingPath)
	r.logger.Info("test finished", "call_status", res.CallStatus, "passed", res.Passed(),
		"turns", len(res.Transcript), "duration", res.Duration())
	return res
}

// execute moves the session from CHANNEL_OPENING up to EVALUATING or a
// failure state.
func (o *Orchestrator) execute(ctx context.Context, r *run) exit {
	test := r.sess.Test
	o.enter(r, StateChannelOpening)

	var sink io.Writer
	if o.cfg.RecordingsDir != "" {
		r.rec = recording.NewRecorder(recording.DefaultMaxBytes)
		sink = r.rec
	}
	expected := ""
	if test.EffectiveDirection() == scenario.Inbound {
		expected = test.PhoneNumber
	}
	ch, err := o.deps.OpenChannel(ctx, channel.Config{
		Port:           o.cfg.Port,
		BindHost:       o.cfg.BindHost,
		Opener:         o.deps.Tunnels,
		Telephony:      o.deps.Telephony,
		ExpectedCaller: expected,
		Voice:          test.Persona.Voice,
		AudioSink:      sink,
		AuthToken:      o.cfg.AuthToken,
		Logger:         r.logger,
	})
	if err != nil {
		r.logger.Error("channel unavailable", "err", err)
		return o.fail(ctx, r, err)
	}
	r.ch = ch
	r.sess.setPublicURL(ch.PublicURL())

	o.enter(r, StateCallConnecting)
	if out, ok := o.connect(ctx, r); !ok {
		return out
	}

	o.enter(r, StateInCall)
	driverCfg := o.cfg.Conversation
	driverCfg.Logger = r.logger
	if driverCfg.Now == nil {
		driverCfg.Now = o.cfg.Now
	}
	drv, err := conversation.NewDriver(ch, o.deps.Generator, test.Scenario, test.Persona, r.sess.Transcript, driverCfg)
	if err != nil {
		return o.fail(ctx, r, calltest.NewError(calltest.CodeInternal, "driver", err))
	}
	res := drv.Run(ctx)
	r.logger.Info("conversation ended", "outcome", res.Outcome, "reason", res.Reason, "turns", r.sess.Transcript.Len())

	partial := r.sess.Transcript.Len() > 0
	switch res.Outcome {
	case conversation.OutcomeCompleted:
		if ctx.Err() != nil {
			return o.fail(ctx, r, ctx.Err())
		}
		o.enter(r, StateEvaluating)
		return exit{state: StateCompleted, judge: true}
	case conversation.OutcomeTimedOut:
		o.enter(r, StateTimedOut)
		return exit{state: StateTimedOut, err: res.Err, judge: partial}
	default:
		err := res.Err
		if err == nil {
			err = calltest.NewError(calltest.CodeInternal, res.Reason, nil)
		}
		out := o.fail(ctx, r, err)
		out.judge = partial
		return out
	}
}

// connect places or awaits the call and blocks until it is bridged.
func (o *Orchestrator) connect(ctx context.Context, r *run) (exit, bool) {
	test := r.sess.Test
	cctx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
	defer cancel()

	ep := r.ch.Endpoint()
	switch test.EffectiveDirection() {
	case scenario.Inbound:
		restore, err := o.deps.Telephony.RouteInbound(cctx, ep)
		if err != nil {
			return o.connectFailure(ctx, cctx, r, calltest.NewError(calltest.CodeChannel, "route_inbound", err)), false
		}
		r.restore = restore
		r.logger.Info("waiting for inbound call", "from", test.PhoneNumber)
	default:
		call, err := o.deps.Telephony.Dial(cctx, test.PhoneNumber, ep)
		if err != nil {
			if calltest.CodeOf(err) == calltest.CodeInternal {
				err = calltest.NewError(calltest.CodeChannel, "dial", err)
			}
			return o.connectFailure(ctx, cctx, r, err), false
		}
		r.ch.Attach(call)
		r.sess.setCallSID(call.ID())
	}

	sid, err := r.ch.WaitConnected(cctx)
	if err != nil {
		return o.connectFailure(ctx, cctx, r, err), false
	}
	r.sess.setCallSID(sid)
	r.logger.Info("call connected", "call_sid", sid)
	return exit{}, true
}

func (o *Orchestrator) connectFailure(ctx, cctx context.Context, r *run, err error) exit {
	if ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		r.logger.Warn("call did not connect in time", "timeout", o.cfg.ConnectTimeout)
		o.hangup(ctx, r)
		o.enter(r, StateTimedOut)
		return exit{state: StateTimedOut, err: calltest.NewError(calltest.CodeCallConnectTimeout, "connect_timeout",
			fmt.Errorf("call not connected within %s", o.cfg.ConnectTimeout))}
	}
	r.logger.Error("call failed to connect", "err", err)
	o.hangup(ctx, r)
	return o.fail(ctx, r, err)
}

// fail ends the run in FAILED, or TIMED_OUT when ctx's deadline expired.
func (o *Orchestrator) fail(ctx context.Context, r *run, err error) exit {
	state := StateFailed
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		state = StateTimedOut
		if calltest.CodeOf(err) == calltest.CodeInternal {
			err = calltest.NewError(calltest.CodeConversationTimeout, "deadline", err)
		}
	}
	o.enter(r, state)
	return exit{state: state, err: err}
}

func (o *Orchestrator) hangup(ctx context.Context, r *run) {
	if r.ch == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := r.ch.Hangup(hctx); err != nil {
		r.logger.Warn("hangup failed", "err", err)
	}
}

// teardown releases everything the run acquired and returns the recording
// path, if one was saved.
func (o *Orchestrator) teardown(ctx context.Context, r *run) string {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	if r.restore != nil {
		if err := r.restore(tctx); err != nil {
			r.logger.Warn("restoring inbound routing failed", "err", err)
		}
	}
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			r.logger.Warn("closing channel failed", "err", err)
		}
	}
	r.sess.end(o.cfg.Now())

	if r.rec == nil || r.rec.Len() == 0 {
		return ""
	}
	path, err := r.rec.Save(o.cfg.RecordingsDir, r.sess.ID)
	if err != nil {
		r.logger.Warn("saving recording failed", "err", err)
		return ""
	}
	r.logger.Info("recording saved", "path", path, "bytes", r.rec.Len(), "truncated", r.rec.Truncated())
	return path
}

func (o *Orchestrator) enter(r *run, to State) {
	if err := r.sess.transition(to); err != nil {
		r.logger.Error("state machine", "err", err)
		return
	}
	r.logger.Debug("state", "state", to)
}

func (o *Orchestrator) result(sess *Session, err error, results []evaluation.Result, recordingPath string) *TestResult {
	if results == nil {
		results = []evaluation.Result{}
	}
	return &TestResult{
		Test:        sess.Test,
		SessionID:   sess.ID,
		CallSID:     sess.CallSID(),
		Transcript:  sess.Transcript.Snapshot(),
		Evaluations: results,
		CallStatus:  callStatusFor(sess.State()),
		Error:       errorInfo(err),
		StartedAt:   sess.StartedAt,
		EndedAt:     sess.end(o.cfg.Now()),
		Recording:   recordingPath,
	}
}
