package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentplexus/calltest"
	"github.com/agentplexus/calltest/scenario"
)

type fakeLine struct {
	events  chan Event
	sayErr  error
	mu      sync.Mutex
	said    []string
	hangups int
}

func newFakeLine(buffer int) *fakeLine {
	return &fakeLine{events: make(chan Event, buffer)}
}

func (f *fakeLine) Events() <-chan Event { return f.events }

func (f *fakeLine) Say(_ context.Context, text string) error {
	if f.sayErr != nil {
		return f.sayErr
	}
	f.mu.Lock()
	f.said = append(f.said, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeLine) Hangup(context.Context) error {
	f.mu.Lock()
	f.hangups++
	f.mu.Unlock()
	return nil
}

func (f *fakeLine) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hangups
}

type scriptedGen struct {
	mu      sync.Mutex
	replies []Reply
	err     error
	calls   int
	seen    [][]Turn
	active  int
	overlap bool
	delay   time.Duration
}

func (g *scriptedGen) Next(ctx context.Context, req Request) (Reply, error) {
	g.mu.Lock()
	g.active++
	if g.active > 1 {
		g.overlap = true
	}
	g.seen = append(g.seen, req.Turns)
	idx := g.calls
	g.calls++
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}()

	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		}
	}
	if g.err != nil {
		return Reply{}, g.err
	}
	if idx >= len(g.replies) {
		return Reply{Text: "okay"}, nil
	}
	return g.replies[idx], nil
}

func testScenario() (scenario.Scenario, scenario.Persona) {
	return scenario.Scenario{
			Name:     "order_donut",
			Prompt:   "order a dozen donuts",
			Criteria: []scenario.Criterion{{Name: "order_success", Prompt: "the order was successful"}},
		}, scenario.Persona{
			Name:   "jessica",
			Prompt: "young woman",
		}
}

func newTestDriver(t *testing.T, line Line, gen Generator, cfg Config) (*Driver, *Transcript) {
	t.Helper()
	sc, p := testScenario()
	tr := NewTranscript()
	d, err := NewDriver(line, gen, sc, p, tr, cfg)
	require.NoError(t, err)
	return d, tr
}

func utter(text string) Event { return Event{Type: EventUtterance, Text: text} }

func TestNewDriver_ValidatesDependencies(t *testing.T) {
	sc, p := testScenario()
	_, err := NewDriver(nil, &scriptedGen{}, sc, p, NewTranscript(), Config{})
	require.Error(t, err)
	_, err = NewDriver(newFakeLine(1), nil, sc, p, NewTranscript(), Config{})
	require.Error(t, err)
	_, err = NewDriver(newFakeLine(1), &scriptedGen{}, sc, p, nil, Config{})
	require.Error(t, err)
}

func TestRun_CompletesOnHangup(t *testing.T) {
	line := newFakeLine(8)
	gen := &scriptedGen{replies: []Reply{{Text: "hi, like, can I order donuts?"}, {Text: "sprinkles please"}}}
	d, tr := newTestDriver(t, line, gen, Config{})

	line.events <- utter("Thanks for calling, what can I get you?")
	line.events <- utter("What kind?")
	line.events <- Event{Type: EventHangup, Status: calltest.CallStatusCompleted}

	res := d.Run(context.Background())
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, "hangup", res.Reason)
	require.NoError(t, res.Err)

	turns := tr.Snapshot()
	require.Len(t, turns, 4)
	require.Equal(t, []Speaker{SpeakerCounterpart, SpeakerPersona, SpeakerCounterpart, SpeakerPersona},
		[]Speaker{turns[0].Speaker, turns[1].Speaker, turns[2].Speaker, turns[3].Speaker})
	require.Equal(t, "sprinkles please", turns[3].Text)
	require.Equal(t, []string{"hi, like, can I order donuts?", "sprinkles please"}, line.said)

	// each generation sees the full transcript so far
	require.Len(t, gen.seen[0], 1)
	require.Len(t, gen.seen[1], 3)
	require.False(t, gen.overlap)
}

func TestRun_MaxTurnsTimesOutWithoutFabricatedTurns(t *testing.T) {
	line := newFakeLine(8)
	gen := &scriptedGen{}
	d, tr := newTestDriver(t, line, gen, Config{MaxTurns: 3})

	line.events <- utter("one")
	line.events <- utter("two")
	line.events <- utter("three")

	res := d.Run(context.Background())
	require.Equal(t, OutcomeTimedOut, res.Outcome)
	require.Equal(t, "max_turns", res.Reason)
	require.True(t, calltest.IsCode(res.Err, calltest.CodeConversationTimeout))

	turns := tr.Snapshot()
	require.Len(t, turns, 3)
	require.Equal(t, "one", turns[0].Text)
	require.Equal(t, "okay", turns[1].Text)
	require.Equal(t, "two", turns[2].Text)
	require.Equal(t, 1, gen.calls, "no generation after the bound is reached")
	require.Equal(t, 1, line.hangupCount())
}

func TestRun_MaxDuration(t *testing.T) {
	line := newFakeLine(1)
	d, tr := newTestDriver(t, line, &scriptedGen{}, Config{MaxDuration: 50 * time.Millisecond, SilenceTimeout: time.Minute})

	res := d.Run(context.Background())
	require.Equal(t, OutcomeTimedOut, res.Outcome)
	require.Equal(t, "max_duration", res.Reason)
	require.Zero(t, tr.Len())
	require.GreaterOrEqual(t, line.hangupCount(), 1)
}

func TestRun_SilenceEndsCall(t *testing.T) {
	line := newFakeLine(1)
	d, _ := newTestDriver(t, line, &scriptedGen{}, Config{SilenceTimeout: 30 * time.Millisecond})

	res := d.Run(context.Background())
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, "silence", res.Reason)
	require.Equal(t, 1, line.hangupCount())
}

func TestRun_ChannelErrorFails(t *testing.T) {
	line := newFakeLine(2)
	d, _ := newTestDriver(t, line, &scriptedGen{}, Config{})
	line.events <- Event{Type: EventError, Err: errors.New("websocket: close 1006")}

	res := d.Run(context.Background())
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.True(t, calltest.IsCode(res.Err, calltest.CodeChannel))
}

func TestRun_SayErrorFails(t *testing.T) {
	line := newFakeLine(2)
	line.sayErr = errors.New("twilio error 21220: call not in-progress")
	d, tr := newTestDriver(t, line, &scriptedGen{}, Config{})
	line.events <- utter("hello?")

	res := d.Run(context.Background())
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, "say", res.Reason)
	require.Equal(t, 1, tr.Len(), "persona turn is not recorded when it was never spoken")
}

func TestRun_GenerationErrorFails(t *testing.T) {
	line := newFakeLine(2)
	d, _ := newTestDriver(t, line, &scriptedGen{err: errors.New("openai: unexpected status 500")}, Config{})
	line.events <- utter("hello?")

	res := d.Run(context.Background())
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, "persona_generation", res.Reason)
}

func TestRun_PersonaEndsCall(t *testing.T) {
	line := newFakeLine(2)
	gen := &scriptedGen{replies: []Reply{{Text: "that's all, bye!", EndCall: true}}}
	d, tr := newTestDriver(t, line, gen, Config{})
	line.events <- utter("Your total is twelve dollars.")

	res := d.Run(context.Background())
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, "persona_ended", res.Reason)
	require.Equal(t, 2, tr.Len())
	require.Equal(t, 1, line.hangupCount())
}

type farewellLine struct {
	*fakeLine
	farewell string
}

func (f *farewellLine) SayAndHangup(_ context.Context, text string) error {
	f.mu.Lock()
	f.farewell = text
	f.mu.Unlock()
	return nil
}

func TestRun_PersonaEndsCallWithFarewell(t *testing.T) {
	line := &farewellLine{fakeLine: newFakeLine(2)}
	gen := &scriptedGen{replies: []Reply{{Text: "that's all, bye!", EndCall: true}}}
	d, tr := newTestDriver(t, line, gen, Config{})
	line.events <- utter("Your total is twelve dollars.")

	res := d.Run(context.Background())
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, "persona_ended", res.Reason)
	require.Equal(t, "that's all, bye!", line.farewell)
	require.Empty(t, line.said)
	require.Zero(t, line.hangupCount())
	require.Equal(t, 2, tr.Len())
}

func TestRun_ClosedChannelCompletes(t *testing.T) {
	line := newFakeLine(1)
	close(line.events)
	d, _ := newTestDriver(t, line, &scriptedGen{}, Config{})

	res := d.Run(context.Background())
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, "channel_closed", res.Reason)
}

func TestRun_CanceledContextFails(t *testing.T) {
	line := newFakeLine(1)
	d, _ := newTestDriver(t, line, &scriptedGen{}, Config{SilenceTimeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := d.Run(ctx)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.ErrorIs(t, res.Err, context.Canceled)
	require.Equal(t, 1, line.hangupCount(), "hangup still runs after cancellation")
}

func TestRun_BlankUtterancesIgnored(t *testing.T) {
	line := newFakeLine(4)
	gen := &scriptedGen{}
	d, tr := newTestDriver(t, line, gen, Config{})
	line.events <- utter("   ")
	line.events <- Event{Type: EventHangup}

	res := d.Run(context.Background())
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Zero(t, tr.Len())
	require.Zero(t, gen.calls)
}

func TestRun_SingleFlight(t *testing.T) {
	line := newFakeLine(1)
	d, _ := newTestDriver(t, line, &scriptedGen{}, Config{SilenceTimeout: 200 * time.Millisecond})

	done := make(chan Result, 1)
	go func() { done <- d.Run(context.Background()) }()
	require.Eventually(t, func() bool { return d.running.Load() }, time.Second, 5*time.Millisecond)

	second := d.Run(context.Background())
	require.Equal(t, OutcomeFailed, second.Outcome)
	require.Equal(t, "already_running", second.Reason)

	require.Equal(t, "silence", (<-done).Reason)
}

func TestTranscript_FormatAndSnapshot(t *testing.T) {
	tr := NewTranscript()
	now := time.Now()
	tr.Append(SpeakerCounterpart, "hello", now)
	tr.Append(SpeakerPersona, "hi", now.Add(-time.Second))

	snap := tr.Snapshot()
	snap[0].Text = "mutated"
	require.Equal(t, "hello", tr.Snapshot()[0].Text)
	require.Equal(t, "counterpart: hello\npersona: hi\n", Format(tr.Snapshot()))
}
