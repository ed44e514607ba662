package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentplexus/calltest"
	"github.com/agentplexus/calltest/channel"
	"github.com/agentplexus/calltest/conversation"
	"github.com/agentplexus/calltest/scenario"
)

type memorySink struct {
	mu      sync.Mutex
	results []*TestResult
	err     error
}

func (s *memorySink) Save(_ context.Context, res *TestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
	return s.err
}

// portRecorder opens a fresh fake channel per session and remembers the port
// each one was given.
type portRecorder struct {
	mu     sync.Mutex
	ports  []int
	active int
	peak   int
}

func (p *portRecorder) open(_ context.Context, cfg channel.Config) (Channel, error) {
	p.mu.Lock()
	p.ports = append(p.ports, cfg.Port)
	p.active++
	if p.active > p.peak {
		p.peak = p.active
	}
	p.mu.Unlock()
	ch := newFakeChannel("Donut Palace, how can I help?")
	return &trackedChannel{fakeChannel: ch, done: p.closed}, nil
}

func (p *portRecorder) closed() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
}

type trackedChannel struct {
	*fakeChannel
	done func()
}

func (c *trackedChannel) Close() error {
	time.Sleep(10 * time.Millisecond)
	c.done()
	return c.fakeChannel.Close()
}

func endingPersona() conversation.Generator {
	return endingGen{}
}

type endingGen struct{}

func (endingGen) Next(context.Context, conversation.Request) (conversation.Reply, error) {
	return conversation.Reply{Text: "One glazed donut please, bye!", EndCall: true}, nil
}

func TestRunner_RunAllKeepsOrderAndBoundsConcurrency(t *testing.T) {
	pool, err := NewPortPool(9100, 2)
	require.NoError(t, err)
	rec := &portRecorder{}
	sink := &memorySink{}

	deps := newDeps(t, &fakeTelephony{}, endingPersona(), &fakeJudge{})
	deps.OpenChannel = rec.open

	runner, err := NewRunner(deps, Config{}, WithPortPool(pool), WithConcurrency(4), WithResultSink(sink))
	require.NoError(t, err)

	tests := make([]scenario.Test, 0, 5)
	for i := 0; i < 5; i++ {
		tc := donutTest()
		tc.PhoneNumber = fmt.Sprintf("+1555010%d", i)
		tests = append(tests, tc)
	}

	results := runner.RunAll(context.Background(), tests)
	require.Len(t, results, 5)
	for i, res := range results {
		require.Equal(t, tests[i].PhoneNumber, res.Test.PhoneNumber)
		require.Equal(t, CallCompleted, res.CallStatus)
	}
	require.LessOrEqual(t, rec.peak, 2)
	for _, port := range rec.ports {
		require.Contains(t, []int{9100, 9101}, port)
	}
	require.Len(t, sink.results, 5)
}

func TestRunner_InboundTestsTakeTurnsOnTheNumber(t *testing.T) {
	pool, err := NewPortPool(9400, 4)
	require.NoError(t, err)
	rec := &portRecorder{}
	tel := &fakeTelephony{}
	deps := newDeps(t, tel, endingPersona(), &fakeJudge{})
	deps.OpenChannel = rec.open

	runner, err := NewRunner(deps, Config{}, WithPortPool(pool), WithConcurrency(4))
	require.NoError(t, err)

	tests := make([]scenario.Test, 0, 4)
	for i := 0; i < 3; i++ {
		tc := donutTest()
		tc.Direction = scenario.Inbound
		tc.PhoneNumber = fmt.Sprintf("+1555020%d", i)
		tests = append(tests, tc)
	}
	tests = append(tests, donutTest())

	results := runner.RunAll(context.Background(), tests)
	for _, res := range results {
		require.Equal(t, CallCompleted, res.CallStatus)
	}

	tel.mu.Lock()
	defer tel.mu.Unlock()
	require.Equal(t, 3, tel.routed)
	require.Equal(t, 3, tel.restored)
	require.Equal(t, 1, tel.peakHolding)
	require.Len(t, tel.dialed, 1)
}

func TestRunner_InboundWaitHonorsContext(t *testing.T) {
	deps := newDeps(t, &fakeTelephony{}, endingPersona(), &fakeJudge{})
	runner, err := NewRunner(deps, Config{})
	require.NoError(t, err)

	runner.inbound <- struct{}{}
	defer func() { <-runner.inbound }()

	test := donutTest()
	test.Direction = scenario.Inbound
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := runner.Run(ctx, test)
	require.Nil(t, res)
	require.True(t, calltest.IsCode(err, calltest.CodeInternal))
}

func TestRunner_RunWithoutFreePort(t *testing.T) {
	pool, err := NewPortPool(9200, 1)
	require.NoError(t, err)
	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer func() { require.NoError(t, pool.Release(held)) }()

	deps := newDeps(t, &fakeTelephony{}, endingPersona(), &fakeJudge{})
	runner, err := NewRunner(deps, Config{}, WithPortPool(pool), WithPortWait(20*time.Millisecond))
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), donutTest())
	require.Nil(t, res)
	require.True(t, calltest.IsCode(err, calltest.CodeInternal))
}

func TestRunner_SinkErrorDoesNotFailRun(t *testing.T) {
	rec := &portRecorder{}
	deps := newDeps(t, &fakeTelephony{}, endingPersona(), &fakeJudge{})
	deps.OpenChannel = rec.open

	runner, err := NewRunner(deps, Config{}, WithResultSink(&memorySink{err: errors.New("table missing")}))
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), donutTest())
	require.NoError(t, err)
	require.Equal(t, CallCompleted, res.CallStatus)
	require.Equal(t, []int{0}, rec.ports)
}

func TestPortPool(t *testing.T) {
	_, err := NewPortPool(0, 1)
	require.Error(t, err)
	_, err = NewPortPool(65535, 2)
	require.Error(t, err)

	pool, err := NewPortPool(9300, 2)
	require.NoError(t, err)
	require.Equal(t, 2, pool.Size())

	a, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	b, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, pool.Release(a))
	require.Error(t, pool.Release(a))
	require.Error(t, pool.Release(1234))

	c, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, a, c)
}
