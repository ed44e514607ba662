package evaluation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentplexus/calltest"
	"github.com/agentplexus/calltest/judge"
	"github.com/agentplexus/calltest/scenario"
)

type judgeFunc func(ctx context.Context, transcript, question string) (judge.Verdict, error)

func (f judgeFunc) Judge(ctx context.Context, transcript, question string) (judge.Verdict, error) {
	return f(ctx, transcript, question)
}

func criteria(names ...string) []scenario.Criterion {
	out := make([]scenario.Criterion, len(names))
	for i, n := range names {
		out[i] = scenario.Criterion{Name: n, Prompt: "question " + n}
	}
	return out
}

func TestNewPipeline_RequiresJudge(t *testing.T) {
	_, err := NewPipeline(nil)
	require.Error(t, err)
}

func TestEvaluate_OneResultPerCriterionInOrder(t *testing.T) {
	p, err := NewPipeline(judgeFunc(func(_ context.Context, _, q string) (judge.Verdict, error) {
		// finish out of order
		if strings.HasSuffix(q, "a") {
			time.Sleep(20 * time.Millisecond)
		}
		return judge.Verdict{Passed: true, Rationale: "ok " + q}, nil
	}))
	require.NoError(t, err)

	res := p.Evaluate(context.Background(), "t", criteria("a", "b", "c"))
	require.Len(t, res, 3)
	for i, name := range []string{"a", "b", "c"} {
		require.Equal(t, name, res[i].Criterion)
		require.True(t, res[i].Passed)
		require.Equal(t, "ok question "+name, res[i].Rationale)
	}
	require.True(t, AllPassed(res))
}

func TestEvaluate_IsolatesFailures(t *testing.T) {
	p, err := NewPipeline(judgeFunc(func(_ context.Context, _, q string) (judge.Verdict, error) {
		switch q {
		case "question boom":
			return judge.Verdict{}, errors.New("provider exploded")
		case "question panic":
			panic("bad judge")
		}
		return judge.Verdict{Passed: true, Rationale: "fine"}, nil
	}))
	require.NoError(t, err)

	res := p.Evaluate(context.Background(), "t", criteria("ok1", "boom", "panic", "ok2"))
	require.Len(t, res, 4)

	require.True(t, res[0].Passed)
	require.True(t, res[3].Passed)

	require.False(t, res[1].Passed)
	require.Contains(t, res[1].Rationale, "provider exploded")
	require.Contains(t, res[1].Error, string(calltest.CodeJudge))

	require.False(t, res[2].Passed)
	require.Contains(t, res[2].Rationale, "panicked")
	require.NotEmpty(t, res[2].Error)

	require.False(t, AllPassed(res))
}

func TestEvaluate_RespectsConcurrencyLimit(t *testing.T) {
	var active, peak int32
	var mu sync.Mutex
	p, err := NewPipeline(judgeFunc(func(context.Context, string, string) (judge.Verdict, error) {
		n := atomic.AddInt32(&active, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return judge.Verdict{Passed: true, Rationale: "ok"}, nil
	}), WithConcurrency(2))
	require.NoError(t, err)

	res := p.Evaluate(context.Background(), "t", criteria("a", "b", "c", "d", "e"))
	require.Len(t, res, 5)
	require.LessOrEqual(t, peak, int32(2))
}

func TestEvaluate_CanceledContext(t *testing.T) {
	var calls int32
	p, err := NewPipeline(judgeFunc(func(context.Context, string, string) (judge.Verdict, error) {
		atomic.AddInt32(&calls, 1)
		return judge.Verdict{Passed: true, Rationale: "ok"}, nil
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Evaluate(ctx, "t", criteria("a", "b"))
	require.Len(t, res, 2)
	for _, r := range res {
		require.False(t, r.Passed)
		require.Contains(t, r.Rationale, "context canceled")
	}
	require.Zero(t, atomic.LoadInt32(&calls))
}

func TestFailAll(t *testing.T) {
	res := FailAll(criteria("order_success", "price_confirmed"), "tunnel unavailable")
	require.Len(t, res, 2)
	require.Equal(t, "order_success", res[0].Criterion)
	require.False(t, res[1].Passed)
	require.Equal(t, "not evaluated: tunnel unavailable", res[1].Rationale)
	require.False(t, AllPassed(nil))
}
