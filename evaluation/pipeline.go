// Package evaluation judges a finished call against every criterion of its
// scenario.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/agentplexus/calltest"
	"github.com/agentplexus/calltest/judge"
	"github.com/agentplexus/calltest/scenario"
)

// DefaultConcurrency bounds parallel judge calls per transcript.
const DefaultConcurrency = 4

// Result is the judgment for one criterion.
type Result struct {
	Criterion string `json:"name"`
	Passed    bool   `json:"passed"`
	Rationale string `json:"rationale"`
	// Error is set when the judge could not produce a verdict.
	Error string `json:"error,omitempty"`
}

// Pipeline fans criteria out to a judge.
type Pipeline struct {
	judge       judge.Judge
	concurrency int
	logger      *slog.Logger
}

type Option func(*Pipeline)

// WithConcurrency sets how many criteria are judged at once. Values below 1
// are ignored.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewPipeline(j judge.Judge, opts ...Option) (*Pipeline, error) {
	if j == nil {
		return nil, errors.New("evaluation: judge is required")
	}
	p := &Pipeline{
		judge:       j,
		concurrency: DefaultConcurrency,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Evaluate returns exactly one result per criterion, in declared order. A
// failing judge call only affects its own criterion.
func (p *Pipeline) Evaluate(ctx context.Context, transcript string, criteria []scenario.Criterion) []Result {
	results := make([]Result, len(criteria))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, c := range criteria {
		g.Go(func() error {
			results[i] = p.evaluateOne(gctx, transcript, c)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Pipeline) evaluateOne(ctx context.Context, transcript string, c scenario.Criterion) (res Result) {
	res.Criterion = c.Name
	defer func() {
		if r := recover(); r != nil {
			res = judgeFailure(c.Name, fmt.Errorf("judge panicked: %v", r))
			p.logger.Error("judge panicked", "criterion", c.Name, "panic", r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return judgeFailure(c.Name, err)
	}
	v, err := p.judge.Judge(ctx, transcript, c.Prompt)
	if err != nil {
		p.logger.Warn("judge failed", "criterion", c.Name, "err", err)
		return judgeFailure(c.Name, err)
	}
	p.logger.Debug("criterion judged", "criterion", c.Name, "passed", v.Passed)
	return Result{Criterion: c.Name, Passed: v.Passed, Rationale: v.Rationale}
}

func judgeFailure(name string, err error) Result {
	jerr := calltest.NewError(calltest.CodeJudge, name, err)
	return Result{
		Criterion: name,
		Passed:    false,
		Rationale: "evaluation error: " + err.Error(),
		Error:     jerr.Error(),
	}
}

// FailAll returns a failed result for every criterion, used when the call
// itself failed before it could be judged.
func FailAll(criteria []scenario.Criterion, reason string) []Result {
	results := make([]Result, len(criteria))
	for i, c := range criteria {
		results[i] = Result{
			Criterion: c.Name,
			Passed:    false,
			Rationale: "not evaluated: " + reason,
		}
	}
	return results
}

// AllPassed reports whether every result passed. It is false for an empty list.
func AllPassed(results []Result) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}
