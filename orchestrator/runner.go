package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentplexus/calltest"
	"github.com/agentplexus/calltest/conversation"
	"github.com/agentplexus/calltest/evaluation"
	"github.com/agentplexus/calltest/scenario"
)

const defaultPortWait = 5 * time.Second

// ResultSink persists finished results.
type ResultSink interface {
	Save(ctx context.Context, result *TestResult) error
}

// Runner runs tests, each with its own orchestrator and port.
type Runner struct {
	deps     Deps
	cfg      Config
	ports    *PortPool
	limit    int
	portWait time.Duration
	sink     ResultSink
	logger   *slog.Logger
	// inbound admits one inbound test at a time; they share the routed number.
	inbound  chan struct{}
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPortPool gives every concurrent session a port from pool. Without a
// pool each session listens on a free ephemeral port.
func WithPortPool(pool *PortPool) RunnerOption {
	return func(r *Runner) {
		r.ports = pool
	}
}

// WithConcurrency bounds how many tests RunAll runs at once.
func WithConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.limit = n
		}
	}
}

// WithPortWait bounds how long Run waits for a free port.
func WithPortWait(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.portWait = d
		}
	}
}

// WithResultSink saves every finished result to sink.
func WithResultSink(sink ResultSink) RunnerOption {
	return func(r *Runner) {
		r.sink = sink
	}
}

// NewRunner returns a runner. cfg.Port is ignored; ports come from the pool.
func NewRunner(deps Deps, cfg Config, opts ...RunnerOption) (*Runner, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		deps:     deps,
		cfg:      cfg,
		limit:    1,
		portWait: defaultPortWait,
		logger:   cfg.Logger,
		inbound:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	if r.ports != nil && r.limit > r.ports.Size() {
		r.limit = r.ports.Size()
	}
	return r, nil
}

// Run executes one test. The error is non-nil only when the test could not
// be started at all; call failures are reported in the result. Inbound tests
// wait for any other inbound test to finish first.
func (r *Runner) Run(ctx context.Context, test scenario.Test) (*TestResult, error) {
	if test.EffectiveDirection() == scenario.Inbound {
		select {
		case r.inbound <- struct{}{}:
			defer func() { <-r.inbound }()
		case <-ctx.Done():
			return nil, calltest.NewError(calltest.CodeInternal, "inbound_busy", ctx.Err())
		}
	}

	cfg := r.cfg
	cfg.Port = 0
	if r.ports != nil {
		wctx, cancel := context.WithTimeout(ctx, r.portWait)
		port, err := r.ports.Acquire(wctx)
		cancel()
		if err != nil {
			return nil, calltest.NewError(calltest.CodeInternal, "no_free_port", err)
		}
		defer func() {
			if err := r.ports.Release(port); err != nil {
				r.logger.Error("releasing port", "port", port, "err", err)
			}
		}()
		cfg.Port = port
	}

	orch, err := New(r.deps, cfg)
	if err != nil {
		return nil, calltest.NewError(calltest.CodeInternal, "orchestrator", err)
	}
	res := orch.Run(ctx, test)

	if r.sink != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		if err := r.sink.Save(sctx, res); err != nil {
			r.logger.Error("saving result failed", "session_id", res.SessionID, "err", err)
		}
		cancel()
	}
	return res, nil
}

// RunAll runs tests with bounded concurrency and returns their results in
// input order. A test that could not start gets a failed result.
func (r *Runner) RunAll(ctx context.Context, tests []scenario.Test) []*TestResult {
	results := make([]*TestResult, len(tests))
	g := new(errgroup.Group)
	g.SetLimit(r.limit)
	for i, test := range tests {
		g.Go(func() error {
			res, err := r.Run(ctx, test)
			if err != nil {
				r.logger.Error("test could not start", "test", test.Name(), "err", err)
				res = notStarted(test, err, r.now())
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Runner) now() time.Time {
	if r.cfg.Now != nil {
		return r.cfg.Now()
	}
	return time.Now()
}

func notStarted(test scenario.Test, err error, at time.Time) *TestResult {
	return &TestResult{
		Test:        test,
		Transcript:  []conversation.Turn{},
		Evaluations: evaluation.FailAll(test.Scenario.Criteria, err.Error()),
		CallStatus:  CallFailed,
		Error:       errorInfo(err),
		StartedAt:   at,
		EndedAt:     at,
	}
}
