package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentplexus/calltest/orchestrator"
	"github.com/agentplexus/calltest/scenario"
)

func newRunCommand(a *app) *cobra.Command {
	var (
		file        string
		concurrency int
		output      string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run call tests from a YAML file",
		Long: `Run one or more call tests described in a YAML file and print the results as
JSON. The exit code is 1 when any call failed or any criterion did not pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				return errors.New("run: --file is required")
			}
			tests, err := scenario.LoadFile(file)
			if err != nil {
				return err
			}
			if concurrency <= 0 {
				concurrency = a.cfg.Server.MaxConcurrent
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := newEngine(ctx, a.cfg, a.logger, concurrency)
			if err != nil {
				return err
			}
			defer func() {
				cctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := eng.Close(cctx); err != nil {
					a.logger.Warn("cleanup failed", "err", err)
				}
			}()

			results := eng.runner.RunAll(ctx, tests)

			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("run: create output: %w", err)
				}
				defer f.Close()
				out = f
			}
			if err := writeResults(out, results); err != nil {
				return err
			}
			return summarize(results)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with tests")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "Tests to run at once (default from MAX_CONCURRENT_TESTS)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write results to this file instead of stdout")
	return cmd
}

func writeResults(w io.Writer, results []*orchestrator.TestResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return fmt.Errorf("run: write results: %w", err)
	}
	return nil
}

func summarize(results []*orchestrator.TestResult) error {
	failed := 0
	for _, res := range results {
		if !res.Passed() {
			failed++
		}
	}
	if failed > 0 {
		return &TestFailureError{Failed: failed, Total: len(results)}
	}
	return nil
}
