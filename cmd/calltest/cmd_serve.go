package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"github.com/agentplexus/calltest/api"
)

func newServeCommand(a *app) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the test job API (POST /test)",
		Long: `Serve the HTTP job API. Each POST /test runs one call test and responds with
its result. When started by AWS Lambda the same handler serves API Gateway
proxy events.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := newEngine(ctx, a.cfg, a.logger, a.cfg.Server.MaxConcurrent)
			if err != nil {
				return err
			}
			defer func() {
				cctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := eng.Close(cctx); err != nil {
					a.logger.Warn("shutdown cleanup failed", "err", err)
				}
			}()

			h, err := api.NewHandler(eng.runner, a.logger)
			if err != nil {
				return err
			}

			if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
				a.logger.Info("starting lambda handler")
				lambda.StartWithOptions(h.HandleLambda, lambda.WithContext(ctx))
				return nil
			}

			if port == 0 {
				port = a.cfg.Server.Port
			}
			addr := net.JoinHostPort("", strconv.Itoa(port))
			return api.NewServer(addr, h, a.logger).ListenAndServe(ctx)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "API port (default from PORT)")
	return cmd
}
