package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/yepcode-connector/internal/nats"
	"github.com/wehubfusion/yepcode-connector/pkg/client"
	"github.com/wehubfusion/yepcode-connector/pkg/concurrency"
	"github.com/wehubfusion/yepcode-connector/pkg/processor"
	"github.com/wehubfusion/yepcode-connector/pkg/reporting"
	"github.com/wehubfusion/yepcode-connector/pkg/runner"
	"github.com/wehubfusion/yepcode-connector/pkg/storage"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume execution requests from NATS JetStream and publish results",
		Long: `Run the worker: pull execution requests from the configured stream,
run them against YepCode and publish a result message for each one.

Results larger than the inline limit are uploaded to Azure Blob Storage when
a storage connection string is configured. The worker stops on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(parent context.Context) error {
	cfg, logger, err := a.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	undo := concurrency.InitializeForKubernetes(logger)
	defer undo()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := cfg.Build(logger)
	if err != nil {
		return &configError{err}
	}
	defer func() { _ = stack.Close() }()

	connCfg := nats.DefaultConnectionConfig(cfg.NATS.URL)
	connCfg.MaxDeliver = cfg.NATS.MaxDeliver
	connCfg.ResultStream = cfg.NATS.ResultStream
	connCfg.ResultSubject = cfg.NATS.ResultSubject
	connCfg.Token = cfg.NATS.Token
	connCfg.CredentialsFile = cfg.NATS.Credentials
	connCfg.Logger = logger

	nc := client.NewClientWithConfig(connCfg)
	nc.SetLogger(logger)
	if err := nc.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = nc.Close() }()

	if cfg.Storage.ConnectionString != "" {
		blobs, err := storage.NewAzureBlobClient(cfg.Storage.ConnectionString, cfg.Storage.Container, logger)
		if err != nil {
			return &configError{err}
		}
		nc.Messages.SetBlobStorage(blobs)
		nc.Messages.SetBlobPath(storage.ResultPath)
	}

	var tracingCfg *runner.TracingConfig
	if cfg.Tracing.Endpoint != "" {
		tc := runner.DefaultTracingConfig("yepcode-connector")
		tc.ServiceVersion = version
		tc.Environment = cfg.Log.Environment
		tc.Endpoint = cfg.Tracing.Endpoint
		tc.SampleRatio = cfg.Tracing.SampleRatio
		tracingCfg = &tc
	}

	r, err := runner.NewRunner(nc, processor.New(stack.Engine, logger),
		cfg.NATS.Stream, cfg.NATS.Consumer, cfg.NATS.BatchSize,
		stack.Concurrency.RunnerWorkers, cfg.NATS.ProcessTimeout, logger, tracingCfg)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	if cfg.Sentry.DSN != "" {
		reporter, err := reporting.NewSentryReporter(reporting.Config{
			DSN:         cfg.Sentry.DSN,
			Environment: cfg.Log.Environment,
			Release:     version,
		}, logger)
		if err != nil {
			return &configError{err}
		}
		r.SetReporter(reporter)
	}

	logger.Info("Worker started",
		zap.String("stream", cfg.NATS.Stream),
		zap.String("consumer", cfg.NATS.Consumer),
		zap.Int("workers", stack.Concurrency.RunnerWorkers))

	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Worker stopped")
	return nil
}
