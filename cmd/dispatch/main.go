package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"

	"message-coalescer/handler"
	"message-coalescer/internal/app"
	"message-coalescer/internal/config"
	"message-coalescer/internal/scheduler"
)

// dispatch consumes the delayed dispatch queue.
func main() {
	ctx := context.Background()

	cfg, err := config.Load("BUFFER_TABLE", "DISPATCH_QUEUE_URL", "PARAM_PREFIX", "WHATSAPP_API_URL")
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.LogLevel, true)
	slog.SetDefault(logger)

	awsCfg, err := app.LoadAWS(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}
	store, err := app.NewDynamoStore(awsCfg, cfg)
	if err != nil {
		slog.Error("failed to create buffer store", "err", err)
		os.Exit(1)
	}
	sched, err := scheduler.NewSQS(awssqs.NewFromConfig(awsCfg), cfg.DispatchQueueURL, logger)
	if err != nil {
		slog.Error("failed to create scheduler", "err", err)
		os.Exit(1)
	}
	reply, err := app.NewReplyService(awsCfg, cfg, store, logger)
	if err != nil {
		slog.Error("failed to create reply service", "err", err)
		os.Exit(1)
	}

	engine, err := app.NewEngine(cfg, store, sched, reply, logger)
	if err != nil {
		slog.Error("failed to create engine", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewDispatchHandler(engine.Dispatcher, sched, cfg.DispatchConcurrency, logger)
	if err != nil {
		slog.Error("failed to create dispatch handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
