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

// ingest serves the API Gateway routes: the WhatsApp webhook and status reads.
func main() {
	ctx := context.Background()

	cfg, err := config.Load("BUFFER_TABLE", "DISPATCH_QUEUE_URL")
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

	engine, err := app.NewEngine(cfg, store, sched, nil, logger)
	if err != nil {
		slog.Error("failed to create engine", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(engine.Ingest, engine.Monitor, logger)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
