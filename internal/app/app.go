// Package app assembles the engine from configuration. Every binary under
// cmd/ builds its dependencies through here.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"message-coalescer/internal/config"
	"message-coalescer/internal/integrations/openai"
	"message-coalescer/internal/integrations/paramstore"
	"message-coalescer/internal/integrations/whatsapp"
	"message-coalescer/internal/repository"
	"message-coalescer/internal/repository/memory"
	"message-coalescer/internal/usecase"
)

// Store is the persistence a deployment runs on.
type Store interface {
	usecase.BufferStore
	usecase.DuplicateStore
}

// Engine is the wired coalescing engine.
type Engine struct {
	Ingest     *usecase.IngestService
	Dispatcher *usecase.Dispatcher
	Monitor    *usecase.Monitor
}

// NewLogger returns the process logger: JSON for Lambda, text for the service.
func NewLogger(level slog.Level, jsonOutput bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if jsonOutput {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(h)
}

func LoadAWS(ctx context.Context) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
	}
	return cfg, nil
}

// NewDynamoStore returns the DynamoDB-backed store, which also keeps
// conversation history for the reply service.
func NewDynamoStore(awsCfg aws.Config, cfg config.Config) (*repository.Client, error) {
	return repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.BufferTable)
}

func NewMemoryStore() *memory.Store {
	return memory.New()
}

// NewReplyService wires the OpenAI and WhatsApp integrations behind the
// reply service.
func NewReplyService(awsCfg aws.Config, cfg config.Config, history usecase.HistoryReadWriter, logger *slog.Logger) (*usecase.ReplyService, error) {
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	var openaiOpts []openai.Option
	if cfg.OpenAIBaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	llm, err := openai.NewClient(params, cfg.ParamPrefix, openaiOpts...)
	if err != nil {
		return nil, err
	}
	sender, err := whatsapp.NewClient(cfg.WhatsAppAPIURL, params, cfg.ParamPrefix)
	if err != nil {
		return nil, err
	}
	return usecase.NewReplyService(params, llm, history, sender, cfg.ParamPrefix, cfg.MaxContextItems, logger)
}

// NewEngine wires ingest, dispatch and monitoring over store. A nil
// downstream builds an engine that can ingest and report status but not
// dispatch.
func NewEngine(cfg config.Config, store Store, sched usecase.Scheduler, downstream usecase.Downstream, logger *slog.Logger) (*Engine, error) {
	filter, err := usecase.NewDuplicateFilter(store, cfg.Engine.DuplicateWindow, logger)
	if err != nil {
		return nil, err
	}
	coalescer, err := usecase.NewCoalescer(store, cfg.Engine, logger)
	if err != nil {
		return nil, err
	}
	ingest, err := usecase.NewIngestService(filter, coalescer, sched, logger)
	if err != nil {
		return nil, err
	}

	var dispatcher *usecase.Dispatcher
	if downstream != nil {
		dispatcher, err = usecase.NewDispatcher(store, downstream, cfg.Engine, logger)
		if err != nil {
			return nil, err
		}
	}
	monitor, err := usecase.NewMonitor(store, dispatcher, cfg.Engine, logger)
	if err != nil {
		return nil, err
	}
	return &Engine{Ingest: ingest, Dispatcher: dispatcher, Monitor: monitor}, nil
}
