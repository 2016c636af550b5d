package handler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"golang.org/x/sync/errgroup"

	"message-coalescer/internal/domain"
	"message-coalescer/internal/scheduler"
	"message-coalescer/internal/usecase"
)

type Dispatcher interface {
	DispatchOrReschedule(ctx context.Context, req domain.DispatchRequest, sched usecase.Scheduler) (usecase.DispatchResult, error)
}

// DispatchHandler consumes scheduled dispatch messages from SQS. Records whose
// dispatch hit a store or scheduling error are reported as batch item
// failures so SQS redelivers only those.
type DispatchHandler struct {
	dispatcher  Dispatcher
	scheduler   usecase.Scheduler
	concurrency int
	logger      *slog.Logger
}

func NewDispatchHandler(d Dispatcher, sched usecase.Scheduler, concurrency int, logger *slog.Logger) (*DispatchHandler, error) {
	if d == nil {
		return nil, errors.New("handler: dispatcher must not be nil")
	}
	if sched == nil {
		return nil, errors.New("handler: scheduler must not be nil")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatchHandler{dispatcher: d, scheduler: sched, concurrency: concurrency, logger: logger}, nil
}

func (h *DispatchHandler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var (
		mu       sync.Mutex
		failures []events.SQSBatchItemFailure
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)

	for _, record := range ev.Records {
		g.Go(func() error {
			if err := h.handleRecord(gctx, record); err != nil {
				mu.Lock()
				failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

func (h *DispatchHandler) handleRecord(ctx context.Context, record events.SQSMessage) error {
	log := h.logger.With("sqs_message_id", record.MessageId)
	req, err := scheduler.DecodeRequest(record.Body)
	if err != nil {
		// A malformed body never becomes valid; redelivering it would only loop.
		log.Error("dropping undecodable dispatch message", "err", err, "alert", true)
		return nil
	}
	res, err := h.dispatcher.DispatchOrReschedule(ctx, req, h.scheduler)
	if err != nil {
		log.Error("dispatch failed, message will be redelivered", "request", req.String(), "err", err)
		return err
	}
	log.Info("dispatch handled", "request", req.String(), "outcome", res.Outcome, "reason", res.Reason)
	return nil
}
