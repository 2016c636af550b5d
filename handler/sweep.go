package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"message-coalescer/internal/usecase"
)

type Sweeper interface {
	Sweep(ctx context.Context) (usecase.SweepReport, error)
}

// SweepHandler runs the monitor sweep from an EventBridge schedule.
type SweepHandler struct {
	sweeper Sweeper
	logger  *slog.Logger
}

func NewSweepHandler(s Sweeper, logger *slog.Logger) (*SweepHandler, error) {
	if s == nil {
		return nil, errors.New("handler: sweeper must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepHandler{sweeper: s, logger: logger}, nil
}

func (h *SweepHandler) Handle(ctx context.Context, ev events.CloudWatchEvent) (usecase.SweepReport, error) {
	report, err := h.sweeper.Sweep(ctx)
	if err != nil {
		h.logger.Error("sweep failed", "event_id", ev.ID, "err", err)
		return usecase.SweepReport{}, err
	}
	return report, nil
}
