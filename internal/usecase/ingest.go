package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"message-coalescer/internal/domain"
)

// IngestOutcome is what the ingress layer learns about one inbound message.
type IngestOutcome struct {
	Duplicate   bool
	WindowOwned bool
	Scheduled   bool
	Seq         int64
	WindowID    string
	Deadline    time.Time
}

// IngestService is the entry point for inbound messages: duplicate filter,
// coalescing, then scheduling the window's dispatch when this call owns it.
// It returns as soon as the message is durably buffered and scheduled.
type IngestService struct {
	filter    *DuplicateFilter
	coalescer *Coalescer
	scheduler Scheduler
	logger    *slog.Logger
	now       func() time.Time
}

func NewIngestService(filter *DuplicateFilter, coalescer *Coalescer, scheduler Scheduler, logger *slog.Logger) (*IngestService, error) {
	if filter == nil {
		return nil, errors.New("usecase: duplicate filter must not be nil")
	}
	if coalescer == nil {
		return nil, errors.New("usecase: coalescer must not be nil")
	}
	if scheduler == nil {
		return nil, errors.New("usecase: scheduler must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestService{
		filter:    filter,
		coalescer: coalescer,
		scheduler: scheduler,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Ingest buffers msg for key. A nil error means the message is either a
// duplicate or will reach downstream processing in some window; any error
// means the caller must not acknowledge the message.
func (s *IngestService) Ingest(ctx context.Context, key domain.ConversationKey, msg domain.Message) (IngestOutcome, error) {
	if err := key.Validate(); err != nil {
		return IngestOutcome{}, newError(ErrorInvalidInput, "invalid_conversation_key", err)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.now()
	}
	if msg.Type == "" {
		msg.Type = domain.MessageTypeText
	}

	fp := s.filter.Fingerprint(key, msg)
	if s.filter.IsDuplicate(ctx, key, fp) {
		s.logger.Info("duplicate message dropped", "key", key.String(), "message_id", msg.ID)
		return IngestOutcome{Duplicate: true}, nil
	}

	res, err := s.coalescer.Ingest(ctx, key, msg)
	if err != nil {
		return IngestOutcome{}, err
	}
	out := IngestOutcome{
		Duplicate:   res.Redelivered && !res.WindowOwned,
		WindowOwned: res.WindowOwned,
		Seq:         res.Request.Seq,
		WindowID:    res.Request.WindowID,
		Deadline:    res.Request.Deadline,
	}

	if res.WindowOwned {
		if err := s.scheduler.Schedule(ctx, res.Request); err != nil {
			return IngestOutcome{}, newError(ErrorScheduleFailed, "schedule_dispatch_error", err)
		}
		out.Scheduled = true
	}
	if res.DispatchNow {
		req := res.Request
		req.Deadline = s.now()
		if err := s.scheduler.Schedule(ctx, req); err != nil {
			// The deadline dispatch is already scheduled by the window owner.
			s.logger.Warn("early dispatch for full window not scheduled", "key", key.String(), "seq", req.Seq, "err", err)
		} else {
			out.Scheduled = true
		}
	}

	s.filter.Record(ctx, key, fp)
	return out, nil
}
