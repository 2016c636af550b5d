package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"message-coalescer/internal/domain"
)

// IngestResult tells the caller what ingest did with a message.
//
// WindowOwned is set when this call opened the window, or re-delivered a
// message of a window that is still open, and the caller must schedule
// Request. DispatchNow
// is set when the window reached the batch limit and should be dispatched
// without waiting for its deadline.
type IngestResult struct {
	WindowOwned bool
	DispatchNow bool
	Redelivered bool
	Request     domain.DispatchRequest
}

// Coalescer merges inbound messages into per-conversation windows. It holds
// no per-conversation state of its own: every decision is made against a
// version-checked read of the BufferStore.
type Coalescer struct {
	store    BufferStore
	settings Settings
	logger   *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

func NewCoalescer(store BufferStore, settings Settings, logger *slog.Logger) (*Coalescer, error) {
	if store == nil {
		return nil, errors.New("usecase: buffer store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coalescer{
		store:    store,
		settings: settings.withDefaults(),
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
		newID:    uuid.NewString,
	}, nil
}

// Ingest adds msg to the conversation's current window, or opens the next one.
func (c *Coalescer) Ingest(ctx context.Context, key domain.ConversationKey, msg domain.Message) (IngestResult, error) {
	if err := key.Validate(); err != nil {
		return IngestResult{}, newError(ErrorInvalidInput, "invalid_conversation_key", err)
	}
	msg.ID = strings.TrimSpace(msg.ID)
	if msg.ID == "" {
		return IngestResult{}, newError(ErrorInvalidInput, "empty_message_id", nil)
	}
	if msg.Type == "" {
		msg.Type = domain.MessageTypeText
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = c.now()
	}

	b := jitteredBackoff(c.settings.IngestBackoffMin, c.settings.IngestBackoffMax)
	for attempt := 1; attempt <= c.settings.IngestMaxAttempts; attempt++ {
		res, done, err := c.tryIngest(ctx, key, msg)
		if err != nil || done {
			return res, err
		}
		if attempt == c.settings.IngestMaxAttempts {
			break
		}
		c.logger.Debug("ingest lost a write race, retrying", "key", key.String(), "message_id", msg.ID, "attempt", attempt)
		if err := c.sleep(ctx, b.NextBackOff()); err != nil {
			return IngestResult{}, newError(ErrorContention, "ingest_cancelled", err)
		}
	}
	return c.openAfterContention(ctx, key, msg)
}

// tryIngest performs one read-decide-write round. done=false means a
// conditional write lost a race and the round should be retried.
func (c *Coalescer) tryIngest(ctx context.Context, key domain.ConversationKey, msg domain.Message) (IngestResult, bool, error) {
	now := c.now()
	cur, found, err := c.store.GetCurrent(ctx, key)
	if err != nil {
		return IngestResult{}, false, newError(ErrorStoreUnavailable, "buffer_read_error", err)
	}
	if !found {
		return c.open(ctx, key, 1, msg, now)
	}
	if cur.HasMessage(msg.ID) {
		return c.redelivered(cur, msg.ID), true, nil
	}
	if !cur.Joinable(now, c.settings.MaxBatchSize) {
		// The current window is closed for membership; never resurrect it.
		return c.open(ctx, key, cur.Seq+1, msg, now)
	}

	next := cur.Clone()
	next.Messages = append(next.Messages, msg)
	next.LastMessageAt = now
	next.TTLExpiresAt = now.Add(c.settings.TTL)
	ok, err := c.store.AddMessage(ctx, cur.Version, next)
	if errors.Is(err, domain.ErrMessageBuffered) {
		return c.redeliveredElsewhere(ctx, key, msg.ID)
	}
	if err != nil {
		return IngestResult{}, false, newError(ErrorStoreUnavailable, "buffer_write_error", err)
	}
	if !ok {
		return IngestResult{}, false, nil
	}
	c.logger.Debug("message joined window", "key", key.String(), "seq", next.Seq, "message_id", msg.ID, "count", len(next.Messages))
	return IngestResult{
		DispatchNow: next.Full(c.settings.MaxBatchSize),
		Request:     domain.RequestFor(next),
	}, true, nil
}

// open creates window seq holding msg as its first message.
func (c *Coalescer) open(ctx context.Context, key domain.ConversationKey, seq int64, msg domain.Message, now time.Time) (IngestResult, bool, error) {
	entry := domain.BufferEntry{
		Key:              key,
		Seq:              seq,
		WindowID:         c.newID(),
		Messages:         []domain.Message{msg},
		FirstMessageAt:   now,
		LastMessageAt:    now,
		State:            domain.StateOpen,
		DispatchDeadline: now.Add(c.settings.Window),
		TTLExpiresAt:     now.Add(c.settings.TTL),
	}
	created, err := c.store.AddMessage(ctx, 0, entry)
	if errors.Is(err, domain.ErrMessageBuffered) {
		return c.redeliveredElsewhere(ctx, key, msg.ID)
	}
	if err != nil {
		return IngestResult{}, false, newError(ErrorStoreUnavailable, "buffer_create_error", err)
	}
	if !created {
		return IngestResult{}, false, nil
	}
	c.logger.Info("window opened", "key", key.String(), "seq", seq, "window_id", entry.WindowID, "deadline", entry.DispatchDeadline)
	return IngestResult{
		WindowOwned: true,
		DispatchNow: entry.Full(c.settings.MaxBatchSize),
		Request:     domain.RequestFor(entry),
	}, true, nil
}

// redelivered handles a message id already buffered in w. While w is open the
// caller schedules it again: the earlier ingest may have failed to schedule,
// and scheduling twice is harmless.
func (c *Coalescer) redelivered(w domain.BufferEntry, msgID string) IngestResult {
	c.logger.Debug("message already buffered", "key", w.Key.String(), "seq", w.Seq, "message_id", msgID, "state", w.State)
	return IngestResult{WindowOwned: w.State == domain.StateOpen, Redelivered: true, Request: domain.RequestFor(w)}
}

// redeliveredElsewhere resolves a message id the store has indexed to an
// earlier window than the one being written.
func (c *Coalescer) redeliveredElsewhere(ctx context.Context, key domain.ConversationKey, msgID string) (IngestResult, bool, error) {
	seq, found, err := c.store.MessageSeq(ctx, key, msgID)
	if err != nil {
		return IngestResult{}, false, newError(ErrorStoreUnavailable, "buffer_read_error", err)
	}
	if !found {
		// The marker expired after the write saw it.
		return IngestResult{}, false, nil
	}
	w, found, err := c.store.GetWindow(ctx, key, seq)
	if err != nil {
		return IngestResult{}, false, newError(ErrorStoreUnavailable, "buffer_read_error", err)
	}
	if !found {
		c.logger.Info("message belongs to a purged window", "key", key.String(), "seq", seq, "message_id", msgID)
		return IngestResult{Redelivered: true, Request: domain.DispatchRequest{Key: key, Seq: seq}}, true, nil
	}
	return c.redelivered(w, msgID), true, nil
}

// openAfterContention runs when every join attempt lost its race. Rather than
// drop the message it opens the next window; if even that slot is taken the
// caller gets a contention error and its redelivery retries.
func (c *Coalescer) openAfterContention(ctx context.Context, key domain.ConversationKey, msg domain.Message) (IngestResult, error) {
	cur, found, err := c.store.GetCurrent(ctx, key)
	if err != nil {
		return IngestResult{}, newError(ErrorStoreUnavailable, "buffer_read_error", err)
	}
	seq := int64(1)
	if found {
		if cur.HasMessage(msg.ID) {
			return c.redelivered(cur, msg.ID), nil
		}
		seq = cur.Seq + 1
	}
	res, created, err := c.open(ctx, key, seq, msg, c.now())
	if err != nil {
		return IngestResult{}, err
	}
	if !created {
		return IngestResult{}, newError(ErrorContention, "ingest_attempts_exhausted", nil)
	}
	c.logger.Warn("ingest contention exhausted, opened next window", "key", key.String(), "seq", seq, "message_id", msg.ID)
	return res, nil
}
