package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"message-coalescer/internal/domain"
)

// DispatchOutcome classifies what a Dispatch call did.
type DispatchOutcome string

const (
	// OutcomeDispatched: this call claimed the window and downstream accepted it.
	OutcomeDispatched DispatchOutcome = "dispatched"
	// OutcomeSkipped: the window is gone, already claimed, or superseded.
	OutcomeSkipped DispatchOutcome = "skipped"
	// OutcomeNotDue: the deadline has not passed and the window is not full.
	OutcomeNotDue DispatchOutcome = "not_due"
	// OutcomeFailed: this call claimed the window but downstream kept failing;
	// the window stays claimed for the sweep to report.
	OutcomeFailed DispatchOutcome = "failed"
)

type DispatchResult struct {
	Outcome DispatchOutcome
	Turn    domain.Turn
	Reason  string
	// RetryAt is set with OutcomeNotDue.
	RetryAt time.Time
}

// claimAttempts bounds re-reads when the claim loses to a concurrent append.
const claimAttempts = 3

// Dispatcher finalizes elapsed windows. Duplicate scheduler fires are
// harmless: only the caller whose Open -> Claimed write succeeds proceeds.
type Dispatcher struct {
	store      BufferStore
	downstream Downstream
	settings   Settings
	logger     *slog.Logger
	now        func() time.Time
}

func NewDispatcher(store BufferStore, downstream Downstream, settings Settings, logger *slog.Logger) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("usecase: buffer store must not be nil")
	}
	if downstream == nil {
		return nil, errors.New("usecase: downstream must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:      store,
		downstream: downstream,
		settings:   settings.withDefaults(),
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Dispatch claims the window named by req, hands its turn downstream and marks
// it dispatched. Store failures are returned so the trigger can be retried.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.DispatchRequest) (DispatchResult, error) {
	if err := req.Key.Validate(); err != nil {
		return DispatchResult{}, newError(ErrorInvalidInput, "invalid_conversation_key", err)
	}

	claimed, res, err := d.claim(ctx, req)
	if err != nil || res.Outcome != "" {
		return res, err
	}

	turn := assembleTurn(claimed)
	log := d.logger.With("key", req.Key.String(), "seq", claimed.Seq, "window_id", claimed.WindowID)
	log.Info("window claimed", "messages", len(claimed.Messages))

	attempts, herr := d.handOff(ctx, log, turn)
	if herr != nil {
		d.recordFailure(ctx, log, claimed, attempts, herr)
		return DispatchResult{Outcome: OutcomeFailed, Turn: turn, Reason: herr.Error()}, nil
	}

	if err := d.finalize(ctx, claimed, attempts); err != nil {
		log.Error("turn delivered but window could not be marked dispatched", "err", err, "alert", true)
		return DispatchResult{Outcome: OutcomeDispatched, Turn: turn}, newError(ErrorStoreUnavailable, "buffer_finalize_error", err)
	}
	log.Info("window dispatched", "attempts", attempts)
	return DispatchResult{Outcome: OutcomeDispatched, Turn: turn}, nil
}

// claim moves the window from Open to Claimed. It returns a non-empty outcome
// when there is nothing for this caller to do.
func (d *Dispatcher) claim(ctx context.Context, req domain.DispatchRequest) (domain.BufferEntry, DispatchResult, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		entry, found, err := d.load(ctx, req)
		if err != nil {
			return domain.BufferEntry{}, DispatchResult{}, newError(ErrorStoreUnavailable, "buffer_read_error", err)
		}
		if !found {
			return domain.BufferEntry{}, DispatchResult{Outcome: OutcomeSkipped, Reason: "absent"}, nil
		}
		if req.WindowID != "" && entry.WindowID != req.WindowID {
			return domain.BufferEntry{}, DispatchResult{Outcome: OutcomeSkipped, Reason: "window_superseded"}, nil
		}
		if entry.State != domain.StateOpen {
			return domain.BufferEntry{}, DispatchResult{Outcome: OutcomeSkipped, Reason: "already_" + string(entry.State)}, nil
		}
		now := d.now()
		if now.Before(entry.DispatchDeadline) && !entry.Full(d.settings.MaxBatchSize) {
			return domain.BufferEntry{}, DispatchResult{Outcome: OutcomeNotDue, RetryAt: entry.DispatchDeadline}, nil
		}

		next := entry.Clone()
		next.State = domain.StateClaimed
		next.ClaimedAt = now
		// No expiry while claimed: a stuck claim stays until an operator
		// resolves it.
		next.TTLExpiresAt = time.Time{}
		ok, err := d.store.CompareAndSet(ctx, entry.Version, next)
		if err != nil {
			return domain.BufferEntry{}, DispatchResult{}, newError(ErrorStoreUnavailable, "buffer_claim_error", err)
		}
		if ok {
			next.Version = entry.Version + 1
			return next, DispatchResult{}, nil
		}
		// Lost the claim. Re-read: either another dispatch won, or a late
		// append bumped the version and the window is still open.
	}
	return domain.BufferEntry{}, DispatchResult{Outcome: OutcomeSkipped, Reason: "claim_contention"}, nil
}

func (d *Dispatcher) load(ctx context.Context, req domain.DispatchRequest) (domain.BufferEntry, bool, error) {
	if req.Seq > 0 {
		return d.store.GetWindow(ctx, req.Key, req.Seq)
	}
	return d.store.GetCurrent(ctx, req.Key)
}

// handOff calls downstream with bounded, jittered retries.
func (d *Dispatcher) handOff(ctx context.Context, log *slog.Logger, turn domain.Turn) (int, error) {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := d.downstream.HandleTurn(ctx, turn)
		if err == nil {
			return struct{}{}, nil
		}
		if domain.IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(jitteredBackoff(d.settings.DispatchBackoffMin, d.settings.DispatchBackoffMax)),
		backoff.WithMaxTries(uint(d.settings.DispatchMaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("downstream failed, retrying", "err", err, "retry_in", next)
		}),
	)
	return attempts, err
}

// recordFailure keeps the window Claimed and stores the failure for the
// status view. The window is never re-opened or re-dispatched automatically.
func (d *Dispatcher) recordFailure(ctx context.Context, log *slog.Logger, claimed domain.BufferEntry, attempts int, cause error) {
	log.Error("downstream processing failed permanently, window left claimed",
		"err", cause, "attempts", attempts, "message_ids", claimed.MessageIDs(), "alert", true)

	next := claimed.Clone()
	next.Attempts = attempts
	next.LastError = cause.Error()
	if ok, err := d.store.CompareAndSet(ctx, claimed.Version, next); err != nil || !ok {
		log.Warn("could not record dispatch failure on window", "err", err, "stored", ok)
	}
}

// finalize moves the window from Claimed to Dispatched. A lost race here means
// the entry changed underneath a claim we own, which should not happen.
func (d *Dispatcher) finalize(ctx context.Context, claimed domain.BufferEntry, attempts int) error {
	now := d.now()
	next := claimed.Clone()
	next.State = domain.StateDispatched
	next.DispatchedAt = now
	next.TTLExpiresAt = now.Add(d.settings.TTL)
	next.Attempts = attempts
	next.LastError = ""

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := d.store.CompareAndSet(ctx, claimed.Version, next)
		if err != nil {
			return struct{}{}, err
		}
		if !ok {
			return struct{}{}, backoff.Permanent(fmt.Errorf("usecase: claimed window %s/%d changed version", claimed.Key, claimed.Seq))
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(jitteredBackoff(d.settings.IngestBackoffMin, d.settings.IngestBackoffMax)),
		backoff.WithMaxTries(uint(d.settings.IngestMaxAttempts)),
	)
	return err
}

// DispatchOrReschedule runs Dispatch and, when the trigger arrived before the
// window's deadline, schedules it again for that deadline.
func (d *Dispatcher) DispatchOrReschedule(ctx context.Context, req domain.DispatchRequest, sched Scheduler) (DispatchResult, error) {
	res, err := d.Dispatch(ctx, req)
	if err != nil || res.Outcome != OutcomeNotDue {
		return res, err
	}
	next := req
	next.Deadline = res.RetryAt
	if err := sched.Schedule(ctx, next); err != nil {
		return res, newError(ErrorScheduleFailed, "reschedule_dispatch_error", err)
	}
	d.logger.Debug("dispatch arrived early, rescheduled", "request", req.String(), "retry_at", res.RetryAt)
	return res, nil
}
