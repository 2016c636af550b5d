package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"message-coalescer/internal/domain"
)

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	Stuck      []domain.WindowStatus
	Recovered  []domain.WindowStatus
	Purged     int
	Inspected  int
	Dispatched int
}

// Monitor serves the operational status view and runs the background sweep.
// Without a dispatcher it only serves status, and Sweep reports overdue open
// windows without dispatching them.
type Monitor struct {
	store      BufferStore
	dispatcher *Dispatcher
	settings   Settings
	logger     *slog.Logger
	now        func() time.Time
}

func NewMonitor(store BufferStore, dispatcher *Dispatcher, settings Settings, logger *slog.Logger) (*Monitor, error) {
	if store == nil {
		return nil, errors.New("usecase: buffer store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:      store,
		dispatcher: dispatcher,
		settings:   settings.withDefaults(),
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Status returns the conversation's current window.
func (m *Monitor) Status(ctx context.Context, key domain.ConversationKey) (domain.WindowStatus, bool, error) {
	if err := key.Validate(); err != nil {
		return domain.WindowStatus{}, false, newError(ErrorInvalidInput, "invalid_conversation_key", err)
	}
	e, found, err := m.store.GetCurrent(ctx, key)
	if err != nil {
		return domain.WindowStatus{}, false, newError(ErrorStoreUnavailable, "buffer_read_error", err)
	}
	if !found {
		return domain.WindowStatus{}, false, nil
	}
	return domain.StatusOf(e, m.now()), true, nil
}

// List returns every live window that has not passed its retention.
func (m *Monitor) List(ctx context.Context) ([]domain.WindowStatus, error) {
	entries, err := m.store.List(ctx)
	if err != nil {
		return nil, newError(ErrorStoreUnavailable, "buffer_list_error", err)
	}
	now := m.now()
	out := make([]domain.WindowStatus, 0, len(entries))
	for _, e := range entries {
		if e.State == domain.StateDispatched && !now.Before(e.TTLExpiresAt) {
			continue
		}
		out = append(out, domain.StatusOf(e, now))
	}
	return out, nil
}

// Sweep inspects every window once:
//   - Claimed longer than the grace period: reported as stuck, never retried.
//   - Open past deadline plus grace: its scheduled dispatch was lost, so the
//     sweep dispatches it. The claim write keeps this safe against a late fire.
//   - Dispatched past retention: deleted.
func (m *Monitor) Sweep(ctx context.Context) (SweepReport, error) {
	entries, err := m.store.List(ctx)
	if err != nil {
		return SweepReport{}, newError(ErrorStoreUnavailable, "buffer_list_error", err)
	}
	now := m.now()
	report := SweepReport{Inspected: len(entries)}

	for _, e := range entries {
		switch e.State {
		case domain.StateClaimed:
			if now.Sub(e.ClaimedAt) < m.settings.ClaimGrace {
				continue
			}
			st := domain.StatusOf(e, now)
			report.Stuck = append(report.Stuck, st)
			m.logger.Error("stuck dispatch: window claimed but never dispatched",
				"key", e.Key.String(), "seq", e.Seq, "window_id", e.WindowID,
				"claimed_at", e.ClaimedAt, "attempts", e.Attempts, "last_error", e.LastError,
				"message_ids", e.MessageIDs(), "alert", true)

		case domain.StateOpen:
			if now.Sub(e.DispatchDeadline) < m.settings.ClaimGrace {
				continue
			}
			m.logger.Warn("overdue open window, dispatching from sweep", "key", e.Key.String(), "seq", e.Seq, "deadline", e.DispatchDeadline)
			report.Recovered = append(report.Recovered, domain.StatusOf(e, now))
			if m.dispatcher == nil {
				continue
			}
			res, err := m.dispatcher.Dispatch(ctx, domain.RequestFor(e))
			if err != nil {
				m.logger.Error("sweep dispatch failed", "key", e.Key.String(), "seq", e.Seq, "err", err)
				continue
			}
			if res.Outcome == OutcomeDispatched {
				report.Dispatched++
			}

		case domain.StateDispatched:
			if now.Before(e.TTLExpiresAt) {
				continue
			}
			if err := m.store.Delete(ctx, e.Key, e.Seq); err != nil {
				m.logger.Warn("failed to purge expired window", "key", e.Key.String(), "seq", e.Seq, "err", err)
				continue
			}
			report.Purged++
		}
	}
	m.logger.Info("sweep complete", "inspected", report.Inspected, "stuck", len(report.Stuck),
		"recovered", len(report.Recovered), "purged", report.Purged)
	return report, nil
}
