package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"message-coalescer/internal/domain"
)

// ErrStopped is returned by Schedule after Stop.
var ErrStopped = errors.New("scheduler: stopped")

// DispatchFunc runs one scheduled dispatch.
type DispatchFunc func(ctx context.Context, req domain.DispatchRequest)

type pending struct {
	timer    *time.Timer
	deadline time.Time
}

// TimerScheduler runs dispatches on in-process timers. It keeps at most one
// pending timer per window; scheduling a window again only moves its timer
// earlier. Pending timers do not survive a restart; the sweep recovers them.
type TimerScheduler struct {
	dispatch DispatchFunc
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	timers  map[string]*pending
	stopped bool
}

func NewTimer(dispatch DispatchFunc, logger *slog.Logger) (*TimerScheduler, error) {
	if dispatch == nil {
		return nil, errors.New("scheduler: dispatch func must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		dispatch: dispatch,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[string]*pending),
	}, nil
}

func (s *TimerScheduler) Schedule(_ context.Context, req domain.DispatchRequest) error {
	id := req.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if cur, ok := s.timers[id]; ok {
		if !req.Deadline.Before(cur.deadline) {
			return nil
		}
		if cur.timer.Stop() {
			s.wg.Done()
		}
	}

	p := &pending{deadline: req.Deadline}
	s.wg.Add(1)
	p.timer = time.AfterFunc(max(req.Deadline.Sub(s.now()), 0), func() {
		defer s.wg.Done()
		s.mu.Lock()
		if s.timers[id] == p {
			delete(s.timers, id)
		}
		s.mu.Unlock()
		if s.ctx.Err() != nil {
			return
		}
		s.dispatch(s.ctx, req)
	})
	s.timers[id] = p
	s.logger.Debug("dispatch timer set", "request", id, "deadline", req.Deadline)
	return nil
}

// Pending returns the number of timers that have not fired.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels pending timers and waits for running dispatches to return.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, p := range s.timers {
		if p.timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
