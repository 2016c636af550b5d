package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"message-coalescer/internal/domain"
	"message-coalescer/internal/repository/memory"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(at time.Time) *testClock {
	return &testClock{now: at}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingDownstream struct {
	mu    sync.Mutex
	turns []domain.Turn
	errs  []error
	calls int
}

func (d *recordingDownstream) HandleTurn(_ context.Context, turn domain.Turn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.calls
	d.calls++
	var err error
	if len(d.errs) > 0 {
		if idx >= len(d.errs) {
			idx = len(d.errs) - 1
		}
		err = d.errs[idx]
	}
	if err == nil {
		d.turns = append(d.turns, turn)
	}
	return err
}

func (d *recordingDownstream) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *recordingDownstream) Turns() []domain.Turn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Turn(nil), d.turns...)
}

type recordingScheduler struct {
	mu   sync.Mutex
	reqs []domain.DispatchRequest
	err  error
}

func (s *recordingScheduler) Schedule(_ context.Context, req domain.DispatchRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.reqs = append(s.reqs, req)
	return nil
}

func (s *recordingScheduler) Requests() []domain.DispatchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DispatchRequest(nil), s.reqs...)
}

// contendedStore rejects a configured number of conditional writes as if a
// concurrent writer had won them.
type contendedStore struct {
	*memory.Store

	mu          sync.Mutex
	casFails    int
	createFails int
}

// AddMessage fails appends from casFails and window creations from
// createFails.
func (s *contendedStore) AddMessage(ctx context.Context, expected int64, entry domain.BufferEntry) (bool, error) {
	s.mu.Lock()
	fails := &s.createFails
	if expected > 0 {
		fails = &s.casFails
	}
	if *fails > 0 {
		*fails--
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()
	return s.Store.AddMessage(ctx, expected, entry)
}

type brokenStore struct {
	*memory.Store
	err error
}

func (s *brokenStore) GetCurrent(context.Context, domain.ConversationKey) (domain.BufferEntry, bool, error) {
	return domain.BufferEntry{}, false, s.err
}

func (s *brokenStore) List(context.Context) ([]domain.BufferEntry, error) {
	return nil, s.err
}

func (s *brokenStore) Seen(context.Context, string, time.Time) (bool, error) {
	return false, s.err
}

func (s *brokenStore) Record(context.Context, string, time.Time, time.Time) error {
	return s.err
}

var errStoreDown = errors.New("store unavailable")

func testSettings() Settings {
	return Settings{
		Window:              8 * time.Second,
		MaxBatchSize:        10,
		IngestMaxAttempts:   5,
		IngestBackoffMin:    time.Millisecond,
		IngestBackoffMax:    2 * time.Millisecond,
		DispatchMaxAttempts: 3,
		DispatchBackoffMin:  time.Millisecond,
		DispatchBackoffMax:  2 * time.Millisecond,
		DuplicateWindow:     60 * time.Second,
		ClaimGrace:          2 * time.Minute,
	}
}

func testKey(phone string) domain.ConversationKey {
	return domain.ConversationKey{InstanceID: "inst-1", UserPhone: phone}
}

func textMessage(id, content string) domain.Message {
	return domain.Message{ID: id, Content: content, Type: domain.MessageTypeText}
}

func noSleep(context.Context, time.Duration) error { return nil }

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("win-%d", n)
	}
}

func newTestCoalescer(t *testing.T, store BufferStore, settings Settings, clock *testClock) *Coalescer {
	t.Helper()
	c, err := NewCoalescer(store, settings, nil)
	require.NoError(t, err)
	c.now = clock.Now
	c.sleep = noSleep
	c.newID = sequentialIDs()
	return c
}

func newTestDispatcher(t *testing.T, store BufferStore, down Downstream, settings Settings, clock *testClock) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(store, down, settings, nil)
	require.NoError(t, err)
	d.now = clock.Now
	return d
}

func expectCode(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	if reason != "" {
		require.Equal(t, reason, usecaseErr.Reason)
	}
}
