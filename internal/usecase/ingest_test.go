package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"message-coalescer/internal/domain"
	"message-coalescer/internal/repository/memory"
)

type ingestFixture struct {
	clock *testClock
	store *memory.Store
	sched *recordingScheduler
	svc   *IngestService
}

func newIngestFixture(t *testing.T, settings Settings) *ingestFixture {
	t.Helper()
	clock := newTestClock(t0)
	store := memory.New(memory.WithClock(clock.Now))
	filter := newTestFilter(t, store, clock)
	coal := newTestCoalescer(t, store, settings, clock)
	sched := &recordingScheduler{}
	svc, err := NewIngestService(filter, coal, sched, nil)
	require.NoError(t, err)
	svc.now = clock.Now
	return &ingestFixture{clock: clock, store: store, sched: sched, svc: svc}
}

func TestNewIngestService_ValidatesDependencies(t *testing.T) {
	clock := newTestClock(t0)
	filter := newTestFilter(t, memory.New(), clock)
	coal := newTestCoalescer(t, memory.New(), testSettings(), clock)

	_, err := NewIngestService(nil, coal, &recordingScheduler{}, nil)
	require.Error(t, err)
	_, err = NewIngestService(filter, nil, &recordingScheduler{}, nil)
	require.Error(t, err)
	_, err = NewIngestService(filter, coal, nil, nil)
	require.Error(t, err)
}

func TestIngest_SchedulesOnlyWhenWindowOpens(t *testing.T) {
	f := newIngestFixture(t, testSettings())
	key := testKey("15550040")
	ctx := context.Background()

	out, err := f.svc.Ingest(ctx, key, textMessage("m1", "hi"))
	require.NoError(t, err)
	require.Equal(t, IngestOutcome{
		WindowOwned: true,
		Scheduled:   true,
		Seq:         1,
		WindowID:    "win-1",
		Deadline:    t0.Add(8 * time.Second),
	}, out)

	f.clock.Advance(2 * time.Second)
	out, err = f.svc.Ingest(ctx, key, textMessage("m2", "how are you"))
	require.NoError(t, err)
	require.False(t, out.WindowOwned)
	require.False(t, out.Scheduled)
	require.Equal(t, int64(1), out.Seq)

	require.Equal(t, []domain.DispatchRequest{{Key: key, Seq: 1, WindowID: "win-1", Deadline: t0.Add(8 * time.Second)}}, f.sched.Requests())
}

func TestIngest_SuppressesDuplicateContent(t *testing.T) {
	f := newIngestFixture(t, testSettings())
	key := testKey("15550041")
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, key, textMessage("m1", "hi"))
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	out, err := f.svc.Ingest(ctx, key, textMessage("m1-redelivered", "Hi"))
	require.NoError(t, err)
	require.True(t, out.Duplicate)
	require.False(t, out.Scheduled)

	entry, _, err := f.store.GetCurrent(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, entry.MessageIDs())
	require.Len(t, f.sched.Requests(), 1)
}

func TestIngest_ScheduleFailureIsRetriedByRedelivery(t *testing.T) {
	f := newIngestFixture(t, testSettings())
	key := testKey("15550042")
	ctx := context.Background()

	f.sched.err = errors.New("queue unavailable")
	_, err := f.svc.Ingest(ctx, key, textMessage("m1", "hi"))
	expectCode(t, err, ErrorScheduleFailed, "schedule_dispatch_error")

	// The fingerprint was not recorded, so the redelivery gets through and
	// re-schedules the window it opened.
	f.sched.err = nil
	out, err := f.svc.Ingest(ctx, key, textMessage("m1", "hi"))
	require.NoError(t, err)
	require.False(t, out.Duplicate)
	require.True(t, out.WindowOwned)
	require.True(t, out.Scheduled)
	require.Len(t, f.sched.Requests(), 1)

	entry, _, err := f.store.GetCurrent(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, entry.MessageIDs())
}

func TestIngest_RedeliveryAfterNextWindowOpenedIsNotDispatchedTwice(t *testing.T) {
	f := newIngestFixture(t, testSettings())
	key := testKey("15550044")
	ctx := context.Background()
	m1 := textMessage("m1", "hi")
	m1.ReceivedAt = t0

	f.sched.err = errors.New("queue unavailable")
	_, err := f.svc.Ingest(ctx, key, m1)
	expectCode(t, err, ErrorScheduleFailed, "schedule_dispatch_error")
	f.sched.err = nil

	f.clock.Advance(9 * time.Second)
	out, err := f.svc.Ingest(ctx, key, textMessage("m2", "anyone there?"))
	require.NoError(t, err)
	require.Equal(t, int64(2), out.Seq)

	// Window 2 is current and joinable, but m1 already sits in window 1.
	out, err = f.svc.Ingest(ctx, key, m1)
	require.NoError(t, err)
	require.False(t, out.Duplicate)
	require.True(t, out.Scheduled, "window 1 is still open and is re-scheduled")
	require.Equal(t, int64(1), out.Seq)
	require.Equal(t, "win-1", out.WindowID)

	first, _, err := f.store.GetWindow(ctx, key, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, first.MessageIDs())
	second, _, err := f.store.GetWindow(ctx, key, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"m2"}, second.MessageIDs())

	down := &recordingDownstream{}
	d := newTestDispatcher(t, f.store, down, testSettings(), f.clock)
	f.clock.Advance(10 * time.Second)
	for _, req := range f.sched.Requests() {
		_, err := d.Dispatch(ctx, req)
		require.NoError(t, err)
	}

	var delivered []string
	for _, turn := range down.Turns() {
		delivered = append(delivered, turn.MessageIDs...)
	}
	require.ElementsMatch(t, []string{"m1", "m2"}, delivered)
}

func TestIngest_FullWindowSchedulesImmediateDispatch(t *testing.T) {
	settings := testSettings()
	settings.MaxBatchSize = 2
	f := newIngestFixture(t, settings)
	key := testKey("15550043")
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, key, textMessage("m1", "one"))
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	out, err := f.svc.Ingest(ctx, key, textMessage("m2", "two"))
	require.NoError(t, err)
	require.True(t, out.Scheduled)

	reqs := f.sched.Requests()
	require.Len(t, reqs, 2)
	require.Equal(t, t0.Add(8*time.Second), reqs[0].Deadline)
	require.Equal(t, t0.Add(time.Second), reqs[1].Deadline)
	require.Equal(t, reqs[0].WindowID, reqs[1].WindowID)
}

func TestIngest_Errors(t *testing.T) {
	f := newIngestFixture(t, testSettings())

	_, err := f.svc.Ingest(context.Background(), domain.ConversationKey{UserPhone: "1555"}, textMessage("m1", "hi"))
	expectCode(t, err, ErrorInvalidInput, "invalid_conversation_key")
	require.Empty(t, f.sched.Requests())
}
