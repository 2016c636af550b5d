package handler

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"message-coalescer/internal/domain"
	"message-coalescer/internal/usecase"
)

type stubDispatcher struct {
	mu    sync.Mutex
	seen  []domain.DispatchRequest
	errOn map[int64]error
}

func (s *stubDispatcher) DispatchOrReschedule(_ context.Context, req domain.DispatchRequest, _ usecase.Scheduler) (usecase.DispatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, req)
	if err := s.errOn[req.Seq]; err != nil {
		return usecase.DispatchResult{}, err
	}
	return usecase.DispatchResult{Outcome: usecase.OutcomeDispatched}, nil
}

type nopScheduler struct{}

func (nopScheduler) Schedule(context.Context, domain.DispatchRequest) error { return nil }

func sqsRecord(t *testing.T, id string, req domain.DispatchRequest) events.SQSMessage {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	return events.SQSMessage{MessageId: id, Body: string(body)}
}

func TestNewDispatchHandler_Validation(t *testing.T) {
	_, err := NewDispatchHandler(nil, nopScheduler{}, 1, nil)
	require.Error(t, err)
	_, err = NewDispatchHandler(&stubDispatcher{}, nil, 1, nil)
	require.Error(t, err)
}

func TestDispatchHandler_ReportsOnlyFailedRecords(t *testing.T) {
	key := domain.ConversationKey{InstanceID: "acme", UserPhone: "5511"}
	d := &stubDispatcher{errOn: map[int64]error{2: &usecase.Error{Code: usecase.ErrorStoreUnavailable}}}
	h, err := NewDispatchHandler(d, nopScheduler{}, 2, nil)
	require.NoError(t, err)

	ev := events.SQSEvent{Records: []events.SQSMessage{
		sqsRecord(t, "m1", domain.DispatchRequest{Key: key, Seq: 1, WindowID: "w1"}),
		sqsRecord(t, "m2", domain.DispatchRequest{Key: key, Seq: 2, WindowID: "w2"}),
		sqsRecord(t, "m3", domain.DispatchRequest{Key: key, Seq: 3, WindowID: "w3"}),
		{MessageId: "m4", Body: "garbage"},
	}}
	resp, err := h.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, []events.SQSBatchItemFailure{{ItemIdentifier: "m2"}}, resp.BatchItemFailures)

	seqs := make([]int, 0, len(d.seen))
	for _, r := range d.seen {
		seqs = append(seqs, int(r.Seq))
	}
	sort.Ints(seqs)
	require.Equal(t, []int{1, 2, 3}, seqs)
}

type stubSweeper struct {
	report usecase.SweepReport
	err    error
}

func (s *stubSweeper) Sweep(context.Context) (usecase.SweepReport, error) {
	return s.report, s.err
}

func TestSweepHandler(t *testing.T) {
	_, err := NewSweepHandler(nil, nil)
	require.Error(t, err)

	h, err := NewSweepHandler(&stubSweeper{report: usecase.SweepReport{Inspected: 3, Purged: 1}}, nil)
	require.NoError(t, err)
	report, err := h.Handle(context.Background(), events.CloudWatchEvent{ID: "ev-1"})
	require.NoError(t, err)
	require.Equal(t, 3, report.Inspected)

	h, err = NewSweepHandler(&stubSweeper{err: errors.New("scan failed")}, nil)
	require.NoError(t, err)
	_, err = h.Handle(context.Background(), events.CloudWatchEvent{ID: "ev-2"})
	require.ErrorContains(t, err, "scan failed")
}
