package app

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"message-coalescer/internal/config"
	"message-coalescer/internal/domain"
	"message-coalescer/internal/usecase"
)

type captureScheduler struct {
	reqs []domain.DispatchRequest
}

func (c *captureScheduler) Schedule(_ context.Context, req domain.DispatchRequest) error {
	c.reqs = append(c.reqs, req)
	return nil
}

type countingSweeper struct {
	calls atomic.Int32
}

func (c *countingSweeper) Sweep(context.Context) (usecase.SweepReport, error) {
	c.calls.Add(1)
	return usecase.SweepReport{}, nil
}

func testConfig() config.Config {
	return config.Config{Engine: usecase.Settings{Window: 50 * time.Millisecond}}
}

func TestNewEngine_IngestWithoutDownstream(t *testing.T) {
	sched := &captureScheduler{}
	engine, err := NewEngine(testConfig(), NewMemoryStore(), sched, nil, nil)
	require.NoError(t, err)
	require.Nil(t, engine.Dispatcher)

	key := domain.ConversationKey{InstanceID: "acme", UserPhone: "5511"}
	out, err := engine.Ingest.Ingest(context.Background(), key, domain.Message{ID: "m1", Content: "hi"})
	require.NoError(t, err)
	require.True(t, out.WindowOwned)
	require.Len(t, sched.reqs, 1)

	st, found, err := engine.Monitor.Status(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.StateOpen, st.State)
}

func TestNewEngine_EndToEndWithLogDownstream(t *testing.T) {
	sched := &captureScheduler{}
	engine, err := NewEngine(testConfig(), NewMemoryStore(), sched, usecase.LogDownstream{}, nil)
	require.NoError(t, err)

	key := domain.ConversationKey{InstanceID: "acme", UserPhone: "5511"}
	_, err = engine.Ingest.Ingest(context.Background(), key, domain.Message{ID: "m1", Content: "hi"})
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	res, err := engine.Dispatcher.Dispatch(context.Background(), sched.reqs[0])
	require.NoError(t, err)
	require.Equal(t, usecase.OutcomeDispatched, res.Outcome)
	require.Equal(t, "hi", res.Turn.Text)
}

func TestNewSweepCron(t *testing.T) {
	_, err := NewSweepCron("not a schedule", &countingSweeper{}, time.Second, nil)
	require.Error(t, err)

	s := &countingSweeper{}
	c, err := NewSweepCron("@every 1s", s, time.Second, NewLogger(0, false))
	require.NoError(t, err)
	c.Start()
	require.Eventually(t, func() bool { return s.calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	<-c.Stop().Done()
}
