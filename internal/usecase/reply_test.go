package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"message-coalescer/internal/domain"
	"message-coalescer/internal/integrations/openai"
	"message-coalescer/internal/integrations/whatsapp"
)

type mockParams struct {
	vals  map[string]string
	err   error
	calls int
}

func (m *mockParams) GetParameter(_ context.Context, name string) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.vals[name]
	if !ok {
		return "", fmt.Errorf("param not found: %s", name)
	}
	return v, nil
}

func defaultParams() *mockParams {
	return &mockParams{
		vals: map[string]string{
			"/prefix/system_prompt":       "You are the front desk of a bakery.",
			"/prefix/config/openai_model": "gpt-4o-mini",
		},
	}
}

type mockLLM struct {
	answer   string
	err      error
	model    string
	captured []domain.ChatMessage
	calls    int
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []domain.ChatMessage) (string, error) {
	m.calls++
	m.model = model
	m.captured = msgs
	return m.answer, m.err
}

type mockHistory struct {
	history      []domain.HistoryTurn
	turnCount    int
	historyErr   error
	turnCountErr error
	saveErr      error

	saved       bool
	savedTurn   domain.Turn
	savedAnswer string
	savedTurns  int
}

func (m *mockHistory) GetConversationTurnCount(context.Context, domain.ConversationKey) (int, error) {
	return m.turnCount, m.turnCountErr
}

func (m *mockHistory) GetHistory(context.Context, domain.ConversationKey, int) ([]domain.HistoryTurn, error) {
	return m.history, m.historyErr
}

func (m *mockHistory) SaveCompletedTurn(_ context.Context, turn domain.Turn, answer string, turns int) error {
	m.saved = true
	m.savedTurn = turn
	m.savedAnswer = answer
	m.savedTurns = turns
	return m.saveErr
}

type mockSender struct {
	err  error
	key  domain.ConversationKey
	text string
	sent int
}

func (m *mockSender) SendText(_ context.Context, key domain.ConversationKey, text string) error {
	if m.err != nil {
		return m.err
	}
	m.sent++
	m.key = key
	m.text = text
	return nil
}

func newTestReplyService(t *testing.T, p ParamGetter, llm LLMClient, h HistoryReadWriter, s MessageSender) *ReplyService {
	t.Helper()
	svc, err := NewReplyService(p, llm, h, s, "/prefix/", 20, nil)
	require.NoError(t, err)
	return svc
}

func testTurn() domain.Turn {
	return domain.Turn{
		Key:        testKey("15550050"),
		WindowID:   "win-1",
		Text:       "do you deliver?\nand on sundays?",
		MessageIDs: []string{"m1", "m2"},
	}
}

func TestNewReplyService_ValidatesDependencies(t *testing.T) {
	_, err := NewReplyService(nil, &mockLLM{}, &mockHistory{}, &mockSender{}, "/prefix", 20, nil)
	require.Error(t, err)
	_, err = NewReplyService(defaultParams(), nil, &mockHistory{}, &mockSender{}, "/prefix", 20, nil)
	require.Error(t, err)
	_, err = NewReplyService(defaultParams(), &mockLLM{}, nil, &mockSender{}, "/prefix", 20, nil)
	require.Error(t, err)
	_, err = NewReplyService(defaultParams(), &mockLLM{}, &mockHistory{}, nil, "/prefix", 20, nil)
	require.Error(t, err)
	_, err = NewReplyService(defaultParams(), &mockLLM{}, &mockHistory{}, &mockSender{}, " ", 20, nil)
	require.Error(t, err)
}

func TestReplyService_HappyPath(t *testing.T) {
	llm := &mockLLM{answer: "  Yes, every day including Sunday.  "}
	history := &mockHistory{
		turnCount: 2,
		history: []domain.HistoryTurn{
			{Text: "hi", Answer: "Hello! How can I help?", Status: "complete"},
			{Text: "half done", Status: "pending"},
		},
	}
	sender := &mockSender{}
	svc := newTestReplyService(t, defaultParams(), llm, history, sender)
	turn := testTurn()

	require.NoError(t, svc.HandleTurn(context.Background(), turn))

	require.Equal(t, "gpt-4o-mini", llm.model)
	require.Len(t, llm.captured, 4)
	require.Equal(t, "system", llm.captured[0].Role)
	require.Contains(t, llm.captured[0].Content, "You are the front desk of a bakery.")
	require.Equal(t, domain.ChatMessage{Role: "user", Content: "hi"}, llm.captured[1])
	require.Equal(t, domain.ChatMessage{Role: "assistant", Content: "Hello! How can I help?"}, llm.captured[2])
	require.Equal(t, domain.ChatMessage{Role: "user", Content: turn.Text}, llm.captured[3])

	require.Equal(t, turn.Key, sender.key)
	require.Equal(t, "Yes, every day including Sunday.", sender.text)

	require.True(t, history.saved)
	require.Equal(t, turn, history.savedTurn)
	require.Equal(t, "Yes, every day including Sunday.", history.savedAnswer)
	require.Equal(t, 3, history.savedTurns)
}

func TestReplyService_CachesConfig(t *testing.T) {
	params := defaultParams()
	svc := newTestReplyService(t, params, &mockLLM{answer: "ok"}, &mockHistory{}, &mockSender{})

	require.NoError(t, svc.HandleTurn(context.Background(), testTurn()))
	require.NoError(t, svc.HandleTurn(context.Background(), testTurn()))
	require.Equal(t, 2, params.calls)
}

func TestReplyService_Errors(t *testing.T) {
	tests := []struct {
		name      string
		params    *mockParams
		llm       *mockLLM
		history   *mockHistory
		sender    *mockSender
		turnText  string
		code      ErrorCode
		reason    string
		permanent bool
	}{
		{
			name:      "empty turn",
			turnText:  "   ",
			code:      ErrorInvalidInput,
			reason:    "empty_turn",
			permanent: true,
		},
		{
			name:   "ssm unavailable",
			params: &mockParams{err: errors.New("ssm down")},
			code:   ErrorInternal,
			reason: "ssm_load_error",
		},
		{
			name:    "turn count error",
			history: &mockHistory{turnCountErr: errors.New("meta read failed")},
			code:    ErrorInternal,
			reason:  "dynamodb_turn_count_error",
		},
		{
			name:    "history error",
			history: &mockHistory{historyErr: errors.New("query failed")},
			code:    ErrorInternal,
			reason:  "dynamodb_history_error",
		},
		{
			name:   "openai rate limited",
			llm:    &mockLLM{err: &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests}},
			code:   ErrorUpstream,
			reason: "openai_rate_limited",
		},
		{
			name:      "openai rejects request",
			llm:       &mockLLM{err: &openai.HTTPStatusError{StatusCode: http.StatusBadRequest}},
			code:      ErrorUpstream,
			reason:    "openai_rejected",
			permanent: true,
		},
		{
			name:   "openai transport failure",
			llm:    &mockLLM{err: errors.New("connection reset")},
			code:   ErrorUpstream,
			reason: "openai_error",
		},
		{
			name:      "empty answer",
			llm:       &mockLLM{answer: "   "},
			code:      ErrorUpstream,
			reason:    "openai_empty_answer",
			permanent: true,
		},
		{
			name:   "whatsapp server error",
			sender: &mockSender{err: &whatsapp.HTTPStatusError{StatusCode: http.StatusBadGateway}},
			code:   ErrorUpstream,
			reason: "whatsapp_error",
		},
		{
			name:      "whatsapp rejects number",
			sender:    &mockSender{err: &whatsapp.HTTPStatusError{StatusCode: http.StatusNotFound}},
			code:      ErrorUpstream,
			reason:    "whatsapp_rejected",
			permanent: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := tt.params
			if params == nil {
				params = defaultParams()
			}
			llm := tt.llm
			if llm == nil {
				llm = &mockLLM{answer: "ok"}
			}
			history := tt.history
			if history == nil {
				history = &mockHistory{}
			}
			sender := tt.sender
			if sender == nil {
				sender = &mockSender{}
			}
			turn := testTurn()
			if tt.turnText != "" {
				turn.Text = tt.turnText
			}

			svc := newTestReplyService(t, params, llm, history, sender)
			err := svc.HandleTurn(context.Background(), turn)
			expectCode(t, err, tt.code, tt.reason)
			require.Equal(t, tt.permanent, domain.IsPermanent(err))
			require.False(t, history.saved)
		})
	}
}

func TestReplyService_SaveOutcomesDoNotFailDeliveredTurn(t *testing.T) {
	for _, saveErr := range []error{domain.ErrTurnAlreadySaved, errors.New("dynamodb throttled")} {
		history := &mockHistory{saveErr: saveErr}
		sender := &mockSender{}
		svc := newTestReplyService(t, defaultParams(), &mockLLM{answer: "ok"}, history, sender)

		require.NoError(t, svc.HandleTurn(context.Background(), testTurn()))
		require.Equal(t, 1, sender.sent)
		require.True(t, history.saved)
	}
}

func TestReplyService_SSMErrorIsRetriedOnNextTurn(t *testing.T) {
	params := defaultParams()
	params.err = errors.New("temporary ssm failure")
	svc := newTestReplyService(t, params, &mockLLM{answer: "ok"}, &mockHistory{}, &mockSender{})

	err := svc.HandleTurn(context.Background(), testTurn())
	expectCode(t, err, ErrorInternal, "ssm_load_error")

	params.err = nil
	require.NoError(t, svc.HandleTurn(context.Background(), testTurn()))
}
