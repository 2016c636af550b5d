package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"message-coalescer/internal/domain"
)

const defaultMaxContext = 20

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ReplyService is the downstream processing for coalesced turns: it loads
// conversation history, asks the LLM for a reply, delivers it over WhatsApp
// and persists the turn. It implements Downstream.
type ReplyService struct {
	params          ParamGetter
	llm             LLMClient
	history         HistoryReadWriter
	sender          MessageSender
	paramPrefix     string
	maxContextItems int
	logger          *slog.Logger

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	systemPrompt string
	openaiModel  string
}

func NewReplyService(p ParamGetter, llm LLMClient, h HistoryReadWriter, sender MessageSender, paramPrefix string, maxContextItems int, logger *slog.Logger) (*ReplyService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if h == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	if sender == nil {
		return nil, errors.New("usecase: message sender must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if maxContextItems <= 0 {
		maxContextItems = defaultMaxContext
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyService{
		params:          p,
		llm:             llm,
		history:         h,
		sender:          sender,
		paramPrefix:     paramPrefix,
		maxContextItems: maxContextItems,
		logger:          logger,
	}, nil
}

// HandleTurn answers one coalesced turn. Errors that retrying cannot fix are
// wrapped with domain.Permanent.
func (s *ReplyService) HandleTurn(ctx context.Context, turn domain.Turn) error {
	text := strings.TrimSpace(turn.Text)
	if text == "" {
		return domain.Permanent(newError(ErrorInvalidInput, "empty_turn", nil))
	}
	if err := s.ensureConfig(ctx); err != nil {
		return newError(ErrorInternal, "ssm_load_error", err)
	}

	existingTurns, err := s.history.GetConversationTurnCount(ctx, turn.Key)
	if err != nil {
		return newError(ErrorInternal, "dynamodb_turn_count_error", err)
	}
	history, err := s.history.GetHistory(ctx, turn.Key, s.maxContextItems)
	if err != nil {
		return newError(ErrorInternal, "dynamodb_history_error", err)
	}

	answer, err := s.llm.Chat(ctx, s.openaiModel, buildPromptMessages(s.systemPrompt, text, history))
	if err != nil {
		return classifyUpstream("openai", err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return domain.Permanent(newError(ErrorUpstream, "openai_empty_answer", nil))
	}

	if err := s.sender.SendText(ctx, turn.Key, answer); err != nil {
		return classifyUpstream("whatsapp", err)
	}

	err = s.history.SaveCompletedTurn(ctx, turn, answer, existingTurns+1)
	if errors.Is(err, domain.ErrTurnAlreadySaved) {
		s.logger.Info("turn already persisted by an earlier attempt", "key", turn.Key.String(), "window_id", turn.WindowID)
		return nil
	}
	if err != nil {
		// The reply is out; failing here would make the dispatcher send it again.
		s.logger.Error("reply delivered but turn not persisted", "key", turn.Key.String(), "window_id", turn.WindowID, "err", err)
	}
	return nil
}

func (s *ReplyService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	systemPrompt, err := s.params.GetParameter(ctx, s.paramPrefix+"/system_prompt")
	if err != nil {
		return fmt.Errorf("usecase: load system prompt: %w", err)
	}
	openaiModel, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/openai_model")
	if err != nil {
		return fmt.Errorf("usecase: load openai model: %w", err)
	}

	s.systemPrompt = systemPrompt
	s.openaiModel = openaiModel
	s.cacheLoaded = true
	return nil
}

// classifyUpstream keeps rate limits, server errors and transport failures
// retryable and marks other client errors permanent.
func classifyUpstream(service string, err error) error {
	status, ok := upstreamStatusCode(err)
	switch {
	case !ok:
		return newError(ErrorUpstream, service+"_error", err)
	case status == http.StatusTooManyRequests:
		return newError(ErrorUpstream, service+"_rate_limited", err)
	case status >= 500:
		return newError(ErrorUpstream, service+"_error", err)
	default:
		return domain.Permanent(newError(ErrorUpstream, service+"_rejected", err))
	}
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
