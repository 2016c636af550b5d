package usecase

import (
	"context"
	"time"

	"message-coalescer/internal/domain"
)

// BufferStore is the shared, TTL-capable store of coalescing windows. Every
// mutation goes through AddMessage or CompareAndSet; there is no blind
// overwrite.
//
// AddMessage writes entry, whose last message is the one being added, and
// indexes that message id to entry.Seq in the same atomic write. expected 0
// creates the window slot; otherwise the write is a compare-and-set on
// version. It returns false when the window write lost its race, and
// domain.ErrMessageBuffered when the id is already indexed to any window of
// the conversation. MessageSeq resolves an indexed id to its window.
type BufferStore interface {
	GetCurrent(ctx context.Context, key domain.ConversationKey) (domain.BufferEntry, bool, error)
	GetWindow(ctx context.Context, key domain.ConversationKey, seq int64) (domain.BufferEntry, bool, error)
	AddMessage(ctx context.Context, expected int64, entry domain.BufferEntry) (bool, error)
	MessageSeq(ctx context.Context, key domain.ConversationKey, messageID string) (int64, bool, error)
	CompareAndSet(ctx context.Context, expected int64, entry domain.BufferEntry) (bool, error)
	Delete(ctx context.Context, key domain.ConversationKey, seq int64) error
	List(ctx context.Context) ([]domain.BufferEntry, error)
}

// DuplicateStore records content fingerprints with a short ttl. Last write wins.
type DuplicateStore interface {
	Seen(ctx context.Context, fingerprint string, since time.Time) (bool, error)
	Record(ctx context.Context, fingerprint string, seenAt, expiresAt time.Time) error
}

// Scheduler arranges a future Dispatch call. Delivery is at least once.
type Scheduler interface {
	Schedule(ctx context.Context, req domain.DispatchRequest) error
}

// Downstream consumes coalesced turns. Errors wrapped with domain.Permanent
// are not retried.
type Downstream interface {
	HandleTurn(ctx context.Context, turn domain.Turn) error
}

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

// HistoryReadWriter persists answered turns. SaveCompletedTurn returns
// domain.ErrTurnAlreadySaved when the window's turn is already stored.
type HistoryReadWriter interface {
	GetConversationTurnCount(ctx context.Context, key domain.ConversationKey) (int, error)
	GetHistory(ctx context.Context, key domain.ConversationKey, limit int) ([]domain.HistoryTurn, error)
	SaveCompletedTurn(ctx context.Context, turn domain.Turn, answer string, turns int) error
}

type MessageSender interface {
	SendText(ctx context.Context, key domain.ConversationKey, text string) error
}
