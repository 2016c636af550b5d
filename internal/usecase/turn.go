package usecase

import (
	"context"
	"log/slog"
	"strings"

	"message-coalescer/internal/domain"
)

// turnSeparator joins coalesced messages into one user turn.
const turnSeparator = "\n"

// assembleTurn concatenates the window's messages in arrival order. A single
// message passes through verbatim.
func assembleTurn(e domain.BufferEntry) domain.Turn {
	turn := domain.Turn{
		Key:            e.Key,
		WindowID:       e.WindowID,
		MessageIDs:     e.MessageIDs(),
		FirstMessageAt: e.FirstMessageAt,
	}
	if len(e.Messages) == 1 {
		turn.Text = renderMessage(e.Messages[0])
		return turn
	}
	parts := make([]string, 0, len(e.Messages))
	for _, m := range e.Messages {
		if s := renderMessage(m); s != "" {
			parts = append(parts, s)
		}
	}
	turn.Text = strings.Join(parts, turnSeparator)
	return turn
}

func renderMessage(m domain.Message) string {
	if m.Content != "" {
		return m.Content
	}
	if m.Type != "" && m.Type != domain.MessageTypeText {
		return "[" + m.Type + "]"
	}
	return ""
}

// LogDownstream logs each turn instead of answering it. The service uses it
// when no reply integration is configured.
type LogDownstream struct {
	Logger *slog.Logger
}

func (d LogDownstream) HandleTurn(_ context.Context, turn domain.Turn) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("turn ready", "key", turn.Key.String(), "window_id", turn.WindowID,
		"message_ids", turn.MessageIDs, "text", turn.Text)
	return nil
}
