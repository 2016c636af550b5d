package usecase

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"message-coalescer/internal/domain"
)

func TestAssembleTurn(t *testing.T) {
	key := testKey("15550060")
	tests := []struct {
		name     string
		messages []domain.Message
		want     string
	}{
		{
			name:     "single message passes through verbatim",
			messages: []domain.Message{textMessage("m1", "  spaced out  ")},
			want:     "  spaced out  ",
		},
		{
			name: "messages joined in arrival order",
			messages: []domain.Message{
				textMessage("m1", "hi"),
				textMessage("m2", "I want to order"),
				textMessage("m3", "two croissants"),
			},
			want: "hi\nI want to order\ntwo croissants",
		},
		{
			name: "media without caption becomes a placeholder",
			messages: []domain.Message{
				textMessage("m1", "look at this"),
				{ID: "m2", Type: "image"},
				{ID: "m3", Type: "image", Content: "the red one"},
			},
			want: "look at this\n[image]\nthe red one",
		},
		{
			name: "empty text parts are dropped",
			messages: []domain.Message{
				textMessage("m1", "a"),
				textMessage("m2", ""),
				textMessage("m3", "b"),
			},
			want: "a\nb",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			turn := assembleTurn(domain.BufferEntry{
				Key:            key,
				WindowID:       "win-1",
				Messages:       tt.messages,
				FirstMessageAt: t0,
			})
			require.Equal(t, tt.want, turn.Text)
			require.Equal(t, key, turn.Key)
			require.Equal(t, "win-1", turn.WindowID)
			require.Equal(t, t0, turn.FirstMessageAt)
			require.Len(t, turn.MessageIDs, len(tt.messages))
		})
	}
}

func TestBuildPromptMessages(t *testing.T) {
	history := []domain.HistoryTurn{
		{Text: "hello", Answer: "Hi there", Status: "complete"},
		{Text: "", Answer: "orphan", Status: "complete"},
		{Text: "never answered", Status: "pending"},
	}
	msgs := buildPromptMessages("  Be kind.  ", "line one\nline two", history)

	require.Len(t, msgs, 4)
	require.Equal(t, "system", msgs[0].Role)
	require.True(t, strings.HasPrefix(msgs[0].Content, "Be kind.\n"))
	require.Contains(t, msgs[0].Content, "WhatsApp")
	require.Equal(t, []domain.ChatMessage{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "Hi there"},
		{Role: "user", Content: "line one\nline two"},
	}, msgs[1:])
}

func TestLogDownstream_AcceptsEveryTurn(t *testing.T) {
	var d Downstream = LogDownstream{}
	require.NoError(t, d.HandleTurn(context.Background(), testTurn()))
}
