package usecase

import (
	"strings"

	"message-coalescer/internal/domain"
)

func buildPromptMessages(systemPrompt, userTurn string, history []domain.HistoryTurn) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: "system", Content: buildPolicyPrompt(systemPrompt)},
	}
	for _, t := range history {
		messages = append(messages, historyToPromptMessages(t)...)
	}
	messages = append(messages, domain.ChatMessage{
		Role:    "user",
		Content: userTurn,
	})
	return messages
}

func buildPolicyPrompt(systemPrompt string) string {
	return strings.Join([]string{
		strings.TrimSpace(systemPrompt),
		"",
		"Channel Rules:",
		"1) You are replying inside a WhatsApp chat; keep answers short and plain text.",
		"2) The user's message may be several lines typed in quick succession; treat them as one turn.",
		"3) Answer every question in the turn, in the order asked.",
		"4) Do not use markdown headings or tables.",
	}, "\n")
}

func historyToPromptMessages(t domain.HistoryTurn) []domain.ChatMessage {
	if t.Status != "complete" {
		return nil
	}
	question := strings.TrimSpace(t.Text)
	answer := strings.TrimSpace(t.Answer)
	if question == "" || answer == "" {
		return nil
	}
	return []domain.ChatMessage{
		{Role: "user", Content: question},
		{Role: "assistant", Content: answer},
	}
}
