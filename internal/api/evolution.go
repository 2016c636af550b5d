package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"message-coalescer/internal/domain"
)

var (
	// ErrIgnored marks webhook events that carry no inbound user message.
	ErrIgnored = errors.New("api: event ignored")
	// ErrInvalidPayload marks webhook bodies that cannot be parsed.
	ErrInvalidPayload = errors.New("api: invalid payload")
)

const upsertEvent = "messages.upsert"

// Inbound is one user message extracted from a gateway webhook.
type Inbound struct {
	Key     domain.ConversationKey
	Message domain.Message
}

type evolutionEvent struct {
	Event    string        `json:"event"`
	Instance string        `json:"instance"`
	Data     evolutionData `json:"data"`
}

type evolutionData struct {
	Key struct {
		RemoteJID string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	Message          evolutionMessage `json:"message"`
	MessageType      string           `json:"messageType"`
	MessageTimestamp json.RawMessage  `json:"messageTimestamp"`
}

type captioned struct {
	Caption string `json:"caption"`
}

type evolutionMessage struct {
	Conversation        string     `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ImageMessage    *captioned `json:"imageMessage"`
	VideoMessage    *captioned `json:"videoMessage"`
	DocumentMessage *captioned `json:"documentMessage"`
}

func (m evolutionMessage) text() string {
	switch {
	case m.Conversation != "":
		return m.Conversation
	case m.ExtendedTextMessage != nil:
		return m.ExtendedTextMessage.Text
	case m.ImageMessage != nil:
		return m.ImageMessage.Caption
	case m.VideoMessage != nil:
		return m.VideoMessage.Caption
	case m.DocumentMessage != nil:
		return m.DocumentMessage.Caption
	}
	return ""
}

// ParseEvolution extracts the inbound message from an Evolution API
// messages.upsert webhook. Outgoing, group and broadcast messages and other
// event types return ErrIgnored.
func ParseEvolution(body []byte) (Inbound, error) {
	var ev evolutionEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if ev.Event != "" && normalizeEvent(ev.Event) != upsertEvent {
		return Inbound{}, ErrIgnored
	}
	if ev.Data.Key.FromMe {
		return Inbound{}, ErrIgnored
	}

	jid := strings.TrimSpace(ev.Data.Key.RemoteJID)
	user, server, _ := strings.Cut(jid, "@")
	if server == "g.us" || server == "broadcast" || server == "newsletter" {
		return Inbound{}, ErrIgnored
	}

	key, err := domain.NewConversationKey(ev.Instance, user)
	if err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	id := strings.TrimSpace(ev.Data.Key.ID)
	if id == "" {
		return Inbound{}, fmt.Errorf("%w: message id is empty", ErrInvalidPayload)
	}

	msg := domain.Message{
		ID:         id,
		Content:    strings.TrimSpace(ev.Data.Message.text()),
		Type:       messageType(ev.Data.MessageType),
		ReceivedAt: messageTime(ev.Data.MessageTimestamp),
	}
	if msg.Content == "" && msg.Type == domain.MessageTypeText {
		return Inbound{}, ErrIgnored
	}
	return Inbound{Key: key, Message: msg}, nil
}

// normalizeEvent accepts both messages.upsert and MESSAGES_UPSERT.
func normalizeEvent(event string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(event)), "_", ".")
}

// messageTime decodes the gateway's unix timestamp, sent as a number or a
// quoted number, in seconds or milliseconds. Anything else is the zero time.
func messageTime(raw json.RawMessage) time.Time {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func messageType(raw string) string {
	switch raw {
	case "", "conversation", "extendedTextMessage":
		return domain.MessageTypeText
	}
	return strings.TrimSuffix(raw, "Message")
}
