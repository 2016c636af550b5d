package domain

import (
	"errors"
	"strings"
)

// ErrInvalidKey is returned when a conversation key is missing a component.
var ErrInvalidKey = errors.New("domain: conversation key requires instance id and user phone")

// ConversationKey identifies one WhatsApp conversation: a user talking to an instance.
type ConversationKey struct {
	InstanceID string `json:"instanceId"`
	UserPhone  string `json:"userPhone"`
}

// NewConversationKey trims and validates both components.
func NewConversationKey(instanceID, userPhone string) (ConversationKey, error) {
	k := ConversationKey{
		InstanceID: strings.TrimSpace(instanceID),
		UserPhone:  strings.TrimSpace(userPhone),
	}
	if err := k.Validate(); err != nil {
		return ConversationKey{}, err
	}
	return k, nil
}

func (k ConversationKey) Validate() error {
	if k.InstanceID == "" || k.UserPhone == "" {
		return ErrInvalidKey
	}
	return nil
}

func (k ConversationKey) String() string {
	return k.InstanceID + "#" + k.UserPhone
}

// ChatMessage is the provider-agnostic chat message shape used by LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HistoryTurn is a single persisted conversation turn: the coalesced user
// text and the assistant answer that was delivered for it.
type HistoryTurn struct {
	PK       string
	SK       string
	Key      ConversationKey
	WindowID string
	Text     string
	Answer   string
	Status   string
	TTL      int64
}

// ConversationMeta stores aggregate conversation state.
type ConversationMeta struct {
	PK           string
	SK           string
	Key          ConversationKey
	LastActivity string
	Turns        int
	TTL          int64
}
