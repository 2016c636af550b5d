package domain

import (
	"fmt"
	"slices"
	"time"
)

// State is the lifecycle state of a buffer entry.
type State string

const (
	StateOpen       State = "open"
	StateClaimed    State = "claimed"
	StateDispatched State = "dispatched"
)

func (s State) Valid() bool {
	switch s {
	case StateOpen, StateClaimed, StateDispatched:
		return true
	}
	return false
}

// MessageTypeText is the default message type.
const MessageTypeText = "text"

// Message is one inbound chat message as accepted by ingest.
type Message struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// BufferEntry is one coalescing window of a conversation. Windows of the same
// conversation are numbered by Seq; the entry with the highest Seq is the
// conversation's current entry.
type BufferEntry struct {
	Key              ConversationKey
	Seq              int64
	WindowID         string
	Messages         []Message
	FirstMessageAt   time.Time
	LastMessageAt    time.Time
	State            State
	Version          int64
	DispatchDeadline time.Time
	TTLExpiresAt     time.Time
	ClaimedAt        time.Time
	DispatchedAt     time.Time
	Attempts         int
	LastError        string
}

// Clone returns a deep copy so callers can build the next version of an entry
// without aliasing the message slice they read.
func (e BufferEntry) Clone() BufferEntry {
	e.Messages = slices.Clone(e.Messages)
	return e
}

// HasMessage reports whether a message with the given id is already buffered.
func (e BufferEntry) HasMessage(id string) bool {
	return slices.ContainsFunc(e.Messages, func(m Message) bool { return m.ID == id })
}

// MessageIDs returns the ids of the buffered messages in arrival order.
func (e BufferEntry) MessageIDs() []string {
	ids := make([]string, 0, len(e.Messages))
	for _, m := range e.Messages {
		ids = append(ids, m.ID)
	}
	return ids
}

// Joinable reports whether msg arriving at now may be appended to this window.
func (e BufferEntry) Joinable(now time.Time, maxBatch int) bool {
	if e.State != StateOpen || !now.Before(e.DispatchDeadline) {
		return false
	}
	return maxBatch <= 0 || len(e.Messages) < maxBatch
}

// Full reports whether the window reached the batch limit.
func (e BufferEntry) Full(maxBatch int) bool {
	return maxBatch > 0 && len(e.Messages) >= maxBatch
}

// DispatchRequest is the payload a scheduler delivers to the dispatcher when a
// window elapses. Seq 0 addresses the conversation's current entry.
type DispatchRequest struct {
	Key      ConversationKey `json:"key"`
	Seq      int64           `json:"seq"`
	WindowID string          `json:"windowId"`
	Deadline time.Time       `json:"deadline"`
}

func (r DispatchRequest) String() string {
	return fmt.Sprintf("%s/%d", r.Key, r.Seq)
}

// RequestFor builds the dispatch request that finalizes entry e.
func RequestFor(e BufferEntry) DispatchRequest {
	return DispatchRequest{
		Key:      e.Key,
		Seq:      e.Seq,
		WindowID: e.WindowID,
		Deadline: e.DispatchDeadline,
	}
}

// Turn is the coalesced user turn handed to downstream processing.
type Turn struct {
	Key            ConversationKey
	WindowID       string
	Text           string
	MessageIDs     []string
	FirstMessageAt time.Time
}

// WindowStatus is the operational view of one buffer entry.
type WindowStatus struct {
	Key          ConversationKey `json:"key"`
	Seq          int64           `json:"seq"`
	WindowID     string          `json:"windowId"`
	State        State           `json:"state"`
	MessageCount int             `json:"messageCount"`
	Age          time.Duration   `json:"age"`
	Deadline     time.Time       `json:"deadline"`
	Attempts     int             `json:"attempts,omitempty"`
	LastError    string          `json:"lastError,omitempty"`
}

// StatusOf summarizes e as observed at now.
func StatusOf(e BufferEntry, now time.Time) WindowStatus {
	return WindowStatus{
		Key:          e.Key,
		Seq:          e.Seq,
		WindowID:     e.WindowID,
		State:        e.State,
		MessageCount: len(e.Messages),
		Age:          now.Sub(e.FirstMessageAt),
		Deadline:     e.DispatchDeadline,
		Attempts:     e.Attempts,
		LastError:    e.LastError,
	}
}
