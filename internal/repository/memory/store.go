// Package memory is an in-process implementation of the buffer and duplicate
// stores. It backs the single-node service mode and the engine tests; the
// mutex here is the store's own atomicity primitive, playing the part of
// DynamoDB's conditional writes.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"message-coalescer/internal/domain"
)

type windowKey struct {
	conv string
	seq  int64
}

type dedupRecord struct {
	seenAt    time.Time
	expiresAt time.Time
}

type indexRecord struct {
	seq       int64
	expiresAt time.Time
}

// pruneInterval bounds how often writes sweep expired records.
const pruneInterval = time.Minute

// Store holds buffer windows, the message id index and duplicate records in
// memory.
type Store struct {
	mu        sync.Mutex
	windows   map[windowKey]domain.BufferEntry
	latest    map[string]int64
	index     map[string]indexRecord
	dedup     map[string]dedupRecord
	now       func() time.Time
	lastPrune time.Time

	// Counters for tests and diagnostics.
	casConflicts int
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for record expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		windows: make(map[windowKey]domain.BufferEntry),
		latest:  make(map[string]int64),
		index:   make(map[string]indexRecord),
		dedup:   make(map[string]dedupRecord),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) GetCurrent(_ context.Context, key domain.ConversationKey) (domain.BufferEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.latest[key.String()]
	if !ok {
		return domain.BufferEntry{}, false, nil
	}
	e, ok := s.windows[windowKey{key.String(), seq}]
	if !ok {
		return domain.BufferEntry{}, false, nil
	}
	return e.Clone(), true, nil
}

func (s *Store) GetWindow(_ context.Context, key domain.ConversationKey, seq int64) (domain.BufferEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.windows[windowKey{key.String(), seq}]
	if !ok {
		return domain.BufferEntry{}, false, nil
	}
	return e.Clone(), true, nil
}

func indexKey(conv, messageID string) string {
	return conv + "\x00" + messageID
}

// AddMessage writes entry and indexes its last message id in one step under
// the store lock.
func (s *Store) AddMessage(_ context.Context, expected int64, entry domain.BufferEntry) (bool, error) {
	if err := entry.Key.Validate(); err != nil {
		return false, fmt.Errorf("memory: AddMessage: %w", err)
	}
	if entry.Seq <= 0 {
		return false, fmt.Errorf("memory: AddMessage: seq must be positive, got %d", entry.Seq)
	}
	if len(entry.Messages) == 0 {
		return false, fmt.Errorf("memory: AddMessage: entry has no messages")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.pruneLocked(now)

	wk := windowKey{entry.Key.String(), entry.Seq}
	ik := indexKey(wk.conv, entry.Messages[len(entry.Messages)-1].ID)
	if rec, ok := s.index[ik]; ok && (rec.expiresAt.IsZero() || rec.expiresAt.After(now)) {
		return false, domain.ErrMessageBuffered
	}
	cur, exists := s.windows[wk]
	switch {
	case expected == 0 && exists:
		return false, nil
	case expected > 0 && (!exists || cur.Version != expected):
		s.casConflicts++
		return false, nil
	}

	entry = entry.Clone()
	entry.Version = expected + 1
	s.windows[wk] = entry
	if entry.Seq > s.latest[wk.conv] {
		s.latest[wk.conv] = entry.Seq
	}
	s.index[ik] = indexRecord{seq: entry.Seq, expiresAt: entry.TTLExpiresAt}
	return true, nil
}

func (s *Store) MessageSeq(_ context.Context, key domain.ConversationKey, messageID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.index[indexKey(key.String(), messageID)]
	if !ok {
		return 0, false, nil
	}
	if !rec.expiresAt.IsZero() && !rec.expiresAt.After(s.now()) {
		return 0, false, nil
	}
	return rec.seq, true, nil
}

func (s *Store) CompareAndSet(_ context.Context, expected int64, entry domain.BufferEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wk := windowKey{entry.Key.String(), entry.Seq}
	cur, ok := s.windows[wk]
	if !ok || cur.Version != expected {
		s.casConflicts++
		return false, nil
	}
	entry = entry.Clone()
	entry.Version = expected + 1
	s.windows[wk] = entry
	return true, nil
}

// Delete removes a window. The conversation's current window becomes the
// highest-numbered one left, matching a descending query on the table.
func (s *Store) Delete(_ context.Context, key domain.ConversationKey, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := key.String()
	delete(s.windows, windowKey{conv, seq})
	if s.latest[conv] != seq {
		return nil
	}
	delete(s.latest, conv)
	for wk := range s.windows {
		if wk.conv == conv && wk.seq > s.latest[conv] {
			s.latest[conv] = wk.seq
		}
	}
	return nil
}

// List returns all windows ordered by conversation and sequence.
func (s *Store) List(_ context.Context) ([]domain.BufferEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BufferEntry, 0, len(s.windows))
	for _, e := range s.windows {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key.String() < out[j].Key.String()
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// CASConflicts returns how many compare-and-set calls were rejected.
func (s *Store) CASConflicts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.casConflicts
}

func (s *Store) Seen(_ context.Context, fingerprint string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[fingerprint]
	if !ok {
		return false, nil
	}
	if !rec.expiresAt.After(s.now()) {
		delete(s.dedup, fingerprint)
		return false, nil
	}
	return !rec.seenAt.Before(since), nil
}

func (s *Store) Record(_ context.Context, fingerprint string, seenAt, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	s.dedup[fingerprint] = dedupRecord{seenAt: seenAt, expiresAt: expiresAt}
	return nil
}

// Prune drops expired duplicate and index records.
func (s *Store) Prune(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPrune = time.Time{}
	s.pruneLocked(s.now())
}

// Len reports how many duplicate and index records are held.
func (s *Store) Len() (dedup, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dedup), len(s.index)
}

// pruneLocked runs at most once per pruneInterval. s.mu must be held.
func (s *Store) pruneLocked(now time.Time) {
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < pruneInterval {
		return
	}
	s.lastPrune = now
	for fp, rec := range s.dedup {
		if !rec.expiresAt.After(now) {
			delete(s.dedup, fp)
		}
	}
	for k, rec := range s.index {
		if !rec.expiresAt.IsZero() && !rec.expiresAt.After(now) {
			delete(s.index, k)
		}
	}
}
