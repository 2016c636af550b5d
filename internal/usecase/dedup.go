package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"message-coalescer/internal/domain"
)

// DuplicateFilter drops webhook re-deliveries before they reach the buffer.
// Store failures fail open: a duplicate reply is preferable to a lost message.
type DuplicateFilter struct {
	store  DuplicateStore
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewDuplicateFilter(store DuplicateStore, window time.Duration, logger *slog.Logger) (*DuplicateFilter, error) {
	if store == nil {
		return nil, errors.New("usecase: duplicate store must not be nil")
	}
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DuplicateFilter{store: store, window: window, logger: logger, now: time.Now}, nil
}

// Fingerprint hashes the sender, the normalized content and the time bucket
// the message falls in. Messages without text (media) fall back to their type
// and id so two different images are never folded together.
func (f *DuplicateFilter) Fingerprint(key domain.ConversationKey, msg domain.Message) string {
	content := normalizeContent(msg.Content)
	if content == "" {
		content = msg.Type + ":" + msg.ID
	}
	at := msg.ReceivedAt
	if at.IsZero() {
		at = f.now()
	}
	bucket := at.UnixNano() / int64(f.window)

	h := sha256.New()
	for _, part := range []string{key.InstanceID, key.UserPhone, content, strconv.FormatInt(bucket, 10)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IsDuplicate reports whether fingerprint was recorded within the window.
func (f *DuplicateFilter) IsDuplicate(ctx context.Context, key domain.ConversationKey, fingerprint string) bool {
	seen, err := f.store.Seen(ctx, fingerprint, f.now().Add(-f.window))
	if err != nil {
		f.logger.Warn("duplicate check failed, treating message as new", "key", key.String(), "err", err)
		return false
	}
	return seen
}

// Record remembers fingerprint for the duplicate window. Failures are logged
// and otherwise ignored.
func (f *DuplicateFilter) Record(ctx context.Context, key domain.ConversationKey, fingerprint string) {
	now := f.now()
	if err := f.store.Record(ctx, fingerprint, now, now.Add(f.window)); err != nil {
		f.logger.Warn("failed to record message fingerprint", "key", key.String(), "err", err)
	}
}

func normalizeContent(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
