package usecase

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultWindow          = 8 * time.Second
	DefaultTTL             = time.Hour
	DefaultMaxBatchSize    = 10
	DefaultDuplicateWindow = 60 * time.Second
	DefaultClaimGrace      = 2 * time.Minute

	defaultIngestMaxAttempts   = 5
	defaultIngestBackoffMin    = 20 * time.Millisecond
	defaultIngestBackoffMax    = 250 * time.Millisecond
	defaultDispatchMaxAttempts = 4
	defaultDispatchBackoffMin  = 500 * time.Millisecond
	defaultDispatchBackoffMax  = 5 * time.Second

	// ttlWindowFactor is the minimum retention of an entry in windows.
	ttlWindowFactor = 4
)

// Settings holds the engine's tunables. Zero values take the defaults.
type Settings struct {
	Window              time.Duration
	TTL                 time.Duration
	MaxBatchSize        int
	IngestMaxAttempts   int
	IngestBackoffMin    time.Duration
	IngestBackoffMax    time.Duration
	DispatchMaxAttempts int
	DispatchBackoffMin  time.Duration
	DispatchBackoffMax  time.Duration
	DuplicateWindow     time.Duration
	ClaimGrace          time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Window <= 0 {
		s.Window = DefaultWindow
	}
	if s.TTL <= 0 {
		s.TTL = DefaultTTL
	}
	if floor := ttlWindowFactor * s.Window; s.TTL < floor {
		s.TTL = floor
	}
	if s.MaxBatchSize <= 0 {
		s.MaxBatchSize = DefaultMaxBatchSize
	}
	if s.IngestMaxAttempts <= 0 {
		s.IngestMaxAttempts = defaultIngestMaxAttempts
	}
	if s.IngestBackoffMin <= 0 {
		s.IngestBackoffMin = defaultIngestBackoffMin
	}
	if s.IngestBackoffMax < s.IngestBackoffMin {
		s.IngestBackoffMax = max(defaultIngestBackoffMax, s.IngestBackoffMin)
	}
	if s.DispatchMaxAttempts <= 0 {
		s.DispatchMaxAttempts = defaultDispatchMaxAttempts
	}
	if s.DispatchBackoffMin <= 0 {
		s.DispatchBackoffMin = defaultDispatchBackoffMin
	}
	if s.DispatchBackoffMax < s.DispatchBackoffMin {
		s.DispatchBackoffMax = max(defaultDispatchBackoffMax, s.DispatchBackoffMin)
	}
	if s.DuplicateWindow <= 0 {
		s.DuplicateWindow = DefaultDuplicateWindow
	}
	if s.ClaimGrace <= 0 {
		s.ClaimGrace = DefaultClaimGrace
	}
	return s
}

func jitteredBackoff(minDelay, maxDelay time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minDelay
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
