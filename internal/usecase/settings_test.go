package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSettings_WithDefaults(t *testing.T) {
	s := Settings{}.withDefaults()
	require.Equal(t, DefaultWindow, s.Window)
	require.Equal(t, DefaultTTL, s.TTL)
	require.Equal(t, DefaultMaxBatchSize, s.MaxBatchSize)
	require.Equal(t, DefaultDuplicateWindow, s.DuplicateWindow)
	require.Equal(t, DefaultClaimGrace, s.ClaimGrace)
	require.Equal(t, defaultIngestMaxAttempts, s.IngestMaxAttempts)
	require.Equal(t, defaultDispatchMaxAttempts, s.DispatchMaxAttempts)

	// Retention never drops below four windows.
	s = Settings{Window: time.Minute, TTL: time.Minute}.withDefaults()
	require.Equal(t, 4*time.Minute, s.TTL)

	s = Settings{DispatchBackoffMin: 10 * time.Second, DispatchBackoffMax: time.Second}.withDefaults()
	require.Equal(t, 10*time.Second, s.DispatchBackoffMax)
}
