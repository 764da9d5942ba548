package bandwidth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/monzo-labs/torrentcore/internal/log"
)

func TestUnlimitedLimiterNeverBlocks(t *testing.T) {
	require := require.New(t)

	l := NewLimiter(Config{}, log.NewNop())

	start := time.Now()
	for i := 0; i < 1000; i++ {
		require.NoError(l.ReserveEgress(1 << 20))
		require.NoError(l.ReserveIngress(1 << 20))
	}
	require.Less(time.Since(start), time.Second)
}

func TestDisabledLimiterIgnoresRates(t *testing.T) {
	require := require.New(t)

	l := NewLimiter(Config{
		EgressBytesPerSec: 1,
		Disable:           true,
	}, log.NewNop())

	start := time.Now()
	require.NoError(l.ReserveEgress(1 << 30))
	require.Less(time.Since(start), time.Second)
}

func TestReserveBeyondBurstErrors(t *testing.T) {
	require := require.New(t)

	// 4 KiB/s at 1 KiB tokens gives a burst of 4 tokens; a 1 MiB reservation
	// can never be satisfied.
	l := NewLimiter(Config{
		EgressBytesPerSec: 4096,
		TokenSize:         1024,
	}, log.NewNop())

	require.Error(l.ReserveEgress(1 << 20))
}

func TestReserveWithinBurstSucceeds(t *testing.T) {
	require := require.New(t)

	l := NewLimiter(Config{
		EgressBytesPerSec: 1 << 20,
		TokenSize:         1024,
	}, log.NewNop())

	require.NoError(l.ReserveEgress(1024))
}
