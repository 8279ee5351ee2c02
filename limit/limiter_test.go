package limit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestSlotSpacing(t *testing.T) {
	const rps = 50.0
	const n = 5
	l := NewLimiter(rps, 0)

	start := time.Now()
	for i := 0; i < n; i++ {
		require.NoError(t, l.AcquireRequestSlot(context.Background()))
	}
	elapsed := time.Since(start)

	// n sequential grants must take at least (n-1)/rps
	minElapsed := time.Duration(float64(n-1) / rps * float64(time.Second))
	require.GreaterOrEqual(t, elapsed, minElapsed)
}

func TestRequestSlotUnthrottled(t *testing.T) {
	l := NewLimiter(0, 0)
	start := time.Now()
	for i := 0; i < 1000; i++ {
		require.NoError(t, l.AcquireRequestSlot(context.Background()))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestByteBudgetWithinEpoch(t *testing.T) {
	const budget = 1000
	l := NewLimiter(0, budget)

	start := time.Now()
	require.NoError(t, l.AcquireBytes(context.Background(), 600))
	require.NoError(t, l.AcquireBytes(context.Background(), 300))
	// fits in the first epoch, no waiting
	require.Less(t, time.Since(start), 200*time.Millisecond)

	// overflows the epoch: must wait for the boundary
	require.NoError(t, l.AcquireBytes(context.Background(), 600))
	require.GreaterOrEqual(t, time.Since(start), 800*time.Millisecond)
}

func TestOversizedByteRequestGrantsAtEpochStart(t *testing.T) {
	l := NewLimiter(0, 100)
	done := make(chan error, 1)
	go func() {
		done <- l.AcquireBytes(context.Background(), 500)
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("oversized request should be granted alone, not block forever")
	}
}

func TestAcquireBytesHonorsContext(t *testing.T) {
	l := NewLimiter(0, 10)
	require.NoError(t, l.AcquireBytes(context.Background(), 10))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.AcquireBytes(ctx, 10)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
