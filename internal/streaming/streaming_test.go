package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunal/realtime-infer-serve/internal/types"
)

func TestCreateStreamDuplicateFails(t *testing.T) {
	m := NewManager(time.Second, 10, nil)
	_, err := m.CreateStream("s1", 0)
	require.NoError(t, err)

	_, err = m.CreateStream("s1", 0)
	require.Error(t, err)
	var exists *types.StreamExistsError
	assert.ErrorAs(t, err, &exists)
}

func TestPushAndConsumeInOrder(t *testing.T) {
	m := NewManager(time.Second, 10, nil)
	c, err := m.CreateStream("s1", 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res := m.PushToken("s1", types.StreamToken{Token: string(rune('a' + i)), TokenID: i})
		require.Equal(t, Pushed, res)
	}
	m.CloseStream("s1")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ev := c.Next(ctx)
		require.Equal(t, types.StreamEventData, ev.Kind)
		assert.Equal(t, i, ev.Token.TokenID)
	}
	ev := c.Next(ctx)
	assert.Equal(t, types.StreamEventEnd, ev.Kind)
}

func TestBackpressureDropsAfterOneSecond(t *testing.T) {
	// spec.md §8 scenario 4: buffer_size=2, push 3 with no consumer;
	// 1st/2nd Pushed, 3rd blocks ~1s then Dropped; stream closed;
	// backpressure_events == 1.
	m := NewManager(time.Second, 2, nil)
	_, err := m.CreateStream("s1", 0)
	require.NoError(t, err)

	require.Equal(t, Pushed, m.PushToken("s1", types.StreamToken{TokenID: 1}))
	require.Equal(t, Pushed, m.PushToken("s1", types.StreamToken{TokenID: 2}))

	start := time.Now()
	res := m.PushToken("s1", types.StreamToken{TokenID: 3})
	elapsed := time.Since(start)

	assert.Equal(t, Dropped, res)
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)

	stats, ok := m.StreamStats("s1")
	require.True(t, ok)
	assert.True(t, stats.IsClosed)
	assert.Equal(t, 1, stats.BackpressureEvents)
}

func TestPushUnblocksOnConsume(t *testing.T) {
	m := NewManager(time.Second, 1, nil)
	c, err := m.CreateStream("s1", 0)
	require.NoError(t, err)

	require.Equal(t, Pushed, m.PushToken("s1", types.StreamToken{TokenID: 1}))

	var wg sync.WaitGroup
	wg.Add(1)
	var result PushResult
	go func() {
		defer wg.Done()
		result = m.PushToken("s1", types.StreamToken{TokenID: 2})
	}()

	time.Sleep(50 * time.Millisecond)
	ev := c.Next(context.Background())
	require.Equal(t, types.StreamEventData, ev.Kind)

	wg.Wait()
	assert.Equal(t, Pushed, result)
}

func TestStreamTimeoutOnIdleConsumer(t *testing.T) {
	m := NewManager(50*time.Millisecond, 10, nil)
	c, err := m.CreateStream("s1", 0)
	require.NoError(t, err)

	ev := c.Next(context.Background())
	assert.Equal(t, types.StreamEventError, ev.Kind)
	var timeoutErr *types.StreamTimeoutError
	assert.ErrorAs(t, ev.Err, &timeoutErr)
}

func TestCreateCloseRoundTrip(t *testing.T) {
	m := NewManager(time.Second, 10, nil)
	before := m.ActiveStreams()

	_, err := m.CreateStream("rt", 0)
	require.NoError(t, err)
	m.CloseStream("rt")

	time.Sleep(closeGraceWindow + 200*time.Millisecond)
	assert.Equal(t, before, m.ActiveStreams())
}

func TestCleanupIdleStreams(t *testing.T) {
	m := NewManager(time.Hour, 10, nil)
	_, err := m.CreateStream("idle", 0)
	require.NoError(t, err)

	entry, _ := m.lookup("idle")
	entry.mu.Lock()
	entry.lastTokenAt = time.Now().Add(-time.Minute)
	entry.mu.Unlock()

	n := m.CleanupIdleStreams(time.Second)
	assert.Equal(t, 1, n)
}

func TestConsumerCancellationClosesStream(t *testing.T) {
	m := NewManager(time.Hour, 10, nil)
	c, err := m.CreateStream("cancelled", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ev := c.Next(ctx)
	assert.Equal(t, types.StreamEventError, ev.Kind)

	stats, ok := m.StreamStats("cancelled")
	require.True(t, ok)
	assert.True(t, stats.IsClosed)
}

func TestShutdownClosesAllStreams(t *testing.T) {
	m := NewManager(time.Second, 10, nil)
	_, _ = m.CreateStream("a", 0)
	_, _ = m.CreateStream("b", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.Shutdown(ctx)

	assert.Equal(t, 0, m.ActiveStreams())
}
