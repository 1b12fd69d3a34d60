package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunal/realtime-infer-serve/internal/types"
)

func mustConfig(t *testing.T, maxBatch, minBatch, maxWaitMs int) types.BatchConfig {
	t.Helper()
	c, err := types.NewBatchConfig(maxBatch, minBatch, maxWaitMs, true)
	require.NoError(t, err)
	return *c
}

func mustReq(t *testing.T, id string, priority types.Priority) *types.InferenceRequest {
	t.Helper()
	r, err := types.NewInferenceRequest(id, "m", "hi", 16, 0.7, 1.0, priority, 30, "c", nil)
	require.NoError(t, err)
	return r
}

func TestPriorityWinsOverArrivalOrder(t *testing.T) {
	// spec.md §8 scenario 1: enqueue r1(NORMAL), r2(LOW), r3(HIGH) with
	// max_batch_size=2, min_batch_size=1. First GetBatch must return
	// [r3, r1] (HIGH drained first, then NORMAL); second must return [r2].
	s := New("m", mustConfig(t, 2, 1, 50), nil, nil)
	r1 := mustReq(t, "r1", types.PriorityNormal)
	r2 := mustReq(t, "r2", types.PriorityLow)
	r3 := mustReq(t, "r3", types.PriorityHigh)

	require.NoError(t, s.Enqueue(r1))
	require.NoError(t, s.Enqueue(r2))
	require.NoError(t, s.Enqueue(r3))

	batch := s.GetBatch()
	require.Len(t, batch, 2)
	assert.Equal(t, "r3", batch[0].RequestID)
	assert.Equal(t, "r1", batch[1].RequestID)

	batch2 := s.GetBatch()
	require.Len(t, batch2, 1)
	assert.Equal(t, "r2", batch2[0].RequestID)
}

func TestBatchSizeFloorWaitsForMinimum(t *testing.T) {
	// spec.md §8 scenario 2: min_batch_size=3, max_wait_ms=100. One
	// request enqueued; GetBatch should return [r1] only once the bounded
	// wait elapses, at roughly t=100ms.
	s := New("m", mustConfig(t, 8, 3, 100), nil, nil)
	r1 := mustReq(t, "r1", types.PriorityNormal)
	require.NoError(t, s.Enqueue(r1))

	start := time.Now()
	batch := s.GetBatch()
	elapsed := time.Since(start)

	require.Len(t, batch, 1)
	assert.Equal(t, "r1", batch[0].RequestID)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Less(t, elapsed, 400*time.Millisecond)
}

func TestUndersizedBatchReturnsImmediatelyWhenFloorMet(t *testing.T) {
	s := New("m", mustConfig(t, 8, 2, 500), nil, nil)
	require.NoError(t, s.Enqueue(mustReq(t, "r1", types.PriorityNormal)))
	require.NoError(t, s.Enqueue(mustReq(t, "r2", types.PriorityNormal)))

	start := time.Now()
	batch := s.GetBatch()
	elapsed := time.Since(start)

	assert.Len(t, batch, 2)
	assert.Less(t, elapsed, 50*time.Millisecond)
}

func TestArrivalDuringBoundedWaitIsIncluded(t *testing.T) {
	s := New("m", mustConfig(t, 8, 2, 300), nil, nil)
	require.NoError(t, s.Enqueue(mustReq(t, "r1", types.PriorityNormal)))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = s.Enqueue(mustReq(t, "r2", types.PriorityNormal))
	}()

	start := time.Now()
	batch := s.GetBatch()
	elapsed := time.Since(start)

	require.Len(t, batch, 2)
	assert.Less(t, elapsed, 300*time.Millisecond)
}

func TestMinimumOneBlocksWithoutTimeout(t *testing.T) {
	s := New("m", mustConfig(t, 8, 5, 20), nil, nil)

	done := make(chan []*types.InferenceRequest, 1)
	go func() { done <- s.GetBatch() }()

	select {
	case <-done:
		t.Fatal("GetBatch returned before any request was enqueued")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, s.Enqueue(mustReq(t, "late", types.PriorityLow)))

	select {
	case batch := <-done:
		require.Len(t, batch, 1)
		assert.Equal(t, "late", batch[0].RequestID)
	case <-time.After(time.Second):
		t.Fatal("GetBatch did not unblock after enqueue")
	}
}

func TestExpiredRequestsArePrunedNotBatched(t *testing.T) {
	var timedOut []*types.InferenceRequest
	s := New("m", mustConfig(t, 8, 1, 50), nil, func(r *types.InferenceRequest) {
		timedOut = append(timedOut, r)
	})

	expired, err := types.NewInferenceRequest("expired", "m", "hi", 16, 0.7, 1.0, types.PriorityNormal, 0.001, "c", nil)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(expired))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.Enqueue(mustReq(t, "fresh", types.PriorityNormal)))

	batch := s.GetBatch()
	require.Len(t, batch, 1)
	assert.Equal(t, "fresh", batch[0].RequestID)
	require.Len(t, timedOut, 1)
	assert.Equal(t, "expired", timedOut[0].RequestID)
}

func TestCloseReleasesBlockedGetBatch(t *testing.T) {
	s := New("m", mustConfig(t, 8, 5, 1000), nil, nil)

	done := make(chan []*types.InferenceRequest, 1)
	go func() { done <- s.GetBatch() }()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case batch := <-done:
		assert.Empty(t, batch)
	case <-time.After(time.Second):
		t.Fatal("GetBatch did not unblock on Close")
	}
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	s := New("m", mustConfig(t, 8, 1, 50), nil, nil)
	s.Close()

	err := s.Enqueue(mustReq(t, "r1", types.PriorityNormal))
	require.Error(t, err)
	var qf *types.QueueFullError
	assert.ErrorAs(t, err, &qf)
}

func TestStatsReportsQueueDepthAndAverages(t *testing.T) {
	s := New("m", mustConfig(t, 8, 1, 20), nil, nil)
	require.NoError(t, s.Enqueue(mustReq(t, "r1", types.PriorityHigh)))
	require.NoError(t, s.Enqueue(mustReq(t, "r2", types.PriorityLow)))

	_ = s.GetBatch()

	st := s.Stats()
	assert.Equal(t, "m", st.Model)
	assert.Equal(t, int64(2), st.TotalRequests)
	assert.Equal(t, int64(1), st.TotalBatches)
	assert.Equal(t, 0, st.CurrentQueueLength)
	assert.Contains(t, st.QueueDepth, "HIGH")
}
