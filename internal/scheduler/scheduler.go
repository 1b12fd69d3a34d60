// Package scheduler implements the priority-aware dynamic batch
// scheduler: three FIFO queues (HIGH, NORMAL, LOW), a greedy
// priority-drain assembly pass, an undersized-batch bounded wait, and a
// minimum-one blocking fallback. Grounded on the teacher's
// pkg/worker/queue.go (PriorityQueue: mutex-protected, Enqueue/DequeueN)
// and pkg/worker/batcher.go (notify channel + select loop, graceful
// Stop/drain), adapted from one heap-ordered queue to three FIFO bands
// per spec.md §4.1, and on original_source/realtime_serve/batch.py for
// the exact get_batch algorithm (including the deadline-pruning
// REDESIGN FLAG the original lacks).
package scheduler

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kunal/realtime-infer-serve/internal/types"
)

// TimeoutReporter receives requests pruned from a queue because their
// deadline elapsed before they could be placed into a batch.
type TimeoutReporter func(req *types.InferenceRequest)

// Scheduler assembles batches for a single model.
type Scheduler struct {
	model  string
	config types.BatchConfig
	logger *zap.Logger
	onTimeout TimeoutReporter

	mu     sync.Mutex
	queues map[types.Priority]*list.List
	notify chan struct{} // replaced+closed to broadcast "something changed"
	closed bool

	totalRequests int64
	totalBatches  int64
	totalWaitMs   float64
	batchCounter  int64

	now func() time.Time
}

// New builds a Scheduler for model, draining under config.
func New(model string, config types.BatchConfig, logger *zap.Logger, onTimeout TimeoutReporter) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onTimeout == nil {
		onTimeout = func(*types.InferenceRequest) {}
	}
	queues := make(map[types.Priority]*list.List, 3)
	for _, p := range types.Priorities {
		queues[p] = list.New()
	}
	return &Scheduler{
		model:     model,
		config:    config,
		logger:    logger,
		onTimeout: onTimeout,
		queues:    queues,
		notify:    make(chan struct{}),
		now:       time.Now,
	}
}

// Enqueue appends req to its priority band. Never blocks. Returns
// QueueFullError if the scheduler has been closed.
func (s *Scheduler) Enqueue(req *types.InferenceRequest) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &types.QueueFullError{Model: s.model}
	}
	req.EnqueuedAt = s.now()
	s.queues[req.Priority].PushBack(req)
	s.totalRequests++
	s.wakeLocked()
	s.mu.Unlock()
	return nil
}

// wakeLocked broadcasts to every current waiter. Caller must hold s.mu.
func (s *Scheduler) wakeLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// drainLocked pops up to limit non-expired items from q into batch,
// reporting any expired item via onTimeout instead of batching it.
// Caller must hold s.mu.
func (s *Scheduler) drainLocked(q *list.List, limit int, batch *[]*types.InferenceRequest, now time.Time) {
	for len(*batch) < limit && q.Len() > 0 {
		front := q.Front()
		req := front.Value.(*types.InferenceRequest)
		q.Remove(front)
		if now.After(req.Deadline()) {
			s.onTimeout(req)
			continue
		}
		*batch = append(*batch, req)
	}
}

// drainAllLocked runs one greedy priority-drain pass (step 1 of
// get_batch): HIGH up to max, then NORMAL, then LOW, each bounded by
// remaining room in the batch. Caller must hold s.mu.
func (s *Scheduler) drainAllLocked(batch *[]*types.InferenceRequest, now time.Time) {
	max := s.config.MaxBatchSize
	for _, p := range types.Priorities {
		if len(*batch) >= max {
			return
		}
		s.drainLocked(s.queues[p], max, batch, now)
	}
}

func (s *Scheduler) totalQueuedLocked() int {
	n := 0
	for _, p := range types.Priorities {
		n += s.queues[p].Len()
	}
	return n
}

// GetBatch implements the core algorithm of spec.md §4.1. It returns an
// empty batch only if the scheduler is closed.
func (s *Scheduler) GetBatch() []*types.InferenceRequest {
	batchStart := s.now()
	var batch []*types.InferenceRequest

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	// Step 1: greedy priority drain, no waiting.
	s.drainAllLocked(&batch, s.now())

	// Step 2: undersized-batch policy — return immediately if floor met.
	if len(batch) >= s.config.MinBatchSize {
		s.recordBatchLocked(batch, batchStart)
		s.mu.Unlock()
		return batch
	}

	// Step 3: bounded wait for more arrivals.
	deadline := batchStart.Add(time.Duration(s.config.MaxWaitMs) * time.Millisecond)
	for len(batch) < s.config.MinBatchSize && s.now().Before(deadline) && !s.closed {
		waitCh := s.notify
		remaining := deadline.Sub(s.now())
		s.mu.Unlock()

		select {
		case <-waitCh:
		case <-time.After(remaining):
		}

		s.mu.Lock()
		if s.closed {
			break
		}
		s.drainAllLocked(&batch, s.now())
	}

	// Step 4: minimum-one guarantee — block without timeout.
	for len(batch) == 0 && !s.closed {
		waitCh := s.notify
		s.mu.Unlock()
		<-waitCh
		s.mu.Lock()
		if s.closed {
			break
		}
		s.drainAllLocked(&batch, s.now())
	}

	s.recordBatchLocked(batch, batchStart)
	s.mu.Unlock()
	return batch
}

// recordBatchLocked updates statistics. Caller must hold s.mu.
func (s *Scheduler) recordBatchLocked(batch []*types.InferenceRequest, batchStart time.Time) {
	if len(batch) == 0 {
		return
	}
	waitMs := float64(s.now().Sub(batchStart)) / float64(time.Millisecond)
	s.totalWaitMs += waitMs
	s.totalBatches++
	s.batchCounter++
	s.logger.Debug("batch assembled",
		zap.String("model", s.model),
		zap.Int64("batch_number", s.batchCounter),
		zap.Int("size", len(batch)),
		zap.Float64("wait_ms", waitMs),
	)
}

// Close refuses further enqueues and releases any pending GetBatch call
// (which returns whatever it had already dequeued, possibly empty).
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.wakeLocked()
	s.mu.Unlock()
}

// Stats is a point-in-time snapshot of scheduler counters.
type Stats struct {
	Model              string
	TotalRequests      int64
	TotalBatches       int64
	AvgBatchSize       float64
	AvgWaitMs          float64
	CurrentQueueLength int
	QueueDepth         map[string]int
}

// Stats returns a snapshot of this scheduler's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	depth := make(map[string]int, 3)
	for _, p := range types.Priorities {
		depth[p.String()] = s.queues[p].Len()
	}

	var avgBatch, avgWait float64
	if s.totalBatches > 0 {
		avgBatch = float64(s.totalRequests) / float64(s.totalBatches)
		avgWait = s.totalWaitMs / float64(s.totalBatches)
	}

	return Stats{
		Model:              s.model,
		TotalRequests:      s.totalRequests,
		TotalBatches:       s.totalBatches,
		AvgBatchSize:       avgBatch,
		AvgWaitMs:          avgWait,
		CurrentQueueLength: s.totalQueuedLocked(),
		QueueDepth:         depth,
	}
}
