// Package streaming implements the per-request bounded token pipe: a
// producer (model worker) pushes StreamTokens, a consumer (the HTTP
// response path) pulls them, with backpressure, inter-token timeouts,
// and deterministic cleanup. Grounded on the per-stream-lock +
// concurrent-outer-map shape of the teacher's pkg/router/registry.go,
// generalized from worker connections to per-request token buffers, and
// on original_source/realtime_serve/stream.py for exact timing constants.
package streaming

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kunal/realtime-infer-serve/internal/types"
)

const (
	backpressureWait = 1 * time.Second
	closeGraceWindow = 1 * time.Second
)

// PushResult is the outcome of a PushToken call.
type PushResult int

const (
	Pushed PushResult = iota
	Closed
	Dropped
)

type streamEntry struct {
	mu       sync.Mutex
	buf      []types.StreamToken
	capacity int
	closed   bool
	closeErr error // terminal error for Next to surface once buf drains, nil means plain End

	createdAt          time.Time
	lastTokenAt        time.Time
	timeout            time.Duration
	tokenCount         int
	backpressureEvents int

	waitCh chan struct{} // replaced+closed on every mutation to broadcast-wake waiters
}

func newStreamEntry(capacity int, timeout time.Duration, now time.Time) *streamEntry {
	return &streamEntry{
		buf:         make([]types.StreamToken, 0, capacity),
		capacity:    capacity,
		createdAt:   now,
		lastTokenAt: now,
		timeout:     timeout,
		waitCh:      make(chan struct{}),
	}
}

// wakeLocked broadcasts to every current waiter. Caller must hold e.mu.
func (e *streamEntry) wakeLocked() {
	close(e.waitCh)
	e.waitCh = make(chan struct{})
}

func (e *streamEntry) waitToken() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waitCh
}

// Stats is a point-in-time snapshot of a stream's counters.
type Stats struct {
	StreamID            string
	CreatedAt           time.Time
	ElapsedSeconds      float64
	TokenCount          int
	TokensPerSecond     float64
	BackpressureEvents  int
	QueueSize           int
	IsClosed            bool
}

// Manager owns every in-flight stream, keyed by request_id.
type Manager struct {
	mu             sync.RWMutex
	streams        map[string]*streamEntry
	defaultTimeout time.Duration
	bufferSize     int
	logger         *zap.Logger
	now            func() time.Time

	pendingMu sync.Mutex
	pending   int // cleanup goroutines not yet run, for Shutdown to wait on
	pendingCh chan struct{}
}

// NewManager builds a Manager. defaultTimeout bounds inter-token silence
// for streams created without an explicit override; bufferSize is the
// per-stream buffer capacity.
func NewManager(defaultTimeout time.Duration, bufferSize int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		streams:        make(map[string]*streamEntry),
		defaultTimeout: defaultTimeout,
		bufferSize:     bufferSize,
		logger:         logger,
		now:            time.Now,
		pendingCh:      make(chan struct{}),
	}
}

// Consumer is a lazy, single-pass, non-restartable sequence of
// StreamEvents for one stream.
type Consumer struct {
	streamID string
	entry    *streamEntry
	mgr      *Manager
}

// CreateStream allocates a new bounded stream for id. Fails with
// StreamExistsError if id is already known.
func (m *Manager) CreateStream(id string, timeout time.Duration) (*Consumer, error) {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	m.mu.Lock()
	if _, exists := m.streams[id]; exists {
		m.mu.Unlock()
		return nil, &types.StreamExistsError{StreamID: id}
	}
	entry := newStreamEntry(m.bufferSize, timeout, m.now())
	m.streams[id] = entry
	m.mu.Unlock()

	m.logger.Debug("stream created", zap.String("stream_id", id))
	return &Consumer{streamID: id, entry: entry, mgr: m}, nil
}

func (m *Manager) lookup(id string) (*streamEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.streams[id]
	return e, ok
}

// PushToken delivers a token to stream id. The first attempt is
// non-blocking; on a full buffer it waits up to one second for capacity
// before giving up, closing the stream, and reporting Dropped.
func (m *Manager) PushToken(id string, token types.StreamToken) PushResult {
	entry, ok := m.lookup(id)
	if !ok {
		return Closed
	}

	entry.mu.Lock()
	if entry.closed {
		entry.mu.Unlock()
		return Closed
	}
	if len(entry.buf) < entry.capacity {
		entry.buf = append(entry.buf, token)
		entry.tokenCount++
		entry.lastTokenAt = m.now()
		entry.wakeLocked()
		entry.mu.Unlock()
		return Pushed
	}
	entry.backpressureEvents++
	entry.mu.Unlock()

	m.logger.Warn("backpressure on stream", zap.String("stream_id", id))

	deadline := m.now().Add(backpressureWait)
	for {
		remaining := deadline.Sub(m.now())
		if remaining <= 0 {
			m.CloseStream(id)
			return Dropped
		}
		select {
		case <-entry.waitToken():
		case <-time.After(remaining):
			m.CloseStream(id)
			return Dropped
		}

		entry.mu.Lock()
		if entry.closed {
			entry.mu.Unlock()
			return Closed
		}
		if len(entry.buf) < entry.capacity {
			entry.buf = append(entry.buf, token)
			entry.tokenCount++
			entry.lastTokenAt = m.now()
			entry.wakeLocked()
			entry.mu.Unlock()
			return Pushed
		}
		entry.mu.Unlock()
	}
}

// CloseStream marks the stream closed (further pushes report Closed),
// wakes any waiters, and schedules metadata removal after a one-second
// grace window. Tokens already buffered stay readable: the consumer
// receives them in order before it observes End.
func (m *Manager) CloseStream(id string) {
	m.closeStream(id, nil)
}

// CloseStreamWithError closes the stream the same way CloseStream does,
// except the waiting consumer's terminal event is StreamEventError
// wrapping cause instead of StreamEventEnd. Used for RequestTimeout and
// BackendError outcomes that must be visible to the HTTP caller.
func (m *Manager) CloseStreamWithError(id string, cause error) {
	m.closeStream(id, cause)
}

func (m *Manager) closeStream(id string, cause error) {
	entry, ok := m.lookup(id)
	if !ok {
		return
	}

	entry.mu.Lock()
	if entry.closed {
		entry.mu.Unlock()
		return
	}
	entry.closed = true
	entry.closeErr = cause
	entry.wakeLocked()
	tokenCount, bp := entry.tokenCount, entry.backpressureEvents
	entry.mu.Unlock()

	if cause != nil {
		m.logger.Warn("stream closed with error",
			zap.String("stream_id", id),
			zap.Error(cause),
			zap.Int("token_count", tokenCount),
		)
	} else {
		m.logger.Debug("stream closed",
			zap.String("stream_id", id),
			zap.Int("token_count", tokenCount),
			zap.Int("backpressure_events", bp),
		)
	}

	m.scheduleRemoval(id, closeGraceWindow)
}

func (m *Manager) scheduleRemoval(id string, after time.Duration) {
	m.pendingMu.Lock()
	m.pending++
	m.pendingMu.Unlock()

	time.AfterFunc(after, func() {
		m.mu.Lock()
		delete(m.streams, id)
		m.mu.Unlock()

		m.pendingMu.Lock()
		m.pending--
		done := m.pending == 0
		m.pendingMu.Unlock()
		if done {
			select {
			case m.pendingCh <- struct{}{}:
			default:
			}
		}
	})
}

// removeNow skips the grace window; used only during forced shutdown.
func (m *Manager) removeNow(id string) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}

// ActiveStreams returns the count of created-but-not-closed streams.
func (m *Manager) ActiveStreams() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.streams {
		e.mu.Lock()
		if !e.closed {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// StreamStats returns a snapshot of a stream's state, or false if unknown.
func (m *Manager) StreamStats(id string) (Stats, bool) {
	entry, ok := m.lookup(id)
	if !ok {
		return Stats{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	elapsed := m.now().Sub(entry.createdAt).Seconds()
	tps := 0.0
	if elapsed > 0 {
		tps = float64(entry.tokenCount) / elapsed
	}
	return Stats{
		StreamID:           id,
		CreatedAt:          entry.createdAt,
		ElapsedSeconds:     elapsed,
		TokenCount:         entry.tokenCount,
		TokensPerSecond:    tps,
		BackpressureEvents: entry.backpressureEvents,
		QueueSize:          len(entry.buf),
		IsClosed:           entry.closed,
	}, true
}

// CleanupIdleStreams closes every open stream whose last token is older
// than idleTimeout, returning the number closed.
func (m *Manager) CleanupIdleStreams(idleTimeout time.Duration) int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	now := m.now()
	cleaned := 0
	for _, id := range ids {
		entry, ok := m.lookup(id)
		if !ok {
			continue
		}
		entry.mu.Lock()
		closed := entry.closed
		idle := now.Sub(entry.lastTokenAt)
		entry.mu.Unlock()
		if !closed && idle > idleTimeout {
			m.CloseStream(id)
			cleaned++
		}
	}
	return cleaned
}

// Shutdown closes every stream, waits up to the grace window plus 500ms
// for metadata removal, then force-removes anything left.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.CloseStream(id)
	}

	select {
	case <-m.pendingCh:
	case <-ctx.Done():
	case <-time.After(closeGraceWindow + 500*time.Millisecond):
	}

	m.mu.Lock()
	remaining := make([]string, 0, len(m.streams))
	for id := range m.streams {
		remaining = append(remaining, id)
	}
	m.mu.Unlock()
	for _, id := range remaining {
		m.removeNow(id)
	}
}

// Next pulls the next event. It blocks until a token arrives, the
// stream closes (End, or Error wrapping whatever cause CloseStreamWithError
// was given), the stream's inter-token timeout elapses
// (Error(StreamTimeout)), or ctx is cancelled (which also triggers
// close_stream, matching client-disconnect semantics).
func (c *Consumer) Next(ctx context.Context) types.StreamEvent {
	for {
		c.entry.mu.Lock()
		if len(c.entry.buf) > 0 {
			tok := c.entry.buf[0]
			c.entry.buf = c.entry.buf[1:]
			c.entry.wakeLocked()
			c.entry.mu.Unlock()
			return types.StreamEvent{Kind: types.StreamEventData, Token: tok}
		}
		if c.entry.closed {
			cause := c.entry.closeErr
			c.entry.mu.Unlock()
			if cause != nil {
				return types.StreamEvent{Kind: types.StreamEventError, Err: cause}
			}
			return types.StreamEvent{Kind: types.StreamEventEnd}
		}
		timeout := c.entry.timeout
		c.entry.mu.Unlock()

		select {
		case <-c.entry.waitToken():
			continue
		case <-time.After(timeout):
			c.mgr.logger.Warn("stream timeout", zap.String("stream_id", c.streamID))
			c.mgr.CloseStream(c.streamID)
			return types.StreamEvent{Kind: types.StreamEventError, Err: &types.StreamTimeoutError{StreamID: c.streamID}}
		case <-ctx.Done():
			c.mgr.CloseStream(c.streamID)
			return types.StreamEvent{Kind: types.StreamEventError, Err: ctx.Err()}
		}
	}
}

// StreamID returns the id this consumer was created for.
func (c *Consumer) StreamID() string { return c.streamID }
