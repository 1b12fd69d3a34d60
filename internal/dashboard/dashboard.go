// Package dashboard broadcasts periodic server-state snapshots to
// connected websocket clients. Grounded on the teacher's
// pkg/router/broadcast.go Broadcaster (client-set + best-effort
// WriteMessage fan-out), generalized from a GPU-cluster ClusterState
// payload to the inference server's queue/model/stream snapshot.
package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SchedulerSnapshot is one model's batch scheduler statistics.
type SchedulerSnapshot struct {
	Model              string         `json:"model"`
	TotalRequests      int64          `json:"total_requests"`
	TotalBatches       int64          `json:"total_batches"`
	AvgBatchSize       float64        `json:"avg_batch_size"`
	AvgWaitMs          float64        `json:"avg_wait_ms"`
	CurrentQueueLength int            `json:"current_queue_length"`
	QueueDepth         map[string]int `json:"queue_depth"`
}

// ServerState is the JSON payload pushed to dashboard clients.
type ServerState struct {
	Schedulers    []SchedulerSnapshot `json:"schedulers"`
	ActiveStreams int                 `json:"active_streams"`
	Models        map[string][]string `json:"models"`
	TotalRequests int64               `json:"total_requests"`
}

// Broadcaster pushes ServerState to every connected dashboard client.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
	logger  *zap.Logger
}

// New builds an empty Broadcaster.
func New(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{clients: make(map[*websocket.Conn]bool), logger: logger}
}

// HandleWS is the websocket upgrade handler mounted at /ws.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	b.mu.Lock()
	b.clients[conn] = true
	count := len(b.clients)
	b.mu.Unlock()
	b.logger.Info("dashboard client connected", zap.Int("total", count))

	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.clients, conn)
			remaining := len(b.clients)
			b.mu.Unlock()
			conn.Close()
			b.logger.Info("dashboard client disconnected", zap.Int("remaining", remaining))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends state to every connected client, dropping any that
// error on write.
func (b *Broadcaster) Broadcast(state *ServerState) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}

	b.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for conn := range b.clients {
		conns = append(conns, conn)
	}
	b.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.mu.Lock()
			delete(b.clients, conn)
			b.mu.Unlock()
			conn.Close()
		}
	}
}

// ClientCount reports the number of currently connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
