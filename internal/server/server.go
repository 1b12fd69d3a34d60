// Package server wires the scheduler, registry, stream manager, rate
// limiter, metrics collector, and dashboard broadcaster into an HTTP
// surface, and runs the per-model worker loop that bridges scheduler
// batches to backend generation and stream output. Grounded on
// original_source/realtime_serve/server.py for the route table and
// request-processing flow, and on the teacher's pkg/router/router.go for
// the gin-based route registration shape (generalized from a dashboard
// API to the inference surface) — the teacher's worker/server.go
// hand-rolled http.ServeMux is replaced with gin per the pack's
// gin-gonic usage (see other_examples aigateway performance middleware).
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kunal/realtime-infer-serve/internal/backend"
	"github.com/kunal/realtime-infer-serve/internal/dashboard"
	"github.com/kunal/realtime-infer-serve/internal/metrics"
	"github.com/kunal/realtime-infer-serve/internal/ratelimiter"
	"github.com/kunal/realtime-infer-serve/internal/registry"
	"github.com/kunal/realtime-infer-serve/internal/scheduler"
	"github.com/kunal/realtime-infer-serve/internal/streaming"
	"github.com/kunal/realtime-infer-serve/internal/types"
)

// Server is the top-level inference server: HTTP surface plus the
// background worker loops that drain each model's scheduler.
type Server struct {
	config types.ServerConfig
	logger *zap.Logger

	registry  *registry.Registry
	streams   *streaming.Manager
	limiter   *ratelimiter.Limiter
	metrics   *metrics.Collector
	dashboard *dashboard.Broadcaster

	mu         sync.RWMutex
	schedulers map[string]*scheduler.Scheduler

	engine *gin.Engine
	http   *http.Server

	connMu  sync.Mutex
	conns   map[string]struct{}
	shuttingDown bool

	workerWG   sync.WaitGroup
	workerStop chan struct{}

	dashboardWG   sync.WaitGroup
	dashboardStop chan struct{}
}

// dashboardBroadcastInterval is how often Server pushes a ServerState
// snapshot to connected dashboard clients, matching the 500ms cadence
// SPEC_FULL.md's GET /ws section names.
const dashboardBroadcastInterval = 500 * time.Millisecond

// New builds a Server. Model loaders and configs are registered via
// RegisterModel before Start.
func New(cfg types.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config:        cfg,
		logger:        logger,
		registry:      registry.New(logger),
		streams:       streaming.NewManager(time.Duration(cfg.RequestTimeout*float64(time.Second)), 256, logger),
		limiter:       ratelimiter.New(cfg.RateLimitPerMinute),
		metrics:       metrics.New(1000),
		dashboard:     dashboard.New(logger),
		schedulers:    make(map[string]*scheduler.Scheduler),
		conns:         make(map[string]struct{}),
		workerStop:    make(chan struct{}),
		dashboardStop: make(chan struct{}),
	}
	s.engine = s.buildEngine()

	s.dashboardWG.Add(1)
	go s.runDashboardBroadcaster()

	return s
}

// buildServerState snapshots the registry, schedulers, and stream manager
// into the payload dashboard clients receive.
func (s *Server) buildServerState() *dashboard.ServerState {
	s.mu.RLock()
	snapshots := make([]dashboard.SchedulerSnapshot, 0, len(s.schedulers))
	var totalRequests int64
	for _, sched := range s.schedulers {
		st := sched.Stats()
		snapshots = append(snapshots, dashboard.SchedulerSnapshot{
			Model:              st.Model,
			TotalRequests:      st.TotalRequests,
			TotalBatches:       st.TotalBatches,
			AvgBatchSize:       st.AvgBatchSize,
			AvgWaitMs:          st.AvgWaitMs,
			CurrentQueueLength: st.CurrentQueueLength,
			QueueDepth:         st.QueueDepth,
		})
		totalRequests += st.TotalRequests
	}
	s.mu.RUnlock()

	return &dashboard.ServerState{
		Schedulers:    snapshots,
		ActiveStreams: s.streams.ActiveStreams(),
		Models:        s.registry.ListModels(),
		TotalRequests: totalRequests,
	}
}

// runDashboardBroadcaster pushes a ServerState snapshot to every
// connected /ws client every dashboardBroadcastInterval, until Shutdown
// closes dashboardStop.
func (s *Server) runDashboardBroadcaster() {
	defer s.dashboardWG.Done()
	ticker := time.NewTicker(dashboardBroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.dashboard.ClientCount() > 0 {
				s.dashboard.Broadcast(s.buildServerState())
			}
		case <-s.dashboardStop:
			return
		}
	}
}

// RegisterModel registers a loader and spins up a batch scheduler and
// worker loop for model config.Name, matching the teacher's register ->
// create-scheduler -> (caller triggers) load flow.
func (s *Server) RegisterModel(config types.ModelConfig, loader backend.Loader) {
	s.registry.RegisterLoader(config.Name, loader)

	batchConfig, err := types.NewBatchConfig(s.config.MaxBatchSize, 1, s.config.MaxBatchWaitMs, true)
	if err != nil {
		s.logger.Error("invalid batch config, using floor of 1", zap.Error(err))
		batchConfig = &types.BatchConfig{MaxBatchSize: s.config.MaxBatchSize, MinBatchSize: 1, MaxWaitMs: s.config.MaxBatchWaitMs}
	}

	sched := scheduler.New(config.Name, *batchConfig, s.logger, func(req *types.InferenceRequest) {
		s.streams.CloseStreamWithError(req.RequestID, &types.RequestTimeoutError{RequestID: req.RequestID})
		s.metrics.RecordRequest(req.Model, 0, 0, true)
		s.logger.Warn("request expired in queue", zap.String("request_id", req.RequestID))
	})

	s.mu.Lock()
	s.schedulers[config.Name] = sched
	s.mu.Unlock()

	s.logger.Info("registered model", zap.String("model", config.Name))

	s.workerWG.Add(1)
	go s.workerLoop(config.Name, sched)
}

// LoadModel loads a model version through the registry.
func (s *Server) LoadModel(ctx context.Context, config types.ModelConfig) error {
	return s.registry.LoadModel(ctx, config)
}

func (s *Server) schedulerFor(model string) (*scheduler.Scheduler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedulers[model]
	return sched, ok
}

// workerLoop repeatedly drains batches and dispatches each request to the
// backend. Each request runs in its own goroutine that recovers its own
// panics, so one bad request cannot take down the loop; a panic in the
// loop itself is logged and the loop is restarted. Grounded on the
// teacher's Batcher.loop shape with an added defer recover().
func (s *Server) workerLoop(model string, sched *scheduler.Scheduler) {
	defer s.workerWG.Done()
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("panic in worker loop, restarting", zap.Any("recover", rec), zap.String("model", model))
			s.workerWG.Add(1)
			go s.workerLoop(model, sched)
		}
	}()
	for {
		batch := sched.GetBatch()
		if batch == nil {
			return // scheduler closed
		}
		for _, req := range batch {
			go s.runOne(req)
		}
	}
}

func (s *Server) runOne(req *types.InferenceRequest) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("panic in worker, recovered", zap.Any("recover", rec), zap.String("request_id", req.RequestID))
			s.streams.CloseStream(req.RequestID)
		}
	}()

	start := time.Now()
	ref, err := s.registry.GetModel(req.Model, "")
	if err != nil {
		s.logger.Warn("unknown model", zap.String("model", req.Model))
		s.streams.CloseStreamWithError(req.RequestID, &types.BackendError{RequestID: req.RequestID, Cause: err})
		s.metrics.RecordRequest(req.Model, 0, 0, true)
		return
	}
	defer ref.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(req.TimeoutSeconds*float64(time.Second)))
	defer cancel()

	tokenCount := 0
	genErr := ref.Handle.Generate(ctx, req, func(tok types.StreamToken) error {
		tokenCount++
		s.streams.PushToken(req.RequestID, tok)
		return nil
	})

	if genErr != nil {
		if errors.Is(genErr, context.DeadlineExceeded) {
			s.streams.CloseStreamWithError(req.RequestID, &types.RequestTimeoutError{RequestID: req.RequestID})
		} else {
			s.streams.CloseStreamWithError(req.RequestID, &types.BackendError{RequestID: req.RequestID, Cause: genErr})
		}
	} else {
		s.streams.CloseStream(req.RequestID)
	}
	ref.RecordInference(tokenCount)

	latencyMs := float64(time.Since(start)) / float64(time.Millisecond)
	s.metrics.RecordRequest(req.Model, latencyMs, tokenCount, genErr != nil)
	if genErr != nil {
		s.logger.Error("backend generation failed", zap.String("request_id", req.RequestID), zap.Error(genErr))
	}
}

func (s *Server) buildEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLoggingMiddleware())

	r.POST("/infer", s.handleInfer)
	r.POST("/infer_stream", s.handleInferStream)
	r.GET("/health", s.handleHealth)
	r.GET("/models", s.handleListModels)
	if s.config.EnableMetrics {
		r.GET("/metrics", s.handleMetrics)
		r.GET("/metrics/prom", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}
	r.GET("/status", s.handleStatus)
	r.GET("/ws", func(c *gin.Context) { s.dashboard.HandleWS(c.Writer, c.Request) })

	return r
}

func (s *Server) requestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

// checkRateLimit enforces admission for clientID, writing a 429 response
// and returning false if denied. Mirrors the original's inline
// middleware_chain.process_request check, run after body parsing since
// client_id travels in the JSON body rather than a header.
func (s *Server) checkRateLimit(c *gin.Context, clientID string) bool {
	if s.limiter.Check(clientID, 1.0) != ratelimiter.Allowed {
		s.logger.Warn("rate limit exceeded", zap.String("client_id", clientID))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": (&types.RateLimitedError{ClientID: clientID}).Error()})
		return false
	}
	return true
}

type inferBody struct {
	Model          string         `json:"model"`
	Prompt         string         `json:"prompt"`
	MaxTokens      int            `json:"max_tokens"`
	Temperature    float64        `json:"temperature"`
	TopP           float64        `json:"top_p"`
	Priority       string         `json:"priority"`
	TimeoutSeconds float64        `json:"timeout_seconds"`
	ClientID       string         `json:"client_id"`
	Metadata       map[string]any `json:"metadata"`
}

func (b inferBody) toRequest(requestID string) (*types.InferenceRequest, error) {
	model := b.Model
	if model == "" {
		model = "default"
	}
	maxTokens := b.MaxTokens
	if maxTokens == 0 {
		maxTokens = 100
	}
	temperature := b.Temperature
	if temperature == 0 {
		temperature = 1.0
	}
	topP := b.TopP
	if topP == 0 {
		topP = 0.95
	}
	timeout := b.TimeoutSeconds
	if timeout == 0 {
		timeout = 30.0
	}
	priority := types.PriorityNormal
	if b.Priority != "" {
		p, ok := types.ParsePriority(b.Priority)
		if !ok {
			return nil, &types.InvalidRequestError{Field: "priority", Reason: "unrecognized priority"}
		}
		priority = p
	}
	return types.NewInferenceRequest(requestID, model, b.Prompt, maxTokens, temperature, topP, priority, timeout, b.ClientID, b.Metadata)
}

func (s *Server) trackConn(id string) func() {
	s.connMu.Lock()
	s.conns[id] = struct{}{}
	s.connMu.Unlock()
	return func() {
		s.connMu.Lock()
		delete(s.conns, id)
		s.connMu.Unlock()
	}
}

func (s *Server) handleInfer(c *gin.Context) {
	requestID := uuid.NewString()
	untrack := s.trackConn(requestID)
	defer untrack()

	var body inferBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req, err := body.toRequest(requestID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !s.checkRateLimit(c, req.ClientID) {
		return
	}

	sched, ok := s.schedulerFor(req.Model)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": (&types.UnknownModelError{Name: req.Model}).Error()})
		return
	}

	consumer, err := s.streams.CreateStream(req.RequestID, 0)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	if err := sched.Enqueue(req); err != nil {
		s.streams.CloseStream(req.RequestID)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	var tokens []types.StreamToken
	var streamErr error
	for {
		ev := consumer.Next(c.Request.Context())
		if ev.Kind == types.StreamEventEnd {
			break
		}
		if ev.Kind == types.StreamEventError {
			streamErr = ev.Err
			break
		}
		tokens = append(tokens, ev.Token)
	}

	if streamErr != nil {
		status := statusForStreamError(streamErr)
		c.JSON(status, gin.H{"error": streamErr.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id": req.RequestID,
		"model":      req.Model,
		"tokens":     tokens,
	})
}

// statusForStreamError maps a stream's terminal error to the HTTP status
// spec.md §7 requires: 504 for anything timeout-shaped, 500 for a backend
// failure, 499-equivalent (we still use 500, gin has no native 499) for
// an unexpected error kind.
func statusForStreamError(err error) int {
	var timeoutErr *types.RequestTimeoutError
	var streamTimeoutErr *types.StreamTimeoutError
	switch {
	case errors.As(err, &timeoutErr), errors.As(err, &streamTimeoutErr):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleInferStream(c *gin.Context) {
	requestID := uuid.NewString()
	untrack := s.trackConn(requestID)
	defer untrack()

	var body inferBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req, err := body.toRequest(requestID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !s.checkRateLimit(c, req.ClientID) {
		return
	}

	sched, ok := s.schedulerFor(req.Model)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": (&types.UnknownModelError{Name: req.Model}).Error()})
		return
	}

	consumer, err := s.streams.CreateStream(req.RequestID, 0)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	if err := sched.Enqueue(req); err != nil {
		s.streams.CloseStream(req.RequestID)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		ev := consumer.Next(c.Request.Context())
		switch ev.Kind {
		case types.StreamEventData:
			c.SSEvent("token", ev.Token)
			return true
		case types.StreamEventEnd:
			c.SSEvent("end", gin.H{})
			return false
		default:
			c.SSEvent("error", gin.H{"error": fmt.Sprint(ev.Err)})
			return false
		}
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	s.connMu.Lock()
	active := len(s.conns)
	s.connMu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"status":             "healthy",
		"active_connections": active,
		"active_streams":     s.streams.ActiveStreams(),
	})
}

func (s *Server) handleListModels(c *gin.Context) {
	models := s.registry.ListModels()
	c.JSON(http.StatusOK, gin.H{"models": models, "total_models": len(models)})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.GetAllMetrics())
}

func (s *Server) handleStatus(c *gin.Context) {
	s.mu.RLock()
	queueStats := make(map[string]scheduler.Stats, len(s.schedulers))
	for name, sched := range s.schedulers {
		queueStats[name] = sched.Stats()
	}
	s.mu.RUnlock()

	s.connMu.Lock()
	shuttingDown := s.shuttingDown
	active := len(s.conns)
	s.connMu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"is_shutting_down":   shuttingDown,
		"active_connections": active,
		"active_streams":     s.streams.ActiveStreams(),
		"loaded_models":      s.registry.ListModels(),
		"queue_stats":        queueStats,
	})
}

// Start binds the HTTP listener. It blocks until the server stops or
// returns an error other than http.ErrServerClosed.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	s.logger.Info("starting inference server", zap.String("addr", addr))

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Engine exposes the gin engine for tests (httptest.NewServer(srv.Engine())).
func (s *Server) Engine() http.Handler { return s.engine }

// Shutdown drains active connections and streams within
// graceful_shutdown_timeout, stops worker loops, and unloads models.
func (s *Server) Shutdown(ctx context.Context) error {
	s.connMu.Lock()
	s.shuttingDown = true
	s.connMu.Unlock()

	s.logger.Info("shutting down inference server")

	deadline := time.Now().Add(time.Duration(s.config.GracefulShutdownTimeout * float64(time.Second)))
	for {
		s.connMu.Lock()
		n := len(s.conns)
		s.connMu.Unlock()
		if n == 0 || time.Now().After(deadline) {
			if n > 0 {
				s.logger.Warn("forcefully closing remaining connections", zap.Int("count", n))
			}
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown error", zap.Error(err))
		}
	}

	s.mu.RLock()
	scheds := make([]*scheduler.Scheduler, 0, len(s.schedulers))
	for _, sched := range s.schedulers {
		scheds = append(scheds, sched)
	}
	s.mu.RUnlock()
	for _, sched := range scheds {
		sched.Close()
	}
	s.workerWG.Wait()

	s.streams.Shutdown(ctx)
	s.registry.Shutdown(ctx)

	close(s.dashboardStop)
	s.dashboardWG.Wait()

	s.logger.Info("inference server stopped")
	return nil
}
