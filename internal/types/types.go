// Package types holds the value objects shared across the inference
// server: requests, tokens, and the configuration structs for each
// subsystem. Construction validates invariants and returns a typed
// InvalidRequest/InvalidConfig error rather than panicking.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Priority is the strict ordering band a request is batched under.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Priorities lists the bands in drain order: HIGH, NORMAL, LOW.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority parses the case-sensitive wire token accepted by clients.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "LOW":
		return PriorityLow, true
	case "NORMAL":
		return PriorityNormal, true
	case "HIGH":
		return PriorityHigh, true
	default:
		return 0, false
	}
}

// InferenceRequest is a validated generation request.
type InferenceRequest struct {
	RequestID      string
	Model          string
	Prompt         string
	MaxTokens      int
	Temperature    float64
	TopP           float64
	Priority       Priority
	TimeoutSeconds float64
	ClientID       string
	Metadata       map[string]any

	// EnqueuedAt is set by the scheduler on enqueue; it anchors the
	// per-request deadline (EnqueuedAt + TimeoutSeconds).
	EnqueuedAt time.Time
}

// NewInferenceRequest validates and constructs a request. requestID is
// issued by the caller (normally the server, via uuid.NewString()).
func NewInferenceRequest(requestID, model, prompt string, maxTokens int, temperature, topP float64, priority Priority, timeoutSeconds float64, clientID string, metadata map[string]any) (*InferenceRequest, error) {
	if model == "" {
		return nil, &InvalidRequestError{Field: "model", Reason: "must not be empty"}
	}
	if maxTokens <= 0 {
		return nil, &InvalidRequestError{Field: "max_tokens", Reason: "must be positive"}
	}
	if temperature < 0.0 || temperature > 2.0 {
		return nil, &InvalidRequestError{Field: "temperature", Reason: "must be in [0.0, 2.0]"}
	}
	if topP < 0.0 || topP > 1.0 {
		return nil, &InvalidRequestError{Field: "top_p", Reason: "must be in [0.0, 1.0]"}
	}
	if timeoutSeconds <= 0 {
		return nil, &InvalidRequestError{Field: "timeout_seconds", Reason: "must be positive"}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return &InferenceRequest{
		RequestID:      requestID,
		Model:          model,
		Prompt:         prompt,
		MaxTokens:      maxTokens,
		Temperature:    temperature,
		TopP:           topP,
		Priority:       priority,
		TimeoutSeconds: timeoutSeconds,
		ClientID:       clientID,
		Metadata:       metadata,
	}, nil
}

// Deadline is the wall-clock instant after which this request must be
// pruned from any scheduler queue and reported as RequestTimeout.
func (r *InferenceRequest) Deadline() time.Time {
	return r.EnqueuedAt.Add(time.Duration(r.TimeoutSeconds * float64(time.Second)))
}

// StreamToken is a single generated token.
type StreamToken struct {
	Token     string
	TokenID   int
	LogProb   *float64
	IsSpecial bool
}

// StreamEventKind discriminates the tagged variant a stream consumer
// receives: Data(token) | End | Error(kind).
type StreamEventKind int

const (
	StreamEventData StreamEventKind = iota
	StreamEventEnd
	StreamEventError
)

// StreamEvent is the value yielded by a stream consumer.
type StreamEvent struct {
	Kind  StreamEventKind
	Token StreamToken
	Err   error
}

// BatchConfig controls the batch scheduler's size/latency tradeoff.
type BatchConfig struct {
	MaxBatchSize     int
	MinBatchSize     int
	MaxWaitMs        int
	DynamicBatching  bool
}

// NewBatchConfig validates and constructs a BatchConfig.
func NewBatchConfig(maxBatchSize, minBatchSize, maxWaitMs int, dynamicBatching bool) (*BatchConfig, error) {
	if maxBatchSize < 1 {
		return nil, &InvalidConfigError{Field: "max_batch_size"}
	}
	if minBatchSize < 1 || minBatchSize > maxBatchSize {
		return nil, &InvalidConfigError{Field: "min_batch_size"}
	}
	if maxWaitMs < 0 {
		return nil, &InvalidConfigError{Field: "max_wait_ms"}
	}
	return &BatchConfig{
		MaxBatchSize:    maxBatchSize,
		MinBatchSize:    minBatchSize,
		MaxWaitMs:       maxWaitMs,
		DynamicBatching: dynamicBatching,
	}, nil
}

// Device is the accelerator a model is placed on.
type Device string

const (
	DeviceCUDA Device = "cuda"
	DeviceCPU  Device = "cpu"
	DeviceMPS  Device = "mps"
)

// ModelConfig describes a model version to load.
type ModelConfig struct {
	Name          string
	Version       string
	Device        Device
	DType         string
	MaxSeqLength  int
	WarmupTokens  int
	Metadata      map[string]any
}

// NewModelConfig validates and constructs a ModelConfig.
func NewModelConfig(name, version string, device Device, dtype string, maxSeqLength, warmupTokens int, metadata map[string]any) (*ModelConfig, error) {
	if name == "" {
		return nil, &InvalidConfigError{Field: "name"}
	}
	switch device {
	case DeviceCUDA, DeviceCPU, DeviceMPS:
	default:
		return nil, &InvalidConfigError{Field: "device"}
	}
	if warmupTokens < 0 {
		return nil, &InvalidConfigError{Field: "warmup_tokens"}
	}
	if version == "" {
		version = "1.0.0"
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &ModelConfig{
		Name:         name,
		Version:      version,
		Device:       device,
		DType:        dtype,
		MaxSeqLength: maxSeqLength,
		WarmupTokens: warmupTokens,
		Metadata:     metadata,
	}, nil
}

// LogLevel is the server's configured minimum log severity.
type LogLevel string

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// ServerConfig is the top-level server configuration.
type ServerConfig struct {
	Host                    string
	Port                    int
	MaxConnections          int
	RequestTimeout          float64
	MaxBatchSize            int
	MaxBatchWaitMs          int
	EnableMetrics           bool
	LogLevel                LogLevel
	RateLimitPerMinute      int
	GracefulShutdownTimeout float64
}

// NewServerConfig validates and constructs a ServerConfig.
func NewServerConfig(cfg ServerConfig) (*ServerConfig, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, &InvalidConfigError{Field: "port"}
	}
	if cfg.MaxConnections <= 0 {
		return nil, &InvalidConfigError{Field: "max_connections"}
	}
	if cfg.RequestTimeout <= 0 {
		return nil, &InvalidConfigError{Field: "request_timeout"}
	}
	if cfg.MaxBatchSize <= 0 {
		return nil, &InvalidConfigError{Field: "max_batch_size"}
	}
	if cfg.MaxBatchWaitMs < 0 {
		return nil, &InvalidConfigError{Field: "max_batch_wait_ms"}
	}
	if cfg.RateLimitPerMinute < 0 {
		return nil, &InvalidConfigError{Field: "rate_limit_per_minute"}
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		return nil, &InvalidConfigError{Field: "graceful_shutdown_timeout"}
	}
	switch cfg.LogLevel {
	case LogDebug, LogInfo, LogWarn, LogError:
	default:
		return nil, &InvalidConfigError{Field: "log_level"}
	}
	out := cfg
	return &out, nil
}
