// Package registry implements the model lifecycle state machine:
// register_loader, load_model (with warm-up), unload_model,
// set_active_version, get_model, health_check, model_stats, shutdown.
// Grounded on original_source/realtime_serve/models.py for the exact
// operation set and warm-up-cap semantics, and on the teacher's
// pkg/router/registry.go for the RWMutex-guarded name->entry map shape,
// generalized here to name->version->entry plus an active-version
// pointer and reference-counted entries for the hot-swap invariant.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kunal/realtime-infer-serve/internal/backend"
	"github.com/kunal/realtime-infer-serve/internal/types"
)

const maxWarmupTokens = 10

// entry is a loaded (name, version) pair. It is reference-counted so an
// in-flight inference that obtained a Ref before unload_model runs keeps
// the backend handle alive until it releases the reference, per the
// hot-swap invariant.
type entry struct {
	config   types.ModelConfig
	handle   backend.Handle
	loadedAt time.Time

	mu                   sync.Mutex
	lastUsedAt           time.Time
	inferenceCount       int64
	totalTokensGenerated int64
	healthy              bool

	refMu sync.Mutex
	refs  int
}

func (e *entry) recordInference(tokens int) {
	e.mu.Lock()
	e.inferenceCount++
	e.totalTokensGenerated += int64(tokens)
	e.lastUsedAt = time.Now()
	e.mu.Unlock()
}

func (e *entry) addRef() {
	e.refMu.Lock()
	e.refs++
	e.refMu.Unlock()
}

func (e *entry) release() {
	e.refMu.Lock()
	e.refs--
	e.refMu.Unlock()
}

// Ref is a live handle on a loaded model version. The holder must call
// Release when done so a concurrent unload can reclaim the entry's
// resources once every outstanding reference has been released (or,
// at the latest, once the registry's cleanup timeout has elapsed).
type Ref struct {
	Config  types.ModelConfig
	Handle  backend.Handle
	Version string

	entry *entry
}

// Release must be called exactly once per Ref obtained from GetModel.
func (r *Ref) Release() { r.entry.release() }

// RecordInference updates usage statistics for the referenced entry.
func (r *Ref) RecordInference(tokensGenerated int) { r.entry.recordInference(tokensGenerated) }

// Registry owns every loaded model version plus the active-version
// pointer and registered loaders, all under a single read-write lock:
// lookups/stats read-lock, mutating operations write-lock.
type Registry struct {
	mu             sync.RWMutex
	versions       map[string]map[string]*entry // name -> version -> entry
	activeVersion  map[string]string
	loaders        map[string]backend.Loader
	logger         *zap.Logger
	now            func() time.Time
	cleanupTimeout time.Duration
}

// New builds an empty Registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		versions:       make(map[string]map[string]*entry),
		activeVersion:  make(map[string]string),
		loaders:        make(map[string]backend.Loader),
		logger:         logger,
		now:            time.Now,
		cleanupTimeout: 5 * time.Second,
	}
}

// RegisterLoader associates a loader with a model family name.
func (r *Registry) RegisterLoader(name string, loader backend.Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[name] = loader
	r.logger.Info("registered loader", zap.String("model", name))
}

// LoadModel loads config.Name/config.Version, runs capped warm-up, and
// marks it the active version. Serialized under the registry write lock
// for the full duration, including warm-up.
func (r *Registry) LoadModel(ctx context.Context, config types.ModelConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	loader, ok := r.loaders[config.Name]
	if !ok {
		return &types.NoLoaderError{Name: config.Name}
	}

	r.logger.Info("loading model", zap.String("model", config.Name), zap.String("version", config.Version))
	handle, err := loader(ctx, config)
	if err != nil {
		r.logger.Error("model load failed", zap.String("model", config.Name), zap.Error(err))
		return &types.LoadFailedError{Name: config.Name, Cause: err}
	}

	if config.WarmupTokens > 0 {
		r.warmup(ctx, config, handle)
	}

	e := &entry{
		config:     config,
		handle:     handle,
		loadedAt:   r.now(),
		lastUsedAt: r.now(),
		healthy:    true,
	}

	if r.versions[config.Name] == nil {
		r.versions[config.Name] = make(map[string]*entry)
	}
	r.versions[config.Name][config.Version] = e
	r.activeVersion[config.Name] = config.Version

	r.logger.Info("model loaded",
		zap.String("model", config.Name),
		zap.String("version", config.Version),
		zap.String("device", string(config.Device)),
	)
	return nil
}

// warmup runs up to min(warmup_tokens, 10) tokens of dummy generation.
// Failures are logged and swallowed: warm-up is advisory, not load-gating.
func (r *Registry) warmup(ctx context.Context, config types.ModelConfig, handle backend.Handle) {
	n := config.WarmupTokens
	if n > maxWarmupTokens {
		n = maxWarmupTokens
	}
	req, err := types.NewInferenceRequest("warmup", config.Name, "Warmup", n, 0, 1, types.PriorityLow, 30, "", nil)
	if err != nil {
		return
	}
	r.logger.Debug("warming up model", zap.String("model", config.Name), zap.Int("tokens", n))
	if genErr := handle.Generate(ctx, req, func(types.StreamToken) error { return nil }); genErr != nil {
		r.logger.Warn("model warmup failed (non-fatal)", zap.String("model", config.Name), zap.Error(genErr))
		return
	}
	r.logger.Debug("model warmup complete", zap.String("model", config.Name))
}

// UnloadModel unloads one version, or every version if version is empty.
// The backend's optional Cleanup runs with a bounded timeout; errors are
// logged and swallowed. Entries with outstanding references are removed
// from the registry immediately but their backend Cleanup is deferred
// until the last reference is released or cleanupTimeout elapses,
// whichever comes first; a reference still held after that timeout sees
// a backend that has already been cleaned up.
func (r *Registry) UnloadModel(ctx context.Context, name, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byVersion, ok := r.versions[name]
	if !ok {
		r.logger.Warn("unload: model not found", zap.String("model", name))
		return
	}

	if version == "" {
		for v := range byVersion {
			r.unloadLocked(ctx, name, v)
		}
		return
	}
	r.unloadLocked(ctx, name, version)
}

func (r *Registry) unloadLocked(ctx context.Context, name, version string) {
	byVersion := r.versions[name]
	e, ok := byVersion[version]
	if !ok {
		return
	}
	delete(byVersion, version)
	if r.activeVersion[name] == version {
		var remaining string
		for v := range byVersion {
			remaining = v
			break
		}
		if remaining == "" {
			delete(r.activeVersion, name)
		} else {
			r.activeVersion[name] = remaining
		}
	}

	r.scheduleCleanup(ctx, name, version, e)
	r.logger.Info("model unloaded", zap.String("model", name), zap.String("version", version))
}

// scheduleCleanup waits (without holding the registry lock) for the
// entry's reference count to reach zero, bounded by cleanupTimeout, then
// runs the backend's Cleanup if present.
func (r *Registry) scheduleCleanup(ctx context.Context, name, version string, e *entry) {
	cleaner, ok := e.handle.(backend.Cleaner)
	if !ok {
		return
	}
	go func() {
		deadline := time.Now().Add(r.cleanupTimeout)
		for time.Now().Before(deadline) {
			e.refMu.Lock()
			refs := e.refs
			e.refMu.Unlock()
			if refs == 0 {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		cctx, cancel := context.WithTimeout(ctx, r.cleanupTimeout)
		defer cancel()
		if err := cleaner.Cleanup(cctx); err != nil {
			r.logger.Warn("error during model cleanup",
				zap.String("model", name), zap.String("version", version), zap.Error(err))
		}
	}()
}

// SetActiveVersion atomically swaps the active version for name. Returns
// false if the version is unknown. Requests holding a Ref to the prior
// version continue using it.
func (r *Registry) SetActiveVersion(name, version string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	byVersion, ok := r.versions[name]
	if !ok {
		return false
	}
	if _, ok := byVersion[version]; !ok {
		r.logger.Error("set_active_version: unknown version", zap.String("model", name), zap.String("version", version))
		return false
	}
	old := r.activeVersion[name]
	r.activeVersion[name] = version
	r.logger.Info("active version switched", zap.String("model", name), zap.String("from", old), zap.String("to", version))
	return true
}

// GetModel returns a reference-counted Ref to the active version of name,
// or to a specific version if given. Returns UnknownModelError if absent.
// Callers must call Ref.Release when done.
func (r *Registry) GetModel(name, version string) (*Ref, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byVersion, ok := r.versions[name]
	if !ok {
		return nil, &types.UnknownModelError{Name: name}
	}
	if version == "" {
		version = r.activeVersion[name]
	}
	if version == "" {
		return nil, &types.UnknownModelError{Name: name}
	}
	e, ok := byVersion[version]
	if !ok {
		return nil, &types.UnknownModelError{Name: name}
	}

	e.addRef()
	return &Ref{Config: e.config, Handle: e.handle, Version: version, entry: e}, nil
}

// ListModels reports every loaded version per model name.
func (r *Registry) ListModels() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.versions))
	for name, byVersion := range r.versions {
		versions := make([]string, 0, len(byVersion))
		for v := range byVersion {
			versions = append(versions, v)
		}
		out[name] = versions
	}
	return out
}

// HealthCheck invokes the active version's HealthCheck capability if
// present, recording and returning the result. Absence is healthy.
func (r *Registry) HealthCheck(ctx context.Context, name string) bool {
	r.mu.RLock()
	byVersion, ok := r.versions[name]
	var e *entry
	if ok {
		version := r.activeVersion[name]
		e = byVersion[version]
	}
	r.mu.RUnlock()

	if e == nil {
		return false
	}
	hc, ok := e.handle.(backend.HealthChecker)
	if !ok {
		return true
	}
	healthy, err := hc.HealthCheck(ctx)
	if err != nil {
		r.logger.Error("health check failed", zap.String("model", name), zap.Error(err))
		healthy = false
	}
	e.mu.Lock()
	e.healthy = healthy
	e.mu.Unlock()
	return healthy
}

// ModelStats reports usage statistics for the active version of name.
type ModelStats struct {
	Name                string
	Version             string
	Device              types.Device
	UptimeSeconds        float64
	InferenceCount       int64
	TotalTokensGenerated int64
	TokensPerInference   float64
	Healthy              bool
}

// ModelStats returns statistics for the active version, and false if
// name has no active version.
func (r *Registry) ModelStats(name string) (ModelStats, bool) {
	r.mu.RLock()
	byVersion, ok := r.versions[name]
	var e *entry
	var version string
	if ok {
		version = r.activeVersion[name]
		e = byVersion[version]
	}
	r.mu.RUnlock()

	if e == nil {
		return ModelStats{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var tpi float64
	if e.inferenceCount > 0 {
		tpi = float64(e.totalTokensGenerated) / float64(e.inferenceCount)
	}
	return ModelStats{
		Name:                 name,
		Version:              version,
		Device:               e.config.Device,
		UptimeSeconds:        r.now().Sub(e.loadedAt).Seconds(),
		InferenceCount:       e.inferenceCount,
		TotalTokensGenerated: e.totalTokensGenerated,
		TokensPerInference:   tpi,
		Healthy:              e.healthy,
	}, true
}

// Shutdown unloads every model. Subsequent operations are undefined.
func (r *Registry) Shutdown(ctx context.Context) {
	r.logger.Info("shutting down model registry")
	r.mu.RLock()
	names := make([]string, 0, len(r.versions))
	for name := range r.versions {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.UnloadModel(ctx, name, "")
	}
	r.logger.Info("model registry shutdown complete")
}
