package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunal/realtime-infer-serve/internal/backend"
	"github.com/kunal/realtime-infer-serve/internal/types"
)

func modelConfig(t *testing.T, name, version string) types.ModelConfig {
	t.Helper()
	c, err := types.NewModelConfig(name, version, types.DeviceCPU, "fp16", 2048, 0, nil)
	require.NoError(t, err)
	return *c
}

func simLoader(tokenLatency time.Duration) backend.Loader {
	return func(ctx context.Context, config types.ModelConfig) (backend.Handle, error) {
		return backend.NewSimulated(config.Name, tokenLatency), nil
	}
}

func TestLoadModelWithoutLoaderFails(t *testing.T) {
	r := New(nil)
	err := r.LoadModel(context.Background(), modelConfig(t, "gpt", "v1"))
	require.Error(t, err)
	var noLoader *types.NoLoaderError
	assert.ErrorAs(t, err, &noLoader)
}

func TestLoadAndGetModel(t *testing.T) {
	r := New(nil)
	r.RegisterLoader("gpt", simLoader(time.Millisecond))
	require.NoError(t, r.LoadModel(context.Background(), modelConfig(t, "gpt", "v1")))

	ref, err := r.GetModel("gpt", "")
	require.NoError(t, err)
	defer ref.Release()
	assert.Equal(t, "v1", ref.Version)
}

func TestGetUnknownModelFails(t *testing.T) {
	r := New(nil)
	_, err := r.GetModel("nope", "")
	require.Error(t, err)
	var unknown *types.UnknownModelError
	assert.ErrorAs(t, err, &unknown)
}

func TestLastLoadWinsActiveVersion(t *testing.T) {
	r := New(nil)
	r.RegisterLoader("gpt", simLoader(time.Millisecond))
	require.NoError(t, r.LoadModel(context.Background(), modelConfig(t, "gpt", "v1")))
	require.NoError(t, r.LoadModel(context.Background(), modelConfig(t, "gpt", "v2")))

	ref, err := r.GetModel("gpt", "")
	require.NoError(t, err)
	defer ref.Release()
	assert.Equal(t, "v2", ref.Version)
}

func TestSetActiveVersionSwapsImmediately(t *testing.T) {
	r := New(nil)
	r.RegisterLoader("gpt", simLoader(time.Millisecond))
	require.NoError(t, r.LoadModel(context.Background(), modelConfig(t, "gpt", "v1")))
	require.NoError(t, r.LoadModel(context.Background(), modelConfig(t, "gpt", "v2")))

	require.True(t, r.SetActiveVersion("gpt", "v1"))
	ref, err := r.GetModel("gpt", "")
	require.NoError(t, err)
	assert.Equal(t, "v1", ref.Version)
	ref.Release()

	assert.False(t, r.SetActiveVersion("gpt", "v99"))
}

func TestHotSwapInFlightReferenceSurvivesUnload(t *testing.T) {
	// spec.md §8 scenario 5 / hot-swap invariant: a reference obtained
	// before unload keeps its handle usable until released, even though
	// the registry no longer lists that version.
	r := New(nil)
	r.RegisterLoader("gpt", simLoader(time.Millisecond))
	require.NoError(t, r.LoadModel(context.Background(), modelConfig(t, "gpt", "v1")))

	ref, err := r.GetModel("gpt", "v1")
	require.NoError(t, err)

	require.NoError(t, r.LoadModel(context.Background(), modelConfig(t, "gpt", "v2")))
	r.UnloadModel(context.Background(), "gpt", "v1")

	// v1 is gone from the registry...
	_, err = r.GetModel("gpt", "v1")
	require.Error(t, err)

	// ...but the already-obtained ref still generates against v1's handle.
	req, err := types.NewInferenceRequest("r1", "gpt", "hi", 2, 0.5, 1.0, types.PriorityNormal, 5, "c", nil)
	require.NoError(t, err)
	var tokens []types.StreamToken
	genErr := ref.Handle.Generate(context.Background(), req, func(tok types.StreamToken) error {
		tokens = append(tokens, tok)
		return nil
	})
	require.NoError(t, genErr)
	assert.Len(t, tokens, 2)
	ref.Release()
}

func TestUnloadAllVersionsClearsActivePointer(t *testing.T) {
	r := New(nil)
	r.RegisterLoader("gpt", simLoader(time.Millisecond))
	require.NoError(t, r.LoadModel(context.Background(), modelConfig(t, "gpt", "v1")))

	r.UnloadModel(context.Background(), "gpt", "")

	_, err := r.GetModel("gpt", "")
	require.Error(t, err)
}

func TestUnloadActiveVersionPromotesRemaining(t *testing.T) {
	r := New(nil)
	r.RegisterLoader("gpt", simLoader(time.Millisecond))
	require.NoError(t, r.LoadModel(context.Background(), modelConfig(t, "gpt", "v1")))
	require.NoError(t, r.LoadModel(context.Background(), modelConfig(t, "gpt", "v2")))
	require.True(t, r.SetActiveVersion("gpt", "v2"))

	r.UnloadModel(context.Background(), "gpt", "v2")

	ref, err := r.GetModel("gpt", "")
	require.NoError(t, err)
	assert.Equal(t, "v1", ref.Version)
	ref.Release()
}

func TestHealthCheckDefaultsHealthyWithoutCapability(t *testing.T) {
	r := New(nil)
	r.RegisterLoader("gpt", func(ctx context.Context, config types.ModelConfig) (backend.Handle, error) {
		// warmupSpy implements only Generate, not HealthChecker.
		return &warmupSpy{onGenerate: func(*types.InferenceRequest) {}}, nil
	})
	require.NoError(t, r.LoadModel(context.Background(), modelConfig(t, "gpt", "v1")))

	assert.True(t, r.HealthCheck(context.Background(), "gpt"))
}

func TestHealthCheckReflectsBackendFailure(t *testing.T) {
	r := New(nil)
	var sim *backend.Simulated
	r.RegisterLoader("gpt", func(ctx context.Context, config types.ModelConfig) (backend.Handle, error) {
		sim = backend.NewSimulated(config.Name, time.Millisecond)
		return sim, nil
	})
	require.NoError(t, r.LoadModel(context.Background(), modelConfig(t, "gpt", "v1")))

	sim.SetUnhealthy(true)
	assert.False(t, r.HealthCheck(context.Background(), "gpt"))

	stats, ok := r.ModelStats("gpt")
	require.True(t, ok)
	assert.False(t, stats.Healthy)
}

func TestModelStatsTracksInferenceCounters(t *testing.T) {
	r := New(nil)
	r.RegisterLoader("gpt", simLoader(time.Millisecond))
	require.NoError(t, r.LoadModel(context.Background(), modelConfig(t, "gpt", "v1")))

	ref, err := r.GetModel("gpt", "")
	require.NoError(t, err)
	ref.RecordInference(12)
	ref.RecordInference(8)
	ref.Release()

	stats, ok := r.ModelStats("gpt")
	require.True(t, ok)
	assert.Equal(t, int64(2), stats.InferenceCount)
	assert.Equal(t, int64(20), stats.TotalTokensGenerated)
	assert.Equal(t, 10.0, stats.TokensPerInference)
}

func TestWarmupCapsAtTenTokens(t *testing.T) {
	r := New(nil)
	var observedMaxTokens int
	r.RegisterLoader("gpt", func(ctx context.Context, config types.ModelConfig) (backend.Handle, error) {
		return &warmupSpy{onGenerate: func(req *types.InferenceRequest) { observedMaxTokens = req.MaxTokens }}, nil
	})

	cfg, err := types.NewModelConfig("gpt", "v1", types.DeviceCPU, "fp16", 2048, 50, nil)
	require.NoError(t, err)
	require.NoError(t, r.LoadModel(context.Background(), *cfg))

	assert.Equal(t, 10, observedMaxTokens)
}

type warmupSpy struct {
	onGenerate func(req *types.InferenceRequest)
}

func (w *warmupSpy) Generate(ctx context.Context, req *types.InferenceRequest, emit func(types.StreamToken) error) error {
	w.onGenerate(req)
	return nil
}

func TestConcurrentGetModelDuringSwap(t *testing.T) {
	r := New(nil)
	r.RegisterLoader("gpt", simLoader(time.Microsecond))
	require.NoError(t, r.LoadModel(context.Background(), modelConfig(t, "gpt", "v1")))
	require.NoError(t, r.LoadModel(context.Background(), modelConfig(t, "gpt", "v2")))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := r.GetModel("gpt", "")
			if err == nil {
				ref.Release()
			}
		}()
	}
	wg.Wait()
}

func TestShutdownUnloadsEverything(t *testing.T) {
	r := New(nil)
	r.RegisterLoader("gpt", simLoader(time.Millisecond))
	r.RegisterLoader("llama", simLoader(time.Millisecond))
	require.NoError(t, r.LoadModel(context.Background(), modelConfig(t, "gpt", "v1")))
	require.NoError(t, r.LoadModel(context.Background(), modelConfig(t, "llama", "v1")))

	r.Shutdown(context.Background())

	_, err := r.GetModel("gpt", "")
	assert.Error(t, err)
	_, err = r.GetModel("llama", "")
	assert.Error(t, err)
}
