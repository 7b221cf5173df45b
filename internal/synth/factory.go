package synth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

// FromConfig builds the configured backend, wrapped with the segment cache when
// one is enabled. The returned release func closes the cache store.
func FromConfig(ctx context.Context, synthCfg config.SynthConfig, cacheCfg config.CacheConfig, logger *slog.Logger) (Backend, func() error, error) {
	var (
		backend Backend
		err     error
	)
	switch synthCfg.Mode {
	case "gradio":
		backend = NewGradioBackend(GradioConfig{
			Endpoint: synthCfg.Endpoint,
			APIName:  synthCfg.APIName,
			Token:    synthCfg.Token,
			Timeout:  time.Duration(synthCfg.RequestTimeout) * time.Millisecond,
		}, logger)
	case "openai":
		backend = NewOpenAIBackend(OpenAIConfig{
			APIKey:  synthCfg.Token,
			BaseURL: synthCfg.BaseURL,
			Model:   synthCfg.Model,
			Voice:   synthCfg.Voice,
		}, logger)
	case "exec":
		backend, err = NewExecBackend(synthCfg.Command)
		if err != nil {
			return nil, nil, err
		}
	case "mock":
		backend = NewMockBackend(synthCfg.SampleRate)
	default:
		return nil, nil, fmt.Errorf("unknown synth mode %q", synthCfg.Mode)
	}

	noop := func() error { return nil }
	ttl := time.Duration(cacheCfg.TTLSeconds) * time.Second
	switch cacheCfg.Mode {
	case "", "none":
		return backend, noop, nil
	case "memory":
		store := NewMemoryStore()
		return WithCache(backend, store, ttl, logger), store.Close, nil
	case "redis":
		store, err := NewRedisStore(ctx, cacheCfg.RedisAddr, cacheCfg.RedisPass, cacheCfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return WithCache(backend, store, ttl, logger), store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache mode %q", cacheCfg.Mode)
	}
}
