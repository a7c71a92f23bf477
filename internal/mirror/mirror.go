package mirror

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/agentworkforce/schediq/internal/resource"
)

const (
	StateKey = "schediq_resource_manager_data"
	CacheKey = "schediq_analysis_cache"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Mirror reads and writes the snapshot and the analysis cache through a
// Backend. It remembers the hash of what it last wrote so callers can tell
// foreign writes apart from their own.
type Mirror struct {
	backend Backend
	logger  Logger

	mu         sync.Mutex
	lastHashes map[string]string
}

func New(backend Backend, logger Logger) *Mirror {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Mirror{backend: backend, logger: logger, lastHashes: map[string]string{}}
}

func (m *Mirror) Backend() Backend {
	return m.backend
}

// LoadState returns the persisted snapshot. A missing or corrupt entry yields
// an empty snapshot; only backend failures are returned as errors.
func (m *Mirror) LoadState(ctx context.Context) (resource.State, error) {
	data, err := m.backend.Load(ctx, StateKey)
	if err != nil {
		return resource.EmptyState(), fmt.Errorf("load %s: %w", StateKey, err)
	}
	m.remember(StateKey, data)
	if len(bytes.TrimSpace(data)) == 0 {
		return resource.EmptyState(), nil
	}
	state, err := resource.DecodeState(data)
	if err != nil {
		m.logf("mirror: discarding corrupt %s: %v", StateKey, err)
		return resource.EmptyState(), nil
	}
	return state, nil
}

// LoadAnalysisCache is LoadState for the analysis cache.
func (m *Mirror) LoadAnalysisCache(ctx context.Context) (resource.AnalysisCache, error) {
	data, err := m.backend.Load(ctx, CacheKey)
	if err != nil {
		return resource.AnalysisCache{}, fmt.Errorf("load %s: %w", CacheKey, err)
	}
	m.remember(CacheKey, data)
	if len(bytes.TrimSpace(data)) == 0 {
		return resource.AnalysisCache{}, nil
	}
	cache, err := resource.DecodeAnalysisCache(data)
	if err != nil {
		m.logf("mirror: discarding corrupt %s: %v", CacheKey, err)
		return resource.AnalysisCache{}, nil
	}
	return cache, nil
}

// Save writes both entries.
func (m *Mirror) Save(ctx context.Context, state resource.State, cache resource.AnalysisCache) error {
	stateData, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode %s: %w", StateKey, err)
	}
	if cache == nil {
		cache = resource.AnalysisCache{}
	}
	cacheData, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("encode %s: %w", CacheKey, err)
	}
	var errs []error
	if err := m.backend.Save(ctx, StateKey, stateData); err != nil {
		errs = append(errs, fmt.Errorf("save %s: %w", StateKey, err))
	} else {
		m.remember(StateKey, stateData)
	}
	if err := m.backend.Save(ctx, CacheKey, cacheData); err != nil {
		errs = append(errs, fmt.Errorf("save %s: %w", CacheKey, err))
	} else {
		m.remember(CacheKey, cacheData)
	}
	return errors.Join(errs...)
}

// Clear deletes both entries.
func (m *Mirror) Clear(ctx context.Context) error {
	var errs []error
	for _, key := range []string{StateKey, CacheKey} {
		if err := m.backend.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
			continue
		}
		m.remember(key, nil)
	}
	return errors.Join(errs...)
}

// Changed reports whether either entry differs from what this mirror last
// read or wrote.
func (m *Mirror) Changed(ctx context.Context) (bool, error) {
	for _, key := range []string{StateKey, CacheKey} {
		data, err := m.backend.Load(ctx, key)
		if err != nil {
			return false, fmt.Errorf("load %s: %w", key, err)
		}
		m.mu.Lock()
		last := m.lastHashes[key]
		m.mu.Unlock()
		if hashBytes(data) != last {
			return true, nil
		}
	}
	return false, nil
}

func (m *Mirror) Close() error {
	if closer, ok := m.backend.(backendCloser); ok {
		return closer.Close()
	}
	return nil
}

func (m *Mirror) remember(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastHashes[key] = hashBytes(data)
}

func (m *Mirror) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

func hashBytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
