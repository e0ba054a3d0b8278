// Package local provides an in-process profile cache backed by ristretto.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/vltx-lol/vltx/internal/config"
	"github.com/vltx-lol/vltx/internal/model"
	registrycache "github.com/vltx-lol/vltx/internal/registry/cache"
)

const defaultTTL = 5 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "local",
		Loader: func(ctx context.Context) (registrycache.ProfileCache, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil {
				return New(10000, defaultTTL)
			}
			return New(cfg.CacheMaxEntries, cfg.CacheTTL)
		},
	})
}

// New creates a cache holding at most maxEntries profiles.
func New(maxEntries int64, ttl time.Duration) (registrycache.ProfileCache, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	return &localProfileCache{cache: c, ttl: ttl}, nil
}

// Profiles are stored encoded so callers never share mutable field maps.
type localProfileCache struct {
	cache *ristretto.Cache[string, []byte]
	ttl   time.Duration
}

func (c *localProfileCache) Available() bool { return true }

func (c *localProfileCache) Get(_ context.Context, handle string) (*model.Profile, error) {
	data, ok := c.cache.Get(handle)
	if !ok {
		return nil, nil
	}
	var profile model.Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (c *localProfileCache) Set(_ context.Context, handle string, profile *model.Profile, ttl time.Duration) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	c.cache.SetWithTTL(handle, data, 1, ttl)
	c.cache.Wait()
	return nil
}

func (c *localProfileCache) Remove(_ context.Context, handle string) error {
	c.cache.Del(handle)
	return nil
}

var _ registrycache.ProfileCache = (*localProfileCache)(nil)
