package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/vltx-lol/vltx/internal/model"
)

// ProfileCache caches profile records by canonical handle. The store stays
// authoritative; callers treat cache errors as misses.
type ProfileCache interface {
	Available() bool
	// Get returns the cached profile, or nil on a miss.
	Get(ctx context.Context, handle string) (*model.Profile, error)
	Set(ctx context.Context, handle string, profile *model.Profile, ttl time.Duration) error
	Remove(ctx context.Context, handle string) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (ProfileCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
