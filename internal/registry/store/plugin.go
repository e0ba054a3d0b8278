package store

import (
	"context"
	"fmt"

	"github.com/vltx-lol/vltx/internal/model"
)

// ProfileStore defines the persistence primitives for profile records and
// their counters. Implementations obtain their driver handle from a
// dbconn.Manager on every call.
type ProfileStore interface {
	// UpsertProfile replaces the non-system fields of the profile with the
	// given handle, creating the record if absent. The internal id of an
	// existing record is preserved.
	UpsertProfile(ctx context.Context, handle string, fields map[string]any, updatedAt int64) error
	// GetProfile returns the profile or *NotFoundError.
	GetProfile(ctx context.Context, handle string) (*model.Profile, error)

	// EnsureCounter creates a zeroed counter record if none exists. It never
	// resets an existing one.
	EnsureCounter(ctx context.Context, handle string) error
	// IncrementCounter atomically adds one to field and returns the new value.
	// With upsert it creates the record when absent. A duplicate-key race on
	// that insert is reported as *ConflictError.
	IncrementCounter(ctx context.Context, handle string, field model.CounterField, upsert bool) (int64, error)
	// GetCounter returns the counter record or nil when absent.
	GetCounter(ctx context.Context, handle string) (*model.Counter, error)

	// Ping checks connectivity, reconnecting once if needed.
	Ping(ctx context.Context) error
	// Connected reports whether a live connection is currently cached.
	Connected() bool
	// Close releases the connection.
	Close(ctx context.Context) error
}

// Loader creates a ProfileStore from config.
type Loader func(ctx context.Context) (ProfileStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
