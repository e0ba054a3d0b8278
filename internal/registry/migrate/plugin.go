package migrate

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"github.com/vltx-lol/vltx/internal/config"
)

// Migrator brings one datastore's schema up to date. Migrate must be idempotent.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context) error
}

// Plugin binds a migrator to the datastore kind it serves.
type Plugin struct {
	Order    int
	Kind     string
	Migrator Migrator
}

var plugins []Plugin

// Register adds a migration plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// RunAll applies the migrators registered for the configured datastore kind,
// in Order. Nothing runs unless migrate-at-start is enabled.
func RunAll(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	selected := ForKind(cfg.DatastoreType)
	if len(selected) == 0 {
		log.Warn("No migrations registered", "db", cfg.DatastoreType)
		return nil
	}
	for _, p := range selected {
		start := time.Now()
		log.Info("Running migration", "name", p.Migrator.Name())
		if err := p.Migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migration %s failed: %w", p.Migrator.Name(), err)
		}
		log.Info("Migration complete", "name", p.Migrator.Name(), "took", time.Since(start).Round(time.Millisecond))
	}
	return nil
}

// ForKind returns the plugins registered for a datastore kind, sorted by Order.
func ForKind(kind string) []Plugin {
	var out []Plugin
	for _, p := range plugins {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	slices.SortStableFunc(out, func(a, b Plugin) int { return cmp.Compare(a.Order, b.Order) })
	return out
}
