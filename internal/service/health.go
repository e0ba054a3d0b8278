package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	registrystore "github.com/vltx-lol/vltx/internal/registry/store"
	"github.com/vltx-lol/vltx/internal/security"
)

// HealthMonitor periodically probes the store so a dropped connection is
// noticed (and re-established) before the next request needs it.
type HealthMonitor struct {
	store    registrystore.ProfileStore
	interval time.Duration
}

func NewHealthMonitor(store registrystore.ProfileStore, interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		store:    store,
		interval: interval,
	}
}

func (m *HealthMonitor) Start(ctx context.Context) {
	if m == nil || m.store == nil || m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

func (m *HealthMonitor) checkOnce(ctx context.Context) {
	err := m.store.Ping(ctx)
	security.SetStoreConnected(err == nil)
	if err != nil && ctx.Err() == nil {
		log.Warn("Store health check failed", "err", err)
	}
}
