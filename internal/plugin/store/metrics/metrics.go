package metrics

import (
	"context"
	"time"

	"github.com/vltx-lol/vltx/internal/model"
	"github.com/vltx-lol/vltx/internal/registry/store"
	"github.com/vltx-lol/vltx/internal/security"
)

// Wrap returns a ProfileStore that records StoreLatency for every operation.
func Wrap(inner store.ProfileStore) store.ProfileStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.ProfileStore
}

func observe(op string, start time.Time) {
	security.ObserveStoreLatency(op, start)
}

func (m *metricsStore) UpsertProfile(ctx context.Context, handle string, fields map[string]any, updatedAt int64) error {
	defer observe("upsert_profile", time.Now())
	return m.inner.UpsertProfile(ctx, handle, fields, updatedAt)
}

func (m *metricsStore) GetProfile(ctx context.Context, handle string) (*model.Profile, error) {
	defer observe("get_profile", time.Now())
	return m.inner.GetProfile(ctx, handle)
}

func (m *metricsStore) EnsureCounter(ctx context.Context, handle string) error {
	defer observe("ensure_counter", time.Now())
	return m.inner.EnsureCounter(ctx, handle)
}

func (m *metricsStore) IncrementCounter(ctx context.Context, handle string, field model.CounterField, upsert bool) (int64, error) {
	defer observe("increment_"+string(field), time.Now())
	return m.inner.IncrementCounter(ctx, handle, field, upsert)
}

func (m *metricsStore) GetCounter(ctx context.Context, handle string) (*model.Counter, error) {
	defer observe("get_counter", time.Now())
	return m.inner.GetCounter(ctx, handle)
}

func (m *metricsStore) Ping(ctx context.Context) error {
	defer observe("ping", time.Now())
	return m.inner.Ping(ctx)
}

func (m *metricsStore) Connected() bool {
	return m.inner.Connected()
}

func (m *metricsStore) Close(ctx context.Context) error {
	return m.inner.Close(ctx)
}

var _ store.ProfileStore = (*metricsStore)(nil)
