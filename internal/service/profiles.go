package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/vltx-lol/vltx/internal/model"
	registrycache "github.com/vltx-lol/vltx/internal/registry/cache"
	registrystore "github.com/vltx-lol/vltx/internal/registry/store"
	"github.com/vltx-lol/vltx/internal/security"
	"golang.org/x/sync/singleflight"
)

// Clock issues strictly increasing Unix-millisecond timestamps.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewClock returns a clock reading now. A nil now uses time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns max(now, last+1).
func (c *Clock) Next() int64 {
	ms := c.now().UnixMilli()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ms <= c.last {
		ms = c.last + 1
	}
	c.last = ms
	return ms
}

// ProfileRepository saves and loads profile records.
type ProfileRepository struct {
	store    registrystore.ProfileStore
	cache    registrycache.ProfileCache
	cacheTTL time.Duration
	clock    *Clock
	loads    singleflight.Group

	// writes counts completed saves per handle. A load that observes a
	// different count after reading the store must not fill the cache.
	writesMu sync.Mutex
	writes   map[string]uint64
}

// NewProfileRepository creates a repository. cache may be nil.
func NewProfileRepository(store registrystore.ProfileStore, cache registrycache.ProfileCache, cacheTTL time.Duration) *ProfileRepository {
	return &ProfileRepository{
		store:    store,
		cache:    cache,
		cacheTTL: cacheTTL,
		clock:    NewClock(nil),
		writes:   map[string]uint64{},
	}
}

// Save validates and stores the profile, replacing all caller-defined fields,
// and makes sure a counter record exists. Returns the canonical handle.
func (r *ProfileRepository) Save(ctx context.Context, handle string, data map[string]any) (string, error) {
	if err := model.CheckHandle(handle); err != nil {
		return "", &registrystore.ValidationError{Code: registrystore.CodeInvalidHandle, Field: "username", Message: err.Error()}
	}
	if data == nil {
		return "", &registrystore.ValidationError{Code: registrystore.CodeInvalidPayload, Field: "data", Message: "data must be an object"}
	}
	fields := make(map[string]any, len(data))
	for k, v := range data {
		if k == "" || strings.HasPrefix(k, "$") {
			return "", &registrystore.ValidationError{Code: registrystore.CodeInvalidPayload, Field: "data", Message: "field names must be non-empty and must not start with '$'"}
		}
		if model.IsSystemField(k) {
			continue
		}
		fields[k] = v
	}

	canonical := model.NormalizeHandle(handle)
	if err := r.store.UpsertProfile(ctx, canonical, fields, r.clock.Next()); err != nil {
		return "", asStoreError("save_profile", err)
	}
	if err := r.store.EnsureCounter(ctx, canonical); err != nil {
		return "", asStoreError("ensure_counter", err)
	}
	r.bumpGeneration(canonical)
	r.loads.Forget(canonical)
	r.invalidate(ctx, canonical)
	return canonical, nil
}

// Get returns the stored profile or *NotFoundError. Reserved and malformed
// handles are reported as not found without touching the store.
func (r *ProfileRepository) Get(ctx context.Context, handle string) (*model.Profile, error) {
	if model.CheckHandle(handle) != nil {
		return nil, &registrystore.NotFoundError{Resource: "profile", ID: handle}
	}
	canonical := model.NormalizeHandle(handle)

	if r.cacheAvailable() {
		cached, err := r.cache.Get(ctx, canonical)
		if err != nil {
			log.Warn("Profile cache read failed", "handle", canonical, "err", err)
		} else if cached != nil {
			security.RecordCacheLookup(true)
			return cached, nil
		}
		security.RecordCacheLookup(false)
	}

	// Coalesce concurrent misses for the same handle. The shared load is not
	// bound to any one caller's cancellation.
	ch := r.loads.DoChan(canonical, func() (any, error) {
		loadCtx := context.WithoutCancel(ctx)
		gen := r.generation(canonical)
		profile, err := r.store.GetProfile(loadCtx, canonical)
		if err != nil {
			return nil, err
		}
		if r.cacheAvailable() && r.generation(canonical) == gen {
			if err := r.cache.Set(loadCtx, canonical, profile, r.cacheTTL); err != nil {
				log.Warn("Profile cache write failed", "handle", canonical, "err", err)
			}
			// A save that landed during Set may have removed the entry first.
			if r.generation(canonical) != gen {
				r.invalidate(loadCtx, canonical)
			}
		}
		return profile, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var notFound *registrystore.NotFoundError
			if errors.As(res.Err, &notFound) {
				return nil, res.Err
			}
			return nil, asStoreError("get_profile", res.Err)
		}
		return res.Val.(*model.Profile), nil
	}
}

func (r *ProfileRepository) generation(handle string) uint64 {
	r.writesMu.Lock()
	defer r.writesMu.Unlock()
	return r.writes[handle]
}

func (r *ProfileRepository) bumpGeneration(handle string) {
	r.writesMu.Lock()
	r.writes[handle]++
	r.writesMu.Unlock()
}

func (r *ProfileRepository) cacheAvailable() bool {
	return r.cache != nil && r.cache.Available()
}

func (r *ProfileRepository) invalidate(ctx context.Context, handle string) {
	if !r.cacheAvailable() {
		return
	}
	if err := r.cache.Remove(ctx, handle); err != nil {
		log.Warn("Profile cache invalidation failed", "handle", handle, "err", err)
	}
}

// asStoreError passes typed store errors through and wraps anything else.
func asStoreError(op string, err error) error {
	var (
		unavailable *registrystore.UnavailableError
		storeErr    *registrystore.StoreError
		validation  *registrystore.ValidationError
		notFound    *registrystore.NotFoundError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.As(err, &unavailable), errors.As(err, &storeErr), errors.As(err, &validation), errors.As(err, &notFound):
		return err
	default:
		return &registrystore.StoreError{Op: op, Err: err}
	}
}
