package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	registrystore "github.com/vltx-lol/vltx/internal/registry/store"
)

func TestClock_StrictlyIncreasing(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	c := NewClock(func() time.Time { return fixed })
	require.Equal(t, int64(1_700_000_000_000), c.Next())
	require.Equal(t, int64(1_700_000_000_001), c.Next())
	require.Equal(t, int64(1_700_000_000_002), c.Next())
}

func TestClock_FollowsWallClockForward(t *testing.T) {
	now := time.UnixMilli(1000)
	c := NewClock(func() time.Time { return now })
	require.Equal(t, int64(1000), c.Next())
	now = time.UnixMilli(5000)
	require.Equal(t, int64(5000), c.Next())
	now = time.UnixMilli(10)
	require.Equal(t, int64(5001), c.Next())
}

func TestProfileRepository_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	repo := NewProfileRepository(store, nil, 0)

	handle, err := repo.Save(ctx, "Alice", map[string]any{
		"bio":       "hello",
		"updatedAt": float64(1),
		"username":  "mallory",
		"_id":       "forged",
	})
	require.NoError(t, err)
	require.Equal(t, "alice", handle)

	p, err := repo.Get(ctx, "ALICE")
	require.NoError(t, err)
	require.Equal(t, "alice", p.Handle)
	require.Equal(t, "hello", p.Fields["bio"])
	require.NotContains(t, p.Fields, "username")
	require.NotContains(t, p.Fields, "_id")
	require.Greater(t, p.UpdatedAt, int64(1))

	doc := p.Document()
	require.Equal(t, "alice", doc["username"])
	require.NotEqual(t, "forged", doc["_id"])
}

func TestProfileRepository_SaveIsFullReplaceWithIncreasingTimestamp(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	repo := NewProfileRepository(store, nil, 0)

	_, err := repo.Save(ctx, "bob", map[string]any{"bio": "one", "color": "red"})
	require.NoError(t, err)
	first, err := repo.Get(ctx, "bob")
	require.NoError(t, err)

	_, err = repo.Save(ctx, "bob", map[string]any{"bio": "two"})
	require.NoError(t, err)
	second, err := repo.Get(ctx, "bob")
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "two", second.Fields["bio"])
	require.NotContains(t, second.Fields, "color")
	require.Greater(t, second.UpdatedAt, first.UpdatedAt)
}

func TestProfileRepository_SaveDoesNotResetCounters(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	repo := NewProfileRepository(store, nil, 0)
	ledger := NewCounterLedger(store)

	_, err := repo.Save(ctx, "carol", map[string]any{})
	require.NoError(t, err)
	counts, err := ledger.GetCounts(ctx, "carol")
	require.NoError(t, err)
	require.Equal(t, int64(0), counts.Views)

	for i := 0; i < 3; i++ {
		_, err = ledger.RecordView(ctx, "carol")
		require.NoError(t, err)
	}
	_, err = repo.Save(ctx, "carol", map[string]any{"bio": "again"})
	require.NoError(t, err)

	views, err := ledger.GetViews(ctx, "carol")
	require.NoError(t, err)
	require.Equal(t, int64(3), views)
}

func TestProfileRepository_SaveRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	repo := NewProfileRepository(store, nil, 0)

	cases := []struct {
		name   string
		handle string
		data   map[string]any
		code   string
	}{
		{"too short", "a", map[string]any{}, registrystore.CodeInvalidHandle},
		{"bad characters", "al ice", map[string]any{}, registrystore.CodeInvalidHandle},
		{"reserved", "API", map[string]any{}, registrystore.CodeInvalidHandle},
		{"nil data", "dave", nil, registrystore.CodeInvalidPayload},
		{"operator key", "dave", map[string]any{"$set": 1}, registrystore.CodeInvalidPayload},
		{"empty key", "dave", map[string]any{"": 1}, registrystore.CodeInvalidPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := repo.Save(ctx, tc.handle, tc.data)
			var validation *registrystore.ValidationError
			require.ErrorAs(t, err, &validation)
			require.Equal(t, tc.code, validation.Code)
		})
	}
	require.Empty(t, store.profiles)
}

func TestProfileRepository_GetReservedOrInvalidIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	repo := NewProfileRepository(store, nil, 0)

	for _, h := range []string{"api", "Health", "x", "no spaces"} {
		_, err := repo.Get(ctx, h)
		var notFound *registrystore.NotFoundError
		require.ErrorAs(t, err, &notFound, h)
	}
	require.Zero(t, store.getCalls.Load())
}

func TestProfileRepository_StoreErrorsAreTyped(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	repo := NewProfileRepository(store, nil, 0)

	store.upsertErr = errors.New("boom")
	_, err := repo.Save(ctx, "erin", map[string]any{})
	var storeErr *registrystore.StoreError
	require.ErrorAs(t, err, &storeErr)

	store.upsertErr = &registrystore.UnavailableError{Err: errors.New("down")}
	_, err = repo.Save(ctx, "erin", map[string]any{})
	var unavailable *registrystore.UnavailableError
	require.ErrorAs(t, err, &unavailable)
}

func TestProfileRepository_CacheReadThroughAndInvalidation(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	cache := newFakeCache()
	repo := NewProfileRepository(store, cache, time.Minute)

	_, err := repo.Save(ctx, "frank", map[string]any{"bio": "v1"})
	require.NoError(t, err)

	_, err = repo.Get(ctx, "frank")
	require.NoError(t, err)
	_, err = repo.Get(ctx, "frank")
	require.NoError(t, err)
	require.Equal(t, int32(1), store.getCalls.Load())

	_, err = repo.Save(ctx, "frank", map[string]any{"bio": "v2"})
	require.NoError(t, err)
	require.Contains(t, cache.removed, "frank")

	p, err := repo.Get(ctx, "frank")
	require.NoError(t, err)
	require.Equal(t, "v2", p.Fields["bio"])
	require.Equal(t, int32(2), store.getCalls.Load())
}

func TestProfileRepository_SaveDuringLoadDoesNotCacheOldProfile(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	cache := newFakeCache()
	repo := NewProfileRepository(store, cache, time.Minute)
	_, err := repo.Save(ctx, "ivan", map[string]any{"bio": "old"})
	require.NoError(t, err)

	read := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	store.afterGet = func(string) {
		once.Do(func() {
			close(read)
			<-release
		})
	}

	stale := make(chan error, 1)
	go func() {
		_, err := repo.Get(ctx, "ivan")
		stale <- err
	}()
	<-read

	_, err = repo.Save(ctx, "ivan", map[string]any{"bio": "new"})
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-stale)

	p, err := repo.Get(ctx, "ivan")
	require.NoError(t, err)
	require.Equal(t, "new", p.Fields["bio"])

	p, err = repo.Get(ctx, "ivan")
	require.NoError(t, err)
	require.Equal(t, "new", p.Fields["bio"], "cache must not hold the pre-save profile")
}

func TestProfileRepository_SaveLeavesOtherHandlesUntouched(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	repo := NewProfileRepository(store, nil, 0)
	ledger := NewCounterLedger(store)

	_, err := repo.Save(ctx, "alice", map[string]any{"bio": "a", "links": []any{"x"}})
	require.NoError(t, err)
	_, err = ledger.RecordView(ctx, "alice")
	require.NoError(t, err)
	_, err = ledger.RecordClick(ctx, "alice")
	require.NoError(t, err)
	before, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	countsBefore, err := ledger.GetCounts(ctx, "alice")
	require.NoError(t, err)

	_, err = repo.Save(ctx, "bob", map[string]any{"bio": "b"})
	require.NoError(t, err)

	after, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, before.ID, after.ID)
	require.Equal(t, before.Fields, after.Fields)
	require.Equal(t, before.UpdatedAt, after.UpdatedAt)
	countsAfter, err := ledger.GetCounts(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, countsBefore, countsAfter)
}

func TestProfileRepository_ConcurrentMissesShareOneLoad(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.getDelay = 50 * time.Millisecond
	repo := NewProfileRepository(store, nil, 0)
	require.NoError(t, store.UpsertProfile(ctx, "gina", map[string]any{"bio": "x"}, 1))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := repo.Get(ctx, "gina")
			if assert.NoError(t, err) {
				assert.Equal(t, "x", p.Fields["bio"])
			}
		}()
	}
	wg.Wait()
	require.Less(t, store.getCalls.Load(), int32(10))
}

func TestProfileRepository_GetHonorsCallerCancellation(t *testing.T) {
	store := newFakeStore()
	store.getDelay = 200 * time.Millisecond
	repo := NewProfileRepository(store, nil, 0)
	require.NoError(t, store.UpsertProfile(context.Background(), "hank", map[string]any{}, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := repo.Get(ctx, "hank")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
