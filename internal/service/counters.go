package service

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"
	"github.com/vltx-lol/vltx/internal/model"
	registrystore "github.com/vltx-lol/vltx/internal/registry/store"
	"github.com/vltx-lol/vltx/internal/security"
)

// CounterLedger records profile views and link clicks.
type CounterLedger struct {
	store registrystore.ProfileStore
}

// NewCounterLedger creates a ledger over store.
func NewCounterLedger(store registrystore.ProfileStore) *CounterLedger {
	return &CounterLedger{store: store}
}

// RecordView adds one view and returns the new total.
func (l *CounterLedger) RecordView(ctx context.Context, handle string) (int64, error) {
	return l.increment(ctx, handle, model.CounterViews)
}

// RecordClick adds one click and returns the new total.
func (l *CounterLedger) RecordClick(ctx context.Context, handle string) (int64, error) {
	return l.increment(ctx, handle, model.CounterClicks)
}

// increment upserts the counter. Two first-time increments for the same
// handle can both try to insert; the loser gets a duplicate key and retries
// once as a plain update of the record the winner created.
func (l *CounterLedger) increment(ctx context.Context, handle string, field model.CounterField) (int64, error) {
	if !model.ValidHandleFormat(handle) {
		return 0, &registrystore.ValidationError{Code: registrystore.CodeInvalidHandle, Field: "username", Message: "invalid handle"}
	}
	canonical := model.NormalizeHandle(handle)
	op := "increment_" + string(field)

	n, err := l.store.IncrementCounter(ctx, canonical, field, true)
	if err == nil {
		return n, nil
	}
	var conflict *registrystore.ConflictError
	if !errors.As(err, &conflict) {
		return 0, asStoreError(op, err)
	}

	security.RecordCounterConflictRetry(string(field))
	log.Debug("Counter insert conflict, retrying as update", "handle", canonical, "field", field)
	n, err = l.store.IncrementCounter(ctx, canonical, field, false)
	if err != nil {
		if errors.As(err, &conflict) {
			return 0, &registrystore.StoreError{Op: op, Err: err}
		}
		return 0, asStoreError(op, err)
	}
	return n, nil
}

// GetViews returns the view total, 0 when the handle has none.
func (l *CounterLedger) GetViews(ctx context.Context, handle string) (int64, error) {
	c, err := l.GetCounts(ctx, handle)
	if err != nil {
		return 0, err
	}
	return c.Views, nil
}

// GetCounts returns both totals, zeros when the handle has none.
func (l *CounterLedger) GetCounts(ctx context.Context, handle string) (model.Counter, error) {
	if !model.ValidHandleFormat(handle) {
		return model.Counter{Handle: handle}, nil
	}
	canonical := model.NormalizeHandle(handle)
	c, err := l.store.GetCounter(ctx, canonical)
	if err != nil {
		return model.Counter{}, asStoreError("get_counter", err)
	}
	if c == nil {
		return model.Counter{Handle: canonical}, nil
	}
	return *c, nil
}
