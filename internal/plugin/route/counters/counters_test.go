package counters_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/vltx-lol/vltx/internal/model"
	"github.com/vltx-lol/vltx/internal/plugin/route/counters"
	registrystore "github.com/vltx-lol/vltx/internal/registry/store"
)

type fakeLedger struct {
	counts map[string]*model.Counter
	err    error
}

func (f *fakeLedger) get(handle string) *model.Counter {
	c, ok := f.counts[handle]
	if !ok {
		c = &model.Counter{Handle: handle}
		f.counts[handle] = c
	}
	return c
}

func (f *fakeLedger) RecordView(_ context.Context, handle string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	c := f.get(handle)
	c.Views++
	return c.Views, nil
}

func (f *fakeLedger) RecordClick(_ context.Context, handle string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	c := f.get(handle)
	c.Clicks++
	return c.Clicks, nil
}

func (f *fakeLedger) GetViews(_ context.Context, handle string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.get(handle).Views, nil
}

func (f *fakeLedger) GetCounts(_ context.Context, handle string) (model.Counter, error) {
	if f.err != nil {
		return model.Counter{}, f.err
	}
	return *f.get(handle), nil
}

func setup(t *testing.T) (*gin.Engine, *fakeLedger) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	fake := &fakeLedger{counts: map[string]*model.Counter{}}
	counters.MountRoutes(r, fake)
	return r, fake
}

func do(r http.Handler, method, path string) (int, map[string]any) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w.Code, out
}

func TestCounterRoutes(t *testing.T) {
	r, _ := setup(t)

	code, body := do(r, http.MethodGet, "/api/view/alice")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(0), body["views"])

	code, body = do(r, http.MethodPost, "/api/view/alice")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(1), body["views"])

	code, body = do(r, http.MethodPost, "/api/click/alice")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["ok"])

	code, body = do(r, http.MethodGet, "/api/stats/alice")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, map[string]any{"views": float64(1), "clicks": float64(1)}, body)
}

func TestCounterRoutes_Errors(t *testing.T) {
	r, fake := setup(t)

	fake.err = &registrystore.StoreError{Op: "increment_views", Err: errors.New("boom")}
	code, body := do(r, http.MethodPost, "/api/view/alice")
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, "store_error", body["code"])

	fake.err = &registrystore.UnavailableError{Err: errors.New("down")}
	code, body = do(r, http.MethodPost, "/api/click/alice")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "store_unavailable", body["code"])

	fake.err = &registrystore.ValidationError{Code: registrystore.CodeInvalidHandle, Field: "username", Message: "invalid handle"}
	code, body = do(r, http.MethodPost, "/api/view/x")
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, registrystore.CodeInvalidHandle, body["code"])
}
