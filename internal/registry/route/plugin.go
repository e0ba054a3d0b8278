package route

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/vltx-lol/vltx/internal/model"
	registrymedia "github.com/vltx-lol/vltx/internal/registry/media"
)

// ProfileService saves and reads profiles by handle.
type ProfileService interface {
	Save(ctx context.Context, handle string, data map[string]any) (string, error)
	Get(ctx context.Context, handle string) (*model.Profile, error)
}

// CounterLedger records and reports view and click counts.
type CounterLedger interface {
	RecordView(ctx context.Context, handle string) (int64, error)
	RecordClick(ctx context.Context, handle string) (int64, error)
	GetViews(ctx context.Context, handle string) (int64, error)
	GetCounts(ctx context.Context, handle string) (model.Counter, error)
}

// UploadRelay streams an upload to the media store.
type UploadRelay interface {
	Relay(ctx context.Context, purpose model.Purpose, body io.Reader, mimeType, filename string) (*model.UploadResult, error)
}

// Services is what route plugins mount handlers over. Unset fields mean the
// corresponding routes are not served.
type Services struct {
	Profiles ProfileService
	Counters CounterLedger
	Uploads  UploadRelay
	Media    registrymedia.MediaStore
	// StoreConnected reports the last known store state for readiness.
	StoreConnected func() bool
}

// RouterLoader mounts a plugin's routes on the gin engine.
type RouterLoader func(r *gin.Engine, svc *Services) error

// RouteType distinguishes which server a plugin's routes belong to.
type RouteType int

const (
	// RouteTypeMain registers routes on the public API server.
	RouteTypeMain RouteType = iota
	// RouteTypeManagement registers routes on the management server (health, metrics).
	// When no dedicated management port is configured, these are mounted on the main server.
	RouteTypeManagement
)

// Plugin is a named route plugin. Order fixes the mount sequence.
type Plugin struct {
	Name   string
	Order  int
	Type   RouteType
	Loader RouterLoader
}

var plugins []Plugin

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Mount runs every loader of the given type against r, in Order.
func Mount(r *gin.Engine, t RouteType, svc *Services) error {
	if svc == nil {
		svc = &Services{}
	}
	for _, p := range ofType(t) {
		if err := p.Loader(r, svc); err != nil {
			return fmt.Errorf("route plugin %s: %w", p.Name, err)
		}
	}
	return nil
}

// Names lists the registered plugins of the given type, in mount order.
func Names(t RouteType) []string {
	var names []string
	for _, p := range ofType(t) {
		names = append(names, p.Name)
	}
	return names
}

func ofType(t RouteType) []Plugin {
	var out []Plugin
	for _, p := range plugins {
		if p.Type == t {
			out = append(out, p)
		}
	}
	slices.SortStableFunc(out, func(a, b Plugin) int { return cmp.Compare(a.Order, b.Order) })
	return out
}
