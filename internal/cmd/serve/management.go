package serve

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/vltx-lol/vltx/internal/config"
)

// startManagementServer starts a dedicated server for the management endpoints
// (health, readiness, metrics). Plaintext is enabled when neither mode is set.
func startManagementServer(ctx context.Context, cfg config.ListenerConfig, handler http.Handler) (net.Addr, func(context.Context) error, error) {
	if !cfg.EnablePlainText && !cfg.EnableTLS {
		cfg.EnablePlainText = true
	}
	running, err := StartSinglePort(ctx, cfg, handler)
	if err != nil {
		return nil, nil, fmt.Errorf("management server: %w", err)
	}
	log.Info("Management server listening", "addr", running.Addr)
	return running.Addr, running.Close, nil
}
