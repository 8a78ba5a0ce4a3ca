//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/goant/internal/config"
)

// initTailscale is a no-op unless the binary is built with -tags tsnet.
func initTailscale(_ context.Context, cfg *config.Config, _ *http.ServeMux) func() {
	if cfg.Tailscale.Hostname != "" {
		slog.Warn("tailscale configured but this binary was built without -tags tsnet")
	}
	return nil
}
