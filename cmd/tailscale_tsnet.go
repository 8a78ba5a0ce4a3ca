//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/goant/internal/config"
)

// initTailscale serves the gateway mux on a tailnet listener in addition to
// the main HTTP listener. Returns a cleanup function, or nil when Tailscale
// is not configured. The auth key comes from ANT_TSNET_AUTH_KEY only.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	tc := cfg.Tailscale
	if tc.Hostname == "" {
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  tc.Hostname,
		AuthKey:   tc.AuthKey,
		Ephemeral: tc.Ephemeral,
	}
	if tc.StateDir != "" {
		srv.Dir = config.ExpandHome(tc.StateDir)
	}

	if _, err := srv.Up(ctx); err != nil {
		slog.Error("tailscale join failed", "hostname", tc.Hostname, "error", err)
		srv.Close()
		return nil
	}

	var ln net.Listener
	var err error
	if tc.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale listener failed", "hostname", tc.Hostname, "error", err)
		srv.Close()
		return nil
	}

	go func() {
		if serveErr := http.Serve(ln, mux); serveErr != nil {
			slog.Warn("tailscale serve stopped", "error", serveErr)
		}
	}()

	slog.Info("tailscale listener active", "hostname", tc.Hostname, "tls", tc.EnableTLS)
	return func() {
		ln.Close()
		srv.Close()
	}
}
