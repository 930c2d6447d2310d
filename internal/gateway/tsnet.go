//go:build tsnet

package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/switchboard/internal/config"
)

// StartTailscaleListener serves the gateway mux on a tsnet node. Built
// only with -tags tsnet; the auth key comes from the environment, never
// from the config file.
func (s *Server) StartTailscaleListener(ctx context.Context, cfg config.TailscaleConfig) error {
	srv := &tsnet.Server{
		Hostname: cfg.Hostname,
		Dir:      config.ExpandHome(cfg.StateDir),
		AuthKey:  cfg.AuthKey,
	}
	ln, err := srv.Listen("tcp", ":443")
	if err != nil {
		return err
	}

	httpServer := &http.Server{Handler: s.BuildMux()}
	go func() {
		<-ctx.Done()
		httpServer.Close()
		srv.Close()
	}()

	slog.Info("tailscale listener starting", "hostname", cfg.Hostname)
	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("tailscale listener failed", "error", err)
		}
	}()
	return nil
}
