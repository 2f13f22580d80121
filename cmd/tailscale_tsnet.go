//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
)

// initTailscale serves the gateway mux on a Tailscale node in addition
// to the plain listener. Returns a cleanup func, or nil when disabled.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	ts := cfg.Tailscale
	if ts.Hostname == "" {
		return nil
	}
	if ts.AuthKey == "" {
		slog.Warn("tailscale enabled but CHATRELAY_TSNET_AUTH_KEY is not set, skipping")
		return nil
	}

	stateDir := config.ExpandHome(ts.StateDir)
	if stateDir == "" {
		stateDir = config.ExpandHome("~/.chatrelay/tsnet")
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		slog.Error("tailscale state dir unavailable", "dir", stateDir, "error", err)
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       stateDir,
		Ephemeral: ts.Ephemeral,
		AuthKey:   ts.AuthKey,
	}

	status, err := srv.Up(ctx)
	if err != nil {
		slog.Error("tailscale node failed to start", "hostname", ts.Hostname, "error", err)
		_ = srv.Close()
		return nil
	}

	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	slog.Info("tailscale node ready", "hostname", ts.Hostname, "ip", tsAddr, "dns_name", dnsName)

	if ts.EnableTLS {
		listener, err := srv.ListenTLS("tcp", ":443")
		if err != nil {
			slog.Error("tailscale TLS listen failed", "error", err)
			_ = srv.Close()
			return nil
		}
		go func() { _ = http.Serve(listener, mux) }()
		return func() { listener.Close(); srv.Close() }
	}

	listener, err := srv.Listen("tcp", ":80")
	if err != nil {
		slog.Error("tailscale listen failed", "error", err)
		_ = srv.Close()
		return nil
	}
	go func() { _ = http.Serve(listener, mux) }()
	return func() { listener.Close(); srv.Close() }
}
