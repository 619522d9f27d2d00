// Command rendezvousd is the rendezvous/ACS server.
//
// It serves the onion-peeling and dance-orchestration HTTP surface
// described by the rendezvous protocol: a chain of onions, each
// steganographically hidden inside a JPEG image served from a mimicked
// photo-sharing path, is peeled layer by layer (JSON parse, POW, CAPTCHA,
// signature) until a NET record is recovered, at which point the server
// performs a three-stage outbound "dance" and tells the caller a covert
// transport tunnel may start.
//
// Usage:
//
//	./rendezvousd
//
//	# Custom listen address
//	RENDEZVOUS_LISTEN_ADDR=0.0.0.0:9090 ./rendezvousd
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"rendezvous-acs-server/internal/acs"
	"rendezvous-acs-server/internal/admin"
	"rendezvous-acs-server/internal/audit"
	"rendezvous-acs-server/internal/config"
	"rendezvous-acs-server/internal/logger"
	"rendezvous-acs-server/internal/metrics"
	"rendezvous-acs-server/internal/onion"
	"rendezvous-acs-server/internal/peeler"
	"rendezvous-acs-server/internal/proxyqueue"
	"rendezvous-acs-server/internal/router"
	"rendezvous-acs-server/internal/session"
)

func main() {
	cfg := config.Load()
	printBanner(cfg)

	appLog := logger.New("MAIN", cfg.LogLevel)

	m := metrics.New()

	auditLog := audit.Open(cfg.AuditDBPath)
	defer func() {
		if err := auditLog.Close(); err != nil {
			appLog.Warnf("shutdown", "audit close: %v", err)
		}
	}()

	store := session.New(logger.New("SESSION", cfg.LogLevel))
	decoder := onion.NewDecoder()
	queue := proxyqueue.New(cfg.ProxyQueueWorkers, cfg.ProxyDialTimeout)
	defer queue.Close()

	dancer := acs.New(logger.New("ACS", cfg.LogLevel), queue, auditLog, m, cfg.HistoryCap, cfg.ProgressPollTimeout)
	p := peeler.New(cfg, store, decoder, dancer, logger.New("PEELER", cfg.LogLevel), m)

	registry := admin.NewPasswordRegistry(cfg.PasswordRegistryPath)
	adminServer := admin.New(cfg, registry, m, func() any {
		_, dancing := store.Onion()
		return map[string]any{"hasOnion": dancing, "dropped": dancer.Dropped()}
	})

	mux := http.NewServeMux()
	mux.Handle("/status", adminServer.Handler())
	mux.Handle("/metrics", adminServer.Handler())
	mux.Handle("/", router.New(p, dancer, logger.New("ROUTER", cfg.LogLevel)))

	h2s := &http2.Server{
		MaxConcurrentStreams: 250,
		IdleTimeout:          cfg.ProgressPollTimeout * 2,
	}
	handler := h2c.NewHandler(mux, h2s)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		appLog.Info("shutdown", "shutting down…")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			appLog.Warnf("shutdown", "shutdown error: %v", err)
		}
	}()

	appLog.Infof("listen", "listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		appLog.Fatalf("listen", "fatal: %v", err)
	}
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║            Rendezvous / ACS Server (Go)               ║
╚══════════════════════════════════════════════════════╝
  Listen address    : %s
  Log level         : %s
  File prefix       : %s
  Audit DB          : %s
  Proxy queue workers: %d

  Check status:
    curl http://%s/status
`, cfg.ListenAddr, cfg.LogLevel, cfg.JPEGStegEmbedPrefix, orNone(cfg.AuditDBPath), cfg.ProxyQueueWorkers, cfg.ListenAddr)
}

func orNone(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
