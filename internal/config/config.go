// Package config loads and holds all rendezvous/ACS server configuration.
// Settings are layered: defaults → rendezvous-config.json → environment
// variables (env vars win).
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds the full rendezvous/ACS server configuration.
type Config struct {
	ListenAddr string `json:"listenAddr"`
	LogLevel   string `json:"logLevel"`

	// JPEGStegEmbedPrefix is the only filesystem prefix the "file" handler
	// will ever serve from. Per-session image/CAPTCHA directories are
	// created by session.NewImageDir in the system temp directory with the
	// fixed "jpeg_steg_embed" name prefix; this setting does not change
	// where they are created.
	JPEGStegEmbedPrefix string `json:"jpegStegEmbedPrefix"`

	// DefiancePublicKeyPath mirrors the DEFIANCE_PUBLIC_KEY_PATH env var;
	// it is read directly by the peeler's SIGNED step, but also surfaced
	// here so startup can log whether signature verification is usable.
	DefiancePublicKeyPath string `json:"defiancePublicKeyPath"`

	ProgressPollTimeout time.Duration `json:"progressPollTimeoutMs"`
	POWMaxAttemptChars  int           `json:"powMaxAttemptChars"`
	PasswordMinLength   int           `json:"passwordMinLength"`
	HistoryCap          int           `json:"historyCap"`

	// AuditDBPath is the bbolt file backing the ACS dance audit trail.
	// Empty keeps the audit trail in memory only; nothing is written to disk.
	AuditDBPath string `json:"auditDbPath"`

	// ManagementToken, when non-empty, requires a matching Bearer token
	// on the admin status endpoint.
	ManagementToken string `json:"managementToken"`

	// PasswordRegistryPath persists previously issued rendezvous passwords
	// so gen_request never reissues one, even across restarts. Empty
	// disables persistence (in-memory only).
	PasswordRegistryPath string `json:"passwordRegistryPath"`

	ProxyQueueWorkers int           `json:"proxyQueueWorkers"`
	ProxyDialTimeout  time.Duration `json:"proxyDialTimeoutMs"`
}

// Load returns config with defaults overridden by rendezvous-config.json
// and environment variables.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "rendezvous-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		ListenAddr:           "127.0.0.1:8080",
		LogLevel:             "info",
		JPEGStegEmbedPrefix:  "/tmp/jpeg_steg_embed",
		ProgressPollTimeout:  5 * time.Second,
		POWMaxAttemptChars:   5,
		PasswordMinLength:    16,
		HistoryCap:           1024,
		AuditDBPath:          "",
		PasswordRegistryPath: "",
		ProxyQueueWorkers:    4,
		ProxyDialTimeout:     20 * time.Second,
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
		return
	}
	// The *Ms keys carry milliseconds; the Duration fields above decoded
	// them as nanoseconds, so rescale them.
	var ms struct {
		ProgressPollTimeoutMs *int64 `json:"progressPollTimeoutMs"`
		ProxyDialTimeoutMs    *int64 `json:"proxyDialTimeoutMs"`
	}
	if err := json.Unmarshal(data, &ms); err == nil {
		if ms.ProgressPollTimeoutMs != nil {
			cfg.ProgressPollTimeout = time.Duration(*ms.ProgressPollTimeoutMs) * time.Millisecond
		}
		if ms.ProxyDialTimeoutMs != nil {
			cfg.ProxyDialTimeout = time.Duration(*ms.ProxyDialTimeoutMs) * time.Millisecond
		}
	}
	log.Printf("[CONFIG] Loaded %s", path)
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("RENDEZVOUS_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("JPEG_STEG_EMBED_PREFIX"); v != "" {
		cfg.JPEGStegEmbedPrefix = v
	}
	if v := os.Getenv("DEFIANCE_PUBLIC_KEY_PATH"); v != "" {
		cfg.DefiancePublicKeyPath = v
	}
	if v := os.Getenv("RENDEZVOUS_PROGRESS_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ProgressPollTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("RENDEZVOUS_HISTORY_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HistoryCap = n
		}
	}
	if v := os.Getenv("RENDEZVOUS_AUDIT_DB"); v != "" {
		cfg.AuditDBPath = v
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("RENDEZVOUS_PASSWORD_REGISTRY"); v != "" {
		cfg.PasswordRegistryPath = v
	}
	if v := os.Getenv("RENDEZVOUS_PROXY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ProxyQueueWorkers = n
		}
	}
}
