// Package admin provides a lightweight HTTP API for runtime inspection of
// the running rendezvous server, and the password registry that backs the
// Peeler's gen_request step.
//
// Endpoints:
//
//	GET /status   - server uptime, current dance/session state, metrics
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"rendezvous-acs-server/internal/config"
	"rendezvous-acs-server/internal/metrics"
)

// Server is the admin API server.
type Server struct {
	cfg        *config.Config
	startTime  time.Time
	passwords  *PasswordRegistry
	token      string           // bearer token for auth; empty = no auth
	metrics    *metrics.Metrics // nil = no metrics
	statusFunc func() any       // optional: dance/session state snapshot
}

// PasswordRegistry holds the set of rendezvous passwords already issued by
// gen_request. A password, once issued, is never handed out again, even
// across restarts if persistPath is set.
//
// Uses an atomic temp-file-then-rename persistence scheme, applied here
// to a write-once password ledger rather than a read-mostly domain set.
type PasswordRegistry struct {
	mu          sync.RWMutex
	passwords   map[string]bool
	persistPath string // empty = no persistence
}

// NewPasswordRegistry creates a registry, loading any persisted passwords
// from persistPath if it is set and exists.
func NewPasswordRegistry(persistPath string) *PasswordRegistry {
	r := &PasswordRegistry{
		passwords:   make(map[string]bool),
		persistPath: persistPath,
	}
	if persistPath == "" {
		return r
	}
	passwords, err := r.loadFromDisk()
	switch {
	case err == nil:
		for _, p := range passwords {
			r.passwords[p] = true
		}
		log.Printf("[ADMIN] Loaded %d issued passwords from %s", len(passwords), persistPath)
	case !os.IsNotExist(err):
		log.Printf("[ADMIN] Warning: failed to load %s: %v (starting empty)", persistPath, err)
	}
	return r
}

// Has returns true if the password has already been issued.
func (r *PasswordRegistry) Has(password string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.passwords[password]
}

// Add records a newly issued password and persists the registry.
func (r *PasswordRegistry) Add(password string) {
	r.mu.Lock()
	r.passwords[password] = true
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	r.persist(snapshot)
}

// All returns a sorted slice of every issued password.
func (r *PasswordRegistry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Count returns the number of issued passwords.
func (r *PasswordRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.passwords)
}

func (r *PasswordRegistry) snapshotLocked() []string {
	out := make([]string, 0, len(r.passwords))
	for p := range r.passwords {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (r *PasswordRegistry) loadFromDisk() ([]string, error) {
	data, err := os.ReadFile(r.persistPath)
	if err != nil {
		return nil, err
	}
	var passwords []string
	if err := json.Unmarshal(data, &passwords); err != nil {
		return nil, fmt.Errorf("parse %s: %w", r.persistPath, err)
	}
	return passwords, nil
}

// persist writes the given password snapshot to disk atomically. It does
// not hold r.mu, so it never blocks concurrent Has/All calls.
func (r *PasswordRegistry) persist(passwords []string) {
	if r.persistPath == "" {
		return
	}
	data, err := json.MarshalIndent(passwords, "", "  ")
	if err != nil {
		log.Printf("[ADMIN] Marshal error: %v", err)
		return
	}

	dir := filepath.Dir(r.persistPath)
	tmp, err := os.CreateTemp(dir, ".rendezvous-passwords-*.tmp")
	if err != nil {
		log.Printf("[ADMIN] Persist error (create temp): %v", err)
		return
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()        //nolint:errcheck // best-effort cleanup
		os.Remove(tmpName) //nolint:errcheck
		log.Printf("[ADMIN] Persist error (write): %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		log.Printf("[ADMIN] Persist error (close): %v", err)
		return
	}
	if err := os.Rename(tmpName, r.persistPath); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		log.Printf("[ADMIN] Persist error (rename): %v", err)
		return
	}
}

// New creates an admin server. statusFunc, if non-nil, is called on every
// /status request to report live dance/session state; its result is
// embedded verbatim under the "state" key.
func New(cfg *config.Config, registry *PasswordRegistry, m *metrics.Metrics, statusFunc func() any) *Server {
	s := &Server{
		cfg:        cfg,
		startTime:  time.Now(),
		passwords:  registry,
		token:      cfg.ManagementToken,
		metrics:    m,
		statusFunc: statusFunc,
	}
	if s.token != "" {
		log.Printf("[ADMIN] Bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			log.Printf("[ADMIN] Unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Status          string `json:"status"`
		Uptime          string `json:"uptime"`
		ListenAddr      string `json:"listenAddr"`
		IssuedPasswords int    `json:"issuedPasswords"`
		State           any    `json:"state,omitempty"`
	}{
		Status:          "running",
		Uptime:          time.Since(s.startTime).Round(time.Second).String(),
		ListenAddr:      s.cfg.ListenAddr,
		IssuedPasswords: s.passwords.Count(),
	}
	if s.statusFunc != nil {
		resp.State = s.statusFunc()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ADMIN] JSON encode error: %v", err)
	}
}
