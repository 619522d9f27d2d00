// Package router demultiplexes the rendezvous and ACS HTTP surfaces to
// the Peeler and Dancer, and owns the plain-text reply for paths it can't
// route (everything else is formatted by the handler it dispatches to).
package router

import (
	"net/http"
	"strings"

	"rendezvous-acs-server/internal/acs"
	"rendezvous-acs-server/internal/logger"
	"rendezvous-acs-server/internal/peeler"
)

const (
	acsPrefix        = "/acs/"
	rendezvousPrefix = "/rendezvous/"
	filePrefix       = rendezvousPrefix + "file/"
)

type router struct {
	peeler *peeler.Peeler
	dancer *acs.Dancer
	log    *logger.Logger
}

// New returns the HTTP handler for the whole server: the three-stage
// dance endpoints under /acs/ and the five rendezvous operations under
// /rendezvous/, case-insensitive on the command segment and
// case-sensitive on the file/<path> suffix.
func New(p *peeler.Peeler, d *acs.Dancer, log *logger.Logger) http.Handler {
	return &router{peeler: p, dancer: d, log: log}
}

func (rt *router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	rt.log.Debugf("route", "%s %s", r.Method, path)

	switch {
	case strings.HasPrefix(path, filePrefix):
		rt.peeler.File(w, r, strings.TrimPrefix(path, filePrefix))
		return
	case hasPrefixFold(path, acsPrefix):
		rt.routeACS(w, r, path)
		return
	case hasPrefixFold(path, rendezvousPrefix):
		rt.routeRendezvous(w, r, path)
		return
	}
	writePlain(w, http.StatusBadRequest, "No such API request")
}

func (rt *router) routeACS(w http.ResponseWriter, r *http.Request, path string) {
	switch cmd := strings.ToLower(strings.TrimPrefix(path, acsPrefix)); strings.TrimSuffix(cmd, "/") {
	case "setup":
		rt.dancer.Setup(w, r)
	case "progress":
		rt.dancer.Progress(w, r)
	default:
		writePlain(w, http.StatusBadRequest, "No such API request")
	}
}

func (rt *router) routeRendezvous(w http.ResponseWriter, r *http.Request, path string) {
	switch cmd := strings.ToLower(strings.TrimPrefix(path, rendezvousPrefix)); strings.TrimSuffix(cmd, "/") {
	case "reset":
		rt.peeler.Reset(w, r)
	case "gen_request":
		rt.peeler.GenRequest(w, r)
	case "image":
		rt.peeler.Image(w, r)
	case "peel":
		rt.peeler.Peel(w, r)
	default:
		writePlain(w, http.StatusBadRequest, "No such API request")
	}
}

// hasPrefixFold reports whether s starts with prefix, ignoring case, so
// clients that upper-case the command segment still route correctly.
func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func writePlain(w http.ResponseWriter, code int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(text))
}
