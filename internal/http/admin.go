// Package httpadmin mounts operator endpoints on the API mux.
package httpadmin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Reloader re-reads the messaging provider credentials.
type Reloader interface {
	Reload() (changed bool, err error)
}

// Purger drops expired keys from a persistent store.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

type Server struct {
	rel    Reloader
	purger Purger
}

// New builds the admin endpoints. Either collaborator may be nil, in which
// case its endpoint answers 500.
func New(rel Reloader, purger Purger) *Server { return &Server{rel: rel, purger: purger} }

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/telegram/reload", s.post(s.reloadToken))
	mux.HandleFunc("/admin/store/purge", s.post(s.purgeStore))
}

func (s *Server) post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (s *Server) reloadToken(w http.ResponseWriter, _ *http.Request) {
	if s.rel == nil {
		http.Error(w, "reload failed: no token file configured", http.StatusInternalServerError)
		return
	}
	changed, err := s.rel.Reload()
	if err != nil {
		http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "reloaded": changed})
}

func (s *Server) purgeStore(w http.ResponseWriter, r *http.Request) {
	if s.purger == nil {
		http.Error(w, "purge failed: store keeps no expired rows", http.StatusInternalServerError)
		return
	}
	start := time.Now()
	n, err := s.purger.PurgeExpired(r.Context())
	if err != nil {
		http.Error(w, "purge failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "purged": n, "tookMs": time.Since(start).Milliseconds()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
