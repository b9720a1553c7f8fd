package httpapi

import (
	"net/http"
	"strings"
)

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type"
	corsMaxAge  = "300"
)

// originPolicy decides which browser origins may call the API. The browser
// extension is the main caller, so extension schemes are accepted alongside
// plain web origins.
type originPolicy struct {
	any     bool
	allowed map[string]bool
}

func newOriginPolicy(origins []string) *originPolicy {
	p := &originPolicy{allowed: map[string]bool{}}
	for _, o := range origins {
		switch o = strings.TrimSpace(o); o {
		case "":
		case "*":
			p.any = true
		default:
			p.allowed[strings.TrimRight(o, "/")] = true
		}
	}
	if !p.any && len(p.allowed) == 0 {
		return nil
	}
	return p
}

var originSchemes = []string{"http://", "https://", "chrome-extension://", "moz-extension://"}

func (p *originPolicy) permits(origin string) bool {
	if p.any {
		return true
	}
	for _, scheme := range originSchemes {
		if strings.HasPrefix(origin, scheme) {
			return p.allowed[origin]
		}
	}
	return false
}

func (p *originPolicy) setHeaders(h http.Header, origin string, preflight bool) {
	if p.any {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}
	if preflight || p.any {
		h.Set("Access-Control-Allow-Methods", corsMethods)
		h.Set("Access-Control-Allow-Headers", corsHeaders)
	}
	if preflight {
		h.Set("Access-Control-Max-Age", corsMaxAge)
	}
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	policy := s.cors
	if policy == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" && !policy.any {
			next.ServeHTTP(w, r)
			return
		}
		if !policy.permits(origin) {
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			writeJSON(w, http.StatusForbidden, errorBody{Error: "Origin not allowed"})
			return
		}
		if r.Method == http.MethodOptions {
			policy.setHeaders(w.Header(), origin, true)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		policy.setHeaders(w.Header(), origin, false)
		next.ServeHTTP(w, r)
	})
}
