package httpapi

import (
	"net/http"
	"runtime"
	"time"

	"github.com/you/pollcast/internal/version"
)

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

// CurrentBuild reads the ldflags-injected version variables.
func CurrentBuild() BuildInfo {
	build := BuildInfo{Version: version.Version, Revision: version.Commit}
	if version.BuildTime != "" && version.BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
	}
	return build
}

type infoResponse struct {
	Version  string         `json:"version"`
	Revision string         `json:"rev"`
	BuiltAt  string         `json:"built_at,omitempty"`
	Go       string         `json:"go"`
	Config   map[string]any `json:"config,omitempty"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	resp := infoResponse{
		Version:  s.opts.Build.Version,
		Revision: s.opts.Build.Revision,
		Go:       runtime.Version(),
		Config:   s.opts.ConfigSnapshot,
	}
	if !s.opts.Build.BuiltAt.IsZero() {
		resp.BuiltAt = s.opts.Build.BuiltAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}
