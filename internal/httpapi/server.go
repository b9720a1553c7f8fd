package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/you/pollcast/internal/broadcast"
	"github.com/you/pollcast/internal/core"
	"github.com/you/pollcast/internal/registry"
)

// Registry is the identity and presence surface used by the handlers.
type Registry interface {
	Register(ctx context.Context, code string) (string, error)
	JoinSession(ctx context.Context, token string, scope core.Scope) (registry.JoinResult, error)
	JoinClass(ctx context.Context, token, courseID string) (bool, error)
	Heartbeat(ctx context.Context, token string, scope core.Scope) error
	Leave(ctx context.Context, token string) error
	HandleChatMessage(ctx context.Context, chat, text string) error
}

// Dispatcher sends poll notifications.
type Dispatcher interface {
	Broadcast(ctx context.Context, token string, scope core.Scope, title, message string) (broadcast.Result, error)
	Notify(ctx context.Context, token, title, message string) error
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	reg        Registry
	disp       Dispatcher
	opts       Options
	metrics    *Metrics
	limiter    *visitorLimiter
	cors       *originPolicy
}

type Options struct {
	Addr            string
	CORSOrigins     []string
	RateLimitRPS    int
	RateLimitBurst  int
	EnableMetrics   bool
	EnableAccessLog bool
	EnableGzip      bool
	EnablePprof     bool
	Build           BuildInfo
	ConfigSnapshot  map[string]any
	// WebhookSecret, when set, must match X-Telegram-Bot-Api-Secret-Token.
	WebhookSecret string
	// Metrics lets the caller share collectors with other components.
	// When nil and EnableMetrics is set, the server creates its own.
	Metrics *Metrics
}

func New(reg Registry, disp Dispatcher, opts Options) *Server {
	srv := &Server{
		reg:     reg,
		disp:    disp,
		opts:    opts,
		mux:     http.NewServeMux(),
		limiter: newVisitorLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:    newOriginPolicy(opts.CORSOrigins),
	}
	if opts.EnableMetrics {
		srv.metrics = opts.Metrics
		if srv.metrics == nil {
			srv.metrics = NewMetrics()
		}
	}

	mux := srv.mux
	mux.HandleFunc("GET /health", srv.handleHealth)
	mux.HandleFunc("POST /register", srv.handleRegister)
	mux.HandleFunc("POST /notify", srv.handleNotify)
	mux.HandleFunc("POST /join-class", srv.handleJoinClass)
	mux.HandleFunc("POST /join-session", srv.handleJoinSession)
	mux.HandleFunc("POST /leave-session", srv.handleLeaveSession)
	mux.HandleFunc("POST /heartbeat", srv.handleHeartbeat)
	mux.HandleFunc("POST /broadcast", srv.handleBroadcast)
	mux.HandleFunc("POST /webhook", srv.handleWebhook)
	mux.HandleFunc("GET /info", srv.handleInfo)
	if srv.metrics != nil {
		mux.Handle("GET /metrics", srv.metrics.Handler())
	}
	if opts.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Not found"})
	})

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Mux exposes the route table so other packages can mount extra handlers.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Metrics returns the server's collectors, or nil when disabled.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler returns the mux wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.withRecover(s.withAccess(s.withCORS(s.withRateLimit(s.withGzip(s.mux)))))
}

func (s *Server) Start() error {
	log.Printf("http api listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
