package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/you/pollcast/internal/broadcast"
	"github.com/you/pollcast/internal/config"
	httpadmin "github.com/you/pollcast/internal/http"
	"github.com/you/pollcast/internal/httpapi"
	"github.com/you/pollcast/internal/kv"
	"github.com/you/pollcast/internal/registry"
	"github.com/you/pollcast/internal/telegram"
	"github.com/you/pollcast/internal/version"
)

const purgeInterval = 10 * time.Minute

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag     bool
		dbPath          string
		storeDriver     string
		httpAddr        string
		httpCorsOrigins string
		httpRateRPS     int
		httpRateBurst   int
		httpMetrics     bool
		httpAccessLog   bool
		httpGzip        bool
		httpPprof       bool
		tgToken         string
		tgTokenFile     string
		tgAPI           string
		webhookSecret   string
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&dbPath, "sqlite", "pollcast.db", "Path to SQLite database file")
	flag.StringVar(&storeDriver, "store", "sqlite", "State store driver: sqlite or memory")
	flag.StringVar(&httpAddr, "http-addr", ":8787", "HTTP API address")
	flag.StringVar(&httpCorsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 20, "Maximum HTTP requests per second per client")
	flag.IntVar(&httpRateBurst, "http-rate-burst", 40, "Burst size for HTTP rate limiter")
	flag.BoolVar(&httpMetrics, "http-metrics", true, "Expose Prometheus metrics endpoint")
	flag.BoolVar(&httpAccessLog, "http-access-log", true, "Log HTTP access records")
	flag.BoolVar(&httpGzip, "http-gzip", false, "Gzip JSON responses when the client accepts it")
	flag.BoolVar(&httpPprof, "http-pprof", false, "Expose pprof handlers under /debug/pprof")
	flag.StringVar(&tgToken, "telegram-token", "", "Telegram bot token")
	flag.StringVar(&tgTokenFile, "telegram-token-file", "", "Path to file containing the Telegram bot token")
	flag.StringVar(&tgAPI, "telegram-api", "", "Telegram Bot API base URL")
	flag.StringVar(&webhookSecret, "webhook-secret", "", "Secret expected in X-Telegram-Bot-Api-Secret-Token")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"pollcastd version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()

	if overrides["sqlite"] {
		cfg.Store.SQLitePath = strings.TrimSpace(dbPath)
	}
	if overrides["store"] {
		cfg.Store.Driver = strings.ToLower(strings.TrimSpace(storeDriver))
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["http-cors-origins"] {
		cfg.HTTP.CORSOrigins = parseCSV(httpCorsOrigins)
	}
	if overrides["http-rate-rps"] {
		cfg.HTTP.RateLimitRPS = httpRateRPS
	}
	if overrides["http-rate-burst"] {
		cfg.HTTP.RateLimitBurst = httpRateBurst
	}
	if overrides["http-metrics"] {
		cfg.HTTP.Metrics = httpMetrics
	}
	if overrides["http-access-log"] {
		cfg.HTTP.AccessLog = httpAccessLog
	}
	if overrides["http-gzip"] {
		cfg.HTTP.Gzip = httpGzip
	}
	if overrides["http-pprof"] {
		cfg.HTTP.Pprof = httpPprof
	}
	if overrides["telegram-token"] {
		cfg.Telegram.Token = strings.TrimSpace(tgToken)
	}
	if overrides["telegram-token-file"] {
		cfg.Telegram.TokenFile = strings.TrimSpace(tgTokenFile)
	}
	if overrides["telegram-api"] {
		cfg.Telegram.APIBase = strings.TrimSpace(tgAPI)
	}
	if overrides["webhook-secret"] {
		cfg.Telegram.WebhookSecret = strings.TrimSpace(webhookSecret)
	}

	if cfg.Telegram.LegacyTokenEnv != "" {
		log.Printf("pollcastd: telegram token read from %s; prefer POLLCAST_TELEGRAM_TOKEN", cfg.Telegram.LegacyTokenEnv)
	}

	configSnapshot := cfg.Redacted()
	log.Printf("%s", cfg.SummaryJSON())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("pollcastd: shutdown requested")
		cancel()
	}()

	var (
		store  kv.Store
		sqlite *kv.SQLiteStore
	)
	if cfg.UseMemoryStore() {
		store = kv.NewMemoryStore(nil)
		log.Printf("pollcastd: using in-memory store; state is lost on restart")
	} else {
		// Migrate before the store applies its schema, which assumes expires_at.
		if err := migrateSQLitePath(ctx, cfg.Store.SQLitePath); err != nil {
			log.Fatalf("pollcastd: sqlite migrate: %v", err)
		}
		var err error
		sqlite, err = kv.OpenSQLite(cfg.Store.SQLitePath, nil)
		if err != nil {
			log.Fatalf("pollcastd: sqlite: %v", err)
		}
		defer func() {
			if err := sqlite.Close(); err != nil {
				log.Printf("pollcastd: close sqlite: %v", err)
			}
		}()
		store = sqlite
		log.Printf("pollcastd: sqlite store ready at %s", cfg.Store.SQLitePath)
	}

	var loader *telegram.FileTokenLoader
	initialToken := cfg.Telegram.Token
	if cfg.Telegram.TokenFile != "" {
		loader = telegram.NewFileTokenLoader(cfg.Telegram.TokenFile)
		if loaded, _, err := loader.Load(); err == nil {
			initialToken = loaded
		} else {
			log.Printf("pollcastd: telegram token file: %v", err)
		}
	}
	tokens := telegram.NewTokenStore(initialToken, loader)
	if tokens.Token() == "" {
		log.Printf("pollcastd: WARNING: no telegram token configured; deliveries will fail until one is loaded")
	}
	if loader != nil {
		err := tokens.WatchTokenFile(ctx, func(changed bool, err error) {
			switch {
			case err != nil:
				log.Printf("pollcastd: telegram token reload: %v", err)
			case changed:
				log.Printf("pollcastd: telegram token reloaded from %s", loader.Path())
			}
		})
		if err != nil {
			log.Printf("pollcastd: watch telegram token file: %v", err)
		}
	}
	messenger := telegram.NewClient(cfg.Telegram.APIBase, tokens, nil)

	logger := slog.Default()
	reg := registry.New(store, messenger, registry.Options{
		Logger:    logger,
		ScanLimit: cfg.Registry.ReverseScanLimit,
	})

	var metrics *httpapi.Metrics
	if cfg.HTTP.Metrics {
		metrics = httpapi.NewMetrics()
	}
	dispOpts := broadcast.Options{
		Logger:      logger,
		Concurrency: cfg.Broadcast.Concurrency,
	}
	if metrics != nil {
		dispOpts.Recorder = metrics
	}
	disp := broadcast.New(reg, store, messenger, dispOpts)

	api := httpapi.New(reg, disp, httpapi.Options{
		Addr:            cfg.HTTP.Addr,
		CORSOrigins:     cfg.HTTP.CORSOrigins,
		RateLimitRPS:    cfg.HTTP.RateLimitRPS,
		RateLimitBurst:  cfg.HTTP.RateLimitBurst,
		EnableMetrics:   cfg.HTTP.Metrics,
		EnableAccessLog: cfg.HTTP.AccessLog,
		EnableGzip:      cfg.HTTP.Gzip,
		EnablePprof:     cfg.HTTP.Pprof,
		Build:           httpapi.CurrentBuild(),
		ConfigSnapshot:  configSnapshot,
		WebhookSecret:   cfg.Telegram.WebhookSecret,
		Metrics:         metrics,
	})
	var reloader httpadmin.Reloader
	if loader != nil {
		reloader = tokens
	}
	var purger httpadmin.Purger
	if sqlite != nil {
		purger = sqlite
	}
	httpadmin.New(reloader, purger).Register(api.Mux())

	go func() {
		if err := api.Start(); err != nil {
			log.Fatalf("pollcastd: http api: %v", err)
		}
	}()
	log.Printf("pollcastd: http api ready on %s", cfg.HTTP.Addr)

	if sqlite != nil {
		go purgeLoop(ctx, sqlite)
	}

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Printf("pollcastd: http api shutdown: %v", err)
	}
	cancelShutdown()

	log.Printf("pollcastd: shutdown complete")
}

// purgeLoop drops expired keys so heartbeats and rate-limit markers do not pile up.
func purgeLoop(ctx context.Context, store *kv.SQLiteStore) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Printf("pollcastd: purge expired: %v", err)
				}
				continue
			}
			if n > 0 {
				log.Printf("pollcastd: purged %d expired keys", n)
			}
		}
	}
}

func parseCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
