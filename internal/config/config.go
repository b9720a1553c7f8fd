package config

import (
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"
)

type Config struct {
	Store     StoreConfig
	HTTP      HTTPConfig
	Telegram  TelegramConfig
	Registry  RegistryConfig
	Broadcast BroadcastConfig
}

type StoreConfig struct {
	Driver     string // sqlite or memory
	SQLitePath string
}

type HTTPConfig struct {
	Addr           string
	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int
	Metrics        bool
	AccessLog      bool
	Gzip           bool
	Pprof          bool
}

type TelegramConfig struct {
	Token          string
	TokenFile      string
	APIBase        string
	WebhookSecret  string
	LegacyTokenEnv string
}

type RegistryConfig struct {
	ReverseScanLimit int
}

type BroadcastConfig struct {
	Concurrency int
}

const (
	defaultDriver     = "sqlite"
	defaultSQLitePath = "pollcast.db"
	defaultHTTPAddr   = ":8787"
	defaultRateRPS    = 20
	defaultRateBurst  = 40
	defaultScanLimit  = 1000
)

func Load() Config {
	cfg := Config{}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(os.Getenv("POLLCAST_STORE")))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = defaultDriver
	}
	cfg.Store.SQLitePath = strings.TrimSpace(os.Getenv("POLLCAST_SQLITE_PATH"))
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = defaultSQLitePath
	}

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("POLLCAST_HTTP_ADDR"))
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = defaultHTTPAddr
	}
	cfg.HTTP.CORSOrigins = splitList(os.Getenv("POLLCAST_CORS_ORIGINS"))
	if len(cfg.HTTP.CORSOrigins) == 0 {
		cfg.HTTP.CORSOrigins = []string{"*"}
	}
	cfg.HTTP.RateLimitRPS = readInt("POLLCAST_RATE_LIMIT_RPS", defaultRateRPS)
	cfg.HTTP.RateLimitBurst = readInt("POLLCAST_RATE_LIMIT_BURST", defaultRateBurst)
	cfg.HTTP.Metrics = readBool("POLLCAST_METRICS", true)
	cfg.HTTP.AccessLog = readBool("POLLCAST_ACCESS_LOG", true)
	cfg.HTTP.Gzip = readBool("POLLCAST_GZIP", false)
	cfg.HTTP.Pprof = readBool("POLLCAST_PPROF", false)

	cfg.Telegram.Token = strings.TrimSpace(os.Getenv("POLLCAST_TELEGRAM_TOKEN"))
	if cfg.Telegram.Token == "" {
		cfg.Telegram.Token = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
		if cfg.Telegram.Token != "" {
			cfg.Telegram.LegacyTokenEnv = "TELEGRAM_BOT_TOKEN"
		}
	}
	cfg.Telegram.TokenFile = strings.TrimSpace(os.Getenv("POLLCAST_TELEGRAM_TOKEN_FILE"))
	cfg.Telegram.APIBase = strings.TrimSpace(os.Getenv("POLLCAST_TELEGRAM_API"))
	cfg.Telegram.WebhookSecret = strings.TrimSpace(os.Getenv("POLLCAST_WEBHOOK_SECRET"))
	if cfg.Telegram.WebhookSecret == "" {
		cfg.Telegram.WebhookSecret = strings.TrimSpace(os.Getenv("WEBHOOK_SECRET"))
	}

	cfg.Registry.ReverseScanLimit = readInt("POLLCAST_REVERSE_SCAN_LIMIT", defaultScanLimit)
	cfg.Broadcast.Concurrency = readInt("POLLCAST_BROADCAST_CONCURRENCY", 0)

	return cfg
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return dedupe(out)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// UseMemoryStore reports whether state should stay in process memory.
func (c Config) UseMemoryStore() bool {
	return c.Store.Driver == "memory"
}

func (c Config) Summary() Summary {
	return Summary{
		Store:      c.Store.Driver,
		SQLitePath: c.Store.SQLitePath,
		HTTP: HTTPSummary{
			Addr:        c.HTTP.Addr,
			CORSOrigins: len(c.HTTP.CORSOrigins),
			RateRPS:     c.HTTP.RateLimitRPS,
			RateBurst:   c.HTTP.RateLimitBurst,
			Metrics:     c.HTTP.Metrics,
		},
		Telegram: TelegramSummary{
			Token:         redactString(c.Telegram.Token),
			TokenFile:     c.Telegram.TokenFile,
			APIBase:       c.Telegram.APIBase,
			WebhookSecret: redactString(c.Telegram.WebhookSecret),
			Configured:    c.Telegram.Token != "" || c.Telegram.TokenFile != "",
		},
		ScanLimit: c.Registry.ReverseScanLimit,
	}
}

type Summary struct {
	Store      string          `json:"store"`
	SQLitePath string          `json:"sqlite_path,omitempty"`
	HTTP       HTTPSummary     `json:"http"`
	Telegram   TelegramSummary `json:"telegram"`
	ScanLimit  int             `json:"reverse_scan_limit"`
}

type HTTPSummary struct {
	Addr        string `json:"addr"`
	CORSOrigins int    `json:"cors_origins"`
	RateRPS     int    `json:"rate_rps"`
	RateBurst   int    `json:"rate_burst"`
	Metrics     bool   `json:"metrics"`
}

type TelegramSummary struct {
	Token         string `json:"token,omitempty"`
	TokenFile     string `json:"token_file,omitempty"`
	APIBase       string `json:"api_base,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
	Configured    bool   `json:"configured"`
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"store": map[string]any{
			"driver":      c.Store.Driver,
			"sqlite_path": c.Store.SQLitePath,
		},
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"cors_origins": append([]string(nil), c.HTTP.CORSOrigins...),
			"rate_rps":     c.HTTP.RateLimitRPS,
			"rate_burst":   c.HTTP.RateLimitBurst,
			"metrics":      c.HTTP.Metrics,
			"access_log":   c.HTTP.AccessLog,
			"gzip":         c.HTTP.Gzip,
			"pprof":        c.HTTP.Pprof,
		},
		"telegram": map[string]any{
			"token":          redactString(c.Telegram.Token),
			"token_file":     c.Telegram.TokenFile,
			"api_base":       c.Telegram.APIBase,
			"webhook_secret": redactString(c.Telegram.WebhookSecret),
		},
		"registry": map[string]any{
			"reverse_scan_limit": c.Registry.ReverseScanLimit,
		},
		"broadcast": map[string]any{
			"concurrency": c.Broadcast.Concurrency,
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}
