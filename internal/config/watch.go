package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// WatchConfig is the pollwatch configuration file.
type WatchConfig struct {
	Backend   string `toml:"backend"`
	UserToken string `toml:"user_token,omitempty"`
	Push      bool   `toml:"push"`
	Heartbeat string `toml:"heartbeat_interval"` // Go duration, e.g. "5m"
	Retries   int    `toml:"retries"`
	FrameURL  string `toml:"frame_url,omitempty"`
	// LastCourseID and LastActivityID remember the last joined session so a
	// run that starts on a bare activity or question page still knows its scope.
	LastCourseID   string      `toml:"last_course_id,omitempty"`
	LastActivityID string      `toml:"last_activity_id,omitempty"`
	Rules          RulesConfig `toml:"rules"`
}

// RulesConfig overrides detector heuristics. Empty lists keep the built-in rules.
type RulesConfig struct {
	ActivePatterns   []string `toml:"active_patterns,omitempty"`
	WaitingPatterns  []string `toml:"waiting_patterns,omitempty"`
	Selectors        []string `toml:"selectors,omitempty"`
	TextRegions      []string `toml:"text_regions,omitempty"`
	WaitingRegions   []string `toml:"waiting_regions,omitempty"`
	Cooldown         string   `toml:"cooldown,omitempty"`
	AutoJoinCooldown string   `toml:"auto_join_cooldown,omitempty"`
	URLCheckInterval string   `toml:"url_check_interval,omitempty"`
}

const (
	defaultBackend   = "http://localhost:8787"
	defaultHeartbeat = 5 * time.Minute
	defaultRetries   = 3
)

// DefaultWatchConfig returns the settings used when no file exists.
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{
		Backend:   defaultBackend,
		Push:      true,
		Heartbeat: defaultHeartbeat.String(),
		Retries:   defaultRetries,
	}
}

// HeartbeatInterval parses Heartbeat, falling back to five minutes.
func (w WatchConfig) HeartbeatInterval() time.Duration {
	return parseDuration(w.Heartbeat, defaultHeartbeat)
}

func (r RulesConfig) CooldownOr(def time.Duration) time.Duration {
	return parseDuration(r.Cooldown, def)
}

func (r RulesConfig) AutoJoinCooldownOr(def time.Duration) time.Duration {
	return parseDuration(r.AutoJoinCooldown, def)
}

func (r RulesConfig) URLCheckIntervalOr(def time.Duration) time.Duration {
	return parseDuration(r.URLCheckInterval, def)
}

func parseDuration(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ReadWatch decodes a WatchConfig on top of the defaults.
func ReadWatch(r io.Reader) (WatchConfig, error) {
	cfg := DefaultWatchConfig()
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return WatchConfig{}, fmt.Errorf("failed to decode watch config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return WatchConfig{}, fmt.Errorf("unknown watch config keys: %s", strings.Join(keys, ", "))
	}
	if cfg.Retries <= 0 {
		cfg.Retries = defaultRetries
	}
	cfg.Backend = strings.TrimRight(strings.TrimSpace(cfg.Backend), "/")
	if cfg.Backend == "" {
		cfg.Backend = defaultBackend
	}
	return cfg, nil
}

// LoadWatch reads path. A missing file yields the defaults. POLLCAST_BACKEND and
// POLLCAST_USER_TOKEN override the file.
func LoadWatch(path string) (WatchConfig, error) {
	cfg := DefaultWatchConfig()
	if path != "" {
		f, err := os.Open(path)
		switch {
		case err == nil:
			defer f.Close()
			cfg, err = ReadWatch(f)
			if err != nil {
				return WatchConfig{}, fmt.Errorf("reading watch config from %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return WatchConfig{}, fmt.Errorf("failed to open watch config: %w", err)
		}
	}
	if v := strings.TrimSpace(os.Getenv("POLLCAST_BACKEND")); v != "" {
		cfg.Backend = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv("POLLCAST_USER_TOKEN")); v != "" {
		cfg.UserToken = v
	}
	return cfg, nil
}

// WriteWatch encodes cfg as TOML.
func WriteWatch(w io.Writer, cfg WatchConfig) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode watch config: %w", err)
	}
	return nil
}

// SaveWatch writes cfg to path, creating the directory if needed.
func SaveWatch(path string, cfg WatchConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()
	if err := WriteWatch(f, cfg); err != nil {
		return fmt.Errorf("writing watch config to %s: %w", path, err)
	}
	return nil
}

// RememberScope stores the last seen course and activity in the file at path.
// Empty values keep what is already stored. Only the file is read, so
// environment overrides are never written back.
func RememberScope(path, courseID, activityID string) error {
	cfg := DefaultWatchConfig()
	f, err := os.Open(path)
	switch {
	case err == nil:
		cfg, err = ReadWatch(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("reading watch config from %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("failed to open watch config: %w", err)
	}

	changed := false
	if courseID != "" && courseID != cfg.LastCourseID {
		cfg.LastCourseID, changed = courseID, true
	}
	if activityID != "" && activityID != cfg.LastActivityID {
		cfg.LastActivityID, changed = activityID, true
	}
	if !changed {
		return nil
	}
	return SaveWatch(path, cfg)
}

// DefaultWatchPath returns ~/.config/pollwatch.toml, or pollwatch.toml when the
// home directory is unknown.
func DefaultWatchPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "pollwatch.toml"
	}
	return filepath.Join(home, ".config", "pollwatch.toml")
}
