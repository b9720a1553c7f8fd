package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/you/pollcast/internal/collector"
	"github.com/you/pollcast/internal/config"
	"github.com/you/pollcast/internal/core"
	"github.com/you/pollcast/internal/relay"
	"github.com/you/pollcast/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the watch config and applies the persistent flags on top.
func loadConfig(cmd *cobra.Command) (config.WatchConfig, string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadWatch(path)
	if err != nil {
		return config.WatchConfig{}, "", err
	}
	if cmd.Flags().Changed("backend") {
		backend, _ := cmd.Flags().GetString("backend")
		cfg.Backend = strings.TrimRight(strings.TrimSpace(backend), "/")
	}
	if cmd.Flags().Changed("token") {
		token, _ := cmd.Flags().GetString("token")
		cfg.UserToken = strings.TrimSpace(token)
	}
	return cfg, path, nil
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

var rootCmd = &cobra.Command{
	Use:          "pollwatch",
	Short:        "Watch an iClicker student page and relay poll notifications",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the detector and relay",
	Long: `Run the detector and relay.

Page input is read as NDJSON from --feed (default stdin), one object per line:
  {"type":"dom","html":"...","url":"..."}
  {"type":"frame","text":"..."}
  {"type":"navigate","url":"..."}
  {"type":"location","url":"..."}
  {"type":"visible"}
  {"type":"leave"}
Realtime frames can also be read from a websocket with --frame-url.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if noPush, _ := cmd.Flags().GetBool("no-push"); noPush {
			cfg.Push = false
		}

		instance := uuid.NewString()
		logger := newLogger(cmd).With("instance", instance)
		slog.SetDefault(logger)

		pageURL, _ := cmd.Flags().GetString("url")
		frameURL, _ := cmd.Flags().GetString("frame-url")
		feedPath, _ := cmd.Flags().GetString("feed")

		var feed io.Reader
		switch feedPath {
		case "":
		case "-":
			feed = os.Stdin
		default:
			f, err := os.Open(feedPath)
			if err != nil {
				return fmt.Errorf("opening feed: %w", err)
			}
			defer f.Close()
			feed = f
		}

		w, err := newWatcher(cfg, runOptions{URL: pageURL, FrameURL: frameURL, Feed: feed, Logger: logger, ConfigPath: path})
		if err != nil {
			return err
		}

		if cfg.UserToken == "" {
			logger.Warn("pollwatch: no user token; run `pollwatch register CODE` to enable push")
		}
		logger.Info("pollwatch: started", "backend", cfg.Backend, "push", cfg.Push, "url", pageURL)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 2)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case <-sigCh:
			case <-ctx.Done():
				return
			}
			logger.Info("pollwatch: leaving session")
			w.Leave()
			select {
			case <-sigCh:
				logger.Warn("pollwatch: forced exit")
				cancel()
			case <-ctx.Done():
			}
		}()

		return w.Run(ctx)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check FILE|URL",
	Short: "Run the detector once against an HTML snapshot and print a report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		pageURL, _ := cmd.Flags().GetString("url")
		report, err := checkSnapshot(cmd.Context(), cfg, args[0], pageURL)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

// checkSnapshot loads an HTML document from a file or http(s) URL and runs
// the configured rules over it.
func checkSnapshot(ctx context.Context, cfg config.WatchConfig, src, pageURL string) (collector.Report, error) {
	checker, err := collector.NewDOMChecker(collector.RulesFromConfig(cfg.Rules))
	if err != nil {
		return collector.Report{}, fmt.Errorf("compiling detector rules: %w", err)
	}

	var r io.ReadCloser
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return collector.Report{}, fmt.Errorf("building request: %w", err)
		}
		client := &http.Client{Timeout: 15 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return collector.Report{}, fmt.Errorf("fetching %s: %w", src, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return collector.Report{}, fmt.Errorf("fetching %s: status %d", src, resp.StatusCode)
		}
		r = resp.Body
		if pageURL == "" {
			pageURL = src
		}
	} else {
		f, err := os.Open(src)
		if err != nil {
			return collector.Report{}, fmt.Errorf("opening snapshot: %w", err)
		}
		r = f
	}
	defer r.Close()

	doc, err := collector.ParseDocument(r)
	if err != nil {
		return collector.Report{}, fmt.Errorf("parsing snapshot: %w", err)
	}
	return checker.Report(doc, pageURL), nil
}

var registerCmd = &cobra.Command{
	Use:   "register CODE",
	Short: "Exchange a registration code from the bot for a user token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if path == "" {
			path = config.DefaultWatchPath()
		}
		token, err := register(cmd.Context(), &cfg, path, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered. Token %s saved to %s\n", maskToken(token), path)
		return nil
	},
}

// register redeems code against the configured backend and stores the token.
func register(ctx context.Context, cfg *config.WatchConfig, path, code string) (string, error) {
	code = strings.TrimSpace(code)
	if !core.ValidCode(code) {
		return "", fmt.Errorf("registration code must be 6 digits")
	}
	client := relay.NewClient(cfg.Backend, relay.ClientOptions{Attempts: uint(cfg.Retries)})
	token, err := client.Register(ctx, code)
	if err != nil {
		return "", fmt.Errorf("registering: %w", err)
	}
	cfg.UserToken = token
	if err := config.SaveWatch(path, *cfg); err != nil {
		return "", err
	}
	return token, nil
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "…" + token[len(token)-4:]
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pollwatch version: %s (commit %s, built %s)\n",
			version.Version, version.Commit, version.BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", config.DefaultWatchPath(), "Path to the pollwatch TOML config")
	rootCmd.PersistentFlags().String("backend", "", "Backend base URL (overrides config)")
	rootCmd.PersistentFlags().String("token", "", "User token (overrides config)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("url", defaultPageURL, "Initial page URL")
	runCmd.Flags().String("feed", "-", `NDJSON page feed path ("-" for stdin, "" to disable)`)
	runCmd.Flags().String("frame-url", "", "Websocket URL carrying realtime frames (overrides config)")
	runCmd.Flags().Bool("no-push", false, "Only show local notifications")

	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().String("url", "", "Page URL to report the route for")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(versionCmd)
}
