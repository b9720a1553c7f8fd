package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/you/pollcast/internal/collector"
	"github.com/you/pollcast/internal/config"
	"github.com/you/pollcast/internal/framesource"
	"github.com/you/pollcast/internal/fusion"
	"github.com/you/pollcast/internal/relay"
)

const defaultPageURL = "https://student.iclicker.com/#/courses"

type runOptions struct {
	URL      string
	FrameURL string
	Feed     io.Reader
	Logger   *slog.Logger
	// ConfigPath, when set, receives the scope of every joined session.
	ConfigPath string
	// Notifier overrides the local notification sink.
	Notifier relay.Notifier
}

// watcher wires one detector page to the relay and its input sources.
type watcher struct {
	page  *fusion.Page
	relay *relay.Relay
	opts  runOptions
}

func newWatcher(cfg config.WatchConfig, opts runOptions) (*watcher, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.URL == "" {
		opts.URL = defaultPageURL
	}
	if opts.FrameURL == "" {
		opts.FrameURL = cfg.FrameURL
	}

	checker, err := collector.NewDOMChecker(collector.RulesFromConfig(cfg.Rules))
	if err != nil {
		return nil, fmt.Errorf("compiling detector rules: %w", err)
	}
	for _, sel := range checker.Skipped() {
		opts.Logger.Warn("pollwatch: skipping invalid selector", "selector", sel)
	}

	page := fusion.NewPage(opts.URL, fusion.PageOptions{
		Logger:           opts.Logger,
		Checker:          checker,
		Cooldown:         cfg.Rules.CooldownOr(fusion.DefaultCooldown),
		AutoJoinCooldown: cfg.Rules.AutoJoinCooldownOr(fusion.DefaultAutoJoinCooldown),
		URLCheckInterval: cfg.Rules.URLCheckIntervalOr(fusion.DefaultURLCheckInterval),
		Cached:           collector.IDs{CourseID: cfg.LastCourseID, ActivityID: cfg.LastActivityID},
	})

	client := relay.NewClient(cfg.Backend, relay.ClientOptions{Attempts: uint(cfg.Retries)})
	rel := relay.New(client, relay.Options{
		Token:             cfg.UserToken,
		Push:              cfg.Push,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		Notifier:          opts.Notifier,
		Logger:            opts.Logger,
	})

	return &watcher{page: page, relay: rel, opts: opts}, nil
}

// Leave ends the monitored session. Run returns once the relay has drained.
func (w *watcher) Leave() { w.page.Leave() }

// Run blocks until the page stops. Cancelling ctx stops the page without
// leaving the session; use Leave for an orderly exit.
func (w *watcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := w.page.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// The relay drains events after the page closes, so backend calls for a
	// final leave still go out.
	g.Go(func() error {
		return w.relay.Run(context.WithoutCancel(gctx), w.remember(w.page.Events()))
	})

	if w.opts.FrameURL != "" {
		srcCtx, cancelSrc := context.WithCancel(gctx)
		go func() {
			<-w.page.Done()
			cancelSrc()
		}()
		src := framesource.New(framesource.Config{URL: w.opts.FrameURL}, w.page)
		g.Go(func() error {
			defer cancelSrc()
			err := src.Run(srcCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if w.opts.Feed != nil {
		// The feed may block on a terminal forever, so it is not part of the group.
		go func() {
			if err := runFeed(gctx, w.opts.Feed, pageAdapter{w.page}, w.opts.Logger); err != nil && !errors.Is(err, context.Canceled) {
				w.opts.Logger.Warn("pollwatch: feed stopped", "err", err)
			}
		}()
	}

	return g.Wait()
}

// remember passes events through and stores the scope of each joined session
// in the config file.
func (w *watcher) remember(in <-chan fusion.Event) <-chan fusion.Event {
	if w.opts.ConfigPath == "" {
		return in
	}
	out := make(chan fusion.Event)
	go func() {
		defer close(out)
		for ev := range in {
			if ev.Kind == fusion.EventSessionActive {
				if err := config.RememberScope(w.opts.ConfigPath, ev.CourseID, ev.ActivityID); err != nil {
					w.opts.Logger.Warn("pollwatch: saving last session failed", "err", err)
				}
			}
			out <- ev
		}
	}()
	return out
}
