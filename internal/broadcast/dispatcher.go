// Package broadcast fans a poll notification out to everyone present in a
// course or activity, and sends single-user notifications.
package broadcast

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/you/pollcast/internal/core"
	"github.com/you/pollcast/internal/kv"
	"github.com/you/pollcast/internal/registry"
)

const (
	ScopeCooldown  = 60 * time.Second
	NotifyCooldown = 60 * time.Second

	suppressedMessage = "Rate limited - broadcast already sent recently"
)

// Directory resolves senders and recipients.
type Directory interface {
	Authenticate(ctx context.Context, token string) (string, error)
	Recipients(ctx context.Context, scope core.Scope) ([]string, error)
}

// Recorder receives delivery outcomes. The HTTP metrics implement it.
type Recorder interface {
	ObserveSend(kind string, ok bool)
	ObserveBroadcast(recipients, notified int)
	ObserveSuppressed()
}

type nopRecorder struct{}

func (nopRecorder) ObserveSend(string, bool)  {}
func (nopRecorder) ObserveBroadcast(int, int) {}
func (nopRecorder) ObserveSuppressed()        {}

type Options struct {
	Clock    core.Clock
	Logger   *slog.Logger
	Recorder Recorder
	// Concurrency caps parallel sends per broadcast. Zero means unlimited.
	Concurrency int
}

type Dispatcher struct {
	dir   Directory
	store kv.Store
	msg   registry.Messenger
	clock core.Clock
	log   *slog.Logger
	rec   Recorder
	limit int
}

func New(dir Directory, store kv.Store, msg registry.Messenger, opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = core.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = -1
	}
	return &Dispatcher{
		dir:   dir,
		store: store,
		msg:   msg,
		clock: opts.Clock,
		log:   opts.Logger.With("component", "broadcast"),
		rec:   opts.Recorder,
		limit: limit,
	}
}

// Result is the broadcast outcome returned to the caller.
type Result struct {
	Success    bool   `json:"success"`
	Notified   int    `json:"notified"`
	CourseID   string `json:"courseId,omitempty"`
	ActivityID string `json:"activityId,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Broadcast notifies every chat present in scope. A second broadcast for the same
// scope inside ScopeCooldown is a successful no-op. Individual send failures are
// logged and excluded from Notified.
func (d *Dispatcher) Broadcast(ctx context.Context, token string, scope core.Scope, title, message string) (Result, error) {
	if err := registry.CheckScoped(token, scope); err != nil {
		return Result{}, err
	}
	if _, err := d.dir.Authenticate(ctx, token); err != nil {
		return Result{}, err
	}

	key := kv.BroadcastKey(scope.Key())
	now := d.clock.Now()
	recent, err := d.within(ctx, key, now, ScopeCooldown)
	if err != nil {
		return Result{}, err
	}
	if recent {
		d.rec.ObserveSuppressed()
		d.log.Info("broadcast suppressed", "scope", scope.Key())
		return Result{Success: true, Notified: 0, Message: suppressedMessage}, nil
	}
	if err := d.store.Put(ctx, key, strconv.FormatInt(now.UnixMilli(), 10), ScopeCooldown); err != nil {
		return Result{}, errors.Wrap(err, "broadcast: write scope marker")
	}

	chats, err := d.dir.Recipients(ctx, scope)
	if err != nil {
		return Result{}, err
	}
	if len(chats) == 0 {
		d.rec.ObserveBroadcast(0, 0)
		return Result{Success: true, Notified: 0}, nil
	}

	text := core.FormatNotification(title, message)
	notified := d.fanOut(ctx, chats, text)
	d.rec.ObserveBroadcast(len(chats), notified)
	d.log.Info("broadcast sent",
		"scope", scope.Key(),
		"recipients", len(chats),
		"notified", notified,
	)

	return Result{
		Success:    true,
		Notified:   notified,
		CourseID:   scope.CourseID,
		ActivityID: scope.ActivityID,
	}, nil
}

func (d *Dispatcher) fanOut(ctx context.Context, chats []string, text string) int {
	var (
		g        errgroup.Group
		notified atomic.Int64
	)
	g.SetLimit(d.limit)
	for _, chat := range chats {
		g.Go(func() error {
			ok, err := d.msg.Send(ctx, chat, text)
			d.rec.ObserveSend("broadcast", err == nil && ok)
			if err != nil {
				d.log.Warn("broadcast send failed", "chat", chat, "err", err)
				return nil
			}
			if ok {
				notified.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(notified.Load())
}

// Notify sends one notification to the token's own chat, at most once per
// NotifyCooldown.
func (d *Dispatcher) Notify(ctx context.Context, token, title, message string) error {
	if err := registry.CheckToken(token); err != nil {
		return err
	}
	chat, err := d.dir.Authenticate(ctx, token)
	if err != nil {
		return err
	}

	key := kv.NotifyLimitKey(token)
	now := d.clock.Now()
	recent, err := d.within(ctx, key, now, NotifyCooldown)
	if err != nil {
		return err
	}
	if recent {
		return core.RateLimited(NotifyCooldown)
	}
	if err := d.store.Put(ctx, key, strconv.FormatInt(now.UnixMilli(), 10), NotifyCooldown); err != nil {
		return errors.Wrap(err, "broadcast: write notify marker")
	}

	ok, err := d.msg.Send(ctx, chat, core.FormatNotification(title, message))
	d.rec.ObserveSend("notify", err == nil && ok)
	if err != nil {
		return core.Transport("Failed to send notification", err)
	}
	if !ok {
		return core.Transport("Failed to send notification", nil)
	}
	return nil
}

// within reports whether the marker at key was written less than window ago.
// Unparseable markers count as absent.
func (d *Dispatcher) within(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error) {
	raw, ok, err := d.store.Get(ctx, key)
	if err != nil {
		return false, errors.Wrapf(err, "broadcast: read %s", key)
	}
	if !ok {
		return false, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, nil
	}
	return now.Sub(time.UnixMilli(ms)) < window, nil
}
