// Package relay forwards detector events to the pollcast backend: it joins
// and heartbeats the active session and fans out poll notifications.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/you/pollcast/internal/core"
	"github.com/you/pollcast/internal/fusion"
)

const (
	DefaultHeartbeatInterval = 5 * time.Minute

	EndedTitle   = "⏹️ Poll Ended"
	EndedMessage = "The question has closed."
)

// Backend is the subset of Client the relay needs.
type Backend interface {
	JoinSession(ctx context.Context, token string, scope core.Scope) (JoinResponse, error)
	Heartbeat(ctx context.Context, token string, scope core.Scope) error
	LeaveSession(ctx context.Context, token string) error
	Broadcast(ctx context.Context, token string, scope core.Scope, title, message string) (BroadcastResponse, error)
	Notify(ctx context.Context, token, title, message string) error
}

// Notifier shows a local notification on the machine running the detector.
type Notifier interface {
	Notify(title, message string)
}

// LogNotifier writes local notifications to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(title, message string) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "title", title, "message", message)
}

type Options struct {
	Token             string
	Push              bool
	HeartbeatInterval time.Duration
	Notifier          Notifier
	Logger            *slog.Logger
}

// Relay consumes page events. Run owns all of its state.
type Relay struct {
	backend Backend
	opts    Options
	logger  *slog.Logger

	session   *core.Scope
	heartbeat *time.Ticker
}

func New(backend Backend, opts Options) *Relay {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{Logger: opts.Logger}
	}
	return &Relay{backend: backend, opts: opts, logger: opts.Logger}
}

func (r *Relay) connected() bool { return r.opts.Push && r.opts.Token != "" }

// Run handles events until the channel closes or ctx is done.
func (r *Relay) Run(ctx context.Context, events <-chan fusion.Event) error {
	defer r.stopHeartbeat()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.Handle(ctx, ev)
		case <-r.tick():
			r.sendHeartbeat(ctx)
		}
	}
}

func (r *Relay) tick() <-chan time.Time {
	if r.heartbeat == nil {
		return nil
	}
	return r.heartbeat.C
}

// Handle processes a single event.
func (r *Relay) Handle(ctx context.Context, ev fusion.Event) {
	switch ev.Kind {
	case fusion.EventSessionActive:
		r.sessionActive(ctx, core.Scope{CourseID: ev.CourseID, ActivityID: ev.ActivityID})
	case fusion.EventSessionInactive:
		r.sessionInactive(ctx)
	case fusion.EventStarted:
		r.pollStarted(ctx, ev)
	case fusion.EventEnded:
		r.opts.Notifier.Notify(EndedTitle, EndedMessage)
	}
}

func (r *Relay) sessionActive(ctx context.Context, scope core.Scope) {
	if !r.connected() {
		r.logger.Info("relay: auto-join skipped, not connected")
		return
	}
	res, err := r.backend.JoinSession(ctx, r.opts.Token, scope)
	if err != nil {
		r.logger.Warn("relay: join session failed", "course", scope.CourseID, "activity", scope.ActivityID, "err", err)
		return
	}
	r.logger.Info("relay: joined session", "course", res.CourseID, "activity", res.ActivityID,
		"new_session", res.IsNewSession, "members", res.MemberCount)

	r.session = &scope
	if r.heartbeat == nil {
		r.sendHeartbeat(ctx)
		r.heartbeat = time.NewTicker(r.opts.HeartbeatInterval)
	}
}

func (r *Relay) sessionInactive(ctx context.Context) {
	r.stopHeartbeat()
	r.session = nil
	if r.opts.Token == "" {
		return
	}
	if err := r.backend.LeaveSession(ctx, r.opts.Token); err != nil {
		r.logger.Warn("relay: leave session failed", "err", err)
		return
	}
	r.logger.Info("relay: left session")
}

func (r *Relay) sendHeartbeat(ctx context.Context) {
	if r.session == nil || r.opts.Token == "" {
		return
	}
	if err := r.backend.Heartbeat(ctx, r.opts.Token, *r.session); err != nil {
		r.logger.Warn("relay: heartbeat failed", "err", err)
		return
	}
	r.logger.Debug("relay: heartbeat sent")
}

func (r *Relay) stopHeartbeat() {
	if r.heartbeat != nil {
		r.heartbeat.Stop()
		r.heartbeat = nil
	}
}

func (r *Relay) pollStarted(ctx context.Context, ev fusion.Event) {
	r.opts.Notifier.Notify(core.DefaultTitle, core.DefaultMessage)
	if !r.connected() {
		return
	}

	scope := core.Scope{CourseID: ev.CourseID, ActivityID: ev.ActivityID}
	if !scope.Empty() {
		res, err := r.backend.Broadcast(ctx, r.opts.Token, scope, core.DefaultTitle, core.DefaultMessage)
		if err != nil {
			r.logger.Warn("relay: broadcast failed", "course", scope.CourseID, "activity", scope.ActivityID, "err", err)
			return
		}
		r.logger.Info("relay: broadcast sent", "notified", res.Notified, "note", res.Message)
		return
	}

	if err := r.backend.Notify(ctx, r.opts.Token, core.DefaultTitle, core.DefaultMessage); err != nil {
		r.logger.Warn("relay: notify failed", "err", err)
		return
	}
	r.logger.Info("relay: push notification sent")
}
