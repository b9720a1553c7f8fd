// Package registry owns identity (codes, tokens, the chat reverse index) and
// presence (course/activity memberships and the active session record).
// All state lives in a kv.Store; every write is an idempotent upsert.
package registry

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/you/pollcast/internal/core"
	"github.com/you/pollcast/internal/kv"
)

const (
	CodeTTL          = 10 * time.Minute
	CodeLimitTTL     = 2 * time.Minute
	ActivityTTL      = 6 * time.Hour
	SessionTTL       = 10 * time.Minute
	DefaultScanLimit = 1000
)

// Messenger delivers a Markdown message to a chat handle.
type Messenger interface {
	Send(ctx context.Context, chat, text string) (bool, error)
}

type Options struct {
	Clock  core.Clock
	Logger *slog.Logger
	// ScanLimit bounds the user: scan used to repair a missing reverse index.
	ScanLimit int
	// Rand is the entropy source for codes and tokens. Defaults to crypto/rand.
	Rand io.Reader
}

type Registry struct {
	store     kv.Store
	msg       Messenger
	clock     core.Clock
	log       *slog.Logger
	scanLimit int
	rand      io.Reader
}

func New(store kv.Store, msg Messenger, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = core.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = DefaultScanLimit
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	return &Registry{
		store:     store,
		msg:       msg,
		clock:     opts.Clock,
		log:       opts.Logger.With("component", "registry"),
		scanLimit: opts.ScanLimit,
		rand:      opts.Rand,
	}
}

// Store exposes the backing store for components that share it.
func (r *Registry) Store() kv.Store { return r.store }

func (r *Registry) Clock() core.Clock { return r.clock }

// Authenticate resolves a token to its chat handle. The token must already be
// format-checked.
func (r *Registry) Authenticate(ctx context.Context, token string) (string, error) {
	chat, ok, err := r.store.Get(ctx, kv.UserKey(token))
	if err != nil {
		return "", errors.Wrap(err, "registry: lookup user")
	}
	if !ok || chat == "" {
		return "", core.Unauthorized()
	}
	return chat, nil
}

// CheckToken validates token shape without touching the store.
func CheckToken(token string) error {
	if token == "" {
		return core.Validation("Missing userToken")
	}
	if !core.ValidToken(token) {
		return core.Validation("Invalid userToken format")
	}
	return nil
}

// CheckScoped validates a token plus a scope where at least one ID is required.
func CheckScoped(token string, scope core.Scope) error {
	if token == "" || scope.Empty() {
		return core.Validation("Missing userToken or both courseId and activityId")
	}
	if err := scope.Validate(true); err != nil {
		return err
	}
	if !core.ValidToken(token) {
		return core.Validation("Invalid userToken format")
	}
	return nil
}

// send delivers a courtesy message. Failures are logged and never returned.
func (r *Registry) send(ctx context.Context, chat, text, what string) {
	if r.msg == nil {
		return
	}
	ok, err := r.msg.Send(ctx, chat, text)
	if err != nil {
		r.log.Warn("send failed", "message", what, "chat", chat, "err", err)
		return
	}
	if !ok {
		r.log.Warn("provider rejected message", "message", what, "chat", chat)
	}
}

func (r *Registry) nowMillis() int64 { return r.clock.Now().UnixMilli() }
