// Package framesource reads realtime transport frames from a websocket and
// feeds their text to a detector page, reconnecting with backoff.
package framesource

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// Sink receives text frames. It returns false once it no longer accepts
// input, which stops the source.
type Sink interface {
	ObserveFrame(text string) bool
}

type Config struct {
	URL        string
	Header     http.Header
	ReadLimit  int64
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

type Source struct {
	cfg    Config
	sink   Sink
	frames atomic.Int64
	conns  atomic.Int64
}

var errSinkClosed = errors.New("framesource: sink closed")

func New(cfg Config, sink Sink) *Source {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	return &Source{cfg: cfg, sink: sink}
}

// Frames reports how many text frames were delivered.
func (s *Source) Frames() int64 { return s.frames.Load() }

// Connections reports how many successful dials were made.
func (s *Source) Connections() int64 { return s.conns.Load() }

// Run reads until ctx is done or the sink stops accepting frames.
func (s *Source) Run(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.URL) == "" {
		return errors.New("framesource: url is required")
	}

	backoff := s.cfg.MinBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delivered, err := s.runOnce(ctx)
		if errors.Is(err, errSinkClosed) {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ctx.Err()
		}
		if delivered > 0 {
			backoff = s.cfg.MinBackoff
		}

		log.Printf("framesource: disconnected: %v; reconnecting in %s", err, backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if backoff < s.cfg.MaxBackoff {
			backoff *= 2
			if backoff > s.cfg.MaxBackoff {
				backoff = s.cfg.MaxBackoff
			}
		}
	}
}

func (s *Source) runOnce(ctx context.Context) (int, error) {
	conn, _, err := websocket.Dial(ctx, s.cfg.URL, &websocket.DialOptions{HTTPHeader: s.cfg.Header})
	if err != nil {
		return 0, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(s.cfg.ReadLimit)
	s.conns.Add(1)
	log.Printf("framesource: connected to %s", s.cfg.URL)

	delivered := 0
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return delivered, errors.New("closed by peer")
			}
			return delivered, fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		if !s.sink.ObserveFrame(string(data)) {
			return delivered, errSinkClosed
		}
		delivered++
		s.frames.Add(1)
	}
}
