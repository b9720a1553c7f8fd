package framesource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/pollcast/internal/fusion"
	"github.com/you/pollcast/internal/testutil"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []string
	limit  int
	got    chan struct{}
}

func (s *recordingSink) ObserveFrame(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && len(s.frames) >= s.limit {
		return false
	}
	s.frames = append(s.frames, text)
	select {
	case s.got <- struct{}{}:
	default:
	}
	return true
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func frameServer(t *testing.T, frames ...string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var conns atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{0x01})
		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "bye")
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func TestSourceDeliversTextFramesAndReconnects(t *testing.T) {
	srv, conns := frameServer(t, `{"a":1}`, `{"b":2}`)
	sink := &recordingSink{got: make(chan struct{}, 1)}
	src := New(Config{URL: wsURL(srv), MinBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	for len(sink.snapshot()) < 4 {
		select {
		case <-sink.got:
		case <-deadline:
			t.Fatalf("timed out, frames=%v", sink.snapshot())
		}
	}
	cancel()
	<-done

	got := sink.snapshot()
	if got[0] != `{"a":1}` || got[1] != `{"b":2}` {
		t.Fatalf("unexpected frames %v", got)
	}
	if conns.Load() < 2 || src.Connections() < 2 {
		t.Fatalf("expected a reconnect, server saw %d connections", conns.Load())
	}
}

func TestSourceStopsWhenSinkCloses(t *testing.T) {
	srv, _ := frameServer(t, "one", "two", "three")
	sink := &recordingSink{limit: 1, got: make(chan struct{}, 1)}
	src := New(Config{URL: wsURL(srv), MinBackoff: 5 * time.Millisecond}, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := src.Run(ctx); err != nil {
		t.Fatalf("expected nil error when sink closes, got %v", err)
	}
	if src.Frames() != 1 {
		t.Fatalf("expected 1 delivered frame, got %d", src.Frames())
	}
}

func TestSourceRequiresURL(t *testing.T) {
	if err := New(Config{}, &recordingSink{}).Run(context.Background()); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestSourceFeedsPage(t *testing.T) {
	srv, _ := frameServer(t, `{"event":"poll_started","courseId":"c0ffee","questionId":"aa01"}`)

	page := fusion.NewPage("https://student.iclicker.com/#/login", fusion.PageOptions{Clock: testutil.FixedClock()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = page.Run(ctx) }()
	go func() { _ = New(Config{URL: wsURL(srv), MinBackoff: time.Second}, page).Run(ctx) }()

	select {
	case ev := <-page.Events():
		if ev.Kind != fusion.EventStarted || ev.QuestionID != "aa01" || ev.CourseID != "c0ffee" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for started event")
	}
}
