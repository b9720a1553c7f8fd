package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/you/pollcast/internal/collector"
	"github.com/you/pollcast/internal/config"
	"github.com/you/pollcast/internal/core"
)

type backendRecorder struct {
	mu    sync.Mutex
	paths []string
	specs []map[string]string
}

func (b *backendRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.paths = append(b.paths, r.URL.Path)
		b.specs = append(b.specs, body)
		b.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/register":
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "userToken": "0123456789abcdef0123456789abcdef"})
		case "/broadcast":
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "notified": 2})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
		}
	})
}

func (b *backendRecorder) snapshot() ([]string, []map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.paths...), append([]map[string]string(nil), b.specs...)
}

type titles struct {
	mu  sync.Mutex
	got []string
}

func (n *titles) Notify(title, _ string) {
	n.mu.Lock()
	n.got = append(n.got, title)
	n.mu.Unlock()
}

func TestWatcherRelaysFeedToBackend(t *testing.T) {
	rec := &backendRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	cfg := config.DefaultWatchConfig()
	cfg.Backend = srv.URL
	cfg.UserToken = "tok"
	cfg.Retries = 1

	feed := strings.Join([]string{
		`{"type":"navigate","url":"https://student.iclicker.com/#/class/c0ffee"}`,
		`{"type":"dom","html":"<html><body><div class=\"poll-active\">Q</div></body></html>"}`,
		`{"type":"leave"}`,
	}, "\n")

	notifier := &titles{}
	w, err := newWatcher(cfg, runOptions{
		URL:      "https://student.iclicker.com/#/login",
		Feed:     strings.NewReader(feed),
		Logger:   quietLogger(),
		Notifier: notifier,
	})
	if err != nil {
		t.Fatalf("newWatcher: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	paths, bodies := rec.snapshot()
	want := []string{"/join-session", "/heartbeat", "/broadcast", "/leave-session"}
	if len(paths) != len(want) {
		t.Fatalf("expected %v, got %v", want, paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("call %d: expected %s, got %s", i, want[i], paths[i])
		}
	}
	if bodies[2]["courseId"] != "c0ffee" || bodies[2]["userToken"] != "tok" {
		t.Fatalf("unexpected broadcast body %v", bodies[2])
	}
	if len(notifier.got) != 1 || notifier.got[0] != core.DefaultTitle {
		t.Fatalf("expected one local notification, got %v", notifier.got)
	}
}

func runFeedOnce(t *testing.T, cfg config.WatchConfig, path, pageURL string, lines ...string) {
	t.Helper()
	w, err := newWatcher(cfg, runOptions{
		URL:        pageURL,
		Feed:       strings.NewReader(strings.Join(lines, "\n")),
		Logger:     quietLogger(),
		Notifier:   &titles{},
		ConfigPath: path,
	})
	if err != nil {
		t.Fatalf("newWatcher: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestWatcherRemembersLastSession(t *testing.T) {
	rec := &backendRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "pollwatch.toml")
	cfg := config.DefaultWatchConfig()
	cfg.Backend = srv.URL
	cfg.UserToken = "tok"
	cfg.Retries = 1
	if err := config.SaveWatch(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	runFeedOnce(t, cfg, path, "https://student.iclicker.com/#/login",
		`{"type":"navigate","url":"https://student.iclicker.com/#/course/c0ffee"}`,
		`{"type":"leave"}`,
	)

	second, err := config.LoadWatch(path)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if second.LastCourseID != "c0ffee" {
		t.Fatalf("expected course remembered, got %q", second.LastCourseID)
	}

	before, _ := rec.snapshot()
	runFeedOnce(t, second, path, "https://student.iclicker.com/#/login",
		`{"type":"navigate","url":"https://student.iclicker.com/#/question/aa01"}`,
		`{"type":"leave"}`,
	)

	paths, bodies := rec.snapshot()
	var broadcast map[string]string
	for i := len(before); i < len(paths); i++ {
		if paths[i] == "/notify" {
			t.Fatalf("expected a scoped broadcast, got single-user notify: %v", paths[len(before):])
		}
		if paths[i] == "/broadcast" {
			broadcast = bodies[i]
		}
	}
	if broadcast == nil || broadcast["courseId"] != "c0ffee" {
		t.Fatalf("expected broadcast with the stored course, got %v in %v", broadcast, paths[len(before):])
	}
}

func TestWatcherRejectsBadRules(t *testing.T) {
	cfg := config.DefaultWatchConfig()
	cfg.Rules.ActivePatterns = []string{"("}
	if _, err := newWatcher(cfg, runOptions{Logger: quietLogger()}); err == nil {
		t.Fatalf("expected invalid pattern to fail")
	}
}

func TestCheckSnapshotFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	src := `<html><body>
<div class="status-banner" role="alert">Answer now!</div>
<div class="poll-active">Q1</div>
<script>window.__STATE__ = {"courseId":"c0ffee","activityId":"ac01"};</script>
</body></html>`
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	report, err := checkSnapshot(context.Background(), config.DefaultWatchConfig(), path, "https://student.iclicker.com/#/class/c0ffee/poll")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.Detected || !report.TextFound {
		t.Fatalf("expected detection, got %+v", report)
	}
	if report.RouteKind != collector.RouteClassPoll {
		t.Fatalf("unexpected route kind %s", report.RouteKind)
	}
	if report.PageData.CourseID != "c0ffee" {
		t.Fatalf("expected page data course, got %+v", report.PageData)
	}
}

func TestCheckSnapshotURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<div role="alert">Waiting for your instructor</div>`))
	}))
	defer srv.Close()

	report, err := checkSnapshot(context.Background(), config.DefaultWatchConfig(), srv.URL, "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.Waiting || report.Detected {
		t.Fatalf("expected waiting state, got %+v", report)
	}
	if report.URL != srv.URL {
		t.Fatalf("expected url defaulted to source, got %q", report.URL)
	}
}

func TestRegisterSavesToken(t *testing.T) {
	rec := &backendRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "conf", "pollwatch.toml")
	cfg := config.DefaultWatchConfig()
	cfg.Backend = srv.URL

	token, err := register(context.Background(), &cfg, path, " 123456 ")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if token != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("unexpected token %q", token)
	}

	saved, err := config.LoadWatch(path)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if saved.UserToken != token || saved.Backend != srv.URL {
		t.Fatalf("unexpected saved config %+v", saved)
	}
	if _, bodies := rec.snapshot(); bodies[0]["code"] != "123456" {
		t.Fatalf("expected trimmed code, got %v", bodies[0])
	}
}

func TestRegisterRejectsMalformedCode(t *testing.T) {
	cfg := config.DefaultWatchConfig()
	if _, err := register(context.Background(), &cfg, filepath.Join(t.TempDir(), "x.toml"), "12"); err == nil {
		t.Fatalf("expected malformed code to fail")
	}
}

func TestMaskToken(t *testing.T) {
	if got := maskToken("0123456789abcdef"); got != "0123…cdef" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := maskToken("short"); got != "****" {
		t.Fatalf("unexpected mask %q", got)
	}
}
