package httpadmin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/you/pollcast/internal/kv"
	"github.com/you/pollcast/internal/telegram"
	"github.com/you/pollcast/internal/testutil"
)

type fakeReloader struct {
	changed bool
	err     error
}

func (f fakeReloader) Reload() (bool, error) {
	return f.changed, f.err
}

func serve(h *Server, method, path string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServerReload(t *testing.T) {
	cases := []struct {
		name   string
		rel    Reloader
		method string
		status int
		body   string
	}{
		{"changed", fakeReloader{changed: true}, http.MethodPost, http.StatusOK, `{"reloaded":true,"status":"ok"}`},
		{"unchanged", fakeReloader{}, http.MethodPost, http.StatusOK, `{"reloaded":false,"status":"ok"}`},
		{"error", fakeReloader{err: errors.New("boom")}, http.MethodPost, http.StatusInternalServerError, "reload failed: boom"},
		{"get", fakeReloader{}, http.MethodGet, http.StatusMethodNotAllowed, "method not allowed"},
		{"unconfigured", nil, http.MethodPost, http.StatusInternalServerError, "reload failed: no token file configured"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(New(tc.rel, nil), tc.method, "/admin/telegram/reload")
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tc.body {
				t.Fatalf("unexpected body %q", got)
			}
			if tc.status == http.StatusOK && rec.Header().Get("Content-Type") != "application/json; charset=utf-8" {
				t.Fatalf("unexpected content-type %q", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestServerHealthz(t *testing.T) {
	rec := serve(New(nil, nil), http.MethodGet, "/admin/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz %d %q", rec.Code, rec.Body.String())
	}
}

func TestServerReloadsTokenStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_token")
	if err := os.WriteFile(path, []byte("111:abc\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := telegram.NewTokenStore("", telegram.NewFileTokenLoader(path))

	rec := serve(New(store, nil), http.MethodPost, "/admin/telegram/reload")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if store.Token() != "111:abc" {
		t.Fatalf("expected token loaded, got %q", store.Token())
	}
}

func TestServerPurgesExpiredKeys(t *testing.T) {
	clock := testutil.FixedClock()
	store, err := kv.OpenSQLite(filepath.Join(t.TempDir(), "kv.db"), clock)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Put(ctx, "ratelimit:tok", "1", time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "user:tok", "111", 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	clock.Advance(2 * time.Minute)

	rec := serve(New(nil, store), http.MethodPost, "/admin/store/purge")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Purged int64 `json:"purged"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Purged != 1 {
		t.Fatalf("expected 1 purged key, got %d", payload.Purged)
	}
}

func TestServerPurgeWithoutStore(t *testing.T) {
	rec := serve(New(nil, nil), http.MethodPost, "/admin/store/purge")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
