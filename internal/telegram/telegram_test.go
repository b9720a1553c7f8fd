package telegram

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
)

func TestClientSendPostsMarkdown(t *testing.T) {
	var gotPath string
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, StaticToken("123:abc"), srv.Client())
	ok, err := c.Send(context.Background(), "555", "*hi*")
	if err != nil || !ok {
		t.Fatalf("send: ok=%v err=%v", ok, err)
	}
	if gotPath != "/bot123:abc/sendMessage" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if got.ChatID != "555" || got.Text != "*hi*" || got.ParseMode != "Markdown" {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestClientSendReportsNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"chat not found"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, StaticToken("t"), srv.Client())
	ok, err := c.Send(context.Background(), "1", "x")
	if err != nil {
		t.Fatalf("expected no transport error, got %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false")
	}
}

func TestClientSendRequiresToken(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", StaticToken(""), nil)
	if _, err := c.Send(context.Background(), "1", "x"); err == nil {
		t.Fatalf("expected error without token")
	}
}

func TestClientSendRedactsToken(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", StaticToken("secret-token"), &http.Client{Timeout: time.Second})
	_, err := c.Send(context.Background(), "1", "x")
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if strings.Contains(err.Error(), "secret-token") {
		t.Fatalf("token leaked in error: %v", err)
	}
}

func TestNormalizeToken(t *testing.T) {
	cases := []struct {
		in  string
		out string
	}{
		{"", ""},
		{"  123:abc\n", "123:abc"},
		{"bot123:abc", "123:abc"},
		{"botless", "botless"},
	}
	for _, c := range cases {
		if got := NormalizeToken(c.in); got != c.out {
			t.Fatalf("NormalizeToken(%q) = %q; want %q", c.in, got, c.out)
		}
	}
}

func TestTokenStoreReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_token")
	if err := os.WriteFile(path, []byte("111:first\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := NewTokenStore("", NewFileTokenLoader(path))

	changed, err := store.Reload()
	if err != nil || !changed {
		t.Fatalf("first reload: changed=%v err=%v", changed, err)
	}
	if store.Token() != "111:first" {
		t.Fatalf("unexpected token %q", store.Token())
	}

	changed, err = store.Reload()
	if err != nil || changed {
		t.Fatalf("second reload: changed=%v err=%v", changed, err)
	}

	if err := os.WriteFile(path, []byte("   "), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.Reload(); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("expected ErrEmptyToken, got %v", err)
	}
	if store.Token() != "111:first" {
		t.Fatalf("empty file must not clear the active token, got %q", store.Token())
	}
}

func TestWatchTokenFileReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_token")
	if err := os.WriteFile(path, []byte("111:first"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := NewTokenStore("111:first", NewFileTokenLoader(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan bool, 4)
	if err := store.WatchTokenFile(ctx, func(changed bool, err error) {
		if err == nil {
			reloaded <- changed
		}
	}); err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := os.WriteFile(path, []byte("222:second"), 0o600); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case changed := <-reloaded:
			if changed {
				if store.Token() != "222:second" {
					t.Fatalf("unexpected token %q", store.Token())
				}
				return
			}
		case <-deadline:
			t.Fatalf("token was not reloaded")
		}
	}
}

func TestMessageChatHandle(t *testing.T) {
	var u Update
	if err := json.Unmarshal([]byte(`{"update_id":1,"message":{"message_id":2,"chat":{"id":-100123},"text":" /Code "}}`), &u); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := u.Message.ChatHandle(); got != "-100123" {
		t.Fatalf("unexpected chat handle %q", got)
	}
	if got := u.Message.Command(); got != "/code" {
		t.Fatalf("unexpected command %q", got)
	}
}
