package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/you/pollcast/internal/broadcast"
	"github.com/you/pollcast/internal/httpapi"
	"github.com/you/pollcast/internal/kv"
	"github.com/you/pollcast/internal/registry"
	"github.com/you/pollcast/internal/telegram"
)

func listSent(t *testing.T, base, query string) []sentMessage {
	t.Helper()
	resp, err := http.Get(base + "/messages" + query)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	defer resp.Body.Close()
	var out []sentMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	return out
}

func TestFakeBotRecordsSends(t *testing.T) {
	bot := newFakeBot(kv.NewMemoryStore(nil), botOptions{Token: "123:abc"})
	srv := httptest.NewServer(bot.Handler())
	defer srv.Close()

	client := telegram.NewClient(srv.URL, telegram.StaticToken("123:abc"), nil)
	ctx := context.Background()
	for _, chat := range []string{"111", "222", "111"} {
		ok, err := client.Send(ctx, chat, "hello "+chat)
		if err != nil || !ok {
			t.Fatalf("send to %s: ok=%v err=%v", chat, ok, err)
		}
	}

	all := listSent(t, srv.URL, "")
	if len(all) != 3 || all[0].Seq != 1 || all[2].ChatID != "111" {
		t.Fatalf("unexpected sends %+v", all)
	}
	if all[0].ParseMode != "Markdown" {
		t.Fatalf("expected Markdown parse mode, got %q", all[0].ParseMode)
	}
	if got := listSent(t, srv.URL, "?chat=111&limit=1"); len(got) != 1 || got[0].Seq != 3 {
		t.Fatalf("unexpected filtered sends %+v", got)
	}
}

func TestFakeBotRejectsWrongToken(t *testing.T) {
	bot := newFakeBot(kv.NewMemoryStore(nil), botOptions{Token: "123:abc"})
	srv := httptest.NewServer(bot.Handler())
	defer srv.Close()

	ok, err := telegram.NewClient(srv.URL, telegram.StaticToken("999:zzz"), nil).Send(context.Background(), "1", "x")
	if err != nil || ok {
		t.Fatalf("expected ok=false without error, got ok=%v err=%v", ok, err)
	}
}

func TestFakeBotFailureInjection(t *testing.T) {
	bot := newFakeBot(kv.NewMemoryStore(nil), botOptions{})
	srv := httptest.NewServer(bot.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/fail?chat=222", "application/json", nil)
	if err != nil {
		t.Fatalf("fail toggle: %v", err)
	}
	resp.Body.Close()

	client := telegram.NewClient(srv.URL, telegram.StaticToken("t"), nil)
	ctx := context.Background()
	if ok, _ := client.Send(ctx, "111", "a"); !ok {
		t.Fatalf("expected 111 to succeed")
	}
	if ok, _ := client.Send(ctx, "222", "b"); ok {
		t.Fatalf("expected 222 to fail")
	}

	resp, err = http.Post(srv.URL+"/fail?off=true", "application/json", nil)
	if err != nil {
		t.Fatalf("fail reset: %v", err)
	}
	resp.Body.Close()
	if ok, _ := client.Send(ctx, "222", "c"); !ok {
		t.Fatalf("expected 222 to succeed after reset")
	}
}

func TestFakeBotSQLiteStoreAndClear(t *testing.T) {
	store, err := kv.OpenSQLite(filepath.Join(t.TempDir(), "devapi.db"), nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()

	bot := newFakeBot(store, botOptions{})
	srv := httptest.NewServer(bot.Handler())
	defer srv.Close()

	client := telegram.NewClient(srv.URL, telegram.StaticToken("t"), nil)
	for i := 0; i < 2; i++ {
		if ok, err := client.Send(context.Background(), "42", "x"); err != nil || !ok {
			t.Fatalf("send: ok=%v err=%v", ok, err)
		}
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/messages", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	resp.Body.Close()
	if got := listSent(t, srv.URL, ""); len(got) != 0 {
		t.Fatalf("expected cleared outbox, got %+v", got)
	}
}

// The fake bot and the real API together cover the registration flow: an
// emitted /start reaches the webhook and the code comes back as a send.
func TestEmitDrivesWebhookRegistration(t *testing.T) {
	var botURL string
	messenger := &lazyClient{base: func() string { return botURL }}

	store := kv.NewMemoryStore(nil)
	reg := registry.New(store, messenger, registry.Options{})
	disp := broadcast.New(reg, store, messenger, broadcast.Options{})
	api := httptest.NewServer(httpapi.New(reg, disp, httpapi.Options{WebhookSecret: "s3cret"}).Handler())
	defer api.Close()

	bot := newFakeBot(kv.NewMemoryStore(nil), botOptions{Webhook: api.URL + "/webhook", WebhookSecret: "s3cret"})
	srv := httptest.NewServer(bot.Handler())
	defer srv.Close()
	botURL = srv.URL

	body, _ := json.Marshal(map[string]any{"chat_id": 555, "text": "/start"})
	resp, err := http.Post(srv.URL+"/emit", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	var out struct {
		Status int `json:"status"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if out.Status != http.StatusOK {
		t.Fatalf("expected webhook 200, got %d", out.Status)
	}

	sent := listSent(t, srv.URL, "?chat=555")
	if len(sent) != 1 || !strings.Contains(sent[0].Text, "registration code") {
		t.Fatalf("expected a registration code message, got %+v", sent)
	}
}

type lazyClient struct {
	base func() string
}

func (c *lazyClient) Send(ctx context.Context, chat, text string) (bool, error) {
	return telegram.NewClient(c.base(), telegram.StaticToken("t"), nil).Send(ctx, chat, text)
}
