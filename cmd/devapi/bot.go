package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you/pollcast/internal/kv"
	"github.com/you/pollcast/internal/telegram"
)

const sentPrefix = "sent:"

// sentMessage is one sendMessage call accepted by the fake bot.
type sentMessage struct {
	Seq       int64     `json:"seq"`
	ChatID    string    `json:"chat_id"`
	Text      string    `json:"text"`
	ParseMode string    `json:"parse_mode,omitempty"`
	At        time.Time `json:"at"`
}

type botOptions struct {
	// Token, when set, must match the bot segment of the path.
	Token string
	// Webhook receives updates posted to /emit.
	Webhook       string
	WebhookSecret string
	HTTPClient    *http.Client
}

// fakeBot mimics the Bot API sendMessage method and records every send.
type fakeBot struct {
	store kv.Store
	opts  botOptions
	seq   atomic.Int64
	upd   atomic.Int64

	mu      sync.Mutex
	failAll bool
	failing map[string]bool
}

func newFakeBot(store kv.Store, opts botOptions) *fakeBot {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &fakeBot{store: store, opts: opts, failing: make(map[string]bool)}
}

func (b *fakeBot) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{bot}/sendMessage", b.handleSend)
	mux.HandleFunc("GET /messages", b.handleList)
	mux.HandleFunc("DELETE /messages", b.handleClear)
	mux.HandleFunc("GET /count", b.handleCount)
	mux.HandleFunc("POST /fail", b.handleFail)
	mux.HandleFunc("POST /emit", b.handleEmit)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func apiError(w http.ResponseWriter, code int, desc string) {
	writeJSON(w, code, map[string]any{"ok": false, "error_code": code, "description": desc})
}

func (b *fakeBot) shouldFail(chat string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failAll || b.failing[chat]
}

func (b *fakeBot) handleSend(w http.ResponseWriter, r *http.Request) {
	bot := r.PathValue("bot")
	if !strings.HasPrefix(bot, "bot") || len(bot) == len("bot") {
		apiError(w, http.StatusNotFound, "Not Found")
		return
	}
	if b.opts.Token != "" && strings.TrimPrefix(bot, "bot") != b.opts.Token {
		apiError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	defer r.Body.Close()
	var req struct {
		ChatID    json.RawMessage `json:"chat_id"`
		Text      string          `json:"text"`
		ParseMode string          `json:"parse_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiError(w, http.StatusBadRequest, "Bad Request: invalid JSON")
		return
	}
	// chat_id may be an integer or a string such as "@channel".
	chat := strings.Trim(strings.TrimSpace(string(req.ChatID)), `"`)
	if chat == "" || req.Text == "" {
		apiError(w, http.StatusBadRequest, "Bad Request: chat_id and text are required")
		return
	}
	if b.shouldFail(chat) {
		apiError(w, http.StatusBadRequest, "Bad Request: chat not found")
		return
	}

	msg := sentMessage{
		Seq:       b.seq.Add(1),
		ChatID:    chat,
		Text:      req.Text,
		ParseMode: req.ParseMode,
		At:        time.Now().UTC(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		apiError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if err := b.store.Put(r.Context(), fmt.Sprintf("%s%020d", sentPrefix, msg.Seq), string(raw), 0); err != nil {
		apiError(w, http.StatusInternalServerError, "store failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"result": map[string]any{"message_id": msg.Seq, "chat": map[string]any{"id": chat}, "text": msg.Text},
	})
}

// sent loads recorded messages in send order, optionally for a single chat.
func (b *fakeBot) sent(ctx context.Context, chat string, limit int) ([]sentMessage, error) {
	keys, err := b.store.List(ctx, sentPrefix, 0)
	if err != nil {
		return nil, err
	}
	out := make([]sentMessage, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := b.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var msg sentMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		if chat != "" && msg.ChatID != chat {
			continue
		}
		out = append(out, msg)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (b *fakeBot) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := b.sent(r.Context(), r.URL.Query().Get("chat"), limit)
	if err != nil {
		http.Error(w, "list failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (b *fakeBot) handleCount(w http.ResponseWriter, r *http.Request) {
	list, err := b.sent(r.Context(), r.URL.Query().Get("chat"), 0)
	if err != nil {
		http.Error(w, "count failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(list)})
}

func (b *fakeBot) handleClear(w http.ResponseWriter, r *http.Request) {
	keys, err := b.store.List(r.Context(), sentPrefix, 0)
	if err != nil {
		http.Error(w, "clear failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	for _, key := range keys {
		if err := b.store.Delete(r.Context(), key); err != nil {
			http.Error(w, "clear failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": len(keys)})
}

// handleFail toggles failure injection: ?chat=ID fails one chat, ?all=true
// fails everything, ?off=true resets.
func (b *fakeBot) handleFail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case q.Get("off") == "true":
		b.failAll = false
		b.failing = make(map[string]bool)
	case q.Get("all") != "":
		b.failAll = q.Get("all") == "true"
	case q.Get("chat") != "":
		b.failing[q.Get("chat")] = true
	default:
		http.Error(w, "chat, all or off required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failAll": b.failAll, "failing": len(b.failing)})
}

// handleEmit wraps a chat message in a Bot API update and posts it to the
// configured webhook, so bot commands can be exercised without Telegram.
func (b *fakeBot) handleEmit(w http.ResponseWriter, r *http.Request) {
	if b.opts.Webhook == "" {
		http.Error(w, "no webhook configured", http.StatusServiceUnavailable)
		return
	}
	defer r.Body.Close()
	var req struct {
		ChatID json.Number `json:"chat_id"`
		Text   string      `json:"text"`
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil || req.ChatID == "" {
		http.Error(w, "chat_id and text required", http.StatusBadRequest)
		return
	}

	id := b.upd.Add(1)
	update := telegram.Update{
		UpdateID: id,
		Message: &telegram.Message{
			MessageID: id,
			Chat:      telegram.Chat{ID: req.ChatID},
			Text:      req.Text,
		},
	}
	body, err := json.Marshal(update)
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	out, err := http.NewRequestWithContext(r.Context(), http.MethodPost, b.opts.Webhook, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "bad webhook url", http.StatusInternalServerError)
		return
	}
	out.Header.Set("Content-Type", "application/json")
	if b.opts.WebhookSecret != "" {
		out.Header.Set("X-Telegram-Bot-Api-Secret-Token", b.opts.WebhookSecret)
	}
	resp, err := b.opts.HTTPClient.Do(out)
	if err != nil {
		http.Error(w, "webhook failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	resp.Body.Close()
	writeJSON(w, http.StatusOK, map[string]any{"update_id": id, "status": resp.StatusCode})
}
