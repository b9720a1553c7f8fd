package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const DefaultAPIBase = "https://api.telegram.org"

// TokenSource yields the current bot token. Implementations may rotate it.
type TokenSource interface {
	Token() string
}

// StaticToken is a TokenSource that never changes.
type StaticToken string

func (s StaticToken) Token() string { return string(s) }

// Client sends messages through the Bot API sendMessage method.
type Client struct {
	base   string
	tokens TokenSource
	http   *http.Client
}

// NewClient creates a client. An empty base uses the public Bot API and a nil
// httpClient gets a 10s timeout.
func NewClient(base string, tokens TokenSource, httpClient *http.Client) *Client {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = DefaultAPIBase
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: base, tokens: tokens, http: httpClient}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
	ErrorCode   int    `json:"error_code,omitempty"`
}

// Send delivers text to chat. ok mirrors the Bot API "ok" field; err is set only
// when the provider could not be reached or answered with something unparseable.
func (c *Client) Send(ctx context.Context, chat, text string) (bool, error) {
	token := ""
	if c.tokens != nil {
		token = c.tokens.Token()
	}
	if token == "" {
		return false, errors.New("telegram: bot token not configured")
	}

	body, err := json.Marshal(sendMessageRequest{ChatID: chat, Text: text, ParseMode: "Markdown"})
	if err != nil {
		return false, errors.Wrap(err, "telegram: encode request")
	}

	endpoint := c.base + "/bot" + token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return false, errors.Wrap(err, "telegram: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// The URL embeds the token; never surface it.
		return false, errors.New("telegram: send failed: " + redactToken(err.Error(), token))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, errors.Wrap(err, "telegram: read response")
	}
	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, errors.Wrapf(err, "telegram: decode response (status %d)", resp.StatusCode)
	}
	return out.OK, nil
}

func redactToken(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}
