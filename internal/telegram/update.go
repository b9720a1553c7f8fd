package telegram

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Update is the subset of a Bot API update the webhook reads.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text,omitempty"`
}

type Chat struct {
	ID json.Number `json:"id"`
}

// ChatHandle returns the chat id in its canonical string form.
func (m *Message) ChatHandle() string {
	if m == nil {
		return ""
	}
	raw := strings.TrimSpace(m.Chat.ID.String())
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return raw
}

// Command returns the lowercased message text.
func (m *Message) Command() string {
	if m == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(m.Text))
}
