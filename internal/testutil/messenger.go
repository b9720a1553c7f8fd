package testutil

import (
	"context"
	"sync"
)

// SentMessage is one recorded Send call.
type SentMessage struct {
	Chat string
	Text string
}

// Messenger records sends. Chats listed in Reject get ok=false and chats in
// Fail get err; both still count as attempts.
type Messenger struct {
	mu     sync.Mutex
	sent   []SentMessage
	Reject map[string]bool
	Fail   map[string]error
}

func (m *Messenger) Send(_ context.Context, chat, text string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentMessage{Chat: chat, Text: text})
	if err := m.Fail[chat]; err != nil {
		return false, err
	}
	return !m.Reject[chat], nil
}

func (m *Messenger) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// To returns the texts sent to chat in order.
func (m *Messenger) To(chat string) []string {
	var out []string
	for _, s := range m.Sent() {
		if s.Chat == chat {
			out = append(out, s.Text)
		}
	}
	return out
}

func (m *Messenger) Reset() {
	m.mu.Lock()
	m.sent = nil
	m.mu.Unlock()
}
