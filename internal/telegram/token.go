package telegram

import (
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	ErrEmptyToken  = errors.New("telegram: empty token")
	errNoTokenFile = errors.New("telegram: token file not configured")
)

// NormalizeToken trims whitespace and an accidental "bot" prefix copied from an API URL.
func NormalizeToken(s string) string {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "bot"); ok && strings.Contains(rest, ":") {
		return rest
	}
	return s
}

// FileTokenLoader reads the bot token from a file, typically a mounted secret.
type FileTokenLoader struct {
	path string

	mu   sync.Mutex
	last string
}

func NewFileTokenLoader(path string) *FileTokenLoader {
	return &FileTokenLoader{path: path}
}

func (l *FileTokenLoader) Path() string { return l.path }

// Load returns the normalized token and whether it differs from the previous load.
func (l *FileTokenLoader) Load() (string, bool, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return "", false, err
	}
	token := NormalizeToken(string(raw))

	l.mu.Lock()
	defer l.mu.Unlock()
	changed := token != l.last
	l.last = token
	if token == "" {
		return "", false, ErrEmptyToken
	}
	return token, changed, nil
}

// TokenStore holds the live bot token. Reads are lock free so every API call
// can consult it.
type TokenStore struct {
	token  atomic.Pointer[string]
	loader *FileTokenLoader
}

func NewTokenStore(initial string, loader *FileTokenLoader) *TokenStore {
	s := &TokenStore{loader: loader}
	s.Set(initial)
	return s
}

func (s *TokenStore) Token() string { return *s.token.Load() }

func (s *TokenStore) Set(token string) {
	token = NormalizeToken(token)
	s.token.Store(&token)
}

// Reload re-reads the backing file and reports whether the live token changed.
// On error the current token stays in place.
func (s *TokenStore) Reload() (bool, error) {
	if s.loader == nil {
		return false, errNoTokenFile
	}
	token, _, err := s.loader.Load()
	if err != nil {
		return false, err
	}
	old := s.token.Swap(&token)
	return *old != token, nil
}
