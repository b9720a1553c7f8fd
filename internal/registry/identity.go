package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"math/big"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/you/pollcast/internal/core"
	"github.com/you/pollcast/internal/kv"
)

const tokenBytes = 24

func (r *Registry) newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(r.rand, buf); err != nil {
		return "", errors.Wrap(err, "registry: token entropy")
	}
	return hex.EncodeToString(buf), nil
}

func (r *Registry) newCode() (string, error) {
	n, err := rand.Int(r.rand, big.NewInt(900000))
	if err != nil {
		return "", errors.Wrap(err, "registry: code entropy")
	}
	return strconv.FormatInt(n.Int64()+100000, 10), nil
}

// IssueCode creates a one-time registration code for chat. limited is true when
// a code was issued for the same chat within CodeLimitTTL; no code is created then.
func (r *Registry) IssueCode(ctx context.Context, chat string) (code string, limited bool, err error) {
	if chat == "" {
		return "", false, core.Validation("Missing chat")
	}
	if _, hit, err := r.store.Get(ctx, kv.CodeLimitKey(chat)); err != nil {
		return "", false, errors.Wrap(err, "registry: read code limit")
	} else if hit {
		return "", true, nil
	}
	if err := r.store.Put(ctx, kv.CodeLimitKey(chat), "1", CodeLimitTTL); err != nil {
		return "", false, errors.Wrap(err, "registry: write code limit")
	}

	code, err = r.newCode()
	if err != nil {
		return "", false, err
	}
	if err := r.store.Put(ctx, kv.CodeKey(code), chat, CodeTTL); err != nil {
		return "", false, errors.Wrap(err, "registry: store code")
	}
	return code, false, nil
}

// Register consumes code and mints a new token for the chat it was issued to.
// A chat that re-registers loses its previous token and active session but keeps
// its enrollments.
func (r *Registry) Register(ctx context.Context, code string) (string, error) {
	if !core.ValidCode(code) {
		return "", core.Validation("Invalid code format")
	}

	chat, ok, err := r.store.Get(ctx, kv.CodeKey(code))
	if err != nil {
		return "", errors.Wrap(err, "registry: lookup code")
	}
	if !ok || chat == "" {
		return "", core.InvalidCode()
	}
	if err := r.store.Delete(ctx, kv.CodeKey(code)); err != nil {
		return "", errors.Wrap(err, "registry: consume code")
	}

	if old, ok, err := r.store.Get(ctx, kv.ChatKey(chat)); err != nil {
		return "", errors.Wrap(err, "registry: lookup reverse index")
	} else if ok && old != "" {
		if err := r.store.Delete(ctx, kv.UserKey(old)); err != nil {
			return "", errors.Wrap(err, "registry: drop old token")
		}
		if err := r.store.Delete(ctx, kv.SessionKey(old)); err != nil {
			return "", errors.Wrap(err, "registry: drop old session")
		}
		r.log.Info("replaced previous token", "chat", chat)
	}

	token, err := r.newToken()
	if err != nil {
		return "", err
	}
	if err := r.store.Put(ctx, kv.UserKey(token), chat, 0); err != nil {
		return "", errors.Wrap(err, "registry: store user")
	}
	if err := r.store.Put(ctx, kv.ChatKey(chat), token, 0); err != nil {
		return "", errors.Wrap(err, "registry: store reverse index")
	}

	r.send(ctx, chat, msgConnected, "connected")
	return token, nil
}

// TokenForChat resolves the token registered for chat. When the reverse index is
// missing it falls back to a bounded scan of user: keys and repairs the index.
// A failed scan is logged and reported as "not registered".
func (r *Registry) TokenForChat(ctx context.Context, chat string) (string, bool, error) {
	token, ok, err := r.store.Get(ctx, kv.ChatKey(chat))
	if err != nil {
		return "", false, errors.Wrap(err, "registry: lookup reverse index")
	}
	if ok && token != "" {
		return token, true, nil
	}

	keys, err := r.store.List(ctx, kv.PrefixUser, r.scanLimit)
	if err != nil {
		r.log.Warn("reverse index scan failed", "chat", chat, "err", err)
		return "", false, nil
	}
	for _, key := range keys {
		stored, ok, err := r.store.Get(ctx, key)
		if err != nil || !ok || stored != chat {
			continue
		}
		token = strings.TrimPrefix(key, kv.PrefixUser)
		if err := r.store.Put(ctx, kv.ChatKey(chat), token, 0); err != nil {
			r.log.Warn("reverse index repair failed", "chat", chat, "err", err)
		} else {
			r.log.Info("repaired reverse index", "chat", chat)
		}
		return token, true, nil
	}
	return "", false, nil
}

// HandleChatMessage answers a bot conversation message. Code requests, and any
// message from an unregistered chat, issue a registration code; registered chats
// get a short status reply.
func (r *Registry) HandleChatMessage(ctx context.Context, chat, text string) error {
	if chat == "" {
		return nil
	}
	cmd := strings.ToLower(strings.TrimSpace(text))

	_, registered, err := r.TokenForChat(ctx, chat)
	if err != nil {
		return err
	}

	if isCodeRequest(cmd) || !registered {
		code, limited, err := r.IssueCode(ctx, chat)
		if err != nil {
			return err
		}
		if limited {
			r.send(ctx, chat, msgCodeWait, "code_wait")
			return nil
		}
		r.send(ctx, chat, codeMessage(code), "code")
		return nil
	}

	r.send(ctx, chat, msgAlreadyConnected, "already_connected")
	return nil
}

func isCodeRequest(cmd string) bool {
	switch cmd {
	case "/start", "/code", "code":
		return true
	}
	return false
}
