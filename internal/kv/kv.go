// Package kv is the relaxed-consistency key-value store that holds all backend
// state. Every write is an upsert and expiry is the only garbage collection.
package kv

import (
	"context"
	"time"
)

// Store is the collaborator interface used by the registry and dispatcher.
// There are no multi-key transactions.
type Store interface {
	// Get returns the value and true, or "" and false if the key is absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Put upserts key. A ttl <= 0 stores the value without expiry.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// List returns up to limit live keys starting with prefix, in key order.
	// A limit <= 0 means no limit.
	List(ctx context.Context, prefix string, limit int) ([]string, error)
}

// Key prefixes. TTLs are applied by callers.
const (
	PrefixCode          = "code:"          // code:{code} -> chat, 600s
	PrefixCodeLimit     = "codelimit:"     // codelimit:{chat} -> 1, 120s
	PrefixUser          = "user:"          // user:{token} -> chat
	PrefixChat          = "chat:"          // chat:{chat} -> token
	PrefixClass         = "class:"         // class:{course}:user:{token} -> chat
	PrefixUserClass     = "userclass:"     // userclass:{token}:{course} -> 1
	PrefixActivity      = "activity:"      // activity:{activity}:user:{token} -> chat, 6h
	PrefixUserActivity  = "useractivity:"  // useractivity:{token}:{activity} -> 1, 6h
	PrefixActiveSession = "activesession:" // activesession:{token} -> json, 600s
	PrefixNotifyLimit   = "ratelimit:"     // ratelimit:{token} -> unix ms, 60s
	PrefixBroadcast     = "broadcast:"     // broadcast:{scope} -> unix ms, 60s
)

func CodeKey(code string) string         { return PrefixCode + code }
func CodeLimitKey(chat string) string    { return PrefixCodeLimit + chat }
func UserKey(token string) string        { return PrefixUser + token }
func ChatKey(chat string) string         { return PrefixChat + chat }
func SessionKey(token string) string     { return PrefixActiveSession + token }
func NotifyLimitKey(token string) string { return PrefixNotifyLimit + token }
func BroadcastKey(scope string) string   { return PrefixBroadcast + scope }

func ClassMembersPrefix(course string) string { return PrefixClass + course + ":user:" }
func ClassMemberKey(course, token string) string {
	return ClassMembersPrefix(course) + token
}
func UserClassKey(token, course string) string { return PrefixUserClass + token + ":" + course }

func ActivityMembersPrefix(activity string) string { return PrefixActivity + activity + ":user:" }
func ActivityMemberKey(activity, token string) string {
	return ActivityMembersPrefix(activity) + token
}
func UserActivityKey(token, activity string) string {
	return PrefixUserActivity + token + ":" + activity
}
