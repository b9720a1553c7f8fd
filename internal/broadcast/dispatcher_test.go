package broadcast

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/you/pollcast/internal/core"
	"github.com/you/pollcast/internal/kv"
	"github.com/you/pollcast/internal/registry"
	"github.com/you/pollcast/internal/testutil"
)

const (
	course   = "c0ffee00-aaaa"
	activity = "ac71417a-0001"
)

type countingRecorder struct {
	mu         sync.Mutex
	sends      map[string]int
	suppressed int
	broadcasts [][2]int
}

func (r *countingRecorder) ObserveSend(kind string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sends == nil {
		r.sends = map[string]int{}
	}
	if ok {
		r.sends[kind+":ok"]++
	} else {
		r.sends[kind+":fail"]++
	}
}

func (r *countingRecorder) ObserveBroadcast(recipients, notified int) {
	r.mu.Lock()
	r.broadcasts = append(r.broadcasts, [2]int{recipients, notified})
	r.mu.Unlock()
}

func (r *countingRecorder) ObserveSuppressed() {
	r.mu.Lock()
	r.suppressed++
	r.mu.Unlock()
}

type fixture struct {
	reg   *registry.Registry
	disp  *Dispatcher
	store *kv.MemoryStore
	clock *testutil.StubClock
	msgr  *testutil.Messenger
	rec   *countingRecorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := testutil.FixedClock()
	store := kv.NewMemoryStore(clock)
	msgr := &testutil.Messenger{}
	reg := registry.New(store, msgr, registry.Options{Clock: clock})
	rec := &countingRecorder{}
	disp := New(reg, store, msgr, Options{Clock: clock, Recorder: rec})
	return fixture{reg: reg, disp: disp, store: store, clock: clock, msgr: msgr, rec: rec}
}

func (f fixture) user(t *testing.T, chat string, scope core.Scope) string {
	t.Helper()
	ctx := context.Background()
	code, _, err := f.reg.IssueCode(ctx, chat)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	token, err := f.reg.Register(ctx, code)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !scope.Empty() {
		if _, err := f.reg.JoinSession(ctx, token, scope); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	return token
}

func TestBroadcastUnionAndCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sender := f.user(t, "1", core.Scope{CourseID: course, ActivityID: activity})
	f.user(t, "2", core.Scope{ActivityID: activity})
	f.user(t, "3", core.Scope{CourseID: course})
	f.msgr.Reset()

	scope := core.Scope{CourseID: course, ActivityID: activity}
	res, err := f.disp.Broadcast(ctx, sender, scope, "", "")
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if !res.Success || res.Notified != 3 || res.CourseID != course || res.ActivityID != activity {
		t.Fatalf("unexpected result %+v", res)
	}

	var chats []string
	for _, s := range f.msgr.Sent() {
		chats = append(chats, s.Chat)
		if s.Text != "*"+core.DefaultTitle+"*\n\n"+core.DefaultMessage {
			t.Fatalf("unexpected text %q", s.Text)
		}
	}
	sort.Strings(chats)
	if strings.Join(chats, ",") != "1,2,3" {
		t.Fatalf("expected each chat exactly once, got %v", chats)
	}

	f.msgr.Reset()
	f.clock.Advance(59 * time.Second)
	res, err = f.disp.Broadcast(ctx, sender, scope, "", "")
	if err != nil {
		t.Fatalf("second broadcast: %v", err)
	}
	if !res.Success || res.Notified != 0 || res.Message != suppressedMessage {
		t.Fatalf("expected suppressed no-op, got %+v", res)
	}
	if n := len(f.msgr.Sent()); n != 0 {
		t.Fatalf("suppressed broadcast must not send, got %d", n)
	}
	if f.rec.suppressed != 1 {
		t.Fatalf("expected suppression recorded")
	}

	f.clock.Advance(2 * time.Second)
	res, err = f.disp.Broadcast(ctx, sender, scope, "Quiz", "Now")
	if err != nil || res.Notified != 3 {
		t.Fatalf("expected broadcast after cooldown, got %+v err=%v", res, err)
	}
}

func TestBroadcastScopeKeyPrefersActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.user(t, "1", core.Scope{CourseID: course, ActivityID: activity})

	if _, err := f.disp.Broadcast(ctx, sender, core.Scope{CourseID: course, ActivityID: activity}, "", ""); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if _, ok, _ := f.store.Get(ctx, kv.BroadcastKey(activity)); !ok {
		t.Fatalf("expected activity marker")
	}
	res, err := f.disp.Broadcast(ctx, sender, core.Scope{CourseID: course}, "", "")
	if err != nil || res.Message == suppressedMessage {
		t.Fatalf("course-only scope has its own cooldown, got %+v err=%v", res, err)
	}
}

func TestBroadcastCountsOnlyOK(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.user(t, "1", core.Scope{ActivityID: activity})
	f.user(t, "2", core.Scope{ActivityID: activity})
	f.user(t, "3", core.Scope{ActivityID: activity})
	f.msgr.Reject = map[string]bool{"2": true}
	f.msgr.Fail = map[string]error{"3": errors.New("boom")}

	res, err := f.disp.Broadcast(ctx, sender, core.Scope{ActivityID: activity}, "", "")
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if res.Notified != 1 {
		t.Fatalf("expected only the ok send counted, got %d", res.Notified)
	}
	if f.rec.sends["broadcast:ok"] != 1 || f.rec.sends["broadcast:fail"] != 2 {
		t.Fatalf("unexpected send metrics %v", f.rec.sends)
	}
}

func TestBroadcastEmptyScope(t *testing.T) {
	f := newFixture(t)
	sender := f.user(t, "1", core.Scope{})
	res, err := f.disp.Broadcast(context.Background(), sender, core.Scope{ActivityID: activity}, "", "")
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if !res.Success || res.Notified != 0 || res.Message != "" {
		t.Fatalf("unexpected empty-scope result %+v", res)
	}
}

func TestBroadcastValidationAndAuth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.disp.Broadcast(ctx, strings.Repeat("a", 48), core.Scope{}, "", ""); core.KindOf(err) != core.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.disp.Broadcast(ctx, strings.Repeat("a", 48), core.Scope{CourseID: course}, "", ""); core.KindOf(err) != core.KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	if _, ok, _ := f.store.Get(ctx, kv.BroadcastKey(course)); ok {
		t.Fatalf("unauthenticated broadcast must not write a marker")
	}
}

func TestBroadcastConcurrencyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	disp := New(f.reg, f.store, f.msgr, Options{Clock: f.clock, Concurrency: 1})

	sender := f.user(t, "1", core.Scope{ActivityID: activity})
	for _, chat := range []string{"2", "3", "4"} {
		f.user(t, chat, core.Scope{ActivityID: activity})
	}
	res, err := disp.Broadcast(ctx, sender, core.Scope{ActivityID: activity}, "", "")
	if err != nil || res.Notified != 4 {
		t.Fatalf("expected serial fan-out to reach all, got %+v err=%v", res, err)
	}
}

func TestNotifyRateLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.user(t, "9", core.Scope{})
	f.msgr.Reset()

	if err := f.disp.Notify(ctx, token, "T", "M"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if msgs := f.msgr.To("9"); len(msgs) != 1 || msgs[0] != "*T*\n\nM" {
		t.Fatalf("unexpected notify text %q", msgs)
	}

	err := f.disp.Notify(ctx, token, "", "")
	e, ok := core.AsError(err)
	if !ok || e.Kind != core.KindRateLimited || e.RetryAfter != 60*time.Second {
		t.Fatalf("expected rate limited with retry 60s, got %v", err)
	}

	f.clock.Advance(61 * time.Second)
	if err := f.disp.Notify(ctx, token, "", ""); err != nil {
		t.Fatalf("notify after window: %v", err)
	}
}

func TestNotifyProviderFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := f.user(t, "9", core.Scope{})

	f.msgr.Reject = map[string]bool{"9": true}
	if err := f.disp.Notify(ctx, token, "", ""); core.KindOf(err) != core.KindTransport {
		t.Fatalf("expected transport error for ok=false, got %v", err)
	}

	f.clock.Advance(61 * time.Second)
	f.msgr.Reject = nil
	f.msgr.Fail = map[string]error{"9": errors.New("down")}
	if err := f.disp.Notify(ctx, token, "", ""); core.KindOf(err) != core.KindTransport {
		t.Fatalf("expected transport error for send failure, got %v", err)
	}
}
