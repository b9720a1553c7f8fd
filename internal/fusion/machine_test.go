package fusion

import (
	"testing"
	"time"

	"github.com/you/pollcast/internal/collector"
	"github.com/you/pollcast/internal/testutil"
)

const base = "https://student.iclicker.com/"

func newMachine() (*Machine, *testutil.StubClock) {
	clock := testutil.FixedClock()
	return NewMachine(Options{Clock: clock}), clock
}

func domFound() collector.Signal {
	return collector.Signal{Kind: collector.KindDOMSelector, Found: true, Detail: `[class*="poll-active"]`}
}

func domNoMatch() collector.Signal {
	return collector.Signal{Kind: collector.KindDOMSelector, Reason: collector.ReasonNoMatch}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func expectKinds(t *testing.T, events []Event, want ...EventKind) {
	t.Helper()
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

func TestRepeatedMutationsEmitOneStart(t *testing.T) {
	m, clock := newMachine()
	m.Navigate(base + "#/course/c0ffee")

	var all []Event
	for i := 0; i < 10; i++ {
		all = append(all, m.Observe(domFound())...)
		clock.Advance(100 * time.Millisecond)
	}
	expectKinds(t, all, EventStarted)
	if all[0].CourseID != "c0ffee" || all[0].Detection != collector.KindDOMSelector {
		t.Fatalf("unexpected started event %+v", all[0])
	}
	if got := m.Stats().Count(OutcomeDroppedCooldown); got != 9 {
		t.Fatalf("expected 9 cooldown drops, got %d", got)
	}

	clock.Advance(10 * time.Second)
	if events := m.Observe(domFound()); len(events) != 0 {
		t.Fatalf("expected no event while active, got %v", kinds(events))
	}
	if got := m.Stats().Count(OutcomeIgnoredActive); got != 1 {
		t.Fatalf("expected ignored_active=1, got %d", got)
	}
}

func TestCooldownAppliesAcrossEnd(t *testing.T) {
	m, clock := newMachine()

	expectKinds(t, m.Observe(domFound()), EventStarted)
	expectKinds(t, m.Observe(domNoMatch()), EventEnded)

	clock.Advance(2 * time.Second)
	expectKinds(t, m.Observe(domFound()))

	clock.Advance(3 * time.Second)
	expectKinds(t, m.Observe(domFound()), EventStarted)
}

func TestWaitingStateEndsPoll(t *testing.T) {
	m, _ := newMachine()
	expectKinds(t, m.Observe(domFound()), EventStarted)
	expectKinds(t, m.Observe(collector.Signal{Kind: collector.KindDOMText, Reason: collector.ReasonWaiting}), EventEnded)
	expectKinds(t, m.Observe(collector.Signal{Kind: collector.KindDOMText, Reason: collector.ReasonWaiting}))
}

func TestNoMatchKeepsPollWhileRouteIsLive(t *testing.T) {
	m, _ := newMachine()
	expectKinds(t, m.Navigate(base+"#/class/abc/poll"), EventStarted)
	expectKinds(t, m.Observe(domNoMatch()))
	if m.State().Phase != Active {
		t.Fatalf("expected poll to stay active on a live route")
	}
}

func TestRouteStartAndEnd(t *testing.T) {
	m, clock := newMachine()

	events := m.Navigate(base + "#/class/abc/poll")
	expectKinds(t, events, EventStarted)
	if events[0].CourseID != "abc" || events[0].Detection != collector.KindURLPoll {
		t.Fatalf("unexpected started event %+v", events[0])
	}

	// Same URL again is not a new poll.
	clock.Advance(time.Minute)
	expectKinds(t, m.CheckRoute(base+"#/class/abc/poll"))

	expectKinds(t, m.Navigate(base+"#/class/abc"), EventEnded)
	if st := m.State(); st.LastPollURL != "" || st.QuestionIDFromURL != "" {
		t.Fatalf("expected live route cleared, got %+v", st)
	}

	// Leaving again is a no-op.
	expectKinds(t, m.Navigate(base+"#/course/abc"))
}

func TestQuestionRouteThenSameQuestionFrameIsDuplicate(t *testing.T) {
	m, clock := newMachine()

	events := m.Navigate(base + "#/class/abc/question/aa01")
	expectKinds(t, events, EventStarted)
	if events[0].QuestionID != "aa01" || events[0].Detection != collector.KindURLQuestion {
		t.Fatalf("unexpected started event %+v", events[0])
	}

	clock.Advance(10 * time.Second)
	expectKinds(t, m.Navigate(base+"#/class/abc"), EventEnded)

	clock.Advance(10 * time.Second)
	expectKinds(t, m.Observe(collector.ScanFrame(`{"event":"poll_started","questionId":"aa01"}`)))
	if got := m.Stats().Count(OutcomeDroppedDuplicateQ); got != 1 {
		t.Fatalf("expected duplicate drop, got %d", got)
	}
}

func TestNewQuestionFrameRetriggersWhileActive(t *testing.T) {
	m, clock := newMachine()
	expectKinds(t, m.Navigate(base+"#/class/abc/question/aa01"), EventStarted)

	clock.Advance(6 * time.Second)
	events := m.Observe(collector.ScanFrame(`{"type":"question_open","question":{"questionId":"bb02"}}`))
	expectKinds(t, events, EventStarted)
	if events[0].QuestionID != "bb02" || events[0].CourseID != "abc" {
		t.Fatalf("unexpected retrigger event %+v", events[0])
	}
	if got := m.Stats().Count(OutcomeRetrigger); got != 1 {
		t.Fatalf("expected retrigger=1, got %d", got)
	}
	if st := m.State(); st.Phase != Active || st.LastNotifiedQuestionID != "bb02" {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestRetriggerStillHonoursCooldown(t *testing.T) {
	m, clock := newMachine()
	expectKinds(t, m.Navigate(base+"#/class/abc/question/aa01"), EventStarted)

	clock.Advance(time.Second)
	expectKinds(t, m.Observe(collector.ScanFrame(`{"status":"open","questionId":"bb02"}`)))
	if got := m.Stats().Count(OutcomeDroppedCooldown); got != 1 {
		t.Fatalf("expected cooldown drop, got %d", got)
	}

	clock.Advance(5 * time.Second)
	expectKinds(t, m.Observe(collector.ScanFrame(`{"status":"open","questionId":"bb02"}`)), EventStarted)
}

func TestFrameStartAndEndInOneFrame(t *testing.T) {
	m, _ := newMachine()
	expectKinds(t, m.Observe(collector.ScanFrame(`{"status":"closed","next":"poll start"}`)), EventStarted, EventEnded)
}

func TestFrameEndKeywordsEndPoll(t *testing.T) {
	m, _ := newMachine()
	expectKinds(t, m.Observe(domFound()), EventStarted)
	expectKinds(t, m.Observe(collector.ScanFrame(`{"event":"poll_stopped"}`)), EventEnded)
}

func TestIdentifierPriority(t *testing.T) {
	m := NewMachine(Options{Clock: testutil.FixedClock(), Cached: collector.IDs{CourseID: "cached1"}})
	if m.IDs().CourseID != "cached1" {
		t.Fatalf("expected cached course seed")
	}

	m.AbsorbFrame(collector.IDs{CourseID: "ff01", ActivityID: "ac01"})
	if ids := m.IDs(); ids.CourseID != "cached1" || ids.ActivityID != "ac01" {
		t.Fatalf("frame should only fill blanks, got %+v", ids)
	}

	m.Navigate(base + "#/course/c0ffee")
	if ids := m.IDs(); ids.CourseID != "c0ffee" {
		t.Fatalf("url should overwrite course, got %+v", ids)
	}

	m.Navigate(base + "#/activity/ac02")
	m.AbsorbPageData(collector.IDs{CourseID: "dd04", ActivityID: "ac03"})
	if ids := m.IDs(); ids.CourseID != "c0ffee" || ids.ActivityID != "ac02" {
		t.Fatalf("page data should not overwrite, got %+v", ids)
	}
}
