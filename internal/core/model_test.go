package core

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestValidToken(t *testing.T) {
	good := "0123456789abcdef0123456789abcdef0123456789abcdef"
	if !ValidToken(good) {
		t.Fatalf("expected %q to be valid", good)
	}
	for _, bad := range []string{"", good[:47], good + "0", "0123456789ABCDEF0123456789abcdef0123456789abcdef", "zz23456789abcdef0123456789abcdef0123456789abcdef"} {
		if ValidToken(bad) {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestValidCode(t *testing.T) {
	if !ValidCode("123456") {
		t.Fatalf("expected six digits to be valid")
	}
	for _, bad := range []string{"", "12345", "1234567", "abc:de", "      ", "12 456", "12345a"} {
		if ValidCode(bad) {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestValidID(t *testing.T) {
	for _, ok := range []string{"abcdef12", "ABCDEF12-3456", "0b5e3c1a-8f0d-4c1e-9d35-1f4a0c7e2b11"} {
		if !ValidID(ok) {
			t.Fatalf("expected %q to be valid", ok)
		}
	}
	for _, bad := range []string{"", "abc", "abcdefg1", "abcd ef12"} {
		if ValidID(bad) {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestScopeValidate(t *testing.T) {
	if err := (Scope{}).Validate(true); KindOf(err) != KindValidation {
		t.Fatalf("expected validation error for empty scope, got %v", err)
	}
	if err := (Scope{}).Validate(false); err != nil {
		t.Fatalf("expected empty scope to pass when optional, got %v", err)
	}
	if err := (Scope{CourseID: "nope"}).Validate(true); err == nil || err.Error() != "Invalid courseId format" {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (Scope{ActivityID: "nope"}).Validate(false); err == nil || err.Error() != "Invalid activityId format" {
		t.Fatalf("unexpected error: %v", err)
	}
	s := Scope{CourseID: "aaaaaaaa", ActivityID: "bbbbbbbb"}
	if s.Key() != "bbbbbbbb" {
		t.Fatalf("expected activity to win scope key, got %q", s.Key())
	}
	if (Scope{CourseID: "aaaaaaaa"}).Key() != "aaaaaaaa" {
		t.Fatalf("expected course fallback for scope key")
	}
}

func TestFormatNotificationDefaults(t *testing.T) {
	got := FormatNotification("", "  ")
	want := "*" + DefaultTitle + "*\n\n" + DefaultMessage
	if got != want {
		t.Fatalf("unexpected text: %q", got)
	}
	if got := FormatNotification("Quiz", "Go"); got != "*Quiz*\n\nGo" {
		t.Fatalf("unexpected text: %q", got)
	}
}

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", RateLimited(time.Minute))
	if KindOf(err) != KindRateLimited {
		t.Fatalf("expected rate limited kind, got %v", KindOf(err))
	}
	e, ok := AsError(err)
	if !ok || e.RetryAfter != time.Minute {
		t.Fatalf("expected retry after to survive wrapping: %+v", e)
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatalf("expected unclassified errors to be internal")
	}
}
