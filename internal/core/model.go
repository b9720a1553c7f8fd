package core

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	DefaultTitle   = "🔔 iClicker Poll Started!"
	DefaultMessage = "A new question is live - time to answer!"
)

var (
	tokenRe = regexp.MustCompile(`^[a-f0-9]{48}$`)
	guidRe  = regexp.MustCompile(`(?i)^[a-f0-9-]{8,}$`)
	codeRe  = regexp.MustCompile(`^[0-9]{6}$`)
)

// ValidToken reports whether s looks like an opaque user token (48 lowercase hex chars).
func ValidToken(s string) bool { return tokenRe.MatchString(s) }

// ValidID reports whether s looks like a course or activity identifier.
func ValidID(s string) bool { return guidRe.MatchString(s) }

// ValidCode reports whether s has the shape of a registration code (six digits).
func ValidCode(s string) bool { return codeRe.MatchString(s) }

// Scope names the course and/or activity a presence record or broadcast applies to.
type Scope struct {
	CourseID   string `json:"courseId,omitempty"`
	ActivityID string `json:"activityId,omitempty"`
}

func (s Scope) Empty() bool { return s.CourseID == "" && s.ActivityID == "" }

// Key returns the rate-limit scope key, preferring the activity.
func (s Scope) Key() string {
	if s.ActivityID != "" {
		return s.ActivityID
	}
	return s.CourseID
}

// Validate checks identifier formats; requireOne additionally rejects an empty scope.
func (s Scope) Validate(requireOne bool) error {
	if requireOne && s.Empty() {
		return Validation("Missing userToken or both courseId and activityId")
	}
	if s.CourseID != "" && !ValidID(s.CourseID) {
		return Validation("Invalid courseId format")
	}
	if s.ActivityID != "" && !ValidID(s.ActivityID) {
		return Validation("Invalid activityId format")
	}
	return nil
}

// ActiveSession is the value stored under activesession:{token}.
type ActiveSession struct {
	ActivityID string `json:"activityId,omitempty"`
	CourseID   string `json:"courseId,omitempty"`
	JoinedAt   int64  `json:"joinedAt"` // unix ms
}

func (a ActiveSession) Scope() Scope {
	return Scope{CourseID: a.CourseID, ActivityID: a.ActivityID}
}

func (a ActiveSession) Joined() time.Time { return time.UnixMilli(a.JoinedAt) }

// FormatNotification renders the Markdown text sent for poll notifications.
func FormatNotification(title, message string) string {
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}
	if strings.TrimSpace(message) == "" {
		message = DefaultMessage
	}
	return fmt.Sprintf("*%s*\n\n%s", title, message)
}

// ShortID abbreviates long identifiers for chat messages.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id + "..."
	}
	return id[:8] + "..."
}
