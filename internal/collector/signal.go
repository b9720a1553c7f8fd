// Package collector turns raw page observations (DOM snapshots, transport
// frames, location changes) into normalized detection signals.
package collector

import "time"

// Kind identifies where a signal came from.
type Kind string

const (
	KindDOMText     Kind = "dom_text"
	KindDOMSelector Kind = "dom_selector"
	KindFrame       Kind = "transport_frame"
	KindURLPoll     Kind = "url_poll"
	KindURLQuestion Kind = "url_question"
	KindRoute       Kind = "route"
)

// Reasons reported on negative DOM results.
const (
	ReasonWaiting = "waiting_state"
	ReasonNoMatch = "no_match"
)

// IDs carries the identifiers a signal could extract. Any field may be empty.
type IDs struct {
	CourseID   string `json:"courseId,omitempty"`
	ActivityID string `json:"activityId,omitempty"`
	QuestionID string `json:"questionId,omitempty"`
}

func (i IDs) Empty() bool {
	return i.CourseID == "" && i.ActivityID == "" && i.QuestionID == ""
}

// Fill copies fields from other into blank fields of i.
func (i IDs) Fill(other IDs) IDs {
	if i.CourseID == "" {
		i.CourseID = other.CourseID
	}
	if i.ActivityID == "" {
		i.ActivityID = other.ActivityID
	}
	if i.QuestionID == "" {
		i.QuestionID = other.QuestionID
	}
	return i
}

// Signal is one normalized observation.
type Signal struct {
	Kind   Kind
	At     time.Time
	Found  bool
	Ended  bool
	Reason string
	Detail string
	URL    string
	IDs    IDs
}
