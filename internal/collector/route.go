package collector

import (
	"regexp"
	"strings"
)

// RouteKind names a recognised client-side route.
type RouteKind string

const (
	RouteClassPoll     RouteKind = "class_poll"
	RouteClassQuestion RouteKind = "class_question"
	RouteCourse        RouteKind = "course"
	RouteClass         RouteKind = "class"
	RouteActivity      RouteKind = "activity"
	RouteQuestion      RouteKind = "question"
	RouteUnknown       RouteKind = "unknown"
)

var (
	classPollRe     = regexp.MustCompile(`(?i)#/class/([a-f0-9-]+)/poll`)
	classQuestionRe = regexp.MustCompile(`(?i)#/class/([a-f0-9-]+)/question/([a-f0-9-]+)`)
	courseRe        = regexp.MustCompile(`(?i)#/course/([a-f0-9-]+)`)
	classRe         = regexp.MustCompile(`(?i)#/class/([a-f0-9-]+)`)
	activityRe      = regexp.MustCompile(`(?i)#/activity/([a-f0-9-]+)`)
	questionRe      = regexp.MustCompile(`(?i)#/question/([a-f0-9-]+)`)
	questionSegRe   = regexp.MustCompile(`(?i)/question/([a-f0-9-]+)`)
)

// Route is the parsed hash route of a page URL.
type Route struct {
	URL        string
	Hash       string
	Kind       RouteKind
	ID         string // course/class, activity or question ID depending on Kind
	ClassID    string // class segment, when present anywhere in the hash
	QuestionID string // question segment, when present anywhere in the hash

	HasPoll     bool
	HasQuestion bool
}

// ParseRoute matches the hash fragment of url against the known routes,
// most specific first.
func ParseRoute(url string) Route {
	r := Route{URL: url, Kind: RouteUnknown}
	if i := strings.IndexByte(url, '#'); i >= 0 {
		r.Hash = url[i:]
	}
	hash := r.Hash

	r.HasPoll = strings.Contains(hash, "/poll")
	r.HasQuestion = strings.Contains(hash, "/question/")
	if m := classRe.FindStringSubmatch(hash); m != nil {
		r.ClassID = m[1]
	}
	if m := questionSegRe.FindStringSubmatch(hash); m != nil {
		r.QuestionID = m[1]
	}

	switch {
	case match(classPollRe, hash, &r.ID):
		r.Kind = RouteClassPoll
	case classQuestionRe.MatchString(hash):
		m := classQuestionRe.FindStringSubmatch(hash)
		r.Kind = RouteClassQuestion
		r.ID, r.QuestionID = m[1], m[2]
	case match(courseRe, hash, &r.ID):
		r.Kind = RouteCourse
	case match(classRe, hash, &r.ID):
		r.Kind = RouteClass
	case match(activityRe, hash, &r.ID):
		r.Kind = RouteActivity
	case match(questionRe, hash, &r.ID):
		r.Kind = RouteQuestion
	}
	return r
}

func match(re *regexp.Regexp, s string, dst *string) bool {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return false
	}
	*dst = m[1]
	return true
}

// CourseID returns the course identified by the route itself, if any.
func (r Route) CourseID() string {
	switch r.Kind {
	case RouteClassPoll, RouteClassQuestion, RouteCourse, RouteClass:
		return r.ID
	}
	return ""
}

// ActivityID returns the activity identified by the route itself, if any.
func (r Route) ActivityID() string {
	if r.Kind == RouteActivity {
		return r.ID
	}
	return ""
}

// Live reports whether the route carries a poll or question segment.
func (r Route) Live() bool { return r.HasPoll || r.HasQuestion }

// Signal converts a live route into a detection signal. Routes without a
// poll or question segment yield a neutral KindRoute signal.
func (r Route) Signal() Signal {
	switch {
	case r.HasPoll:
		return Signal{Kind: KindURLPoll, Found: true, URL: r.URL, Detail: r.Hash, IDs: IDs{CourseID: r.ClassID}}
	case r.HasQuestion:
		return Signal{
			Kind:   KindURLQuestion,
			Found:  true,
			URL:    r.URL,
			Detail: r.QuestionID,
			IDs:    IDs{CourseID: r.ClassID, QuestionID: r.QuestionID},
		}
	}
	return Signal{Kind: KindRoute, URL: r.URL, Detail: r.Hash}
}
