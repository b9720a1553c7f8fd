// Package fusion merges collector signals into a single poll lifecycle per
// page: at most one "started" per question, debounced by a global cooldown.
package fusion

import (
	"log/slog"
	"time"

	"github.com/you/pollcast/internal/collector"
	"github.com/you/pollcast/internal/core"
)

// DefaultCooldown is the minimum gap between two started events.
const DefaultCooldown = 5 * time.Second

type Phase int

const (
	Idle Phase = iota
	Active
)

func (p Phase) String() string {
	if p == Active {
		return "active"
	}
	return "idle"
}

type EventKind string

const (
	EventStarted         EventKind = "started"
	EventEnded           EventKind = "ended"
	EventSessionActive   EventKind = "session_active"
	EventSessionInactive EventKind = "session_inactive"
)

// Event is emitted to the relay.
type Event struct {
	Kind       EventKind      `json:"kind"`
	At         time.Time      `json:"at"`
	CourseID   string         `json:"courseId,omitempty"`
	ActivityID string         `json:"activityId,omitempty"`
	QuestionID string         `json:"questionId,omitempty"`
	Detection  collector.Kind `json:"detection,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	URL        string         `json:"url,omitempty"`
}

// DetectorState is everything the machine remembers between signals.
type DetectorState struct {
	Phase                  Phase
	LastTransition         time.Time
	LastStart              time.Time
	LastNotifiedQuestionID string
	CourseID               string
	ActivityID             string
	QuestionIDFromURL      string
	LastPollURL            string
}

type Options struct {
	Clock    core.Clock
	Cooldown time.Duration
	Logger   *slog.Logger
	// Cached seeds identifiers remembered from an earlier visit.
	Cached collector.IDs
}

// Machine is the per-page detector. It is not safe for concurrent use; Page
// confines it to one goroutine.
type Machine struct {
	state    DetectorState
	route    collector.Route
	clock    core.Clock
	cooldown time.Duration
	stats    *Stats
	logger   *slog.Logger
}

func NewMachine(opts Options) *Machine {
	if opts.Clock == nil {
		opts.Clock = core.RealClock{}
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Machine{
		state: DetectorState{
			CourseID:   opts.Cached.CourseID,
			ActivityID: opts.Cached.ActivityID,
		},
		route:    collector.ParseRoute(""),
		clock:    opts.Clock,
		cooldown: opts.Cooldown,
		stats:    NewStats(),
		logger:   opts.Logger,
	}
}

func (m *Machine) State() DetectorState   { return m.state }
func (m *Machine) Route() collector.Route { return m.route }
func (m *Machine) Stats() *Stats          { return m.stats }

// IDs returns the cached course and activity.
func (m *Machine) IDs() collector.IDs {
	return collector.IDs{CourseID: m.state.CourseID, ActivityID: m.state.ActivityID}
}

// Observe feeds one DOM or frame signal through the machine.
func (m *Machine) Observe(sig collector.Signal) []Event {
	switch sig.Kind {
	case collector.KindFrame:
		return m.observeFrame(sig)
	case collector.KindURLPoll, collector.KindURLQuestion, collector.KindRoute:
		return m.CheckRoute(sig.URL)
	}

	if sig.Found {
		return m.detect(sig)
	}
	switch {
	case sig.Reason == collector.ReasonWaiting:
		return m.end()
	case sig.Reason == collector.ReasonNoMatch && !m.route.Live():
		return m.end()
	}
	return nil
}

func (m *Machine) observeFrame(sig collector.Signal) []Event {
	m.AbsorbFrame(sig.IDs)

	var events []Event
	if sig.Found {
		q := sig.IDs.QuestionID
		switch {
		case q != "" && q != m.state.QuestionIDFromURL:
			// A different question than the one on screen: start again
			// even if a poll is already active.
			if q != m.state.LastNotifiedQuestionID {
				if m.state.Phase == Active {
					m.state.Phase = Idle
					m.stats.Inc(OutcomeRetrigger)
					m.logger.Debug("fusion: new question while active", "question", q,
						"previous", m.state.LastNotifiedQuestionID)
				}
				sig.IDs.CourseID = m.state.CourseID
				events = append(events, m.detect(sig)...)
			} else {
				m.stats.Inc(OutcomeDroppedDuplicateQ)
			}
		default:
			sig.IDs.CourseID = ""
			events = append(events, m.detect(sig)...)
		}
	}
	if sig.Ended {
		events = append(events, m.end()...)
	}
	return events
}

// Navigate records an explicit location change: identifiers in the route
// overwrite the cache, then the route check runs.
func (m *Machine) Navigate(url string) []Event {
	r := collector.ParseRoute(url)
	if id := r.CourseID(); id != "" {
		m.state.CourseID = id
	}
	if id := r.ActivityID(); id != "" {
		m.state.ActivityID = id
	}
	return m.CheckRoute(url)
}

// CheckRoute compares url with the last live route and starts or ends a
// poll accordingly.
func (m *Machine) CheckRoute(url string) []Event {
	r := collector.ParseRoute(url)
	m.route = r

	switch {
	case r.HasPoll && url != m.state.LastPollURL:
		m.state.LastPollURL = url
		return m.detect(r.Signal())
	case r.HasQuestion && url != m.state.LastPollURL:
		m.state.QuestionIDFromURL = r.QuestionID
		m.state.LastPollURL = url
		return m.detect(r.Signal())
	case m.state.LastPollURL != "" && !r.Live():
		m.state.LastPollURL = ""
		m.state.QuestionIDFromURL = ""
		return m.end()
	}
	return nil
}

// AbsorbFrame fills missing identifiers from a transport frame.
func (m *Machine) AbsorbFrame(ids collector.IDs) { m.fill(ids) }

// AbsorbPageData fills missing identifiers from embedded page data.
func (m *Machine) AbsorbPageData(ids collector.IDs) { m.fill(ids) }

func (m *Machine) fill(ids collector.IDs) {
	if m.state.CourseID == "" {
		m.state.CourseID = ids.CourseID
	}
	if m.state.ActivityID == "" {
		m.state.ActivityID = ids.ActivityID
	}
}

func (m *Machine) detect(sig collector.Signal) []Event {
	now := m.clock.Now()
	if !m.state.LastStart.IsZero() && now.Sub(m.state.LastStart) < m.cooldown {
		m.stats.Inc(OutcomeDroppedCooldown)
		return nil
	}

	q := sig.IDs.QuestionID
	if q != "" && q == m.state.LastNotifiedQuestionID {
		m.stats.Inc(OutcomeDroppedDuplicateQ)
		return nil
	}
	if m.state.Phase == Active {
		m.stats.Inc(OutcomeIgnoredActive)
		return nil
	}

	m.state.Phase = Active
	m.state.LastStart = now
	m.state.LastTransition = now
	if q != "" {
		m.state.LastNotifiedQuestionID = q
	}
	m.stats.Inc(OutcomeStarted)

	course := sig.IDs.CourseID
	if course == "" {
		course = m.state.CourseID
	}
	ev := Event{
		Kind:       EventStarted,
		At:         now,
		CourseID:   course,
		ActivityID: m.state.ActivityID,
		QuestionID: q,
		Detection:  sig.Kind,
		Detail:     sig.Detail,
		URL:        sig.URL,
	}
	if ev.URL == "" {
		ev.URL = m.route.URL
	}
	m.logger.Info("fusion: poll started", "detection", string(ev.Detection), "course", ev.CourseID,
		"activity", ev.ActivityID, "question", ev.QuestionID)
	return []Event{ev}
}

func (m *Machine) end() []Event {
	if m.state.Phase != Active {
		return nil
	}
	now := m.clock.Now()
	m.state.Phase = Idle
	m.state.LastTransition = now
	m.stats.Inc(OutcomeEnded)
	m.logger.Info("fusion: poll ended")
	return []Event{{Kind: EventEnded, At: now}}
}
