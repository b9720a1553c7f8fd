package fusion

import (
	"log/slog"
	"sync"
)

// Outcome labels what the machine did with a signal.
type Outcome string

const (
	OutcomeStarted           Outcome = "started"
	OutcomeEnded             Outcome = "ended"
	OutcomeRetrigger         Outcome = "retrigger"
	OutcomeIgnoredActive     Outcome = "ignored_active"
	OutcomeDroppedCooldown   Outcome = "dropped_cooldown"
	OutcomeDroppedDuplicateQ Outcome = "dropped_duplicate_question"
)

// Stats counts outcomes for one page. Safe for concurrent use.
type Stats struct {
	mu       sync.Mutex
	counters map[Outcome]int64
}

func NewStats() *Stats {
	return &Stats{counters: make(map[Outcome]int64)}
}

// Inc increments the counter for outcome and returns the updated value.
func (s *Stats) Inc(outcome Outcome) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[outcome]++
	return s.counters[outcome]
}

func (s *Stats) Count(outcome Outcome) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[outcome]
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() map[Outcome]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[Outcome]int64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

// Log writes the counters as one structured record.
func (s *Stats) Log(logger *slog.Logger, msg string, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info(msg, append(attrs, "counters", s.Snapshot())...)
}
