package collector

import "github.com/you/pollcast/internal/config"

// Rules holds the detector heuristics as raw CSS selectors and regexp
// sources. Patterns are matched case-insensitively.
type Rules struct {
	// Selectors are checked in priority order; the first visible match wins.
	Selectors []string
	// ActivePatterns are searched in the text of TextRegions.
	ActivePatterns []string
	TextRegions    []string
	// WaitingPatterns in WaitingRegions veto every other result.
	WaitingPatterns []string
	WaitingRegions  []string
}

var defaultSelectors = []string{
	`[class*="poll-active"]`,
	`[class*="poll-open"]`,
	`[class*="question-active"]`,
	`[class*="question-open"]`,
	`[class*="answering"]`,
	`[class*="live-poll"]`,
	`[class*="live-question"]`,

	`[class*="timer"]:not([class*="timer-hidden"])`,
	`[class*="countdown"]`,
	`[class*="time-remaining"]`,

	`button[class*="submit"]:not([disabled])`,
	`button[class*="answer"]:not([disabled])`,

	`[class*="answer-option"]`,
	`[class*="response-option"]`,
	`[class*="choice-container"]`,
}

var defaultActivePatterns = []string{
	`answer now`,
	`submit your answer`,
	`poll is open`,
	`question is open`,
	`time remaining`,
	`seconds? left`,
	`respond now`,
	`select your answer`,
}

var defaultTextRegions = []string{
	`.join-title-box`,
	`.join-title`,
	`[role="alert"]`,
	`[class*="status"]`,
	`[class*="notification"]`,
	`[class*="banner"]`,
	`[class*="message"]`,
}

var defaultWaitingPatterns = []string{
	`your instructor started class`,
	`waiting for`,
	`no active`,
	`class has ended`,
}

var defaultWaitingRegions = []string{
	`[role="alert"]`,
	`.join-title-box`,
	`[class*="status"]`,
}

// DefaultRules returns the built-in heuristics for the iClicker student page.
func DefaultRules() Rules {
	return Rules{
		Selectors:       append([]string(nil), defaultSelectors...),
		ActivePatterns:  append([]string(nil), defaultActivePatterns...),
		TextRegions:     append([]string(nil), defaultTextRegions...),
		WaitingPatterns: append([]string(nil), defaultWaitingPatterns...),
		WaitingRegions:  append([]string(nil), defaultWaitingRegions...),
	}
}

// RulesFromConfig starts from DefaultRules and replaces every list the
// config sets.
func RulesFromConfig(cfg config.RulesConfig) Rules {
	r := DefaultRules()
	if len(cfg.Selectors) > 0 {
		r.Selectors = cfg.Selectors
	}
	if len(cfg.ActivePatterns) > 0 {
		r.ActivePatterns = cfg.ActivePatterns
	}
	if len(cfg.TextRegions) > 0 {
		r.TextRegions = cfg.TextRegions
	}
	if len(cfg.WaitingPatterns) > 0 {
		r.WaitingPatterns = cfg.WaitingPatterns
	}
	if len(cfg.WaitingRegions) > 0 {
		r.WaitingRegions = cfg.WaitingRegions
	}
	return r
}
