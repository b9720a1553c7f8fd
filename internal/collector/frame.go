package collector

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// maxScanDepth bounds the structural walk over decoded frames.
const maxScanDepth = 5

var idValueRe = regexp.MustCompile(`(?i)^[a-f0-9-]+$`)

var (
	activityKeys = []string{"activityId", "activity_id", "activityGuid", "activity"}
	courseKeys   = []string{"courseId", "course_id", "courseGuid", "course"}
	questionKeys = []string{"questionId", "question_id", "questionGuid", "pollId", "poll_id"}
)

var (
	frameActivityRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)"activityId"\s*:\s*"([a-f0-9-]+)"`),
		regexp.MustCompile(`(?i)"activity_id"\s*:\s*"([a-f0-9-]+)"`),
		regexp.MustCompile(`(?i)"activity"\s*:\s*"([a-f0-9-]+)"`),
	}
	frameQuestionRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)"questionId"\s*:\s*"([a-f0-9-]+)"`),
		regexp.MustCompile(`(?i)"question_id"\s*:\s*"([a-f0-9-]+)"`),
		regexp.MustCompile(`(?i)"questionGuid"\s*:\s*"([a-f0-9-]+)"`),
		regexp.MustCompile(`(?i)"id"\s*:\s*"([a-f0-9-]+)"`),
	}
)

var (
	startStatusMarkers = []string{`"status":"active"`, `"status":"open"`, `"state":"active"`, `"state":"open"`}
	endStatusMarkers   = []string{`"status":"closed"`, `"state":"closed"`}
)

const frameDetailLen = 200

// ScanFrame classifies one transport text frame. Found reports start keywords
// and Ended reports end keywords; both may be set.
func ScanFrame(text string) Signal {
	sig := Signal{Kind: KindFrame, Detail: truncate(text, frameDetailLen)}

	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		sig.IDs.ActivityID = findField(decoded, activityKeys, 0)
		sig.IDs.CourseID = findField(decoded, courseKeys, 0)
		sig.IDs.QuestionID = findQuestion(decoded, 0)
	} else {
		sig.IDs.ActivityID = firstSubmatch(text, frameActivityRes)
		sig.IDs.QuestionID = firstSubmatch(text, frameQuestionRes)
	}

	lower := strings.ToLower(text)
	sig.Found = isStartFrame(lower)
	sig.Ended = isEndFrame(lower)
	return sig
}

func mentionsPoll(lower string) bool {
	return strings.Contains(lower, "poll") || strings.Contains(lower, "question")
}

func isStartFrame(lower string) bool {
	if mentionsPoll(lower) && (strings.Contains(lower, "start") || strings.Contains(lower, "open")) {
		return true
	}
	return containsAny(lower, startStatusMarkers)
}

func isEndFrame(lower string) bool {
	if mentionsPoll(lower) &&
		(strings.Contains(lower, "stop") || strings.Contains(lower, "close") || strings.Contains(lower, "end")) {
		return true
	}
	return containsAny(lower, endStatusMarkers)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func firstSubmatch(text string, res []*regexp.Regexp) string {
	for _, re := range res {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}

func idValue(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || s == "" || !idValueRe.MatchString(s) {
		return "", false
	}
	return s, true
}

// findField walks v depth-first and returns the first identifier stored
// under one of keys. Object keys are visited in sorted order.
func findField(v any, keys []string, depth int) string {
	if depth > maxScanDepth {
		return ""
	}
	switch node := v.(type) {
	case map[string]any:
		for _, k := range keys {
			if id, ok := idValue(node[k]); ok {
				return id
			}
		}
		for _, k := range sortedKeys(node) {
			if id := findField(node[k], keys, depth+1); id != "" {
				return id
			}
		}
	case []any:
		for _, child := range node {
			if id := findField(child, keys, depth+1); id != "" {
				return id
			}
		}
	}
	return ""
}

// findQuestion is findField for question keys, also accepting "id" on
// objects typed as a question or poll.
func findQuestion(v any, depth int) string {
	if depth > maxScanDepth {
		return ""
	}
	switch node := v.(type) {
	case map[string]any:
		for _, k := range questionKeys {
			if id, ok := idValue(node[k]); ok {
				return id
			}
		}
		if id, ok := idValue(node["id"]); ok && isQuestionObject(node) {
			return id
		}
		for _, k := range sortedKeys(node) {
			if id := findQuestion(node[k], depth+1); id != "" {
				return id
			}
		}
	case []any:
		for _, child := range node {
			if id := findQuestion(child, depth+1); id != "" {
				return id
			}
		}
	}
	return ""
}

func isQuestionObject(obj map[string]any) bool {
	typ, _ := obj["type"].(string)
	if typ == "" {
		typ, _ = obj["__typename"].(string)
	}
	typ = strings.ToLower(typ)
	return strings.Contains(typ, "question") || strings.Contains(typ, "poll")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
