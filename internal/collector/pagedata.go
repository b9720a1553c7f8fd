package collector

import (
	"encoding/json"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	scriptActivityRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)["']activityId["']\s*:\s*["']([a-f0-9-]+)["']`),
		regexp.MustCompile(`(?i)activityId\s*=\s*["']([a-f0-9-]+)["']`),
	}
	scriptCourseRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)["']courseId["']\s*:\s*["']([a-f0-9-]+)["']`),
		regexp.MustCompile(`(?i)courseId\s*=\s*["']([a-f0-9-]+)["']`),
	}
	assignmentRe = regexp.MustCompile(`=\s*\{`)
)

// maxEmbeddedObject caps the size of an object literal pulled out of a script.
const maxEmbeddedObject = 256 << 10

// ScanPageData looks for course and activity identifiers embedded in inline
// scripts and data attributes. Script values take precedence; within a
// source the first value found in document order wins.
func ScanPageData(doc *html.Node) IDs {
	var ids, attrs IDs
	if doc == nil {
		return ids
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.DataAtom == atom.Script {
				if _, external := attr(n, "src"); !external {
					ids = ids.Fill(scanScript(textContent(n)))
				}
			} else {
				attrs = attrs.Fill(dataAttributes(n))
			}
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(doc)
	return ids.Fill(attrs)
}

func scanScript(src string) IDs {
	ids := IDs{
		ActivityID: firstSubmatch(src, scriptActivityRes),
		CourseID:   firstSubmatch(src, scriptCourseRes),
	}
	if ids.ActivityID != "" && ids.CourseID != "" {
		return ids
	}
	for _, loc := range assignmentRe.FindAllStringIndex(src, -1) {
		obj, ok := balancedObject(src[loc[1]-1:])
		if !ok {
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(obj), &decoded); err != nil {
			continue
		}
		ids = ids.Fill(IDs{
			ActivityID: findField(decoded, activityKeys, 0),
			CourseID:   findField(decoded, courseKeys, 0),
		})
	}
	return ids
}

// balancedObject returns the brace-balanced prefix of s, which must start
// with '{'. String literals are skipped so braces inside them do not count.
func balancedObject(s string) (string, bool) {
	depth := 0
	var quote byte
	escaped := false
	for i := 0; i < len(s) && i < maxEmbeddedObject; i++ {
		c := s[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

func dataAttributes(n *html.Node) IDs {
	var ids IDs
	for _, key := range []string{"data-activity-id", "data-activityid"} {
		if v, ok := attr(n, key); ok && v != "" && ids.ActivityID == "" {
			ids.ActivityID = strings.TrimSpace(v)
		}
	}
	for _, key := range []string{"data-course-id", "data-courseid"} {
		if v, ok := attr(n, key); ok && v != "" && ids.CourseID == "" {
			ids.CourseID = strings.TrimSpace(v)
		}
	}
	return ids
}
