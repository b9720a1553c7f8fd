package collector

import (
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

var interestingWords = []string{
	"question", "poll", "activity", "active", "live", "timer", "answer", "submit", "response",
}

var alertRegions = cascadia.MustCompile(
	`[role="alert"], .join-title-box, [class*="notification"], [class*="banner"], [class*="status"]`,
)

// Element summarizes one node for the debug report.
type Element struct {
	Tag     string `json:"tag"`
	Class   string `json:"class"`
	Visible bool   `json:"visible"`
	Text    string `json:"text"`
}

// Report is a diagnostic snapshot used to tune selectors for a page.
type Report struct {
	URL         string    `json:"url,omitempty"`
	Route       Route     `json:"-"`
	RouteKind   RouteKind `json:"routeKind"`
	Waiting     bool      `json:"waiting"`
	Text        Signal    `json:"-"`
	TextFound   bool      `json:"textFound"`
	TextPattern string    `json:"textPattern,omitempty"`
	Result      Signal    `json:"-"`
	Detected    bool      `json:"detected"`
	Detection   Kind      `json:"detection,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	PageData    IDs       `json:"pageData"`
	Interesting []Element `json:"interesting"`
	Alerts      []Element `json:"alerts"`
	Skipped     []string  `json:"skippedSelectors,omitempty"`
}

// Report evaluates doc and lists every element whose class mentions a
// poll-related word, along with alert and status regions.
func (c *DOMChecker) Report(doc *html.Node, url string) Report {
	r := Report{
		URL:     url,
		Route:   ParseRoute(url),
		Skipped: c.Skipped(),
	}
	r.RouteKind = r.Route.Kind
	if doc == nil {
		return r
	}
	r.Waiting = c.Waiting(doc)
	r.Text = c.activeText(doc)
	r.TextFound, r.TextPattern = r.Text.Found, r.Text.Detail
	r.Result = c.Check(doc)
	r.Detected, r.Detection, r.Detail = r.Result.Found, r.Result.Kind, r.Result.Detail
	r.PageData = ScanPageData(doc)

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if class, ok := attr(n, "class"); ok && hasInterestingWord(class) {
				r.Interesting = append(r.Interesting, describe(n, class, 50))
			}
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(doc)

	for _, n := range alertRegions.MatchAll(doc) {
		class, _ := attr(n, "class")
		r.Alerts = append(r.Alerts, describe(n, class, 100))
	}
	return r
}

func hasInterestingWord(class string) bool {
	lower := strings.ToLower(class)
	for _, w := range interestingWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func describe(n *html.Node, class string, textLen int) Element {
	return Element{
		Tag:     strings.ToUpper(n.Data),
		Class:   class,
		Visible: Visible(n),
		Text:    strings.TrimSpace(truncate(textContent(n), textLen)),
	}
}
