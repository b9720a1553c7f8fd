package collector

import (
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/pkg/errors"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type namedSelector struct {
	raw string
	sel cascadia.Selector
}

type namedPattern struct {
	raw string
	re  *regexp.Regexp
}

// DOMChecker evaluates compiled Rules against HTML snapshots. It holds no
// mutable state and is safe for concurrent use.
type DOMChecker struct {
	selectors      []namedSelector
	textRegions    []namedSelector
	waitingRegions []namedSelector
	active         []namedPattern
	waiting        []namedPattern
	skipped        []string
}

// NewDOMChecker compiles rules. Selectors that fail to parse are skipped and
// reported by Skipped; an invalid pattern is an error.
func NewDOMChecker(rules Rules) (*DOMChecker, error) {
	c := &DOMChecker{}
	c.selectors = c.compileSelectors(rules.Selectors)
	c.textRegions = c.compileSelectors(rules.TextRegions)
	c.waitingRegions = c.compileSelectors(rules.WaitingRegions)

	var err error
	if c.active, err = compilePatterns(rules.ActivePatterns); err != nil {
		return nil, err
	}
	if c.waiting, err = compilePatterns(rules.WaitingPatterns); err != nil {
		return nil, err
	}
	return c, nil
}

// MustDOMChecker is NewDOMChecker for rules known to be valid.
func MustDOMChecker(rules Rules) *DOMChecker {
	c, err := NewDOMChecker(rules)
	if err != nil {
		panic(err)
	}
	return c
}

// Skipped lists selectors that did not compile.
func (c *DOMChecker) Skipped() []string { return c.skipped }

func (c *DOMChecker) compileSelectors(raw []string) []namedSelector {
	out := make([]namedSelector, 0, len(raw))
	for _, s := range raw {
		sel, err := cascadia.Compile(s)
		if err != nil {
			c.skipped = append(c.skipped, s)
			continue
		}
		out = append(out, namedSelector{raw: s, sel: sel})
	}
	return out
}

func compilePatterns(raw []string) ([]namedPattern, error) {
	out := make([]namedPattern, 0, len(raw))
	for _, p := range raw {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, errors.Wrapf(err, "compile pattern %q", p)
		}
		out = append(out, namedPattern{raw: p, re: re})
	}
	return out, nil
}

// ParseDocument parses an HTML snapshot.
func ParseDocument(r io.Reader) (*html.Node, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, errors.Wrap(err, "parse html")
	}
	return doc, nil
}

// Check runs the waiting, text and selector checks in that order.
func (c *DOMChecker) Check(doc *html.Node) Signal {
	if doc == nil {
		return Signal{Kind: KindDOMSelector, Reason: ReasonNoMatch}
	}
	if text, ok := c.waitingText(doc); ok {
		return Signal{Kind: KindDOMText, Reason: ReasonWaiting, Detail: text}
	}
	if sig := c.activeText(doc); sig.Found {
		return sig
	}
	if sig := c.selectorMatch(doc); sig.Found {
		return sig
	}
	return Signal{Kind: KindDOMSelector, Reason: ReasonNoMatch}
}

// Waiting reports whether a waiting-state banner is on the page.
func (c *DOMChecker) Waiting(doc *html.Node) bool {
	_, ok := c.waitingText(doc)
	return ok
}

func (c *DOMChecker) waitingText(doc *html.Node) (string, bool) {
	for _, n := range matchUnion(doc, c.waitingRegions) {
		text := textContent(n)
		for _, p := range c.waiting {
			if p.re.MatchString(text) {
				return strings.TrimSpace(text), true
			}
		}
	}
	return "", false
}

func (c *DOMChecker) activeText(doc *html.Node) Signal {
	for _, region := range c.textRegions {
		for _, n := range region.sel.MatchAll(doc) {
			text := textContent(n)
			for _, p := range c.active {
				if p.re.MatchString(text) {
					return Signal{Kind: KindDOMText, Found: true, Detail: "/" + p.raw + "/i"}
				}
			}
		}
	}
	return Signal{Kind: KindDOMText}
}

func (c *DOMChecker) selectorMatch(doc *html.Node) Signal {
	for _, s := range c.selectors {
		for _, n := range s.sel.MatchAll(doc) {
			if Visible(n) {
				return Signal{Kind: KindDOMSelector, Found: true, Detail: s.raw}
			}
		}
	}
	return Signal{Kind: KindDOMSelector}
}

// matchUnion returns nodes matched by any selector, in document order.
func matchUnion(doc *html.Node, sels []namedSelector) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			for _, s := range sels {
				if s.sel.Match(n) {
					out = append(out, n)
					break
				}
			}
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(doc)
	return out
}

// Visible reports whether n is rendered, judged from inline styles and the
// hidden attribute. display, opacity and hidden on any ancestor hide n.
// visibility is inherited, so the nearest element that declares it decides.
func Visible(n *html.Node) bool {
	visibilitySet := false
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Type != html.ElementNode {
			continue
		}
		switch cur.DataAtom {
		case atom.Template, atom.Head, atom.Script, atom.Style:
			return false
		}
		if _, ok := attr(cur, "hidden"); ok {
			return false
		}
		style, ok := attr(cur, "style")
		if !ok {
			continue
		}
		props := parseStyle(style)
		if props["display"] == "none" {
			return false
		}
		if v, ok := props["visibility"]; ok && !visibilitySet {
			switch v {
			case "hidden", "collapse":
				return false
			case "visible":
				visibilitySet = true
			}
		}
		if op, ok := props["opacity"]; ok {
			if f, err := strconv.ParseFloat(op, 64); err == nil && f == 0 {
				return false
			}
		}
	}
	return true
}

func parseStyle(style string) map[string]string {
	props := make(map[string]string)
	for _, decl := range strings.Split(style, ";") {
		name, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), "!important"))
		props[strings.ToLower(strings.TrimSpace(name))] = strings.ToLower(value)
	}
	return props
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
