package fusion

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/you/pollcast/internal/collector"
	"github.com/you/pollcast/internal/core"
)

const (
	DefaultAutoJoinCooldown = 30 * time.Second
	DefaultURLCheckInterval = 2 * time.Second

	defaultInputBuffer = 64
)

type inputKind int

const (
	inputDOM inputKind = iota
	inputFrame
	inputNavigate
	inputVisible
	inputLeave
)

type input struct {
	kind inputKind
	doc  *html.Node
	text string
}

type PageOptions struct {
	Clock            core.Clock
	Logger           *slog.Logger
	Checker          *collector.DOMChecker
	Cooldown         time.Duration
	AutoJoinCooldown time.Duration
	URLCheckInterval time.Duration
	Cached           collector.IDs
	Buffer           int
}

// Page is the host-facing detector for one monitored page. Inputs are
// queued and processed one at a time by Run; events are delivered on
// Events until Run returns.
type Page struct {
	m       *Machine
	checker *collector.DOMChecker
	clock   core.Clock
	logger  *slog.Logger

	autoJoinCooldown time.Duration
	interval         time.Duration

	inputs   chan input
	events   chan Event
	done     chan struct{}
	doneOnce sync.Once

	mu       sync.Mutex
	location string

	// owned by Run
	lastChecked     string
	lastDoc         *html.Node
	sessionNotified bool
	lastJoinKey     string
	lastJoinAt      time.Time
}

// NewPage creates a page positioned at url. Nothing happens until Run.
func NewPage(url string, opts PageOptions) *Page {
	if opts.Clock == nil {
		opts.Clock = core.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Checker == nil {
		opts.Checker = collector.MustDOMChecker(collector.DefaultRules())
	}
	if opts.AutoJoinCooldown <= 0 {
		opts.AutoJoinCooldown = DefaultAutoJoinCooldown
	}
	if opts.URLCheckInterval <= 0 {
		opts.URLCheckInterval = DefaultURLCheckInterval
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultInputBuffer
	}
	return &Page{
		m: NewMachine(Options{
			Clock:    opts.Clock,
			Cooldown: opts.Cooldown,
			Logger:   opts.Logger,
			Cached:   opts.Cached,
		}),
		checker:          opts.Checker,
		clock:            opts.Clock,
		logger:           opts.Logger,
		autoJoinCooldown: opts.AutoJoinCooldown,
		interval:         opts.URLCheckInterval,
		inputs:           make(chan input, opts.Buffer),
		events:           make(chan Event, opts.Buffer),
		done:             make(chan struct{}),
		location:         url,
	}
}

// Events delivers emitted events. It is closed when Run returns.
func (p *Page) Events() <-chan Event { return p.events }

// Done is closed once the page has stopped.
func (p *Page) Done() <-chan struct{} { return p.done }

func (p *Page) Stats() *Stats { return p.m.Stats() }

// ObserveDOM queues a DOM snapshot taken after a mutation.
func (p *Page) ObserveDOM(doc *html.Node) bool {
	return p.post(input{kind: inputDOM, doc: doc})
}

// ObserveFrame queues one text frame from the page's realtime transport.
func (p *Page) ObserveFrame(text string) bool {
	return p.post(input{kind: inputFrame, text: text})
}

// Navigate reports a hash change to url.
func (p *Page) Navigate(url string) bool {
	p.setLocation(url)
	return p.post(input{kind: inputNavigate, text: url})
}

// SetLocation updates the current URL without a navigation event. The
// periodic location check notices the difference.
func (p *Page) SetLocation(url string) { p.setLocation(url) }

// Visible reports that the page became visible again.
func (p *Page) Visible() bool { return p.post(input{kind: inputVisible}) }

// Leave ends the page. Run emits session_inactive if needed and returns.
func (p *Page) Leave() bool { return p.post(input{kind: inputLeave}) }

func (p *Page) setLocation(url string) {
	p.mu.Lock()
	p.location = url
	p.mu.Unlock()
}

func (p *Page) currentLocation() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.location
}

func (p *Page) post(in input) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.inputs <- in:
		return true
	case <-p.done:
		return false
	}
}

// Run processes inputs until Leave or ctx cancellation.
func (p *Page) Run(ctx context.Context) error {
	defer close(p.events)
	defer p.doneOnce.Do(func() { close(p.done) })
	defer func() { p.m.Stats().Log(p.logger, "fusion: page closed", "url", p.currentLocation()) }()

	start := p.currentLocation()
	p.lastChecked = start
	if !p.emit(ctx, p.m.Navigate(start)) {
		return ctx.Err()
	}
	if !p.emit(ctx, p.autoJoin()) {
		return ctx.Err()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if loc := p.currentLocation(); loc != p.lastChecked {
				p.lastChecked = loc
				p.logger.Debug("fusion: location changed", "url", loc)
				if !p.emit(ctx, p.m.CheckRoute(loc)) {
					return ctx.Err()
				}
			}
		case in := <-p.inputs:
			events, stop := p.handle(in)
			if !p.emit(ctx, events) {
				return ctx.Err()
			}
			if stop {
				return nil
			}
		}
	}
}

func (p *Page) handle(in input) ([]Event, bool) {
	switch in.kind {
	case inputDOM:
		p.lastDoc = in.doc
		sig := p.checker.Check(in.doc)
		sig.At = p.clock.Now()
		events := p.m.Observe(sig)
		if !p.sessionNotified && p.m.Route().Kind == collector.RouteQuestion {
			events = append(events, p.autoJoin()...)
		}
		return events, false
	case inputFrame:
		sig := collector.ScanFrame(in.text)
		sig.At = p.clock.Now()
		return p.m.Observe(sig), false
	case inputNavigate:
		p.lastChecked = in.text
		events := p.m.Navigate(in.text)
		return append(events, p.autoJoin()...), false
	case inputVisible:
		return p.autoJoin(), false
	case inputLeave:
		if !p.sessionNotified {
			return nil, true
		}
		p.sessionNotified = false
		return []Event{{Kind: EventSessionInactive, At: p.clock.Now()}}, true
	}
	return nil, false
}

// autoJoin announces the current course/activity, at most once per
// cooldown for the same pair.
func (p *Page) autoJoin() []Event {
	ids := p.m.IDs()
	if p.m.Route().Kind == collector.RouteQuestion && (ids.CourseID == "" || ids.ActivityID == "") && p.lastDoc != nil {
		p.m.AbsorbPageData(collector.ScanPageData(p.lastDoc))
		ids = p.m.IDs()
	}
	if ids.CourseID == "" && ids.ActivityID == "" {
		return nil
	}

	key := orNone(ids.CourseID) + "-" + orNone(ids.ActivityID)
	now := p.clock.Now()
	if key == p.lastJoinKey && now.Sub(p.lastJoinAt) < p.autoJoinCooldown {
		return nil
	}
	p.lastJoinKey = key
	p.lastJoinAt = now
	p.sessionNotified = true

	return []Event{{
		Kind:       EventSessionActive,
		At:         now,
		CourseID:   ids.CourseID,
		ActivityID: ids.ActivityID,
		URL:        p.m.Route().URL,
	}}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func (p *Page) emit(ctx context.Context, events []Event) bool {
	for _, ev := range events {
		select {
		case p.events <- ev:
		case <-ctx.Done():
			return false
		}
	}
	return true
}
