package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/you/pollcast/internal/collector"
	"github.com/you/pollcast/internal/fusion"
)

const maxFeedLine = 8 << 20

// feedLine is one NDJSON record written by the page host.
//
//	{"type":"dom","html":"<html>...","url":"https://student.iclicker.com/#/class/..."}
//	{"type":"frame","text":"{...}"}
//	{"type":"navigate","url":"..."}
//	{"type":"location","url":"..."}
//	{"type":"visible"}
//	{"type":"leave"}
type feedLine struct {
	Type string `json:"type"`
	HTML string `json:"html,omitempty"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// feedPage is the part of fusion.Page the feed drives.
type feedPage interface {
	ObserveDOMSnapshot(html string) (bool, error)
	ObserveFrame(text string) bool
	Navigate(url string) bool
	SetLocation(url string)
	Visible() bool
	Leave() bool
}

// pageAdapter parses DOM snapshots before handing them to the page.
type pageAdapter struct {
	*fusion.Page
}

func (p pageAdapter) ObserveDOMSnapshot(src string) (bool, error) {
	doc, err := collector.ParseDocument(strings.NewReader(src))
	if err != nil {
		return true, err
	}
	return p.ObserveDOM(doc), nil
}

// runFeed applies NDJSON records from r to the page until the input ends, the
// page stops or ctx is done. Malformed lines are logged and skipped. The page
// is left when the feed ends.
func runFeed(ctx context.Context, r io.Reader, page feedPage, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxFeedLine)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return err
		}
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var line feedLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			logger.Warn("feed: bad line", "line", lineNo, "err", err)
			continue
		}
		open, err := apply(page, line)
		if err != nil {
			logger.Warn("feed: rejected line", "line", lineNo, "type", line.Type, "err", err)
			continue
		}
		if !open {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading feed: %w", err)
	}
	page.Leave()
	return nil
}

func apply(page feedPage, line feedLine) (bool, error) {
	switch strings.ToLower(line.Type) {
	case "dom":
		if line.URL != "" {
			page.SetLocation(line.URL)
		}
		return page.ObserveDOMSnapshot(line.HTML)
	case "frame":
		return page.ObserveFrame(line.Text), nil
	case "navigate":
		if line.URL == "" {
			return true, fmt.Errorf("navigate needs a url")
		}
		return page.Navigate(line.URL), nil
	case "location":
		if line.URL == "" {
			return true, fmt.Errorf("location needs a url")
		}
		page.SetLocation(line.URL)
		return true, nil
	case "visible":
		return page.Visible(), nil
	case "leave":
		page.Leave()
		return false, nil
	default:
		return true, fmt.Errorf("unknown type %q", line.Type)
	}
}
