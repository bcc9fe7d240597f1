// Package operation implements the Operation Executor (spec.md section
// 4.7): a fixed operation vocabulary (click, scroll, highlight, extract,
// type) dispatched against a matched container via OS-level browser input.
//
// Grounded on the ancestor's internal/browser/session_manager.go Click/Type
// helpers for the overall shape of "resolve element, act on it, report an
// outcome" but rewritten against webauto/internal/browser's queue-serialized
// mouse/keyboard surface instead of rod's element.Click()/Input(), per
// spec.md's "never calls element.click()" invariant (the rigid click gate,
// section 4.7).
package operation

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"

	"webauto/internal/apierr"
	"webauto/internal/browser"
	"webauto/internal/container"
	"webauto/internal/logging"
)

// Executor dispatches the fixed operation vocabulary against a session's
// active page, using the Container Matcher to resolve targets.
type Executor struct {
	matcher *container.Matcher
}

// NewExecutor constructs an Executor backed by the given Matcher.
func NewExecutor(matcher *container.Matcher) *Executor {
	return &Executor{matcher: matcher}
}

// HighlightResult is the outcome of a highlight operation.
type HighlightResult struct {
	Rect       browser.Rect `json:"rect"`
	InViewport bool         `json:"inViewport"`
}

// HighlightOptions configures a highlight call (spec.md section 4.7 table).
type HighlightOptions struct {
	Index    int
	Duration time.Duration
	Channel  string
	Style    string
}

// Highlight draws a visible overlay on the matched rect and reports it back;
// it never touches pointer targeting (spec.md section 4.7).
func (e *Executor) Highlight(sess *browser.BrowserSession, page *rod.Page, pageURL, containerID string, opts HighlightOptions) (HighlightResult, error) {
	matches, err := e.matcher.Match(page, pageURL, containerID, sess.Viewport.W, sess.Viewport.H)
	if err != nil {
		return HighlightResult{}, err
	}
	m, err := pickIndex(matches, opts.Index)
	if err != nil {
		return HighlightResult{}, err
	}

	style, duration := highlightDefaults(opts.Style, opts.Duration)

	script := fmt.Sprintf(`() => {
		const el = this;
		const prev = el.getAttribute('style') || '';
		el.setAttribute('data-webauto-prev-style', prev);
		el.setAttribute('style', prev + ';%s');
		setTimeout(() => {
			const restore = el.getAttribute('data-webauto-prev-style') || '';
			el.setAttribute('style', restore);
			el.removeAttribute('data-webauto-prev-style');
		}, %d);
	}`, style, duration.Milliseconds())

	if _, err := m.Element().Eval(script); err != nil {
		return HighlightResult{}, fmt.Errorf("applying highlight overlay: %w", err)
	}

	logging.AuditForSession(sess.ProfileID, sess.ProfileID).Log(logging.AuditEvent{
		EventType:   logging.AuditOperationClick,
		ContainerID: containerID,
		Success:     true,
		Message:     "highlight",
		Fields:      map[string]interface{}{"channel": opts.Channel},
	})

	return HighlightResult{Rect: m.Rect, InViewport: m.InViewport}, nil
}

// ExtractOptions configures an extract call (spec.md section 4.7 table).
type ExtractOptions struct {
	Fields      []string
	MaxItems    int
	VisibleOnly bool
}

// Extract returns ordered rows of field values mirroring DOM order.
func (e *Executor) Extract(sess *browser.BrowserSession, page *rod.Page, pageURL, containerID string, opts ExtractOptions) ([]map[string]string, error) {
	def, ok := lookupDefinition(e.matcher, containerID)
	if !ok {
		return nil, apierr.ContainerNoMatch(containerID)
	}
	if !def.SupportsOperation(container.OpExtract) {
		return nil, fmt.Errorf("container %s does not declare extract in its operations set", containerID)
	}

	matches, err := e.matcher.Match(page, pageURL, containerID, sess.Viewport.W, sess.Viewport.H)
	if err != nil {
		return nil, err
	}

	fields := resolveFields(opts.Fields, def.ExtractFields)

	selected := selectMatches(matches, opts.VisibleOnly, opts.MaxItems)
	rows := make([]map[string]string, 0, len(selected))
	for _, m := range selected {
		row, err := extractRow(m.Element(), fields)
		if err != nil {
			return nil, fmt.Errorf("extracting row %d of %s: %w", m.Index, containerID, err)
		}
		rows = append(rows, row)
	}

	logging.AuditForSession(sess.ProfileID, sess.ProfileID).Extract(containerID, len(rows))
	if len(rows) == 0 {
		return rows, apierr.ExtractEmpty(containerID)
	}
	return rows, nil
}

func extractRow(el *rod.Element, fields []string) (map[string]string, error) {
	if len(fields) == 0 {
		text, err := el.Text()
		if err != nil {
			return nil, err
		}
		return map[string]string{"text": text}, nil
	}

	row := make(map[string]string, len(fields))
	for _, f := range fields {
		val, err := extractField(el, f)
		if err != nil {
			return nil, err
		}
		row[f] = val
	}
	return row, nil
}

// fieldKind routes one named extract field: element text, an attribute
// read, or a nested CSS selector whose first match's text is returned.
type fieldKind int

const (
	fieldText fieldKind = iota
	fieldAttribute
	fieldNestedSelector
)

// resolveFieldKind classifies a field name. "text" and the attribute names
// "href"/"src" are element property access; anything else is treated as a
// nested CSS selector.
func resolveFieldKind(field string) fieldKind {
	switch field {
	case "text":
		return fieldText
	case "href", "src":
		return fieldAttribute
	default:
		return fieldNestedSelector
	}
}

// resolveFields picks the request's field list, falling back to the
// container definition's declared extractFields.
func resolveFields(requested, declared []string) []string {
	if len(requested) > 0 {
		return requested
	}
	return declared
}

// selectMatches applies the extract table's visibleOnly filter and
// maxItems cap, preserving DOM order (spec.md section 4.7).
func selectMatches(matches []container.MatchResult, visibleOnly bool, maxItems int) []container.MatchResult {
	out := make([]container.MatchResult, 0, len(matches))
	for _, m := range matches {
		if visibleOnly && !m.InViewport {
			continue
		}
		out = append(out, m)
		if maxItems > 0 && len(out) >= maxItems {
			break
		}
	}
	return out
}

func extractField(el *rod.Element, field string) (string, error) {
	switch resolveFieldKind(field) {
	case fieldText:
		return el.Text()
	case fieldAttribute:
		attr, err := el.Attribute(field)
		if err != nil {
			return "", err
		}
		if attr == nil {
			return "", nil
		}
		return *attr, nil
	default:
		child, err := el.Element(field)
		if err != nil {
			return "", nil // nested selector not present in this row; empty, not fatal
		}
		return child.Text()
	}
}

// ScrollOptions configures a scroll call (spec.md section 4.7 table).
type ScrollOptions struct {
	Direction string // "up" | "down"
	AmountPx  float64
}

// Scroll calls scrollBy on the first element matching containerID, or on the
// page when containerID is empty or matches nothing. Scrollable ancestors
// are not searched: if the matched element does not itself scroll, its
// position stays the same and SCROLL_NO_PROGRESS is returned.
func (e *Executor) Scroll(sess *browser.BrowserSession, page *rod.Page, pageURL, containerID string, opts ScrollOptions) error {
	amount := scrollDelta(opts.Direction, opts.AmountPx)

	var target *rod.Element
	if containerID != "" {
		matches, err := e.matcher.Match(page, pageURL, containerID, sess.Viewport.W, sess.Viewport.H)
		if err == nil && len(matches) > 0 {
			target = matches[0].Element()
		}
	}

	before, err := scrollPosition(page, target)
	if err != nil {
		return err
	}

	if target != nil {
		if _, err := target.Eval(fmt.Sprintf(`() => { this.scrollBy(0, %f); }`, amount)); err != nil {
			return fmt.Errorf("scrolling container %s: %w", containerID, err)
		}
	} else {
		if _, err := page.Eval(fmt.Sprintf(`() => { window.scrollBy(0, %f); }`, amount)); err != nil {
			return fmt.Errorf("scrolling page: %w", err)
		}
	}

	after, err := scrollPosition(page, target)
	if err != nil {
		return err
	}
	if after == before {
		return apierr.ScrollNoProgress(containerID)
	}
	return nil
}

func scrollPosition(page *rod.Page, target *rod.Element) (float64, error) {
	if target != nil {
		res, err := target.Eval(`() => this.scrollTop`)
		if err != nil {
			return 0, err
		}
		return res.Value.Num(), nil
	}
	res, err := page.Eval(`() => window.scrollY`)
	if err != nil {
		return 0, err
	}
	return res.Value.Num(), nil
}

// TypeOptions configures a type call (spec.md section 4.7 table).
type TypeOptions struct {
	Text   string
	Delay  time.Duration
	Submit bool
}

// Type streams OS-level keystrokes into the currently focused input. The
// caller is responsible for focus via a preceding click (spec.md section
// 4.7); this executor does not re-focus anything itself.
func (e *Executor) Type(ctx context.Context, sess *browser.BrowserSession, opts TypeOptions) error {
	if opts.Text == "" {
		return apierr.TypeNoFocus()
	}
	return sess.KeyboardType(opts.Text, opts.Delay, opts.Submit)
}

// highlightDefaults fills the overlay style and duration when the caller
// left them unset.
func highlightDefaults(style string, duration time.Duration) (string, time.Duration) {
	if style == "" {
		style = "outline: 3px solid #ff4d4f; outline-offset: 2px;"
	}
	if duration <= 0 {
		duration = 1500 * time.Millisecond
	}
	return style, duration
}

// scrollDelta converts the scroll table's direction/amount inputs into a
// signed pixel delta, defaulting the distance when unset.
func scrollDelta(direction string, amountPx float64) float64 {
	if amountPx <= 0 {
		amountPx = 600
	}
	if direction == "up" {
		return -amountPx
	}
	return amountPx
}

func pickIndex(matches []container.MatchResult, index int) (container.MatchResult, error) {
	if index < 0 {
		index = 0
	}
	if index >= len(matches) {
		return container.MatchResult{}, fmt.Errorf("index %d out of range (%d matches)", index, len(matches))
	}
	return matches[index], nil
}

// lookupDefinition exposes the registry's Get through the Matcher so this
// package doesn't need its own registry reference.
func lookupDefinition(m *container.Matcher, containerID string) (*container.Definition, bool) {
	return m.Registry().Get(containerID)
}
