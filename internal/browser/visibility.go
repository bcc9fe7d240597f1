// Visibility and honeypot-trap detection, shared by the Container Matcher's
// requireVisible predicate (spec.md section 4.6) and the rigid click gate's
// hit-test (section 4.7).
//
// Grounded on the ancestor's internal/browser/honeypot.go CSS/position-based
// detection heuristics (display:none, visibility:hidden, opacity:0,
// off-screen position, zero size, aria-hidden, negative tabindex,
// pointer-events:none) — rewritten here against rod.Page/rod.Element
// directly instead of projecting through Mangle facts, since Mangle is
// dropped entirely for this module (SPEC_FULL.md section A.1/C).
package browser

import (
	"encoding/json"
	"fmt"

	"github.com/go-rod/rod"
)

// Rect is an element's viewport-relative bounding box, spec.md section 3's
// Match Result rect.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Center returns the rect's midpoint, the first candidate click point tried
// by the rigid click gate (spec.md section 4.7 step 2).
func (r Rect) Center() (x, y float64) {
	return r.X + r.W/2, r.Y + r.H/2
}

// PaddedEdgeMidpoints returns the four edge-midpoint candidates the rigid
// click gate falls back to when the center point fails the hit-test, each
// inset by pad pixels so the click doesn't land on a border.
func (r Rect) PaddedEdgeMidpoints(pad float64) [4][2]float64 {
	cx, cy := r.Center()
	return [4][2]float64{
		{cx, r.Y + pad},          // top
		{cx, r.Y + r.H - pad},    // bottom
		{r.X + pad, cy},          // left
		{r.X + r.W - pad, cy},    // right
	}
}

// HasPositiveArea reports whether the rect occupies any on-screen space.
func (r Rect) HasPositiveArea() bool {
	return r.W > 0 && r.H > 0
}

// IntersectsViewport reports whether the rect overlaps the given viewport
// dimensions at all.
func (r Rect) IntersectsViewport(vw, vh float64) bool {
	return r.X < vw && r.Y < vh && r.X+r.W > 0 && r.Y+r.H > 0
}

// ElementVisibility is the result of evaluating an element's computed style
// and geometry against the matcher's requireVisible predicate.
type ElementVisibility struct {
	Rect        Rect
	Visible     bool
	HoneypotTag string // non-empty names the specific trap heuristic that fired
}

const visibilityScript = `() => {
	const el = this;
	const style = window.getComputedStyle(el);
	const rect = el.getBoundingClientRect();
	return {
		display: style.display,
		visibility: style.visibility,
		opacity: style.opacity,
		pointerEvents: style.pointerEvents,
		ariaHidden: el.getAttribute('aria-hidden'),
		tabindex: el.getAttribute('tabindex'),
		x: rect.x,
		y: rect.y,
		w: rect.width,
		h: rect.height,
	};
}`

// EvaluateVisibility runs the requireVisible predicate against a single
// element: positive-area rect, intersects the viewport, and survives a
// center-point hit-test (element or a descendant owns document.elementFromPoint
// at its own center) — spec.md section 4.6 step 2.b.
func EvaluateVisibility(el *rod.Element, viewportW, viewportH int) (ElementVisibility, error) {
	res, err := el.Eval(visibilityScript)
	if err != nil {
		return ElementVisibility{}, fmt.Errorf("evaluating visibility: %w", err)
	}

	var snap struct {
		Display       string  `json:"display"`
		Visibility    string  `json:"visibility"`
		Opacity       string  `json:"opacity"`
		PointerEvents string  `json:"pointerEvents"`
		AriaHidden    string  `json:"ariaHidden"`
		Tabindex      string  `json:"tabindex"`
		X             float64 `json:"x"`
		Y             float64 `json:"y"`
		W             float64 `json:"w"`
		H             float64 `json:"h"`
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return ElementVisibility{}, fmt.Errorf("decoding visibility snapshot: %w", err)
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return ElementVisibility{}, fmt.Errorf("decoding visibility snapshot: %w", err)
	}

	rect := Rect{X: snap.X, Y: snap.Y, W: snap.W, H: snap.H}

	if tag := honeypotTag(snap.Display, snap.Visibility, snap.Opacity, snap.PointerEvents, snap.AriaHidden, snap.Tabindex); tag != "" {
		return ElementVisibility{Rect: rect, Visible: false, HoneypotTag: tag}, nil
	}

	if !rect.HasPositiveArea() {
		return ElementVisibility{Rect: rect, Visible: false, HoneypotTag: "zero_size"}, nil
	}
	if !rect.IntersectsViewport(float64(viewportW), float64(viewportH)) {
		return ElementVisibility{Rect: rect, Visible: false}, nil
	}

	hit, err := HitTest(el, rect)
	if err != nil {
		return ElementVisibility{}, err
	}
	return ElementVisibility{Rect: rect, Visible: hit}, nil
}

// honeypotTag applies the ancestor's CSS/attribute trap heuristics: a
// visually or structurally hidden element offered as an interaction target
// is almost always an anti-bot trap rather than a genuine affordance.
func honeypotTag(display, visibility, opacity, pointerEvents, ariaHidden, tabindex string) string {
	switch {
	case display == "none":
		return "css_display_none"
	case visibility == "hidden":
		return "css_visibility_hidden"
	case opacity == "0":
		return "css_opacity_zero"
	case pointerEvents == "none":
		return "css_pointer_events_none"
	case ariaHidden == "true":
		return "aria_hidden"
	case tabindex == "-1":
		return "negative_tabindex"
	default:
		return ""
	}
}

// HitTestAt implements the rigid click gate's elementFromPoint check
// (spec.md section 4.7 step 3) for an arbitrary candidate point: it must
// resolve to target itself or one of its descendants, never an unrelated
// overlay. Used for the center point and each padded edge-midpoint fallback.
func HitTestAt(target *rod.Element, x, y float64) (bool, error) {
	script := fmt.Sprintf(`() => {
		const hit = document.elementFromPoint(%f, %f);
		if (!hit) return false;
		return hit === this || this.contains(hit);
	}`, x, y)
	res, err := target.Eval(script)
	if err != nil {
		return false, fmt.Errorf("hit-test at (%.0f,%.0f): %w", x, y, err)
	}
	var hit bool
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return false, fmt.Errorf("decoding hit-test result: %w", err)
	}
	if err := json.Unmarshal(raw, &hit); err != nil {
		return false, fmt.Errorf("decoding hit-test result: %w", err)
	}
	return hit, nil
}

// HitTest runs HitTestAt at the rect's center, the point the Container
// Matcher's requireVisible predicate uses (spec.md section 4.6 step 2.b).
func HitTest(target *rod.Element, rect Rect) (bool, error) {
	cx, cy := rect.Center()
	return HitTestAt(target, cx, cy)
}
