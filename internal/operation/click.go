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

// edgePad is how far candidate edge midpoints are inset from the rect
// border so a click never lands on a 1px outline.
const edgePad = 4.0

// PostCondition is a caller-supplied check run after the OS-level click is
// dispatched (URL change, container disappearance, a new container
// appearing). The executor itself never guesses what "worked" means.
type PostCondition func(ctx context.Context) (bool, error)

// ClickOptions configures a click call (spec.md section 4.7 table).
type ClickOptions struct {
	Index  int
	Target string // optional inner CSS selector resolved inside the match
	Clicks int

	PostCondition        PostCondition
	PostConditionTimeout time.Duration
}

// ClickResult reports where the accepted OS-level click landed.
type ClickResult struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Signature string  `json:"signature"`
	Candidate string  `json:"candidate"` // "center" | "top" | "bottom" | "left" | "right"
}

// Click runs the rigid click gate (spec.md section 4.7): re-match the
// container just before clicking and confirm signature identity, compute
// candidate points inside the viewport, accept only points whose
// elementFromPoint resolves to the target or a descendant, then dispatch
// exactly one OS-level click. element.Click() is never called. On
// post-condition failure the executor reports CLICK_NO_EFFECT and does not
// retry; retry policy belongs to the caller.
func (e *Executor) Click(ctx context.Context, sess *browser.BrowserSession, page *rod.Page, pageURL, containerID string, opts ClickOptions) (ClickResult, error) {
	def, ok := lookupDefinition(e.matcher, containerID)
	if !ok {
		return ClickResult{}, apierr.ContainerNoMatch(containerID)
	}
	if !def.SupportsOperation(container.OpClick) {
		return ClickResult{}, fmt.Errorf("container %s does not declare click in its operations set", containerID)
	}

	audit := logging.AuditForSession(sess.ProfileID, sess.ProfileID)

	matches, err := e.matcher.Match(page, pageURL, containerID, sess.Viewport.W, sess.Viewport.H)
	if err != nil {
		return ClickResult{}, err
	}
	first, err := pickIndex(matches, opts.Index)
	if err != nil {
		return ClickResult{}, err
	}

	// Re-match just before the click; the rect from the first match may be
	// stale if the page reflowed between calls.
	matches, err = e.matcher.Match(page, pageURL, containerID, sess.Viewport.W, sess.Viewport.H)
	if err != nil {
		return ClickResult{}, err
	}
	m, err := findBySignature(matches, first.Signature, opts.Index)
	if err != nil {
		audit.Click(containerID, 0, 0, false, "signature lost between match and click")
		return ClickResult{}, apierr.ClickNoEffect(containerID)
	}

	el := m.Element()
	rect := m.Rect
	if opts.Target != "" {
		inner, err := el.Element(opts.Target)
		if err != nil {
			return ClickResult{}, fmt.Errorf("inner target %q not found in %s: %w", opts.Target, containerID, err)
		}
		vis, err := browser.EvaluateVisibility(inner, sess.Viewport.W, sess.Viewport.H)
		if err != nil {
			return ClickResult{}, err
		}
		el = inner
		rect = vis.Rect
	}

	x, y, candidate, err := acceptClickPoint(el, rect, float64(sess.Viewport.W), float64(sess.Viewport.H))
	if err != nil {
		audit.Click(containerID, 0, 0, false, err.Error())
		return ClickResult{}, apierr.ClickNoEffect(containerID)
	}

	clicks := opts.Clicks
	if clicks <= 0 {
		clicks = 1
	}
	if err := sess.MouseClick(x, y, clicks); err != nil {
		audit.Click(containerID, x, y, false, err.Error())
		return ClickResult{}, fmt.Errorf("dispatching click at (%.0f,%.0f): %w", x, y, err)
	}

	result := ClickResult{X: x, Y: y, Signature: m.Signature, Candidate: candidate}

	if opts.PostCondition != nil {
		ok, err := waitPostCondition(ctx, opts.PostCondition, opts.PostConditionTimeout)
		if err != nil {
			audit.Click(containerID, x, y, false, err.Error())
			return result, err
		}
		if !ok {
			audit.Click(containerID, x, y, false, "post-condition not satisfied")
			return result, apierr.ClickNoEffect(containerID)
		}
	}

	audit.Click(containerID, x, y, true, "")
	return result, nil
}

// findBySignature locates the pre-click match in the re-matched set,
// preferring the same index when its signature still agrees.
func findBySignature(matches []container.MatchResult, signature string, index int) (container.MatchResult, error) {
	if index >= 0 && index < len(matches) && matches[index].Signature == signature {
		return matches[index], nil
	}
	for _, m := range matches {
		if m.Signature == signature {
			return m, nil
		}
	}
	return container.MatchResult{}, fmt.Errorf("signature %s not present after re-match", signature)
}

// acceptClickPoint walks the candidate list (center, then four padded edge
// midpoints), rejecting points outside the viewport and points whose
// elementFromPoint is not the target or a descendant (spec.md section 4.7
// steps 2-3).
func acceptClickPoint(el *rod.Element, rect browser.Rect, vw, vh float64) (float64, float64, string, error) {
	cx, cy := rect.Center()
	candidates := []struct {
		name string
		x, y float64
	}{
		{"center", cx, cy},
	}
	edges := rect.PaddedEdgeMidpoints(edgePad)
	for i, name := range []string{"top", "bottom", "left", "right"} {
		candidates = append(candidates, struct {
			name string
			x, y float64
		}{name, edges[i][0], edges[i][1]})
	}

	for _, c := range candidates {
		if !pointInViewport(c.x, c.y, vw, vh) {
			continue
		}
		hit, err := browser.HitTestAt(el, c.x, c.y)
		if err != nil {
			return 0, 0, "", err
		}
		if hit {
			return c.x, c.y, c.name, nil
		}
	}
	return 0, 0, "", fmt.Errorf("no candidate point passed the hit-test")
}

func pointInViewport(x, y, vw, vh float64) bool {
	return x >= 0 && y >= 0 && x < vw && y < vh
}

func waitPostCondition(ctx context.Context, check PostCondition, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		ok, err := check(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}
