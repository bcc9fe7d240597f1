package container

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-rod/rod"

	"webauto/internal/apierr"
	"webauto/internal/browser"
	"webauto/internal/logging"
)

// MatchResult is the system-level identity of a matched region for the
// duration of one page render (spec.md section 3).
type MatchResult struct {
	ContainerID string        `json:"containerId"`
	Index       int           `json:"index"`
	Rect        browser.Rect  `json:"rect"`
	InViewport  bool          `json:"inViewport"`
	VariantUsed Variant       `json:"variantUsed"`
	Signature   string        `json:"signature"`

	element *rod.Element
}

// Element returns the underlying rod handle backing this match, for
// callers (the Operation Executor) that need to act on it within the same
// render. Not part of the wire representation.
func (m MatchResult) Element() *rod.Element { return m.element }

// Matcher evaluates Container Registry definitions against a live page.
// Stateless: callers hold MatchResults only for the duration of a single
// render (spec.md section 4.6).
type Matcher struct {
	registry *Registry
}

// NewMatcher constructs a Matcher backed by the given registry.
func NewMatcher(registry *Registry) *Matcher {
	return &Matcher{registry: registry}
}

// Registry returns the backing Container Registry, for callers (the
// Operation Executor, Checkpoint Detector) that need direct definition
// lookups alongside matching.
func (m *Matcher) Registry() *Registry { return m.registry }

// Match resolves containerID against the current page URL and DOM,
// following the algorithm in spec.md section 4.6.
func (m *Matcher) Match(page *rod.Page, pageURL string, containerID string, viewportW, viewportH int) ([]MatchResult, error) {
	def, ok := m.registry.Get(containerID)
	if !ok {
		return nil, apierr.ContainerNoMatch(containerID)
	}

	rootID := strings.SplitN(containerID, ".", 2)[0]
	inScope := m.registry.GetContainersForURL(pageURL)
	if _, scoped := inScope[rootID]; !scoped {
		return nil, apierr.ContainerOutOfScope(containerID, pageURL)
	}

	for _, sel := range def.Selectors {
		results, err := m.tryVariant(page, def, sel, viewportW, viewportH)
		if err != nil {
			logging.Get(logging.CategoryMatcher).Debug("variant %s for %s errored: %v", sel.Variant, containerID, err)
			continue
		}
		if len(results) > 0 {
			return results, nil
		}
	}

	return nil, apierr.ContainerNoMatch(containerID)
}

func (m *Matcher) tryVariant(page *rod.Page, def *Definition, sel Selector, viewportW, viewportH int) ([]MatchResult, error) {
	elements, err := page.Elements(sel.CSS)
	if err != nil {
		return nil, fmt.Errorf("querying selector %q: %w", sel.CSS, err)
	}

	var out []MatchResult
	for i, el := range elements {
		if sel.RequireText != "" {
			text, err := el.Text()
			if err != nil || !strings.Contains(text, sel.RequireText) {
				continue
			}
		}

		vis, err := browser.EvaluateVisibility(el, viewportW, viewportH)
		if err != nil {
			return nil, fmt.Errorf("evaluating visibility: %w", err)
		}
		if sel.RequireVisible && !vis.Visible {
			continue
		}

		sig, err := signature(el)
		if err != nil {
			return nil, fmt.Errorf("computing signature: %w", err)
		}

		out = append(out, MatchResult{
			ContainerID: def.ID,
			Index:       i,
			Rect:        vis.Rect,
			InViewport:  vis.Rect.IntersectsViewport(float64(viewportW), float64(viewportH)),
			VariantUsed: sel.Variant,
			Signature:   sig,
			element:     el,
		})
	}
	return out, nil
}

const signatureScript = `() => {
	const el = this;
	return {
		tag: el.tagName,
		id: el.id || '',
		cls: (el.className || '').toString().split(/\s+/).filter(Boolean).slice(0, 3).join('.'),
		text: (el.textContent || '').trim().slice(0, 40),
	};
}`

// signature derives a stable identity hash from (tagName, id?, class-prefix,
// text[:40]) per spec.md section 4.6 step 3, used to confirm rect identity
// across renders (e.g. the rigid click gate's re-match step).
func signature(el *rod.Element) (string, error) {
	res, err := el.Eval(signatureScript)
	if err != nil {
		return "", err
	}

	var snap struct {
		Tag  string `json:"tag"`
		ID   string `json:"id"`
		Cls  string `json:"cls"`
		Text string `json:"text"`
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return "", err
	}

	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", snap.Tag, snap.ID, snap.Cls, snap.Text)
	return hex.EncodeToString(h.Sum(nil)), nil
}
