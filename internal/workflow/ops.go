package workflow

import (
	"context"
	"errors"
	"time"

	"webauto/internal/apierr"
	"webauto/internal/browser"
	"webauto/internal/bus"
	"webauto/internal/checkpoint"
	"webauto/internal/container"
	"webauto/internal/operation"
	"webauto/internal/state"
)

// CheckpointOps is the runtime's view of the Checkpoint Detector.
type CheckpointOps interface {
	Detect(ctx context.Context) (checkpoint.Result, error)
	Ensure(ctx context.Context, target checkpoint.Checkpoint, opts checkpoint.EnsureOptions) (checkpoint.Result, error)
}

// ContainerOps answers the presence/identity questions triggers and
// validation predicates need.
type ContainerOps interface {
	// Count returns how many elements currently match containerID; zero
	// (not an error) when the container is absent or out of scope.
	Count(containerID string) (int, error)
	// Signature returns the first match's stable signature, "" when absent.
	Signature(containerID string) (string, error)
}

// InputOps is the system-input surface recovery actions and blocks drive.
// All gestures go through the session's OS-level input path; there is no
// DOM-dispatch escape hatch here.
type InputOps interface {
	Press(key string) error
	ClickContainer(ctx context.Context, containerID string, index int) error
	Goto(ctx context.Context, url string) error
	CurrentURL() (string, error)
	ScrollContainer(ctx context.Context, containerID string, direction string, amountPx float64) error
	TypeText(ctx context.Context, text string, submit bool) error
	ExtractContainer(ctx context.Context, containerID string, fields []string, maxItems int) ([]map[string]string, error)
}

// Ctx exposes the session-scoped capabilities a block's body runs against.
type Ctx struct {
	PlanID    string
	ProfileID string

	Checkpoints CheckpointOps
	Containers  ContainerOps
	Input       InputOps

	Bus   *bus.Bus
	State *state.Dir

	// Params carries plan-level inputs (keyword, target counts, shard spec).
	Params map[string]any
}

// LiveOps binds the capability interfaces to a real session, matcher,
// executor, and detector. The Unified API's workflow runner constructs one
// per plan.
type LiveOps struct {
	Session  *browser.BrowserSession
	Matcher  *container.Matcher
	Executor *operation.Executor
	Detector *checkpoint.Detector

	NavigationTimeout time.Duration
}

func (o *LiveOps) prober() *checkpoint.LiveProber {
	return &checkpoint.LiveProber{Session: o.Session, Matcher: o.Matcher}
}

// Detect classifies the session's current page.
func (o *LiveOps) Detect(ctx context.Context) (checkpoint.Result, error) {
	return o.Detector.Detect(o.prober())
}

// Ensure polls until the target checkpoint is reached.
func (o *LiveOps) Ensure(ctx context.Context, target checkpoint.Checkpoint, opts checkpoint.EnsureOptions) (checkpoint.Result, error) {
	return o.Detector.Ensure(ctx, o.prober(), target, opts)
}

// Count returns the live match count for containerID.
func (o *LiveOps) Count(containerID string) (int, error) {
	matches, err := o.match(containerID)
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

// Signature returns the first live match's signature.
func (o *LiveOps) Signature(containerID string) (string, error) {
	matches, err := o.match(containerID)
	if err != nil || len(matches) == 0 {
		return "", err
	}
	return matches[0].Signature, nil
}

func (o *LiveOps) match(containerID string) ([]container.MatchResult, error) {
	page, err := o.Session.ActivePage()
	if err != nil {
		return nil, err
	}
	info, err := page.Info()
	if err != nil {
		return nil, err
	}
	matches, err := o.Matcher.Match(page, info.URL, containerID, o.Session.Viewport.W, o.Session.Viewport.H)
	if err != nil {
		var ae *apierr.Error
		if errors.As(err, &ae) && (ae.Code == apierr.CodeContainerNoMatch || ae.Code == apierr.CodeContainerOutOfScope) {
			return nil, nil
		}
		return nil, err
	}
	return matches, nil
}

// Press dispatches one OS-level key press.
func (o *LiveOps) Press(key string) error {
	return o.Session.KeyboardPress(key)
}

// ClickContainer runs the rigid click gate against containerID.
func (o *LiveOps) ClickContainer(ctx context.Context, containerID string, index int) error {
	page, err := o.Session.ActivePage()
	if err != nil {
		return err
	}
	info, err := page.Info()
	if err != nil {
		return err
	}
	_, err = o.Executor.Click(ctx, o.Session, page, info.URL, containerID, operation.ClickOptions{Index: index})
	return err
}

// Goto navigates the active page.
func (o *LiveOps) Goto(ctx context.Context, url string) error {
	timeout := o.NavigationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return o.Session.Goto(ctx, url, timeout)
}

// CurrentURL reports the active page's URL.
func (o *LiveOps) CurrentURL() (string, error) {
	page, err := o.Session.ActivePage()
	if err != nil {
		return "", err
	}
	info, err := page.Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// ScrollContainer scrolls the first element matching containerID (not a
// scrollable ancestor of it), falling back to the page; see Executor.Scroll.
func (o *LiveOps) ScrollContainer(ctx context.Context, containerID string, direction string, amountPx float64) error {
	page, err := o.Session.ActivePage()
	if err != nil {
		return err
	}
	info, err := page.Info()
	if err != nil {
		return err
	}
	return o.Executor.Scroll(o.Session, page, info.URL, containerID, operation.ScrollOptions{Direction: direction, AmountPx: amountPx})
}

// TypeText streams OS-level keystrokes into the focused input.
func (o *LiveOps) TypeText(ctx context.Context, text string, submit bool) error {
	return o.Executor.Type(ctx, o.Session, operation.TypeOptions{Text: text, Delay: 50 * time.Millisecond, Submit: submit})
}

// ExtractContainer returns ordered rows of field values for containerID.
func (o *LiveOps) ExtractContainer(ctx context.Context, containerID string, fields []string, maxItems int) ([]map[string]string, error) {
	page, err := o.Session.ActivePage()
	if err != nil {
		return nil, err
	}
	info, err := page.Info()
	if err != nil {
		return nil, err
	}
	return o.Executor.Extract(o.Session, page, info.URL, containerID, operation.ExtractOptions{Fields: fields, MaxItems: maxItems})
}
