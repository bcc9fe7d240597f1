package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-rod/rod"

	"webauto/internal/apierr"
	"webauto/internal/browser"
	"webauto/internal/checkpoint"
	"webauto/internal/config"
	"webauto/internal/container"
	"webauto/internal/cookie"
	"webauto/internal/logging"
	"webauto/internal/operation"
)

// handler executes one decoded action. Implementations decode their own
// payload type so the dispatch table stays a flat action -> handler map.
type handler func(ctx context.Context, payload json.RawMessage) (any, error)

// InputMode gates which input plane workflows may use. Only system-level
// input is permitted for gestures; the mode exists so operators can verify
// the setting, not to enable a DOM mode.
type InputMode string

const InputModeSystem InputMode = "system"

// Dispatcher owns the action table shared by the Unified API and the
// Browser Service.
type Dispatcher struct {
	cfg      *config.Config
	manager  *browser.Manager
	registry *container.Registry
	matcher  *container.Matcher
	executor *operation.Executor
	detector *checkpoint.Detector
	bus      Publisher

	mu        sync.RWMutex
	inputMode InputMode

	table map[string]handler
}

// Publisher is the bus surface the dispatcher needs.
type Publisher interface {
	Publish(topic string, payload map[string]any)
}

// NewDispatcher wires the action table.
func NewDispatcher(cfg *config.Config, manager *browser.Manager, registry *container.Registry, detector *checkpoint.Detector, bus Publisher) *Dispatcher {
	matcher := container.NewMatcher(registry)
	d := &Dispatcher{
		cfg:       cfg,
		manager:   manager,
		registry:  registry,
		matcher:   matcher,
		executor:  operation.NewExecutor(matcher),
		detector:  detector,
		bus:       bus,
		inputMode: InputModeSystem,
	}
	d.table = map[string]handler{
		"session:create":  d.sessionCreate,
		"session:destroy": d.sessionDestroy,
		"session:list":    d.sessionList,
		"session:get":     d.sessionGet,
		"session:health":  d.sessionHealth,

		"browser:goto":         d.browserGoto,
		"browser:execute":      d.browserExecute,
		"browser:screenshot":   d.browserScreenshot,
		"browser:page:list":    d.pageList,
		"browser:page:switch":  d.pageSwitch,
		"browser:page:new":     d.pageNew,
		"browser:page:close":   d.pageClose,
		"browser:viewport:set": d.viewportSet,
		"browser:cookies":      d.cookiesGet,
		"browser:cookies:add":  d.cookiesAdd,
		"browser:cookies:save": d.cookiesSave,

		"keyboard:press": d.keyboardPress,
		"keyboard:type":  d.keyboardType,
		"mouse:click":    d.mouseClick,
		"mouse:move":     d.mouseMove,

		"containers:match":    d.containersMatch,
		"container:operation": d.containerOperation,

		"checkpoint:detect": d.checkpointDetect,
		"checkpoint:ensure": d.checkpointEnsure,

		"system:display":        d.systemDisplay,
		"system:input-mode:get": d.inputModeGet,
		"system:input-mode:set": d.inputModeSet,
	}
	return d
}

// Actions returns the sorted action names, for introspection and tests.
func (d *Dispatcher) Actions() []string {
	out := make([]string, 0, len(d.table))
	for a := range d.table {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Dispatch decodes and executes one request, applying the envelope's
// timeoutMs: on expiry the action reports ACTION_TIMEOUT and the session
// is not torn down (the underlying browser call is abandoned to its own
// context).
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	h, okAction := d.table[req.Action]
	if !okAction {
		return fail(fmt.Errorf("unknown action %q", req.Action))
	}

	log := logging.Get(logging.CategoryAPI)
	log.Debug("dispatch %s", req.Action)

	if req.TimeoutMs <= 0 {
		data, err := h(ctx, req.Payload)
		if err != nil {
			return fail(err)
		}
		return ok(data)
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := h(actionCtx, req.Payload)
		done <- outcome{data, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return fail(o.err)
		}
		return ok(o.data)
	case <-actionCtx.Done():
		log.Warn("action %s timed out after %dms", req.Action, req.TimeoutMs)
		return fail(apierr.ActionTimeout(req.Action, req.TimeoutMs))
	}
}

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("invalid payload: %w", err)
	}
	return v, nil
}

func (d *Dispatcher) session(profileID string) (*browser.BrowserSession, error) {
	if profileID == "" {
		return nil, fmt.Errorf("profileId is required")
	}
	sess, okSess := d.manager.Get(profileID)
	if !okSess {
		return nil, apierr.SessionNotFound(profileID)
	}
	return sess, nil
}

// rodPage pairs a live page handle with the URL it was resolved at.
type rodPage struct {
	page *rod.Page
	url  string
}

// activePage resolves a session's active page along with its current URL.
func (d *Dispatcher) activePage(profileID string) (*browser.BrowserSession, *rodPage, error) {
	sess, err := d.session(profileID)
	if err != nil {
		return nil, nil, err
	}
	page, err := sess.ActivePage()
	if err != nil {
		return nil, nil, err
	}
	info, err := page.Info()
	if err != nil {
		return nil, nil, err
	}
	return sess, &rodPage{page: page, url: info.URL}, nil
}

// --- session:* -------------------------------------------------------------

type sessionCreatePayload struct {
	ProfileID string `json:"profileId"`
	URL       string `json:"url,omitempty"`
	Headless  bool   `json:"headless,omitempty"`
	Viewport  *struct {
		W int `json:"w"`
		H int `json:"h"`
	} `json:"viewport,omitempty"`
}

func (d *Dispatcher) sessionCreate(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[sessionCreatePayload](payload)
	if err != nil {
		return nil, err
	}
	if err := config.ValidateProfileID(p.ProfileID); err != nil {
		return nil, err
	}

	opts := browser.StartOptions{
		URL:      p.URL,
		Headless: p.Headless,
		Viewport: browser.Viewport{W: d.cfg.Browser.ViewportWidth, H: d.cfg.Browser.ViewportHeight},
	}
	if p.Viewport != nil {
		opts.Viewport = browser.Viewport{W: p.Viewport.W, H: p.Viewport.H}
	}

	sess, err := d.manager.Create(ctx, p.ProfileID, opts)
	if err != nil {
		return nil, err
	}

	d.manager.Cookies().AutosaveStart(p.ProfileID, d.cfg.Cookies.AutosaveIntervalMs, d.cfg.Cookies.MinDelayMs, sess.Cookies)
	return sessionInfo(sess), nil
}

type sessionDestroyPayload struct {
	ProfileID string `json:"profileId"`
	Reason    string `json:"reason,omitempty"`
}

func (d *Dispatcher) sessionDestroy(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[sessionDestroyPayload](payload)
	if err != nil {
		return nil, err
	}
	reason := p.Reason
	if reason == "" {
		reason = "api request"
	}
	if err := d.manager.Destroy(p.ProfileID, reason); err != nil {
		return nil, err
	}
	return map[string]any{"profileId": p.ProfileID}, nil
}

func (d *Dispatcher) sessionList(ctx context.Context, _ json.RawMessage) (any, error) {
	ids := d.manager.List()
	sort.Strings(ids)
	sessions := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		if sess, okSess := d.manager.Get(id); okSess {
			sessions = append(sessions, sessionInfo(sess))
		}
	}
	return map[string]any{"sessions": sessions}, nil
}

type profilePayload struct {
	ProfileID string `json:"profileId"`
}

func (d *Dispatcher) sessionGet(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[profilePayload](payload)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(p.ProfileID)
	if err != nil {
		return nil, err
	}
	return sessionInfo(sess), nil
}

func (d *Dispatcher) sessionHealth(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[profilePayload](payload)
	if err != nil {
		return nil, err
	}
	alive, err := d.manager.Health(p.ProfileID)
	if err != nil && !alive {
		return nil, err
	}
	return map[string]any{"profileId": p.ProfileID, "alive": alive}, nil
}

func sessionInfo(sess *browser.BrowserSession) map[string]any {
	return map[string]any{
		"profileId": sess.ProfileID,
		"ownerPid":  sess.OwnerPid,
		"startedAt": sess.StartedAt,
		"headless":  sess.Headless,
		"viewport":  sess.Viewport,
	}
}

// --- browser:* -------------------------------------------------------------

type gotoPayload struct {
	ProfileID string `json:"profileId"`
	URL       string `json:"url"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

func (d *Dispatcher) browserGoto(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[gotoPayload](payload)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(p.ProfileID)
	if err != nil {
		return nil, err
	}
	timeout := d.cfg.GetNavigationTimeout()
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	if err := sess.Goto(ctx, p.URL, timeout); err != nil {
		return nil, err
	}
	d.bus.Publish("browser:navigated", map[string]any{"profileId": p.ProfileID, "url": p.URL})
	return map[string]any{"url": p.URL}, nil
}

type executePayload struct {
	ProfileID string `json:"profileId"`
	Script    string `json:"script"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

func (d *Dispatcher) browserExecute(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[executePayload](payload)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(p.ProfileID)
	if err != nil {
		return nil, err
	}
	timeout := 30 * time.Second
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	result, err := sess.Evaluate(ctx, p.Script, timeout)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

type screenshotPayload struct {
	ProfileID string `json:"profileId"`
	FullPage  bool   `json:"fullPage,omitempty"`
}

func (d *Dispatcher) browserScreenshot(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[screenshotPayload](payload)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(p.ProfileID)
	if err != nil {
		return nil, err
	}
	png, err := sess.Screenshot(p.FullPage)
	if err != nil {
		return nil, err
	}
	return map[string]any{"png": png}, nil // []byte marshals as base64
}

func (d *Dispatcher) pageList(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[profilePayload](payload)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(p.ProfileID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"pages": sess.PageList()}, nil
}

type pageIndexPayload struct {
	ProfileID string `json:"profileId"`
	Index     int    `json:"index"`
}

func (d *Dispatcher) pageSwitch(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[pageIndexPayload](payload)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(p.ProfileID)
	if err != nil {
		return nil, err
	}
	if err := sess.PageSwitch(p.Index); err != nil {
		return nil, err
	}
	return map[string]any{"activeIndex": p.Index}, nil
}

type pageNewPayload struct {
	ProfileID string `json:"profileId"`
	URL       string `json:"url,omitempty"`
}

func (d *Dispatcher) pageNew(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[pageNewPayload](payload)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(p.ProfileID)
	if err != nil {
		return nil, err
	}
	index, err := sess.PageNew(p.URL)
	if err != nil {
		return nil, err
	}
	d.bus.Publish("browser:page:added", map[string]any{"profileId": p.ProfileID, "index": index})
	return map[string]any{"index": index}, nil
}

func (d *Dispatcher) pageClose(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[pageIndexPayload](payload)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(p.ProfileID)
	if err != nil {
		return nil, err
	}
	if err := sess.PageClose(p.Index); err != nil {
		return nil, err
	}
	d.bus.Publish("browser:page:closed", map[string]any{"profileId": p.ProfileID, "index": p.Index})
	return map[string]any{"closed": p.Index}, nil
}

type viewportPayload struct {
	ProfileID string `json:"profileId"`
	W         int    `json:"w"`
	H         int    `json:"h"`
}

func (d *Dispatcher) viewportSet(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[viewportPayload](payload)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(p.ProfileID)
	if err != nil {
		return nil, err
	}
	if err := sess.SetViewport(p.W, p.H); err != nil {
		return nil, err
	}
	return map[string]any{"viewport": sess.Viewport}, nil
}

func (d *Dispatcher) cookiesGet(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[profilePayload](payload)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(p.ProfileID)
	if err != nil {
		return nil, err
	}
	cookies, err := sess.Cookies()
	if err != nil {
		return nil, err
	}
	d.manager.Cookies().Observe(p.ProfileID, cookies)
	return map[string]any{"cookies": cookies}, nil
}

type cookiesAddPayload struct {
	ProfileID string          `json:"profileId"`
	Cookies   []cookie.Cookie `json:"cookies"`
}

func (d *Dispatcher) cookiesAdd(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[cookiesAddPayload](payload)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(p.ProfileID)
	if err != nil {
		return nil, err
	}
	if err := sess.AddCookies(p.Cookies); err != nil {
		return nil, err
	}
	return map[string]any{"added": len(p.Cookies)}, nil
}

type cookiesSavePayload struct {
	ProfileID string `json:"profileId"`
	Force     bool   `json:"force,omitempty"`
}

func (d *Dispatcher) cookiesSave(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[cookiesSavePayload](payload)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(p.ProfileID)
	if err != nil {
		return nil, err
	}

	cookies, err := sess.Cookies()
	if err != nil {
		return nil, err
	}
	store := d.manager.Cookies()
	store.Observe(p.ProfileID, cookies)

	if p.Force {
		saved, err := store.ForceSave(p.ProfileID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"saved": saved, "forced": true}, nil
	}
	saved, reason := store.SaveIfStable(p.ProfileID, d.cfg.Cookies.MinDelayMs)
	return map[string]any{"saved": saved, "reason": reason}, nil
}

// --- keyboard:* / mouse:* --------------------------------------------------

type keyPressPayload struct {
	ProfileID string `json:"profileId"`
	Key       string `json:"key"`
}

func (d *Dispatcher) keyboardPress(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[keyPressPayload](payload)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(p.ProfileID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": p.Key}, sess.KeyboardPress(p.Key)
}

type keyTypePayload struct {
	ProfileID string `json:"profileId"`
	Text      string `json:"text"`
	DelayMs   int64  `json:"delayMs,omitempty"`
	Submit    bool   `json:"submit,omitempty"`
}

func (d *Dispatcher) keyboardType(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[keyTypePayload](payload)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(p.ProfileID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"typed": len(p.Text)}, sess.KeyboardType(p.Text, time.Duration(p.DelayMs)*time.Millisecond, p.Submit)
}

type mousePayload struct {
	ProfileID string  `json:"profileId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Clicks    int     `json:"clicks,omitempty"`
}

func (d *Dispatcher) mouseClick(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[mousePayload](payload)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(p.ProfileID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"x": p.X, "y": p.Y}, sess.MouseClick(p.X, p.Y, p.Clicks)
}

func (d *Dispatcher) mouseMove(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[mousePayload](payload)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(p.ProfileID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"x": p.X, "y": p.Y}, sess.MouseMove(p.X, p.Y)
}

// --- containers / operations -----------------------------------------------

type matchPayload struct {
	ProfileID   string `json:"profileId"`
	ContainerID string `json:"containerId,omitempty"`
}

func (d *Dispatcher) containersMatch(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[matchPayload](payload)
	if err != nil {
		return nil, err
	}
	sess, pg, err := d.activePage(p.ProfileID)
	if err != nil {
		return nil, err
	}

	if p.ContainerID != "" {
		matches, err := d.matcher.Match(pg.page, pg.url, p.ContainerID, sess.Viewport.W, sess.Viewport.H)
		if err != nil {
			return nil, err
		}
		return map[string]any{"matches": matches}, nil
	}

	// full-set match: every container in scope for the current URL,
	// roots first (spec.md section 4.5 ordering)
	inScope := d.registry.GetContainersForURL(pg.url)
	ids := make([]string, 0, len(inScope))
	for id := range inScope {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		di, dj := container.Depth(ids[i]), container.Depth(ids[j])
		if di != dj {
			return di < dj
		}
		return ids[i] < ids[j]
	})

	all := make(map[string][]container.MatchResult, len(ids))
	for _, id := range ids {
		matches, err := d.matcher.Match(pg.page, pg.url, id, sess.Viewport.W, sess.Viewport.H)
		if err != nil {
			continue // absent containers are omitted, not errors, in full-set mode
		}
		all[id] = matches
	}
	return map[string]any{"matches": all, "url": pg.url}, nil
}

type operationPayload struct {
	ProfileID   string `json:"profileId"`
	ContainerID string `json:"container"`
	OperationID string `json:"operationId"`
	Config      struct {
		Index       int      `json:"index,omitempty"`
		Target      string   `json:"target,omitempty"`
		Direction   string   `json:"direction,omitempty"`
		AmountPx    float64  `json:"amount,omitempty"`
		Text        string   `json:"text,omitempty"`
		DelayMs     int64    `json:"delayMs,omitempty"`
		Submit      bool     `json:"submit,omitempty"`
		Fields      []string `json:"fields,omitempty"`
		MaxItems    int      `json:"maxItems,omitempty"`
		VisibleOnly bool     `json:"visibleOnly,omitempty"`
		DurationMs  int64    `json:"durationMs,omitempty"`
		Channel     string   `json:"channel,omitempty"`
		Style       string   `json:"style,omitempty"`
	} `json:"config,omitempty"`
}

func (d *Dispatcher) containerOperation(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[operationPayload](payload)
	if err != nil {
		return nil, err
	}
	sess, pg, err := d.activePage(p.ProfileID)
	if err != nil {
		return nil, err
	}

	def, okDef := d.registry.Get(p.ContainerID)
	if !okDef {
		return nil, apierr.ContainerNoMatch(p.ContainerID)
	}
	op := container.Operation(p.OperationID)
	if !def.SupportsOperation(op) {
		return nil, fmt.Errorf("container %s does not declare operation %q", p.ContainerID, p.OperationID)
	}

	switch op {
	case container.OpClick:
		result, err := d.executor.Click(ctx, sess, pg.page, pg.url, p.ContainerID, operation.ClickOptions{
			Index:  p.Config.Index,
			Target: p.Config.Target,
		})
		if err != nil {
			return nil, err
		}
		d.bus.Publish("operation:click", map[string]any{"profileId": p.ProfileID, "container": p.ContainerID})
		return result, nil

	case container.OpScroll:
		err := d.executor.Scroll(sess, pg.page, pg.url, p.ContainerID, operation.ScrollOptions{
			Direction: p.Config.Direction,
			AmountPx:  p.Config.AmountPx,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"scrolled": true}, nil

	case container.OpHighlight:
		result, err := d.executor.Highlight(sess, pg.page, pg.url, p.ContainerID, operation.HighlightOptions{
			Index:    p.Config.Index,
			Duration: time.Duration(p.Config.DurationMs) * time.Millisecond,
			Channel:  p.Config.Channel,
			Style:    p.Config.Style,
		})
		if err != nil {
			return nil, err
		}
		return result, nil

	case container.OpExtract:
		rows, err := d.executor.Extract(sess, pg.page, pg.url, p.ContainerID, operation.ExtractOptions{
			Fields:      p.Config.Fields,
			MaxItems:    p.Config.MaxItems,
			VisibleOnly: p.Config.VisibleOnly,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"rows": rows}, nil

	case container.OpType:
		err := d.executor.Type(ctx, sess, operation.TypeOptions{
			Text:   p.Config.Text,
			Delay:  time.Duration(p.Config.DelayMs) * time.Millisecond,
			Submit: p.Config.Submit,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"typed": len(p.Config.Text)}, nil

	default:
		return nil, fmt.Errorf("unknown operation %q", p.OperationID)
	}
}

// --- checkpoint:* ----------------------------------------------------------

func (d *Dispatcher) checkpointDetect(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[profilePayload](payload)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(p.ProfileID)
	if err != nil {
		return nil, err
	}
	return d.detector.Detect(&checkpoint.LiveProber{Session: sess, Matcher: d.matcher})
}

type ensurePayload struct {
	ProfileID               string `json:"profileId"`
	Target                  string `json:"target"`
	TimeoutMs               int64  `json:"timeoutMs,omitempty"`
	AllowOneLevelUpFallback bool   `json:"allowOneLevelUpFallback,omitempty"`
}

func (d *Dispatcher) checkpointEnsure(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[ensurePayload](payload)
	if err != nil {
		return nil, err
	}
	sess, err := d.session(p.ProfileID)
	if err != nil {
		return nil, err
	}
	return d.detector.Ensure(ctx, &checkpoint.LiveProber{Session: sess, Matcher: d.matcher},
		checkpoint.Checkpoint(p.Target), checkpoint.EnsureOptions{
			Timeout:                 time.Duration(p.TimeoutMs) * time.Millisecond,
			AllowOneLevelUpFallback: p.AllowOneLevelUpFallback,
		})
}

// --- system:* --------------------------------------------------------------

func (d *Dispatcher) systemDisplay(ctx context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{
		"workArea": map[string]int{
			"w": d.cfg.Browser.ViewportWidth,
			"h": d.cfg.Browser.ViewportHeight,
		},
	}, nil
}

func (d *Dispatcher) inputModeGet(ctx context.Context, _ json.RawMessage) (any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return map[string]any{"mode": d.inputMode}, nil
}

type inputModePayload struct {
	Mode string `json:"mode"`
}

func (d *Dispatcher) inputModeSet(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[inputModePayload](payload)
	if err != nil {
		return nil, err
	}
	if InputMode(p.Mode) != InputModeSystem {
		return nil, fmt.Errorf("input mode %q not supported: workflows require system-level input", p.Mode)
	}
	d.mu.Lock()
	d.inputMode = InputModeSystem
	d.mu.Unlock()
	return map[string]any{"mode": d.inputMode}, nil
}
