// Package browser implements the Browser Session (spec.md section 4.3): a
// thin typed surface over one running browser instance bound to a single
// profile, plus the Session Manager (section 4.4) that owns the
// profileId -> Session map.
//
// Grounded on the ancestor's internal/browser/session_manager.go for the
// rod.Browser lifecycle (Start/ensureStarted/ControlURL/Shutdown) and event
// stream plumbing, and on the xhs-mcp browser.go for stealth-wrapped pages,
// cookie loading, and fingerprint overrides. The ancestor's own Click/Type
// methods dispatch through rod's high-level Element helpers; this package
// instead drives page.Mouse and CDP key events directly and re-validates the
// target with document.elementFromPoint, per spec.md section 4.3's
// "DOM-dispatched clicks are explicitly disallowed" invariant.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"webauto/internal/apierr"
	"webauto/internal/cookie"
	"webauto/internal/logging"
)

// Page is one tab/target tracked by a Session, spec.md section 3.
type Page struct {
	Index  int    `json:"index"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}

// Viewport is a browser window's pixel dimensions.
type Viewport struct {
	W int `json:"w"`
	H int `json:"h"`
}

// CookieAutosave tracks the Cookie Store's background cadence for a session.
type CookieAutosave struct {
	IntervalMs int64     `json:"intervalMs"`
	LastSavedAt time.Time `json:"lastSavedAt"`
}

// StartOptions configures a new Browser Session.
type StartOptions struct {
	URL      string
	Headless bool
	Viewport Viewport
	OwnerPid int
	Stealth  bool
	UserDataDir string
}

// BrowserSession is a thin typed surface over one rod.Browser bound to a
// single profile. Goto, Evaluate, Screenshot and the mouse/keyboard input
// calls are serialized through opQueue to preserve cursor/keyboard
// determinism; the page list/switch/new/close, SetViewport and cookie calls
// take only the session mutex (or no lock) and are not ordered by opQueue.
type BrowserSession struct {
	ProfileID  string
	OwnerPid   int
	StartedAt  time.Time
	Headless   bool
	Viewport   Viewport
	CookieAutosave CookieAutosave

	mu              sync.Mutex
	browser         *rod.Browser
	pages           []*rod.Page
	activePageIndex int
	opQueue         chan struct{} // 1-buffered mutex-as-channel, FIFO by construction

	cookies *cookie.Store
}

func newOpQueue() chan struct{} {
	q := make(chan struct{}, 1)
	q <- struct{}{}
	return q
}

func (s *BrowserSession) acquireOp() { <-s.opQueue }
func (s *BrowserSession) releaseOp() { s.opQueue <- struct{}{} }

// Start launches a new browser bound to this profile and navigates its first
// page to opts.URL.
func Start(ctx context.Context, profileID string, opts StartOptions, cookies *cookie.Store) (*BrowserSession, error) {
	log := logging.Get(logging.CategoryBrowser)

	l := launcher.New().Headless(opts.Headless)
	if opts.UserDataDir != "" {
		l = l.UserDataDir(opts.UserDataDir)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, apierr.BrowserLaunchFailed(profileID, err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, apierr.BrowserLaunchFailed(profileID, err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		return nil, apierr.BrowserLaunchFailed(profileID, fmt.Errorf("creating first page: %w", err))
	}

	if opts.Stealth {
		if stealthPage, err := stealth.Page(browser); err == nil {
			page = stealthPage
		} else {
			log.Warn("stealth page setup failed for %s, continuing unprotected: %v", profileID, err)
		}
	}

	vw, vh := opts.Viewport.W, opts.Viewport.H
	if vw <= 0 || vh <= 0 {
		vw, vh = 1280, 800
	}
	_ = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{Width: vw, Height: vh, DeviceScaleFactor: 1})

	if saved, loadErr := cookies.Load(profileID); loadErr == nil && len(saved) > 0 {
		setCookies(page, saved)
	}

	sess := &BrowserSession{
		ProfileID:       profileID,
		OwnerPid:        opts.OwnerPid,
		StartedAt:       time.Now(),
		Headless:        opts.Headless,
		Viewport:        Viewport{W: vw, H: vh},
		browser:         browser,
		pages:           []*rod.Page{page},
		activePageIndex: 0,
		opQueue:         newOpQueue(),
		cookies:         cookies,
	}

	if opts.URL != "" {
		if err := sess.Goto(ctx, opts.URL, 30*time.Second); err != nil {
			log.Warn("initial navigation to %s failed: %v", opts.URL, err)
		}
	}

	logging.AuditForSession(profileID, "").SessionCreated(profileID, profileID)
	return sess, nil
}

// Stop gracefully closes the underlying browser process.
func (s *BrowserSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser == nil {
		return nil
	}
	err := s.browser.Close()
	s.browser = nil
	return err
}

// IsAlive reports whether the underlying browser process still responds.
func (s *BrowserSession) IsAlive() bool {
	s.mu.Lock()
	b := s.browser
	s.mu.Unlock()
	if b == nil {
		return false
	}
	_, err := b.Version()
	return err == nil
}

// ActivePage returns the currently active rod.Page.
func (s *BrowserSession) ActivePage() (*rod.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activePageIndex < 0 || s.activePageIndex >= len(s.pages) {
		return nil, apierr.SessionNotFound(s.ProfileID)
	}
	return s.pages[s.activePageIndex], nil
}

// Goto navigates the active page, bounded by timeout.
func (s *BrowserSession) Goto(ctx context.Context, url string, timeout time.Duration) error {
	s.acquireOp()
	defer s.releaseOp()

	page, err := s.ActivePage()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- page.Timeout(timeout).Navigate(url)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("navigate %s: %w", url, err)
		}
		return nil
	case <-time.After(timeout):
		return apierr.ActionTimeout("browser:goto", timeout.Milliseconds())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PageList returns the ordered page metadata for this session.
func (s *BrowserSession) PageList() []Page {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Page, 0, len(s.pages))
	for i, p := range s.pages {
		info, _ := p.Info()
		url, title := "", ""
		if info != nil {
			url, title = info.URL, info.Title
		}
		out = append(out, Page{Index: i, URL: url, Title: title, Active: i == s.activePageIndex})
	}
	return out
}

// PageSwitch activates the page at index. Out-of-range leaves state unchanged.
func (s *BrowserSession) PageSwitch(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.pages) {
		return apierr.SessionNotFound(s.ProfileID)
	}
	s.activePageIndex = index
	return nil
}

// PageNew opens a new tab and makes it active, returning its index.
func (s *BrowserSession) PageNew(url string) (int, error) {
	s.mu.Lock()
	browser := s.browser
	s.mu.Unlock()
	if browser == nil {
		return 0, apierr.SessionNotFound(s.ProfileID)
	}

	target := url
	if target == "" {
		target = "about:blank"
	}
	page, err := browser.Page(proto.TargetCreateTarget{URL: target})
	if err != nil {
		return 0, fmt.Errorf("opening new page: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = append(s.pages, page)
	s.activePageIndex = len(s.pages) - 1
	return s.activePageIndex, nil
}

// PageClose closes the page at index. Closing the active page activates
// the preceding page, if any.
func (s *BrowserSession) PageClose(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.pages) {
		return apierr.SessionNotFound(s.ProfileID)
	}

	page := s.pages[index]
	_ = page.Close()

	s.pages = append(s.pages[:index], s.pages[index+1:]...)
	if len(s.pages) == 0 {
		s.activePageIndex = 0
		return nil
	}
	if index < s.activePageIndex || (index == s.activePageIndex && index > 0) {
		s.activePageIndex--
	}
	if s.activePageIndex >= len(s.pages) {
		s.activePageIndex = len(s.pages) - 1
	}
	return nil
}

// SetViewport rejects non-positive dimensions, clamps the rest to a fixed
// 3840x2160 upper bound and applies them to the active page. The OS work
// area is not queried; there is no hard-coded 1920x2160 path.
func (s *BrowserSession) SetViewport(w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("viewport dimensions must be positive, got %dx%d", w, h)
	}

	const maxW, maxH = 3840, 2160 // fixed upper clamp
	if w > maxW {
		w = maxW
	}
	if h > maxH {
		h = maxH
	}

	page, err := s.ActivePage()
	if err != nil {
		return err
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{Width: w, Height: h, DeviceScaleFactor: 1}); err != nil {
		return err
	}

	s.mu.Lock()
	s.Viewport = Viewport{W: w, H: h}
	s.mu.Unlock()
	return nil
}

// Evaluate runs a JS expression against the active page and returns its
// JSON-projected result. Never returns functions or raw DOM nodes.
func (s *BrowserSession) Evaluate(ctx context.Context, script string, timeout time.Duration) (json.RawMessage, error) {
	s.acquireOp()
	defer s.releaseOp()

	page, err := s.ActivePage()
	if err != nil {
		return nil, err
	}

	type result struct {
		val json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		obj, err := page.Timeout(timeout).Eval(script)
		if err != nil {
			done <- result{err: err}
			return
		}
		raw, marshalErr := obj.Value.MarshalJSON()
		if marshalErr != nil {
			done <- result{err: marshalErr}
			return
		}
		done <- result{val: raw}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-time.After(timeout):
		return nil, apierr.ActionTimeout("browser:evaluate", timeout.Milliseconds())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Screenshot returns a base64-independent PNG byte slice of the active page.
func (s *BrowserSession) Screenshot(fullPage bool) ([]byte, error) {
	s.acquireOp()
	defer s.releaseOp()

	page, err := s.ActivePage()
	if err != nil {
		return nil, err
	}
	if fullPage {
		return page.Screenshot(true, nil)
	}
	return page.Screenshot(false, nil)
}

// Cookies returns the active page's current cookie list.
func (s *BrowserSession) Cookies() ([]cookie.Cookie, error) {
	page, err := s.ActivePage()
	if err != nil {
		return nil, err
	}
	raw, err := page.Cookies(nil)
	if err != nil {
		return nil, err
	}
	out := make([]cookie.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, cookie.Cookie{
			Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
			Expires: float64(c.Expires), Secure: c.Secure, HTTPOnly: c.HTTPOnly,
			SameSite: string(c.SameSite),
		})
	}
	return out, nil
}

// AddCookies installs cookies into the active page.
func (s *BrowserSession) AddCookies(cookies []cookie.Cookie) error {
	page, err := s.ActivePage()
	if err != nil {
		return err
	}
	setCookies(page, cookies)
	return nil
}

// SaveCookies persists the active page's current cookies via the Cookie Store.
func (s *BrowserSession) SaveCookies() error {
	cookies, err := s.Cookies()
	if err != nil {
		return err
	}
	return s.cookies.Save(s.ProfileID, cookies)
}

func setCookies(page *rod.Page, cookies []cookie.Cookie) {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
			Expires: proto.TimeSinceEpoch(c.Expires), Secure: c.Secure, HTTPOnly: c.HTTPOnly,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
		})
	}
	_ = page.SetCookies(params)
}
