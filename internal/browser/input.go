package browser

import (
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// MouseMove moves the OS-level pointer to a viewport coordinate without
// clicking (the mouse:move action). The rigid click gate does not call it:
// MouseClick performs its own move before pressing.
func (s *BrowserSession) MouseMove(x, y float64) error {
	s.acquireOp()
	defer s.releaseOp()

	page, err := s.ActivePage()
	if err != nil {
		return err
	}
	return page.Mouse.MoveTo(proto.Point{X: x, Y: y})
}

// MouseClick issues clicks OS-level pointer clicks at a viewport coordinate
// (spec.md section 4.3's mouse.click). This never touches the DOM directly;
// the Operation Executor's rigid click gate is the only caller permitted to
// use it for container clicks.
func (s *BrowserSession) MouseClick(x, y float64, clicks int) error {
	s.acquireOp()
	defer s.releaseOp()

	if clicks <= 0 {
		clicks = 1
	}

	page, err := s.ActivePage()
	if err != nil {
		return err
	}
	if err := page.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return err
	}
	return page.Mouse.Click(proto.InputMouseButtonLeft, clicks)
}

// KeyboardPress dispatches a single OS-level key down/up pair by CDP key
// name (e.g. "Escape", "Enter"), spec.md section 4.3's keyboard.press.
func (s *BrowserSession) KeyboardPress(key string) error {
	s.acquireOp()
	defer s.releaseOp()

	page, err := s.ActivePage()
	if err != nil {
		return err
	}
	return dispatchKey(page, key)
}

// KeyboardType streams text into the currently focused input, OS-level per
// character with an inter-character delay, optionally submitting with
// Enter afterward (spec.md section 4.3's keyboard.type). Unicode text
// (e.g. Chinese search terms) is inserted via CDP Input.insertText rather
// than simulated per-keycode, since a physical key-code table cannot
// represent arbitrary CJK input.
func (s *BrowserSession) KeyboardType(text string, delay time.Duration, submit bool) error {
	s.acquireOp()
	defer s.releaseOp()

	page, err := s.ActivePage()
	if err != nil {
		return err
	}

	for _, r := range text {
		if err := insertText(page, string(r)); err != nil {
			return err
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}

	if submit {
		return dispatchKey(page, "Enter")
	}
	return nil
}

func insertText(page *rod.Page, text string) error {
	return proto.InputInsertText{Text: text}.Call(page)
}

type keyIdentity struct {
	code                  string
	windowsVirtualKeyCode int
}

// keyCode maps the small set of named keys this system actually presses
// (Escape for dismissing guards, Enter for submit) to their CDP key/code
// identifiers.
var keyCode = map[string]keyIdentity{
	"Escape": {"Escape", 27},
	"Enter":  {"Enter", 13},
	"Tab":    {"Tab", 9},
}

func dispatchKey(page *rod.Page, key string) error {
	kc, ok := keyCode[key]
	if !ok {
		kc = keyIdentity{code: key}
	}

	down := proto.InputDispatchKeyEvent{
		Type:                  proto.InputDispatchKeyEventTypeKeyDown,
		Key:                   key,
		Code:                  kc.code,
		WindowsVirtualKeyCode: kc.windowsVirtualKeyCode,
		NativeVirtualKeyCode:  kc.windowsVirtualKeyCode,
	}
	if err := down.Call(page); err != nil {
		return err
	}

	up := proto.InputDispatchKeyEvent{
		Type:                  proto.InputDispatchKeyEventTypeKeyUp,
		Key:                   key,
		Code:                  kc.code,
		WindowsVirtualKeyCode: kc.windowsVirtualKeyCode,
		NativeVirtualKeyCode:  kc.windowsVirtualKeyCode,
	}
	return up.Call(page)
}
