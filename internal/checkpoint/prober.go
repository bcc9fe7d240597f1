package checkpoint

import (
	"errors"

	"webauto/internal/apierr"
	"webauto/internal/browser"
	"webauto/internal/container"
)

// LiveProber binds the Detector to a real Browser Session through the
// Container Matcher. A container that is merely out of scope for the
// current URL counts as absent, not as a probe failure: URL scoping is how
// the library partitions checkpoints across pages in the first place.
type LiveProber struct {
	Session *browser.BrowserSession
	Matcher *container.Matcher
}

// URL reports the active page's current URL.
func (p *LiveProber) URL() (string, error) {
	page, err := p.Session.ActivePage()
	if err != nil {
		return "", err
	}
	info, err := page.Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// Has reports whether containerID currently matches at least one visible
// element on the active page.
func (p *LiveProber) Has(containerID string) (bool, error) {
	page, err := p.Session.ActivePage()
	if err != nil {
		return false, err
	}
	url, err := p.URL()
	if err != nil {
		return false, err
	}

	matches, err := p.Matcher.Match(page, url, containerID, p.Session.Viewport.W, p.Session.Viewport.H)
	if err != nil {
		var ae *apierr.Error
		if errors.As(err, &ae) && (ae.Code == apierr.CodeContainerNoMatch || ae.Code == apierr.CodeContainerOutOfScope) {
			return false, nil
		}
		return false, err
	}
	return len(matches) > 0, nil
}
