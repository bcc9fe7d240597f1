// Package cookie implements the Cookie Store (spec.md section 4.2):
// load/save of a profile's cookie snapshot, stability-windowed saves, and a
// background autosave task.
//
// Grounded on the xhs-mcp browser.go cookie-loading pattern
// (cookies.NewLoadCookie(path).LoadCookies()) for the on-disk JSON shape,
// and on spec.md section 5's "Cookie Store writes are atomic" requirement,
// which the ancestor's own persistSessions (session_manager.go) does not
// satisfy — this store always does a temp-file-then-rename.
package cookie

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"webauto/internal/logging"
)

// Cookie is the wire shape of one cookie, matching spec.md's
// (name, value, domain, path, expires, secure, httpOnly, sameSite) tuple.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	Secure   bool    `json:"secure"`
	HTTPOnly bool    `json:"httpOnly"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Snapshot is an ordered cookie list with an associated observation time,
// used for the stability-window comparison.
type Snapshot struct {
	Cookies []Cookie
	SeenAt  time.Time
}

// Equivalent reports whether two snapshots project to the same sorted
// name=value set (spec.md section 3, Cookie Snapshot).
func Equivalent(a, b []Cookie) bool {
	pa := projection(a)
	pb := projection(b)
	if len(pa) != len(pb) {
		return false
	}
	for i := range pa {
		if pa[i] != pb[i] {
			return false
		}
	}
	return true
}

func projection(cookies []Cookie) []string {
	out := make([]string, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, c.Name+"="+c.Value)
	}
	sort.Strings(out)
	return out
}

// Store persists and restores cookie snapshots per profile.
type Store struct {
	dir string // holds one <id>.json per profile, e.g. ~/.webauto/cookies

	mu         sync.Mutex
	lastSeen   map[string]Snapshot    // profileId -> last observed snapshot
	autosaves  map[string]*autosave   // profileId -> running autosave task
}

// NewStore constructs a cookie Store rooted at dir (one JSON file per profile).
func NewStore(dir string) *Store {
	return &Store{
		dir:       dir,
		lastSeen:  make(map[string]Snapshot),
		autosaves: make(map[string]*autosave),
	}
}

func (s *Store) path(profileID string) string {
	return filepath.Join(s.dir, profileID+".json")
}

// Load returns the ordered cookie list persisted for profileID. A missing
// file yields an empty, non-error result.
func (s *Store) Load(profileID string) ([]Cookie, error) {
	data, err := os.ReadFile(s.path(profileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cookie file: %w", err)
	}

	var cookies []Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("parsing cookie file: %w", err)
	}
	return cookies, nil
}

// Save writes cookies atomically (temp file + rename) and never persists an
// empty snapshot (spec.md section 4.2 guarantee).
func (s *Store) Save(profileID string, cookies []Cookie) error {
	if len(cookies) == 0 {
		return fmt.Errorf("refusing to save empty cookie snapshot for %s", profileID)
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating cookie directory: %w", err)
	}

	data, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cookies: %w", err)
	}

	path := s.path(profileID)
	tmp := path + ".tmp-" + fmt.Sprint(time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing temp cookie file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming cookie file: %w", err)
	}

	logging.AuditForSession(profileID, "").CookieSaved(profileID, len(cookies))
	logging.Get(logging.CategoryCookie).Info("saved %d cookies for %s", len(cookies), profileID)
	return nil
}

// Observe records the latest in-browser snapshot, used by SaveIfStable to
// compute how long the snapshot has been unchanged.
func (s *Store) Observe(profileID string, cookies []Cookie) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.lastSeen[profileID]
	if ok && Equivalent(prev.Cookies, cookies) {
		return // unchanged; keep the original SeenAt so age accumulates
	}
	s.lastSeen[profileID] = Snapshot{Cookies: cookies, SeenAt: time.Now()}
}

// SaveIfStable saves only if the last-observed snapshot has been unchanged
// for at least minDelayMs, per spec.md section 4.2. Returns whether it
// saved and why not, if it didn't.
func (s *Store) SaveIfStable(profileID string, minDelayMs int64) (saved bool, reason string) {
	s.mu.Lock()
	snap, ok := s.lastSeen[profileID]
	s.mu.Unlock()

	if !ok || len(snap.Cookies) == 0 {
		return false, "no observed snapshot"
	}

	age := time.Since(snap.SeenAt)
	if age < time.Duration(minDelayMs)*time.Millisecond {
		logging.AuditForSession(profileID, "").CookieDeferred(profileID, "snapshot not yet stable")
		return false, "snapshot not yet stable"
	}

	if err := s.Save(profileID, snap.Cookies); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// ForceSave saves the current observed snapshot regardless of stability.
// The explicit force path exists per spec.md section 3 but is audited.
func (s *Store) ForceSave(profileID string) (bool, error) {
	s.mu.Lock()
	snap, ok := s.lastSeen[profileID]
	s.mu.Unlock()

	if !ok || len(snap.Cookies) == 0 {
		return false, fmt.Errorf("no observed snapshot to force-save for %s", profileID)
	}

	logging.AuditForSession(profileID, "").Log(logging.AuditEvent{
		EventType: logging.AuditCookieSaved,
		ProfileID: profileID,
		Success:   true,
		Message:   "force-save bypassing stability window",
		Fields:    map[string]interface{}{"count": len(snap.Cookies), "forced": true},
	})

	return true, s.Save(profileID, snap.Cookies)
}

// autosave is a background ticker invoking SaveIfStable on a fixed cadence.
// At most one task runs per profile.
type autosave struct {
	cancel chan struct{}
	done   chan struct{}
}

// Sampler fetches the current in-browser cookie snapshot for a profile.
type Sampler func() ([]Cookie, error)

// AutosaveStart begins a background loop for profileID that samples the
// in-browser snapshot (when a sampler is supplied), feeds it through
// Observe, and invokes SaveIfStable on each tick. A second call for the
// same profile is a no-op (at-most-one task per profile, spec.md section
// 4.2). Sampling or save failures are retried on the next tick; they never
// stop the loop.
func (s *Store) AutosaveStart(profileID string, intervalMs int64, minDelayMs int64, sample Sampler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.autosaves[profileID]; ok {
		return
	}

	task := &autosave{cancel: make(chan struct{}), done: make(chan struct{})}
	s.autosaves[profileID] = task

	go func() {
		defer close(task.done)
		log := logging.Get(logging.CategoryCookie)
		ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-task.cancel:
				return
			case <-ticker.C:
				if sample != nil {
					cookies, err := sample()
					if err != nil {
						log.Debug("autosave sample failed for %s: %v", profileID, err)
						continue
					}
					s.Observe(profileID, cookies)
				}
				if _, reason := s.SaveIfStable(profileID, minDelayMs); reason != "" {
					log.Debug("autosave skipped for %s: %s", profileID, reason)
				}
			}
		}
	}()
}

// AutosaveStop cancels the background autosave task for profileID, if any,
// and waits for it to exit.
func (s *Store) AutosaveStop(profileID string) {
	s.mu.Lock()
	task, ok := s.autosaves[profileID]
	if ok {
		delete(s.autosaves, profileID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	close(task.cancel)
	<-task.done
}
