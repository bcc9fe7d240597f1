package container

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"webauto/internal/logging"
)

// Registry holds the loaded, validated Container Library and answers
// getContainersForUrl (spec.md section 4.5). Reloads swap the snapshot
// atomically so concurrent matchers never observe a partially loaded tree.
type Registry struct {
	dir string

	mu       sync.RWMutex
	byID     map[string]*Definition
	roots    []*Definition
	patterns map[string][]*regexp.Regexp // root id -> compiled urlPatterns

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// NewRegistry constructs an empty Registry rooted at dir. Call Load before
// use.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:      dir,
		byID:     make(map[string]*Definition),
		patterns: make(map[string][]*regexp.Regexp),
	}
}

// Load reads every .yaml/.yml/.json file under the registry's directory,
// parses each as a list of container Definitions, validates the composed
// tree, and swaps it in atomically.
func (r *Registry) Load() error {
	defs, err := readDefinitions(r.dir)
	if err != nil {
		return err
	}

	byID := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		if _, dup := byID[d.ID]; dup {
			return fmt.Errorf("duplicate container id %q", d.ID)
		}
		byID[d.ID] = d
	}

	if err := validateTree(byID); err != nil {
		return err
	}

	roots := make([]*Definition, 0)
	patterns := make(map[string][]*regexp.Regexp)
	for id, d := range byID {
		if !d.IsRoot() {
			continue
		}
		roots = append(roots, d)
		compiled := make([]*regexp.Regexp, 0, len(d.URLPatterns))
		for _, p := range d.URLPatterns {
			re, err := compilePattern(p)
			if err != nil {
				return fmt.Errorf("container %q urlPattern %q: %w", id, p, err)
			}
			compiled = append(compiled, re)
		}
		patterns[id] = compiled
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].ID < roots[j].ID })

	r.mu.Lock()
	r.byID = byID
	r.roots = roots
	r.patterns = patterns
	r.mu.Unlock()

	logging.Get(logging.CategoryContainer).Info("loaded %d container definitions (%d roots) from %s", len(byID), len(roots), r.dir)
	return nil
}

// Get returns the definition for a dotted id, if loaded.
func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// IDs returns every loaded container id, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// GetContainersForURL returns every definition whose root matches url,
// keyed by dotted id. The map carries no order; callers that need roots
// first sort the keys by Depth.
func (r *Registry) GetContainersForURL(url string) map[string]*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matchingRoots := make(map[string]bool)
	for _, root := range r.roots {
		for _, re := range r.patterns[root.ID] {
			if re.MatchString(url) {
				matchingRoots[root.ID] = true
				break
			}
		}
	}

	out := make(map[string]*Definition)
	for id, d := range r.byID {
		rootID := strings.SplitN(id, ".", 2)[0]
		if matchingRoots[rootID] {
			out[id] = d
		}
	}
	return out
}

// Depth returns the number of dot-separated segments in id, used by callers
// that need roots-first ordering over GetContainersForURL's result.
func Depth(id string) int {
	return strings.Count(id, ".") + 1
}

// Watch starts an fsnotify watch on the registry directory and reloads on
// any write/create/remove/rename event, logging (not failing) reload
// errors so a malformed in-progress edit never tears down the live
// snapshot (spec.md section 5: "reloads swap atomically").
func (r *Registry) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating container registry watcher: %w", err)
	}
	if err := w.Add(r.dir); err != nil {
		w.Close()
		return fmt.Errorf("watching container registry dir: %w", err)
	}

	r.watcher = w
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		log := logging.Get(logging.CategoryContainer)
		for {
			select {
			case <-r.stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.Load(); err != nil {
					log.Warn("container registry reload failed: %v", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("container registry watch error: %v", err)
			}
		}
	}()
	return nil
}

// StopWatch tears down the hot-reload watcher started by Watch, if any.
func (r *Registry) StopWatch() {
	if r.watcher == nil {
		return
	}
	close(r.stop)
	r.watcher.Close()
	<-r.done
	r.watcher = nil
}

func readDefinitions(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading container library dir: %w", err)
	}

	var defs []*Definition
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		var fileDefs []*Definition
		if ext == ".json" {
			if err := json.Unmarshal(data, &fileDefs); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		} else {
			if err := yaml.Unmarshal(data, &fileDefs); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
		defs = append(defs, fileDefs...)
	}
	return defs, nil
}

// validateTree checks the cross-definition invariants of spec.md section
// 4.5: every child's parent must exist, and no child crosses root
// boundaries.
func validateTree(byID map[string]*Definition) error {
	for id, d := range byID {
		if err := d.validate(); err != nil {
			return err
		}
		if d.IsRoot() {
			continue
		}
		parent, ok := byID[d.Parent]
		if !ok {
			return fmt.Errorf("container %q declares parent %q which does not exist", id, d.Parent)
		}
		childRoot := strings.SplitN(id, ".", 2)[0]
		parentRoot := strings.SplitN(parent.ID, ".", 2)[0]
		if childRoot != parentRoot {
			return fmt.Errorf("container %q parent %q belongs to a different root (%q vs %q)", id, d.Parent, parentRoot, childRoot)
		}
	}
	return nil
}

// compilePattern accepts either a regex (default) or a glob, distinguished
// by a leading "glob:" prefix, matching the source's loose urlPatterns
// field (spec.md section 3: "regex|glob").
func compilePattern(p string) (*regexp.Regexp, error) {
	if strings.HasPrefix(p, "glob:") {
		g := strings.TrimPrefix(p, "glob:")
		return regexp.Compile(globToRegex(g))
	}
	return regexp.Compile(p)
}

// globToRegex translates a shell-style glob (`*` any run, `?` single char)
// into an anchored regex. Kept minimal: the corpus shows no dedicated glob
// library in this domain, and URL scoping globs only ever need `*`/`?`.
func globToRegex(g string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range g {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '.', '+', '(', ')', '|', '^', '$', '[', ']', '{', '}', '\\':
			b.WriteString(regexp.QuoteMeta(string(r)))
		default:
			b.WriteRune(r)
		}
	}
	b.WriteString("$")
	return b.String()
}
