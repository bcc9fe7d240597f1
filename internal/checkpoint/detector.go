// Package checkpoint implements the Checkpoint Detector (spec.md section
// 4.9): classifying the current page state into a closed set of named
// checkpoints by probing a small ordered list of containers. Hard-stop
// checkpoints (risk_control, login_guard, offsite) are evaluated first and
// short-circuit; "ready" checkpoints follow.
package checkpoint

import (
	"context"
	"sort"
	"time"

	"webauto/internal/apierr"
	"webauto/internal/container"
	"webauto/internal/logging"
)

// Checkpoint is a symbolic page state drawn from a closed per-platform set.
type Checkpoint string

const (
	HomeReady     Checkpoint = "home_ready"
	SearchReady   Checkpoint = "search_ready"
	DetailReady   Checkpoint = "detail_ready"
	CommentsReady Checkpoint = "comments_ready"
	LoginGuard    Checkpoint = "login_guard"
	RiskControl   Checkpoint = "risk_control"
	Offsite       Checkpoint = "offsite"
	Unknown       Checkpoint = "unknown"
)

// IsHardStop reports whether this checkpoint halts a workflow rather than
// gating a step.
func (c Checkpoint) IsHardStop() bool {
	return c == RiskControl || c == LoginGuard || c == Offsite
}

// GuardError maps a hard-stop checkpoint to its spec.md section 7 error.
// Offsite has no dedicated code; it surfaces as CHECKPOINT_UNREACHABLE from
// the caller's ensure.
func (c Checkpoint) GuardError() error {
	switch c {
	case RiskControl:
		return apierr.RiskControlDetected(string(c))
	case LoginGuard:
		return apierr.LoginGuardDetected(string(c))
	default:
		return nil
	}
}

// hardStopOrder fixes the evaluation priority among hard stops; risk
// control outranks the login guard because a risk page can embed a login
// form.
var hardStopOrder = map[Checkpoint]int{
	RiskControl: 0,
	LoginGuard:  1,
	Offsite:     2,
}

// readyLadder orders the "ready" checkpoints from shallowest page state to
// deepest, for detection priority (deepest first: a detail page still has
// the home chrome underneath) and for the one-level-up fallback in Ensure.
var readyLadder = []Checkpoint{HomeReady, SearchReady, DetailReady, CommentsReady}

// Probe is one (checkpoint, containerIds) pair; the checkpoint is reached
// iff every listed container currently matches.
type Probe struct {
	Checkpoint   Checkpoint
	ContainerIDs []string
}

// Prober answers container-presence questions about a live page. The
// Unified API binds this to a real session + matcher; tests supply fakes.
type Prober interface {
	URL() (string, error)
	Has(containerID string) (bool, error)
}

// Result is one detection outcome (spec.md section 4.9's detect return).
type Result struct {
	Checkpoint        Checkpoint `json:"checkpoint"`
	URL               string     `json:"url"`
	MatchedContainers []string   `json:"matchedContainers"`
}

// Detector holds one platform's ordered probe list.
type Detector struct {
	probes []Probe
}

// New constructs a Detector from an explicit probe list, re-ordering it so
// hard stops come first and ready checkpoints deepest-first.
func New(probes []Probe) *Detector {
	ordered := make([]Probe, len(probes))
	copy(ordered, probes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return probeRank(ordered[i].Checkpoint) < probeRank(ordered[j].Checkpoint)
	})
	return &Detector{probes: ordered}
}

func probeRank(c Checkpoint) int {
	if r, ok := hardStopOrder[c]; ok {
		return r
	}
	for i, rc := range readyLadder {
		if rc == c {
			// deepest ready state ranks first among non-hard-stops
			return 10 + (len(readyLadder) - i)
		}
	}
	return 100
}

// FromRegistry builds a Detector from every container in the library whose
// definition anchors a checkpoint (the `checkpoint` field, spec.md section
// 3). Containers anchoring the same checkpoint are AND-ed into one probe.
func FromRegistry(reg *container.Registry, rootPrefix string) *Detector {
	byCheckpoint := make(map[Checkpoint][]string)
	for _, id := range reg.IDs() {
		def, ok := reg.Get(id)
		if !ok || def.Checkpoint == "" {
			continue
		}
		if rootPrefix != "" && rootOf(id) != rootPrefix && !hasRootPrefix(id, rootPrefix) {
			continue
		}
		cp := Checkpoint(def.Checkpoint)
		byCheckpoint[cp] = append(byCheckpoint[cp], id)
	}

	probes := make([]Probe, 0, len(byCheckpoint))
	for cp, ids := range byCheckpoint {
		sort.Strings(ids)
		probes = append(probes, Probe{Checkpoint: cp, ContainerIDs: ids})
	}
	return New(probes)
}

func rootOf(id string) string {
	for i := 0; i < len(id); i++ {
		if id[i] == '.' {
			return id[:i]
		}
	}
	return id
}

// hasRootPrefix matches platform-scoped roots like "xiaohongshu_search"
// against a platform prefix "xiaohongshu".
func hasRootPrefix(id, prefix string) bool {
	root := rootOf(id)
	return len(root) > len(prefix) && root[:len(prefix)] == prefix && root[len(prefix)] == '_'
}

// Probes exposes the ordered probe list, for the Unified API's detector
// introspection action.
func (d *Detector) Probes() []Probe {
	out := make([]Probe, len(d.probes))
	copy(out, d.probes)
	return out
}

// Detect classifies the prober's current page: the first probe (in fixed
// priority order) whose containers all match wins. No match yields Unknown,
// which is a result, not an error.
func (d *Detector) Detect(p Prober) (Result, error) {
	url, err := p.URL()
	if err != nil {
		return Result{}, err
	}

	for _, probe := range d.probes {
		matched, all, err := d.probeAll(p, probe.ContainerIDs)
		if err != nil {
			return Result{}, err
		}
		if all {
			logging.Get(logging.CategoryCheckpoint).Debug("detected %s at %s", probe.Checkpoint, url)
			return Result{Checkpoint: probe.Checkpoint, URL: url, MatchedContainers: matched}, nil
		}
	}
	return Result{Checkpoint: Unknown, URL: url}, nil
}

func (d *Detector) probeAll(p Prober, ids []string) (matched []string, all bool, err error) {
	for _, id := range ids {
		has, err := p.Has(id)
		if err != nil {
			return nil, false, err
		}
		if !has {
			return matched, false, nil
		}
		matched = append(matched, id)
	}
	return matched, len(ids) > 0, nil
}

// EnsureOptions configures Ensure's polling loop.
type EnsureOptions struct {
	Timeout                 time.Duration
	PollInterval            time.Duration
	AllowOneLevelUpFallback bool
}

// Ensure polls Detect until target (or, with the fallback enabled, the
// checkpoint one rung above target in the ready ladder) is reached.
// Hard stops short-circuit with their guard error; timeout yields
// CHECKPOINT_UNREACHABLE. Idempotent once target is reached.
func (d *Detector) Ensure(ctx context.Context, p Prober, target Checkpoint, opts EnsureOptions) (Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	accepted := map[Checkpoint]bool{target: true}
	if opts.AllowOneLevelUpFallback {
		if up, ok := oneLevelUp(target); ok {
			accepted[up] = true
		}
	}

	start := time.Now()
	deadline := start.Add(timeout)
	audit := logging.Audit()

	for {
		res, err := d.Detect(p)
		if err != nil {
			return Result{}, err
		}
		if accepted[res.Checkpoint] {
			audit.CheckpointReached(string(res.Checkpoint), time.Since(start).Milliseconds())
			return res, nil
		}
		if res.Checkpoint.IsHardStop() {
			if guardErr := res.Checkpoint.GuardError(); guardErr != nil {
				return res, guardErr
			}
			audit.CheckpointUnreachable(string(target), time.Since(start).Milliseconds())
			return res, apierr.CheckpointUnreachable(string(target), time.Since(start).Milliseconds())
		}
		if time.Now().After(deadline) {
			audit.CheckpointUnreachable(string(target), time.Since(start).Milliseconds())
			return res, apierr.CheckpointUnreachable(string(target), timeout.Milliseconds())
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(poll):
		}
	}
}

// oneLevelUp returns the checkpoint one rung shallower than target in the
// ready ladder (search_ready -> home_ready, ...). Hard stops and the
// shallowest rung have no fallback.
func oneLevelUp(target Checkpoint) (Checkpoint, bool) {
	for i, c := range readyLadder {
		if c == target && i > 0 {
			return readyLadder[i-1], true
		}
	}
	return "", false
}
