package workflow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"webauto/internal/apierr"
	"webauto/internal/checkpoint"
	"webauto/internal/logging"
)

// BlockStatus is a block's terminal (or in-flight) state within one plan run.
type BlockStatus string

const (
	StatusPending   BlockStatus = "pending"
	StatusRunning   BlockStatus = "running"
	StatusSucceeded BlockStatus = "succeeded"
	StatusFailed    BlockStatus = "failed"
	StatusSkipped   BlockStatus = "skipped"
)

// BlockResult is one block's outcome.
type BlockResult struct {
	Status BlockStatus
	Output Output
	Err    error
	Runs   int
}

// PlanResult aggregates a plan run.
type PlanResult struct {
	Blocks map[string]*BlockResult
	Err    error
}

// Failed reports whether any block failed.
func (p *PlanResult) Failed() bool {
	for _, r := range p.Blocks {
		if r.Status == StatusFailed {
			return true
		}
	}
	return false
}

// RunnerConfig tunes the runtime's scheduling behavior.
type RunnerConfig struct {
	// PollInterval drives the container-event subscription loop.
	PollInterval time.Duration
	// GraceWindow is how long an active block keeps running after plan
	// cancellation before its session-scoped operations are aborted
	// (spec.md section 4.10, default 5s).
	GraceWindow time.Duration
	// DefaultPacing applies where a block declares none.
	DefaultPacing Pacing
	// EventLoopBudget bounds the event phase; zero means until ctx is done.
	EventLoopBudget time.Duration
	// HardStopContainers names containers whose triggers preempt the
	// dispatch queue (guard anchors).
	HardStopContainers map[string]bool
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 5 * time.Second
	}
	return c
}

// Runner executes plans. One plan runs at a time per Runner; parallelism
// comes from independent Runners over independent sessions (spec.md
// section 5).
type Runner struct {
	cfg RunnerConfig

	lastOpAt  time.Time
	lastNavAt time.Time
}

// NewRunner constructs a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{cfg: cfg.withDefaults()}
}

// Execute runs plan to completion: startup blocks in dependency order,
// then the container-event loop until the context is canceled, the event
// budget expires, or a stop_all failure fires.
func (r *Runner) Execute(ctx context.Context, plan *Plan, rt *Ctx) (*PlanResult, error) {
	if err := validatePlan(plan); err != nil {
		return nil, err
	}

	result := &PlanResult{Blocks: make(map[string]*BlockResult, len(plan.Blocks))}
	for _, b := range plan.Blocks {
		result.Blocks[b.ID] = &BlockResult{Status: StatusPending}
	}

	log := logging.Get(logging.CategoryWorkflow)
	log.Info("plan %s starting: %d blocks", plan.ID, len(plan.Blocks))
	if rt.Bus != nil {
		rt.Bus.Publish("workflow:plan:started", map[string]any{"planId": plan.ID, "profileId": rt.ProfileID})
	}

	stopAll := r.runStartupPhase(ctx, plan, rt, result)
	if !stopAll && ctx.Err() == nil {
		r.runEventPhase(ctx, plan, rt, result)
	}

	for id, br := range result.Blocks {
		if br.Status == StatusPending {
			br.Status = StatusSkipped
			log.Debug("block %s never triggered, skipped", id)
		}
	}

	result.Err = firstFailure(plan, result)
	if rt.Bus != nil {
		rt.Bus.Publish("workflow:plan:finished", map[string]any{
			"planId": plan.ID, "profileId": rt.ProfileID, "failed": result.Failed(),
		})
	}
	log.Info("plan %s finished (failed=%v)", plan.ID, result.Failed())
	return result, result.Err
}

// runStartupPhase executes every startup-triggered block in dependency
// order. Returns true when a stop_all failure halts the plan.
func (r *Runner) runStartupPhase(ctx context.Context, plan *Plan, rt *Ctx, result *PlanResult) (stopAll bool) {
	// validatePlan has ruled out unknown dependencies and cycles, so every
	// pass places at least one block; declaration order breaks ties.
	ordered := make([]*Block, 0, len(plan.Blocks))
	placed := make(map[string]bool, len(plan.Blocks))
	for len(ordered) < len(plan.Blocks) {
		for _, b := range plan.Blocks {
			ready := !placed[b.ID]
			for _, dep := range b.DependsOn {
				ready = ready && placed[dep]
			}
			if ready {
				placed[b.ID] = true
				ordered = append(ordered, b)
			}
		}
	}
	for _, b := range ordered {
		if b.Trigger.Kind != TriggerStartup {
			continue
		}
		if ctx.Err() != nil {
			return false
		}
		r.runBlock(ctx, plan, b, rt, result)
		if result.Blocks[b.ID].Status == StatusFailed {
			if r.applyFailurePolicy(plan, b, result) {
				return true
			}
		}
	}
	return false
}

// containerState is the per-container presence memory the event loop
// derives appear/exist/change/disappear transitions from.
type containerState struct {
	count     int
	signature string
	appearGen int // bumps on each absent -> present transition
	observed  bool
}

// firedEvent is one queued trigger occurrence.
type firedEvent struct {
	containerID string
	event       ContainerEvent
	signature   string
	appearGen   int
}

func (r *Runner) runEventPhase(ctx context.Context, plan *Plan, rt *Ctx, result *PlanResult) {
	subscribed := make(map[string]bool)
	for _, b := range plan.Blocks {
		if b.Trigger.Kind == TriggerContainerEvent {
			subscribed[b.Trigger.ContainerID] = true
		}
	}
	if len(subscribed) == 0 {
		return
	}

	states := make(map[string]*containerState, len(subscribed))
	for id := range subscribed {
		states[id] = &containerState{}
	}

	// per-block dedup: last handled event signature, last appear generation
	lastEventSig := make(map[string]string)
	lastAppearGen := make(map[string]int)
	lastFiredAt := make(map[string]time.Time)

	deadline := time.Time{}
	if r.cfg.EventLoopBudget > 0 {
		deadline = time.Now().Add(r.cfg.EventLoopBudget)
	}

	log := logging.Get(logging.CategoryWorkflow)
	for {
		if ctx.Err() != nil {
			return
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			log.Debug("event loop budget exhausted")
			return
		}

		fired := r.pollContainers(rt, states)

		// hard-stop triggers preempt the dispatch queue
		ordered := make([]firedEvent, 0, len(fired))
		for _, f := range fired {
			if r.cfg.HardStopContainers[f.containerID] {
				ordered = append(ordered, f)
			}
		}
		for _, f := range fired {
			if !r.cfg.HardStopContainers[f.containerID] {
				ordered = append(ordered, f)
			}
		}

		for _, f := range ordered {
			for _, b := range plan.Blocks {
				if !triggerMatches(b.Trigger, f) {
					continue
				}
				br := result.Blocks[b.ID]
				if br.Status == StatusFailed || br.Status == StatusSkipped {
					continue
				}

				sig := fmt.Sprintf("%s|%s|%s|%d", f.containerID, f.event, f.signature, f.appearGen)
				if b.Trigger.OncePerAppear && lastAppearGen[b.ID] == f.appearGen && br.Runs > 0 {
					continue
				}
				if lastEventSig[b.ID] == sig && f.event != EventExist {
					continue
				}
				cooldown := b.Pacing.EventCooldown
				if cooldown <= 0 {
					cooldown = r.cfg.DefaultPacing.EventCooldown
				}
				if cooldown > 0 && time.Since(lastFiredAt[b.ID]) < cooldown {
					continue
				}

				lastEventSig[b.ID] = sig
				lastAppearGen[b.ID] = f.appearGen
				lastFiredAt[b.ID] = time.Now()

				r.runBlock(ctx, plan, b, rt, result)
				if result.Blocks[b.ID].Status == StatusFailed {
					if r.applyFailurePolicy(plan, b, result) {
						return
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// pollContainers advances every subscribed container's state machine and
// returns the events that fired this tick.
func (r *Runner) pollContainers(rt *Ctx, states map[string]*containerState) []firedEvent {
	var fired []firedEvent
	for id, st := range states {
		count, err := rt.Containers.Count(id)
		if err != nil {
			logging.Get(logging.CategoryWorkflow).Debug("poll of %s errored: %v", id, err)
			continue
		}
		sig := ""
		if count > 0 {
			sig, _ = rt.Containers.Signature(id)
		}

		prevCount, prevSig, wasObserved := st.count, st.signature, st.observed
		st.count, st.signature, st.observed = count, sig, true

		if count > 0 && (prevCount == 0 || !wasObserved) {
			st.appearGen++
			fired = append(fired, firedEvent{id, EventAppear, sig, st.appearGen})
		}
		if count == 0 && prevCount > 0 {
			fired = append(fired, firedEvent{id, EventDisappear, prevSig, st.appearGen})
		}
		if count > 0 {
			fired = append(fired, firedEvent{id, EventExist, sig, st.appearGen})
			if wasObserved && prevCount > 0 && prevSig != sig {
				fired = append(fired, firedEvent{id, EventChange, sig, st.appearGen})
			}
		}
	}
	return fired
}

func triggerMatches(t Trigger, f firedEvent) bool {
	return t.Kind == TriggerContainerEvent && t.ContainerID == f.containerID && t.Event == f.event
}

// runBlock executes one block end-to-end: dependency gate, pacing,
// pre-validation, checkpoint contract, body (with retry and timeout),
// post-validation.
func (r *Runner) runBlock(ctx context.Context, plan *Plan, b *Block, rt *Ctx, result *PlanResult) {
	br := result.Blocks[b.ID]
	audit := logging.AuditForSession(rt.ProfileID, rt.ProfileID)
	started := time.Now()

	fail := func(err error) {
		br.Status = StatusFailed
		br.Err = err
		audit.BlockResult(b.ID, false, time.Since(started).Milliseconds(), err.Error())
		if rt.Bus != nil {
			rt.Bus.Publish("workflow:block:failed", map[string]any{"planId": plan.ID, "blockId": b.ID, "error": err.Error()})
		}
		logging.Get(logging.CategoryWorkflow).Warn("block %s failed: %v", b.ID, err)
	}

	input := make(Input, len(b.DependsOn))
	for _, dep := range b.DependsOn {
		depRes := result.Blocks[dep]
		if depRes.Status != StatusSucceeded {
			fail(apierr.DependencyFailed(b.ID, dep))
			return
		}
		input[dep] = depRes.Output
	}

	br.Status = StatusRunning
	br.Runs++
	if rt.Bus != nil {
		rt.Bus.Publish("workflow:block:started", map[string]any{"planId": plan.ID, "blockId": b.ID})
	}

	r.pace(ctx, b)

	blockCtx, cancel := graceContext(ctx, r.cfg.GraceWindow)
	defer cancel()

	if b.Validation != nil {
		if err := evalPredicates(blockCtx, rt, b.ID, "pre", b.Validation.Pre); err != nil {
			fail(err)
			return
		}
	}

	if b.Checkpoint != nil {
		if err := r.ensureCheckpoint(blockCtx, b, rt); err != nil {
			fail(err)
			return
		}
	}

	output, err := r.runBody(blockCtx, b, rt, input)
	if err != nil {
		fail(err)
		return
	}

	if b.Validation != nil {
		if err := evalPredicates(blockCtx, rt, b.ID, "post", b.Validation.Post); err != nil {
			fail(err)
			return
		}
	}

	br.Status = StatusSucceeded
	br.Output = output
	br.Err = nil
	audit.BlockResult(b.ID, true, time.Since(started).Milliseconds(), "")
	if rt.Bus != nil {
		rt.Bus.Publish("workflow:block:succeeded", map[string]any{"planId": plan.ID, "blockId": b.ID})
	}
}

// ensureCheckpoint drives the block's checkpoint contract: reach the
// target or execute the declared recovery actions and retry.
func (r *Runner) ensureCheckpoint(ctx context.Context, b *Block, rt *Ctx) error {
	contract := b.Checkpoint
	attempts := contract.Recovery.Attempts
	if attempts < 0 {
		attempts = 0
	}

	opts := checkpoint.EnsureOptions{
		Timeout:                 b.Timeout,
		AllowOneLevelUpFallback: contract.AllowOneLevelUpFallback,
	}

	var lastErr error
	for try := 0; ; try++ {
		_, err := rt.Checkpoints.Ensure(ctx, contract.Target, opts)
		if err == nil {
			return nil
		}
		// guard errors are hard stops, never recovered from
		if errors.Is(err, &apierr.Error{Code: apierr.CodeLoginGuardDetected}) ||
			errors.Is(err, &apierr.Error{Code: apierr.CodeRiskControlDetected}) {
			return err
		}
		lastErr = err
		if try >= attempts || ctx.Err() != nil {
			break
		}
		if recErr := r.runRecovery(ctx, contract.Recovery.Actions, rt); recErr != nil {
			logging.Get(logging.CategoryWorkflow).Warn("recovery for %s errored: %v", b.ID, recErr)
		}
	}
	return lastErr
}

func (r *Runner) runRecovery(ctx context.Context, actions []RecoveryAction, rt *Ctx) error {
	for _, a := range actions {
		switch a.Kind {
		case RecoverPress:
			if err := rt.Input.Press(a.Key); err != nil {
				return err
			}
		case RecoverClick:
			if err := rt.Input.ClickContainer(ctx, a.ContainerID, 0); err != nil {
				return err
			}
		case RecoverGoto:
			r.paceNavigation(ctx)
			if err := rt.Input.Goto(ctx, a.URL); err != nil {
				return err
			}
		case RecoverWait:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.Wait):
			}
		default:
			return fmt.Errorf("unknown recovery action %q", a.Kind)
		}
	}
	return nil
}

// runBody executes the block function with its timeout and retry budget.
func (r *Runner) runBody(ctx context.Context, b *Block, rt *Ctx, input Input) (Output, error) {
	if b.Run == nil {
		return Output{}, nil
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= b.Retry; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		output, err := b.Run(attemptCtx, rt, input)
		cancel()
		if err == nil {
			return output, nil
		}
		lastErr = err
		// guard and session errors are not retryable
		if errors.Is(err, &apierr.Error{Code: apierr.CodeLoginGuardDetected}) ||
			errors.Is(err, &apierr.Error{Code: apierr.CodeRiskControlDetected}) ||
			errors.Is(err, &apierr.Error{Code: apierr.CodeSessionCrashed}) {
			return nil, err
		}
		logging.Get(logging.CategoryWorkflow).Debug("block %s attempt %d failed: %v", b.ID, attempt+1, err)
	}
	return nil, lastErr
}

// pace enforces the minimum inter-operation interval plus jitter.
func (r *Runner) pace(ctx context.Context, b *Block) {
	interval := b.Pacing.OperationMinInterval
	if interval <= 0 {
		interval = r.cfg.DefaultPacing.OperationMinInterval
	}
	jitter := b.Pacing.Jitter
	if jitter <= 0 {
		jitter = r.cfg.DefaultPacing.Jitter
	}

	wait := time.Duration(0)
	if !r.lastOpAt.IsZero() {
		elapsed := time.Since(r.lastOpAt)
		if elapsed < interval {
			wait = interval - elapsed
		}
	}
	if jitter > 0 {
		wait += time.Duration(rand.Int63n(int64(jitter) + 1))
	}
	if wait > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	r.lastOpAt = time.Now()
}

func (r *Runner) paceNavigation(ctx context.Context) {
	interval := r.cfg.DefaultPacing.NavigationMinInterval
	if interval <= 0 || r.lastNavAt.IsZero() {
		r.lastNavAt = time.Now()
		return
	}
	if elapsed := time.Since(r.lastNavAt); elapsed < interval {
		select {
		case <-ctx.Done():
		case <-time.After(interval - elapsed):
		}
	}
	r.lastNavAt = time.Now()
}

// applyFailurePolicy handles a failed block's declared policy. Returns true
// when the whole plan must stop.
func (r *Runner) applyFailurePolicy(plan *Plan, failed *Block, result *PlanResult) (stopAll bool) {
	// guard errors always stop the plan, leaving the session intact
	var ae *apierr.Error
	if errors.As(result.Blocks[failed.ID].Err, &ae) {
		if ae.Code == apierr.CodeLoginGuardDetected || ae.Code == apierr.CodeRiskControlDetected {
			return true
		}
	}

	switch failed.OnFailure {
	case FailStopAll:
		return true
	case FailChainStop:
		markDependentsFailed(plan, failed.ID, result)
		return false
	default: // continue
		return false
	}
}

// markDependentsFailed fails every transitive dependent of blockID that has
// not already run.
func markDependentsFailed(plan *Plan, blockID string, result *PlanResult) {
	for _, b := range plan.Blocks {
		if result.Blocks[b.ID].Status != StatusPending {
			continue
		}
		if dependsTransitively(plan, b, blockID) {
			result.Blocks[b.ID].Status = StatusFailed
			result.Blocks[b.ID].Err = apierr.DependencyFailed(b.ID, blockID)
		}
	}
}

func dependsTransitively(plan *Plan, b *Block, target string) bool {
	byID := make(map[string]*Block, len(plan.Blocks))
	for _, blk := range plan.Blocks {
		byID[blk.ID] = blk
	}
	seen := make(map[string]bool)
	var walk func(cur *Block) bool
	walk = func(cur *Block) bool {
		for _, dep := range cur.DependsOn {
			if dep == target {
				return true
			}
			if !seen[dep] {
				seen[dep] = true
				if next, ok := byID[dep]; ok && walk(next) {
					return true
				}
			}
		}
		return false
	}
	return walk(b)
}

// firstFailure surfaces the first failed block's error in declaration order.
func firstFailure(plan *Plan, result *PlanResult) error {
	for _, b := range plan.Blocks {
		if br := result.Blocks[b.ID]; br.Status == StatusFailed && br.Err != nil {
			return br.Err
		}
	}
	return nil
}

// validatePlan checks the plan's structural invariants: unique ids, known
// dependencies, no dependency cycles, and no block that both asserts and
// observes the same checkpoint anchor in one step (spec.md section 9,
// "Cycle between blocks and checkpoints").
func validatePlan(plan *Plan) error {
	if len(plan.Blocks) == 0 {
		return fmt.Errorf("plan %s has no blocks", plan.ID)
	}

	byID := make(map[string]*Block, len(plan.Blocks))
	for _, b := range plan.Blocks {
		if b.ID == "" {
			return fmt.Errorf("plan %s contains a block with no id", plan.ID)
		}
		if _, dup := byID[b.ID]; dup {
			return fmt.Errorf("plan %s declares block %s twice", plan.ID, b.ID)
		}
		byID[b.ID] = b
	}

	for _, b := range plan.Blocks {
		for _, dep := range b.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("block %s depends on unknown block %s", b.ID, dep)
			}
		}
		if b.Checkpoint != nil && b.Trigger.Kind == TriggerContainerEvent &&
			b.Checkpoint.ContainerID != "" && b.Checkpoint.ContainerID == b.Trigger.ContainerID {
			return fmt.Errorf("block %s both observes and asserts container %s", b.ID, b.Trigger.ContainerID)
		}
	}

	// cycle detection over DependsOn
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			switch color[dep] {
			case gray:
				return fmt.Errorf("dependency cycle through block %s", dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for id := range byID {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// graceContext derives a context that outlives parent's cancellation by
// grace, so an active block can finish its current suspension point before
// its session-scoped operations abort (spec.md section 4.10).
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			select {
			case <-time.After(grace):
				cancel()
			case <-stop:
			}
		case <-stop:
		}
	}()
	return ctx, func() {
		close(stop)
		cancel()
	}
}
