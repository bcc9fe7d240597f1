// Package workflow implements the Checkpoint-driven Workflow Runtime
// (spec.md section 4.10): composable blocks with declared dependencies,
// triggers, validation, checkpoint contracts, pacing, and failure policy,
// executed as a staged plan against one browser session.
//
// Grounded on the ancestor's internal/campaign orchestrator for the shape
// of "declared steps with dependencies driven by a single runner loop",
// with the rule-engine parts replaced by the closed trigger/validation
// vocabulary spec.md mandates (it is a staged controller, not a DSL).
package workflow

import (
	"context"
	"time"

	"webauto/internal/checkpoint"
)

// TriggerKind separates one-shot startup blocks from container-event blocks.
type TriggerKind string

const (
	TriggerStartup        TriggerKind = "startup"
	TriggerContainerEvent TriggerKind = "container-event"
)

// ContainerEvent is the closed set of observable container transitions.
type ContainerEvent string

const (
	EventAppear    ContainerEvent = "appear"
	EventExist     ContainerEvent = "exist"
	EventChange    ContainerEvent = "change"
	EventDisappear ContainerEvent = "disappear"
)

// Trigger declares when a block runs: once at plan start, or each time a
// container event fires in the active page.
type Trigger struct {
	Kind          TriggerKind
	ContainerID   string
	Event         ContainerEvent
	OncePerAppear bool
}

// Startup is the trigger for blocks that run once at plan start.
func Startup() Trigger {
	return Trigger{Kind: TriggerStartup}
}

// OnContainer is the trigger for blocks driven by a container event.
func OnContainer(containerID string, event ContainerEvent) Trigger {
	return Trigger{Kind: TriggerContainerEvent, ContainerID: containerID, Event: event}
}

// PagePredicate constrains the page a block may run against.
type PagePredicate struct {
	HostIncludes string
	CheckpointIn []checkpoint.Checkpoint
}

// ContainerPredicate constrains container presence before/after a block.
type ContainerPredicate struct {
	ContainerID string
	MustExist   bool
	MinCount    int
}

// Predicate is one validation clause over page and/or container state.
type Predicate struct {
	Page      *PagePredicate
	Container *ContainerPredicate
}

// Validation declares a block's optional pre and post predicates (spec.md
// section 4.10). Pre-failures surface as VALIDATION_PRE_FAILED, post as
// VALIDATION_POST_FAILED.
type Validation struct {
	Pre  []Predicate
	Post []Predicate
}

// RecoveryActionKind enumerates the declared recovery vocabulary.
type RecoveryActionKind string

const (
	RecoverPress RecoveryActionKind = "press"
	RecoverClick RecoveryActionKind = "click"
	RecoverGoto  RecoveryActionKind = "goto"
	RecoverWait  RecoveryActionKind = "wait"
)

// RecoveryAction is one step a block's checkpoint contract may take when
// the target checkpoint is not reached (e.g. press Escape, click a
// declared "back" container).
type RecoveryAction struct {
	Kind        RecoveryActionKind
	Key         string
	ContainerID string
	URL         string
	Wait        time.Duration
}

// CheckpointContract binds a block to a target checkpoint with declared
// recovery (spec.md section 4.10). The runtime ensures the target before
// the block's body runs; on failure it executes the recovery actions and
// retries up to Attempts times.
type CheckpointContract struct {
	ContainerID             string
	Target                  checkpoint.Checkpoint
	AllowOneLevelUpFallback bool
	Recovery                Recovery
}

// Recovery pairs an attempt budget with its ordered actions.
type Recovery struct {
	Attempts int
	Actions  []RecoveryAction
}

// Pacing declares a block's minimum intervals (spec.md section 5).
type Pacing struct {
	OperationMinInterval  time.Duration
	EventCooldown         time.Duration
	Jitter                time.Duration
	NavigationMinInterval time.Duration
}

// Impact classifies what a block touches, for observers and pacing policy.
type Impact string

const (
	ImpactOp           Impact = "op"
	ImpactScript       Impact = "script"
	ImpactSubscription Impact = "subscription"
)

// FailurePolicy declares what the plan does when this block fails.
type FailurePolicy string

const (
	// FailContinue keeps the plan going; only this block's dependents fail.
	FailContinue FailurePolicy = "continue"
	// FailChainStop fails every transitive dependent but lets independent
	// chains proceed.
	FailChainStop FailurePolicy = "chain_stop"
	// FailStopAll cancels the whole plan.
	FailStopAll FailurePolicy = "stop_all"
)

// Input is the merged outputs of a block's dependencies, keyed by block id.
type Input map[string]Output

// Output is a block's result payload, carried to its dependents.
type Output map[string]any

// BlockFunc is a block's body. ctx is canceled at plan cancellation after
// the grace window; rt exposes the session-scoped capabilities.
type BlockFunc func(ctx context.Context, rt *Ctx, input Input) (Output, error)

// Block is one workflow step (spec.md section 4.10's block contract).
type Block struct {
	ID         string
	DependsOn  []string
	Trigger    Trigger
	Validation *Validation
	Checkpoint *CheckpointContract
	Retry      int
	Timeout    time.Duration
	Pacing     Pacing
	Impact     Impact
	OnFailure  FailurePolicy
	Run        BlockFunc
}

// Plan is an ordered sequence of blocks executed by the Runner.
type Plan struct {
	ID     string
	Blocks []*Block
}
