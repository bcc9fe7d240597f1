package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"webauto/internal/apierr"
	"webauto/internal/checkpoint"
	"webauto/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeOps implements CheckpointOps, ContainerOps, and InputOps from mutable
// in-memory state.
type fakeOps struct {
	mu         sync.Mutex
	url        string
	checkpoint checkpoint.Checkpoint
	counts     map[string]int
	signatures map[string]string
	ensureErr  error

	pressed   []string
	navigated []string
	extracts  map[string][]map[string]string

	// onPress, if set, runs under the lock after each Press with the
	// press count, letting tests flip page state synchronously.
	onPress func(f *fakeOps, n int)
}

func newFakeOps() *fakeOps {
	return &fakeOps{
		url:        "https://www.xiaohongshu.com/explore",
		checkpoint: checkpoint.HomeReady,
		counts:     make(map[string]int),
		signatures: make(map[string]string),
		extracts:   make(map[string][]map[string]string),
	}
}

func (f *fakeOps) Detect(ctx context.Context) (checkpoint.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return checkpoint.Result{Checkpoint: f.checkpoint, URL: f.url}, nil
}

func (f *fakeOps) Ensure(ctx context.Context, target checkpoint.Checkpoint, opts checkpoint.EnsureOptions) (checkpoint.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return checkpoint.Result{}, f.ensureErr
	}
	if f.checkpoint != target {
		return checkpoint.Result{}, apierr.CheckpointUnreachable(string(target), 0)
	}
	return checkpoint.Result{Checkpoint: f.checkpoint, URL: f.url}, nil
}

func (f *fakeOps) Count(id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[id], nil
}

func (f *fakeOps) Signature(id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signatures[id], nil
}

func (f *fakeOps) Press(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pressed = append(f.pressed, key)
	if f.onPress != nil {
		f.onPress(f, len(f.pressed))
	}
	return nil
}

func (f *fakeOps) ClickContainer(ctx context.Context, id string, index int) error { return nil }

func (f *fakeOps) Goto(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigated = append(f.navigated, url)
	f.url = url
	return nil
}

func (f *fakeOps) CurrentURL() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, nil
}

func (f *fakeOps) ScrollContainer(ctx context.Context, id, direction string, amountPx float64) error {
	return nil
}

func (f *fakeOps) TypeText(ctx context.Context, text string, submit bool) error { return nil }

func (f *fakeOps) ExtractContainer(ctx context.Context, id string, fields []string, maxItems int) ([]map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extracts[id], nil
}

func (f *fakeOps) set(fn func(*fakeOps)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func newTestCtx(t *testing.T, ops *fakeOps) *Ctx {
	t.Helper()
	dir, err := state.NewDir(t.TempDir(), "xiaohongshu", "test", "kw")
	require.NoError(t, err)
	return &Ctx{
		PlanID:      "test-plan",
		ProfileID:   "xhs_test",
		Checkpoints: ops,
		Containers:  ops,
		Input:       ops,
		State:       dir,
	}
}

func startupBlock(id string, deps []string, fn BlockFunc) *Block {
	return &Block{ID: id, DependsOn: deps, Trigger: Startup(), Timeout: time.Second, Run: fn}
}

func TestStartupBlocksRunInOrderWithDependencyOutputs(t *testing.T) {
	ops := newFakeOps()
	rt := newTestCtx(t, ops)

	var order []string
	plan := &Plan{ID: "p", Blocks: []*Block{
		startupBlock("a", nil, func(ctx context.Context, rt *Ctx, in Input) (Output, error) {
			order = append(order, "a")
			return Output{"value": 7}, nil
		}),
		startupBlock("b", []string{"a"}, func(ctx context.Context, rt *Ctx, in Input) (Output, error) {
			order = append(order, "b")
			assert.Equal(t, 7, in["a"]["value"])
			return Output{}, nil
		}),
	}}

	res, err := NewRunner(RunnerConfig{}).Execute(context.Background(), plan, rt)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, StatusSucceeded, res.Blocks["a"].Status)
	assert.Equal(t, StatusSucceeded, res.Blocks["b"].Status)
}

func TestDependencyFailurePropagates(t *testing.T) {
	ops := newFakeOps()
	rt := newTestCtx(t, ops)

	plan := &Plan{ID: "p", Blocks: []*Block{
		startupBlock("a", nil, func(ctx context.Context, rt *Ctx, in Input) (Output, error) {
			return nil, fmt.Errorf("boom")
		}),
		startupBlock("b", []string{"a"}, func(ctx context.Context, rt *Ctx, in Input) (Output, error) {
			t.Fatal("b must not run")
			return nil, nil
		}),
	}}

	res, err := NewRunner(RunnerConfig{}).Execute(context.Background(), plan, rt)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Blocks["a"].Status)
	assert.Equal(t, StatusFailed, res.Blocks["b"].Status)
	assert.ErrorIs(t, res.Blocks["b"].Err, &apierr.Error{Code: apierr.CodeDependencyFailed})
}

func TestChainStopFailsDependentsButNotSiblings(t *testing.T) {
	ops := newFakeOps()
	rt := newTestCtx(t, ops)

	ran := make(map[string]bool)
	mk := func(id string, deps []string, failing bool) *Block {
		b := startupBlock(id, deps, func(ctx context.Context, rt *Ctx, in Input) (Output, error) {
			ran[id] = true
			if failing {
				return nil, fmt.Errorf("boom")
			}
			return Output{}, nil
		})
		if failing {
			b.OnFailure = FailChainStop
		}
		return b
	}

	plan := &Plan{ID: "p", Blocks: []*Block{
		mk("root", nil, true),
		mk("child", []string{"root"}, false),
		mk("grandchild", []string{"child"}, false),
		mk("independent", nil, false),
	}}

	res, _ := NewRunner(RunnerConfig{}).Execute(context.Background(), plan, rt)
	assert.True(t, ran["root"])
	assert.False(t, ran["child"])
	assert.False(t, ran["grandchild"])
	assert.True(t, ran["independent"])
	assert.Equal(t, StatusFailed, res.Blocks["child"].Status)
	assert.Equal(t, StatusFailed, res.Blocks["grandchild"].Status)
	assert.Equal(t, StatusSucceeded, res.Blocks["independent"].Status)
}

func TestStopAllSkipsRemaining(t *testing.T) {
	ops := newFakeOps()
	rt := newTestCtx(t, ops)

	plan := &Plan{ID: "p", Blocks: []*Block{
		func() *Block {
			b := startupBlock("a", nil, func(ctx context.Context, rt *Ctx, in Input) (Output, error) {
				return nil, fmt.Errorf("boom")
			})
			b.OnFailure = FailStopAll
			return b
		}(),
		startupBlock("b", nil, func(ctx context.Context, rt *Ctx, in Input) (Output, error) {
			t.Fatal("b must not run after stop_all")
			return nil, nil
		}),
	}}

	res, _ := NewRunner(RunnerConfig{}).Execute(context.Background(), plan, rt)
	assert.Equal(t, StatusFailed, res.Blocks["a"].Status)
	assert.Equal(t, StatusSkipped, res.Blocks["b"].Status)
}

func TestPreValidationFailure(t *testing.T) {
	ops := newFakeOps()
	rt := newTestCtx(t, ops)

	b := startupBlock("a", nil, func(ctx context.Context, rt *Ctx, in Input) (Output, error) {
		t.Fatal("body must not run after pre-validation failure")
		return nil, nil
	})
	b.Validation = &Validation{
		Pre: []Predicate{{Container: &ContainerPredicate{ContainerID: "x.y", MustExist: true}}},
	}

	res, err := NewRunner(RunnerConfig{}).Execute(context.Background(), plan1(b), rt)
	require.Error(t, err)
	assert.ErrorIs(t, err, &apierr.Error{Code: apierr.CodeValidationPreFailed})
	assert.Equal(t, StatusFailed, res.Blocks["a"].Status)
}

func TestPostValidationFailure(t *testing.T) {
	ops := newFakeOps()
	rt := newTestCtx(t, ops)

	b := startupBlock("a", nil, func(ctx context.Context, rt *Ctx, in Input) (Output, error) {
		return Output{}, nil
	})
	b.Validation = &Validation{
		Post: []Predicate{{Container: &ContainerPredicate{ContainerID: "x.y", MinCount: 2}}},
	}

	_, err := NewRunner(RunnerConfig{}).Execute(context.Background(), plan1(b), rt)
	require.Error(t, err)
	assert.ErrorIs(t, err, &apierr.Error{Code: apierr.CodeValidationPostFailed})
}

func TestPageValidationPredicates(t *testing.T) {
	ops := newFakeOps()
	ops.set(func(f *fakeOps) {
		f.url = "https://www.xiaohongshu.com/search_result?keyword=tea"
		f.checkpoint = checkpoint.SearchReady
	})
	rt := newTestCtx(t, ops)

	b := startupBlock("a", nil, func(ctx context.Context, rt *Ctx, in Input) (Output, error) {
		return Output{}, nil
	})
	b.Validation = &Validation{Pre: []Predicate{
		{Page: &PagePredicate{HostIncludes: "xiaohongshu.com"}},
		{Page: &PagePredicate{CheckpointIn: []checkpoint.Checkpoint{checkpoint.SearchReady}}},
	}}

	_, err := NewRunner(RunnerConfig{}).Execute(context.Background(), plan1(b), rt)
	require.NoError(t, err)
}

func TestCheckpointRecoveryRetries(t *testing.T) {
	ops := newFakeOps()
	ops.set(func(f *fakeOps) { f.checkpoint = checkpoint.Unknown })
	rt := newTestCtx(t, ops)

	b := startupBlock("a", nil, func(ctx context.Context, rt *Ctx, in Input) (Output, error) {
		return Output{}, nil
	})
	b.Checkpoint = &CheckpointContract{
		Target: checkpoint.HomeReady,
		Recovery: Recovery{
			Attempts: 2,
			Actions:  []RecoveryAction{{Kind: RecoverPress, Key: "Escape"}},
		},
	}
	b.Timeout = 100 * time.Millisecond

	// recovery's second Escape "fixes" the page
	ops.set(func(f *fakeOps) {
		f.onPress = func(f *fakeOps, n int) {
			if n >= 2 {
				f.checkpoint = checkpoint.HomeReady
			}
		}
	})

	res, err := NewRunner(RunnerConfig{}).Execute(context.Background(), plan1(b), rt)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Blocks["a"].Status)
	assert.GreaterOrEqual(t, len(ops.pressed), 2)
}

func TestGuardErrorStopsPlanImmediately(t *testing.T) {
	ops := newFakeOps()
	ops.set(func(f *fakeOps) { f.ensureErr = apierr.RiskControlDetected("risk_control") })
	rt := newTestCtx(t, ops)

	b := startupBlock("a", nil, nil)
	b.Checkpoint = &CheckpointContract{
		Target:   checkpoint.HomeReady,
		Recovery: Recovery{Attempts: 5, Actions: []RecoveryAction{{Kind: RecoverPress, Key: "Escape"}}},
	}

	later := startupBlock("b", nil, func(ctx context.Context, rt *Ctx, in Input) (Output, error) {
		t.Fatal("plan must halt on a guard error")
		return nil, nil
	})

	res, err := NewRunner(RunnerConfig{}).Execute(context.Background(), &Plan{ID: "p", Blocks: []*Block{b, later}}, rt)
	require.Error(t, err)
	assert.ErrorIs(t, err, &apierr.Error{Code: apierr.CodeRiskControlDetected})
	// no recovery attempts were made for a guard
	assert.Empty(t, ops.pressed)
	assert.Equal(t, StatusSkipped, res.Blocks["b"].Status)
}

func TestRetryBudget(t *testing.T) {
	ops := newFakeOps()
	rt := newTestCtx(t, ops)

	attempts := 0
	b := startupBlock("a", nil, func(ctx context.Context, rt *Ctx, in Input) (Output, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("transient")
		}
		return Output{}, nil
	})
	b.Retry = 2

	res, err := NewRunner(RunnerConfig{}).Execute(context.Background(), plan1(b), rt)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, StatusSucceeded, res.Blocks["a"].Status)
}

func TestContainerEventTriggersBlock(t *testing.T) {
	ops := newFakeOps()
	rt := newTestCtx(t, ops)

	fired := make(chan struct{}, 1)
	b := &Block{
		ID:      "on-appear",
		Trigger: OnContainer("xiaohongshu_search.search_result_item", EventAppear),
		Timeout: time.Second,
		Run: func(ctx context.Context, rt *Ctx, in Input) (Output, error) {
			select {
			case fired <- struct{}{}:
			default:
			}
			return Output{}, nil
		},
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		ops.set(func(f *fakeOps) {
			f.counts["xiaohongshu_search.search_result_item"] = 3
			f.signatures["xiaohongshu_search.search_result_item"] = "sig-1"
		})
	}()

	runner := NewRunner(RunnerConfig{PollInterval: 10 * time.Millisecond, EventLoopBudget: 500 * time.Millisecond})
	res, err := runner.Execute(context.Background(), &Plan{ID: "p", Blocks: []*Block{b}}, rt)
	require.NoError(t, err)

	select {
	case <-fired:
	default:
		t.Fatal("appear trigger never fired")
	}
	assert.Equal(t, StatusSucceeded, res.Blocks["on-appear"].Status)
}

func TestOncePerAppearCollapsesBursts(t *testing.T) {
	ops := newFakeOps()
	ops.set(func(f *fakeOps) {
		f.counts["c.items"] = 1
		f.signatures["c.items"] = "sig-1"
	})
	rt := newTestCtx(t, ops)

	runs := 0
	b := &Block{
		ID:      "on-exist",
		Trigger: Trigger{Kind: TriggerContainerEvent, ContainerID: "c.items", Event: EventExist, OncePerAppear: true},
		Timeout: time.Second,
		Run: func(ctx context.Context, rt *Ctx, in Input) (Output, error) {
			runs++
			return Output{}, nil
		},
	}

	runner := NewRunner(RunnerConfig{PollInterval: 10 * time.Millisecond, EventLoopBudget: 200 * time.Millisecond})
	_, err := runner.Execute(context.Background(), &Plan{ID: "p", Blocks: []*Block{b}}, rt)
	require.NoError(t, err)
	assert.Equal(t, 1, runs, "exist fires every tick but oncePerAppear collapses the burst")
}

func TestPlanCancellationBetweenBlocks(t *testing.T) {
	ops := newFakeOps()
	rt := newTestCtx(t, ops)

	ctx, cancel := context.WithCancel(context.Background())
	plan := &Plan{ID: "p", Blocks: []*Block{
		startupBlock("a", nil, func(ctx context.Context, rt *Ctx, in Input) (Output, error) {
			cancel()
			return Output{}, nil
		}),
		startupBlock("b", nil, func(ctx context.Context, rt *Ctx, in Input) (Output, error) {
			t.Fatal("b must not run after cancellation")
			return nil, nil
		}),
	}}

	res, err := NewRunner(RunnerConfig{}).Execute(ctx, plan, rt)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Blocks["a"].Status)
	assert.Equal(t, StatusSkipped, res.Blocks["b"].Status)
}

func TestValidatePlanRejections(t *testing.T) {
	noop := func(ctx context.Context, rt *Ctx, in Input) (Output, error) { return Output{}, nil }

	// duplicate ids
	err := validatePlan(&Plan{ID: "p", Blocks: []*Block{
		startupBlock("a", nil, noop), startupBlock("a", nil, noop),
	}})
	assert.ErrorContains(t, err, "twice")

	// unknown dependency
	err = validatePlan(&Plan{ID: "p", Blocks: []*Block{startupBlock("a", []string{"ghost"}, noop)}})
	assert.ErrorContains(t, err, "unknown block")

	// dependency cycle
	err = validatePlan(&Plan{ID: "p", Blocks: []*Block{
		startupBlock("a", []string{"b"}, noop), startupBlock("b", []string{"a"}, noop),
	}})
	assert.ErrorContains(t, err, "cycle")

	// assert-and-observe the same container
	bad := &Block{
		ID:      "a",
		Trigger: OnContainer("x.anchor", EventAppear),
		Checkpoint: &CheckpointContract{
			ContainerID: "x.anchor",
			Target:      checkpoint.HomeReady,
		},
		Run: noop,
	}
	err = validatePlan(&Plan{ID: "p", Blocks: []*Block{bad}})
	assert.ErrorContains(t, err, "observes and asserts")

	// empty plan
	err = validatePlan(&Plan{ID: "p"})
	assert.ErrorContains(t, err, "no blocks")
}

func plan1(b *Block) *Plan {
	return &Plan{ID: "p", Blocks: []*Block{b}}
}
