package workflow

import (
	"context"
	"fmt"
	"strings"

	"webauto/internal/apierr"
	"webauto/internal/checkpoint"
)

// evalPredicates runs every clause of a validation list, reporting the
// first failure's reason. phase is "pre" or "post" and selects the error
// code (spec.md section 4.10).
func evalPredicates(ctx context.Context, rt *Ctx, blockID, phase string, preds []Predicate) error {
	for _, p := range preds {
		reason, err := evalPredicate(ctx, rt, p)
		if err != nil {
			return err
		}
		if reason == "" {
			continue
		}
		if phase == "pre" {
			return apierr.ValidationPreFailed(blockID, reason)
		}
		return apierr.ValidationPostFailed(blockID, reason)
	}
	return nil
}

// evalPredicate returns a non-empty human reason when the predicate fails,
// and a hard error only when the predicate could not be evaluated at all.
func evalPredicate(ctx context.Context, rt *Ctx, p Predicate) (string, error) {
	if p.Page != nil {
		if reason, err := evalPagePredicate(ctx, rt, p.Page); reason != "" || err != nil {
			return reason, err
		}
	}
	if p.Container != nil {
		if reason, err := evalContainerPredicate(rt, p.Container); reason != "" || err != nil {
			return reason, err
		}
	}
	return "", nil
}

func evalPagePredicate(ctx context.Context, rt *Ctx, p *PagePredicate) (string, error) {
	if p.HostIncludes != "" {
		url, err := rt.Input.CurrentURL()
		if err != nil {
			return "", err
		}
		if !strings.Contains(url, p.HostIncludes) {
			return fmt.Sprintf("url %q does not include host %q", url, p.HostIncludes), nil
		}
	}
	if len(p.CheckpointIn) > 0 {
		res, err := rt.Checkpoints.Detect(ctx)
		if err != nil {
			return "", err
		}
		if !checkpointIn(res.Checkpoint, p.CheckpointIn) {
			return fmt.Sprintf("checkpoint %s not in %v", res.Checkpoint, p.CheckpointIn), nil
		}
	}
	return "", nil
}

func evalContainerPredicate(rt *Ctx, p *ContainerPredicate) (string, error) {
	count, err := rt.Containers.Count(p.ContainerID)
	if err != nil {
		return "", err
	}
	if p.MustExist && count == 0 {
		return fmt.Sprintf("container %s does not exist", p.ContainerID), nil
	}
	if p.MinCount > 0 && count < p.MinCount {
		return fmt.Sprintf("container %s count %d below minimum %d", p.ContainerID, count, p.MinCount), nil
	}
	return "", nil
}

func checkpointIn(c checkpoint.Checkpoint, set []checkpoint.Checkpoint) bool {
	for _, s := range set {
		if s == c {
			return true
		}
	}
	return false
}
