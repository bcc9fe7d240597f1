package workflow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"webauto/internal/apierr"
	"webauto/internal/checkpoint"
	"webauto/internal/logging"
	"webauto/internal/state"
)

// PhaseContainers names the container ids the harvest phases operate
// through. Defaults target the xiaohongshu library; other platforms
// substitute their own ids.
type PhaseContainers struct {
	SearchBox        string
	SearchResultItem string
	CommentItem      string
	BackButton       string
}

// XiaohongshuContainers is the default container binding for the xhs library.
func XiaohongshuContainers() PhaseContainers {
	return PhaseContainers{
		SearchBox:        "xiaohongshu_home.search_box",
		SearchResultItem: "xiaohongshu_search.search_result_item",
		CommentItem:      "xiaohongshu_detail.comment_item",
		BackButton:       "xiaohongshu_detail.back_button",
	}
}

// HarvestParams parameterizes a harvest plan.
type HarvestParams struct {
	Keyword     string
	TargetCount int
	Shard       state.ShardSpec
	DetailBase  string // e.g. https://www.xiaohongshu.com
}

// noteHexPattern validates a stored noteId: lowercase hex, as extracted
// from the detail path.
var noteHexPattern = regexp.MustCompile(`^[0-9a-f]+$`)

// NewHarvestPlan composes the standard four-phase harvest:
// start profile -> collect links -> validate links -> harvest comments.
func NewHarvestPlan(planID string, containers PhaseContainers, params HarvestParams) *Plan {
	return &Plan{
		ID: planID,
		Blocks: []*Block{
			Phase1StartProfileBlock(),
			Phase2CollectLinksBlock(containers, params),
			Phase34ValidateLinksBlock(params),
			Phase3HarvestCommentsBlock(containers, params),
		},
	}
}

// Phase1StartProfileBlock asserts the session landed on a usable home page
// and stamps the run state as started. The session itself is created
// before the plan runs; viewport sizing is left to the Browser Session's
// SetViewport (a fixed 3840x2160 clamp), not a hard-coded geometry.
func Phase1StartProfileBlock() *Block {
	return &Block{
		ID:      "phase1_start_profile",
		Trigger: Startup(),
		Checkpoint: &CheckpointContract{
			Target: checkpoint.HomeReady,
			Recovery: Recovery{
				Attempts: 2,
				Actions: []RecoveryAction{
					{Kind: RecoverPress, Key: "Escape"},
					{Kind: RecoverWait, Wait: time.Second},
				},
			},
		},
		Timeout:   30 * time.Second,
		Impact:    ImpactOp,
		OnFailure: FailStopAll,
		Run: func(ctx context.Context, rt *Ctx, _ Input) (Output, error) {
			st, err := rt.State.LoadState()
			if err != nil {
				return nil, err
			}
			st.Status = state.StatusRunning
			st.Resume.LastStep = "phase1_start_profile"
			if err := rt.State.SaveState(st); err != nil {
				return nil, err
			}
			url, err := rt.Input.CurrentURL()
			if err != nil {
				return nil, err
			}
			return Output{"url": url}, nil
		},
	}
}

// Phase2CollectLinksBlock scrolls the search results page collecting note
// links until the target count is reached. Drift recovery is strict: if
// the page leaves search_ready mid-collection the block fails rather than
// refreshing (the refresh-based fallback variant is deliberately not
// implemented).
func Phase2CollectLinksBlock(containers PhaseContainers, params HarvestParams) *Block {
	return &Block{
		ID:        "phase2_collect_links",
		DependsOn: []string{"phase1_start_profile"},
		Trigger:   Startup(),
		Validation: &Validation{
			Pre: []Predicate{
				{Container: &ContainerPredicate{ContainerID: containers.SearchResultItem, MustExist: true}},
			},
		},
		Checkpoint: &CheckpointContract{
			Target: checkpoint.SearchReady,
			Recovery: Recovery{
				Attempts: 1,
				Actions:  []RecoveryAction{{Kind: RecoverPress, Key: "Escape"}},
			},
		},
		Timeout: 5 * time.Minute,
		Pacing: Pacing{
			OperationMinInterval: 800 * time.Millisecond,
			Jitter:               300 * time.Millisecond,
		},
		Impact:    ImpactOp,
		OnFailure: FailChainStop,
		Run: func(ctx context.Context, rt *Ctx, _ Input) (Output, error) {
			st, err := rt.State.LoadState()
			if err != nil {
				return nil, err
			}
			st.Resume.LastStep = "phase2_collect_links"
			st.ListCollection.TargetCount = params.TargetCount
			st.Shard = params.Shard

			seen := make(map[string]bool, len(st.ListCollection.CollectedNoteIDs))
			for _, id := range st.ListCollection.CollectedNoteIDs {
				seen[id] = true
			}

			searchURL, err := rt.Input.CurrentURL()
			if err != nil {
				return nil, err
			}

			stalled := 0
			for len(seen) < params.TargetCount && stalled < 3 {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}

				// strict drift policy: any departure from search_ready fails
				res, err := rt.Checkpoints.Detect(ctx)
				if err != nil {
					return nil, err
				}
				if res.Checkpoint != checkpoint.SearchReady {
					return nil, fmt.Errorf("drifted off search results to %s during collection", res.Checkpoint)
				}

				rows, err := rt.Input.ExtractContainer(ctx, containers.SearchResultItem, []string{"href", "title"}, 0)
				if err != nil {
					return nil, err
				}

				added := 0
				for _, row := range rows {
					noteID := state.NoteIDFromURL(row["href"])
					if noteID == "" || seen[noteID] {
						continue
					}
					seen[noteID] = true
					st.ListCollection.CollectedNoteIDs = append(st.ListCollection.CollectedNoteIDs, noteID)
					if err := rt.State.AppendLink(state.LinkRecord{
						NoteID:    noteID,
						Title:     row["title"],
						URL:       absoluteURL(params.DetailBase, row["href"]),
						SearchURL: searchURL,
						Keyword:   params.Keyword,
						ListIndex: len(st.ListCollection.CollectedNoteIDs) - 1,
					}); err != nil {
						return nil, err
					}
					added++
					if len(seen) >= params.TargetCount {
						break
					}
				}

				if err := rt.State.SaveState(st); err != nil {
					return nil, err
				}

				if len(seen) >= params.TargetCount {
					break
				}
				if added == 0 {
					stalled++
				} else {
					stalled = 0
				}
				if err := rt.Input.ScrollContainer(ctx, "", "down", 800); err != nil {
					logging.Get(logging.CategoryWorkflow).Debug("scroll during collection: %v", err)
					stalled++
				}
			}

			return Output{
				"collected": len(seen),
				"noteIds":   append([]string(nil), st.ListCollection.CollectedNoteIDs...),
			}, nil
		},
	}
}

// Phase34ValidateLinksBlock re-reads the collected link records and drops
// malformed rows. No keyword filter is applied to the stored searchUrl:
// shell-page collection can legitimately produce non-/search_result URLs.
func Phase34ValidateLinksBlock(params HarvestParams) *Block {
	return &Block{
		ID:        "phase34_validate_links",
		DependsOn: []string{"phase2_collect_links"},
		Trigger:   Startup(),
		Timeout:   time.Minute,
		Impact:    ImpactScript,
		OnFailure: FailChainStop,
		Run: func(ctx context.Context, rt *Ctx, _ Input) (Output, error) {
			links, err := rt.State.Links()
			if err != nil {
				return nil, err
			}

			valid := make([]string, 0, len(links))
			dropped := 0
			for _, l := range links {
				if !noteHexPattern.MatchString(l.NoteID) || !strings.Contains(l.URL, "/explore/"+l.NoteID) {
					dropped++
					continue
				}
				valid = append(valid, l.NoteID)
			}

			st, err := rt.State.LoadState()
			if err != nil {
				return nil, err
			}
			st.Resume.LastStep = "phase34_validate_links"
			if err := rt.State.SaveState(st); err != nil {
				return nil, err
			}

			logging.Get(logging.CategoryWorkflow).Info("validated %d links (%d dropped) for %s", len(valid), dropped, params.Keyword)
			return Output{"validNoteIds": valid, "dropped": dropped}, nil
		},
	}
}

// Phase3HarvestCommentsBlock visits each collected note in this shard's
// slice and harvests its comment rows, deduplicating by like signature so
// a resumed run appends nothing it has already recorded.
func Phase3HarvestCommentsBlock(containers PhaseContainers, params HarvestParams) *Block {
	return &Block{
		ID:        "phase3_harvest_comments",
		DependsOn: []string{"phase34_validate_links"},
		Trigger:   Startup(),
		Timeout:   15 * time.Minute,
		Pacing: Pacing{
			OperationMinInterval:  time.Second,
			Jitter:                400 * time.Millisecond,
			NavigationMinInterval: 2 * time.Second,
		},
		Impact:    ImpactOp,
		OnFailure: FailContinue,
		Run: func(ctx context.Context, rt *Ctx, input Input) (Output, error) {
			noteIDs := stringsFromOutput(input["phase34_validate_links"], "validNoteIds")
			owned := params.Shard.Filter(noteIDs)
			logging.Get(logging.CategoryWorkflow).Info("shard %d/%d owns %d of %d notes",
				params.Shard.Index, params.Shard.Count, len(owned), len(noteIDs))

			harvested := 0
			for _, noteID := range owned {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}

				url := fmt.Sprintf("%s/explore/%s", strings.TrimRight(params.DetailBase, "/"), noteID)
				if err := rt.Input.Goto(ctx, url); err != nil {
					logging.Get(logging.CategoryWorkflow).Warn("navigation to %s failed: %v", noteID, err)
					continue
				}

				if _, err := rt.Checkpoints.Ensure(ctx, checkpoint.CommentsReady, checkpoint.EnsureOptions{
					Timeout:                 15 * time.Second,
					AllowOneLevelUpFallback: true,
				}); err != nil {
					// guard errors abort the whole block; anything else skips the note
					if cp, guarded := guardFromError(err); guarded {
						logging.Get(logging.CategoryWorkflow).Warn("guard %s during harvest, stopping", cp)
						return nil, err
					}
					continue
				}

				rows, err := rt.Input.ExtractContainer(ctx, containers.CommentItem, []string{"text", "userId", "userName"}, 0)
				if err != nil {
					continue
				}
				for _, row := range rows {
					sig := state.LikeSignature(noteID, row["userId"], row["userName"], row["text"])
					seen, err := rt.State.LikeSeen(sig)
					if err != nil {
						return nil, err
					}
					if seen {
						continue
					}
					if err := rt.State.AppendComment(noteID, state.CommentRecord{
						NoteID:   noteID,
						UserID:   row["userId"],
						UserName: row["userName"],
						Text:     row["text"],
					}); err != nil {
						return nil, err
					}
					if err := rt.State.RecordLike(sig); err != nil {
						return nil, err
					}
				}
				harvested++

				// leave the detail overlay the way a user would
				if err := rt.Input.Press("Escape"); err != nil {
					logging.Get(logging.CategoryWorkflow).Debug("escape after %s: %v", noteID, err)
				}
			}

			st, err := rt.State.LoadState()
			if err != nil {
				return nil, err
			}
			st.Status = state.StatusCompleted
			st.Resume.LastStep = "phase3_harvest_comments"
			if err := rt.State.SaveState(st); err != nil {
				return nil, err
			}

			return Output{"harvested": harvested, "owned": len(owned)}, nil
		},
	}
}

func stringsFromOutput(out Output, key string) []string {
	if out == nil {
		return nil
	}
	switch v := out[key].(type) {
	case []string:
		return v
	case []any:
		res := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				res = append(res, s)
			}
		}
		return res
	default:
		return nil
	}
}

func guardFromError(err error) (string, bool) {
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		return "", false
	}
	switch ae.Code {
	case apierr.CodeLoginGuardDetected:
		return "login_guard", true
	case apierr.CodeRiskControlDetected:
		return "risk_control", true
	default:
		return "", false
	}
}

func absoluteURL(base, href string) string {
	if href == "" || strings.HasPrefix(href, "http") {
		return href
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(href, "/")
}
