package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"webauto/internal/apierr"
	"webauto/internal/browser"
	"webauto/internal/bus"
	"webauto/internal/checkpoint"
	"webauto/internal/container"
	"webauto/internal/operation"
	"webauto/internal/state"
	"webauto/internal/workflow"
)

var (
	wfPlanFile   string
	wfProfile    string
	wfKeyword    string
	wfPlatform   string
	wfEnv        string
	wfURL        string
	wfTarget     int
	wfHeadless   bool
	wfShardIndex int
	wfShardCount int
	wfShardBy    string
)

// planFile is the on-disk shape of a harvest plan. Flags override any
// field the file sets.
type planFile struct {
	Profile  string `yaml:"profile"`
	Keyword  string `yaml:"keyword"`
	Platform string `yaml:"platform"`
	Env      string `yaml:"env"`
	URL      string `yaml:"url"`
	Target   int    `yaml:"target"`
	Headless bool   `yaml:"headless"`
	Shard    struct {
		Index int    `yaml:"index"`
		Count int    `yaml:"count"`
		By    string `yaml:"by"`
	} `yaml:"shard"`
}

// applyPlanFile folds a plan file into the flag variables, keeping any
// value the operator set explicitly on the command line.
func applyPlanFile(cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading plan file: %w", err)
	}
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parsing plan file: %w", err)
	}

	set := func(flag string) bool { return cmd.Flags().Changed(flag) }
	if !set("profile") && pf.Profile != "" {
		wfProfile = pf.Profile
	}
	if !set("keyword") && pf.Keyword != "" {
		wfKeyword = pf.Keyword
	}
	if !set("platform") && pf.Platform != "" {
		wfPlatform = pf.Platform
	}
	if !set("env") && pf.Env != "" {
		wfEnv = pf.Env
	}
	if !set("url") && pf.URL != "" {
		wfURL = pf.URL
	}
	if !set("target") && pf.Target > 0 {
		wfTarget = pf.Target
	}
	if !set("headless") {
		wfHeadless = pf.Headless
	}
	if !set("shard-index") && pf.Shard.Count > 0 {
		wfShardIndex = pf.Shard.Index
	}
	if !set("shard-count") && pf.Shard.Count > 0 {
		wfShardCount = pf.Shard.Count
	}
	if !set("shard-by") && pf.Shard.By != "" {
		wfShardBy = pf.Shard.By
	}
	if wfProfile == "" || wfKeyword == "" {
		return fmt.Errorf("plan file must provide profile and keyword (or pass --profile/--keyword)")
	}
	return nil
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Run harvest plans",
}

var workflowRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the four-phase harvest plan for one keyword",
	RunE: func(cmd *cobra.Command, args []string) error {
		if wfPlanFile != "" {
			if err := applyPlanFile(cmd, wfPlanFile); err != nil {
				return err
			}
		} else if wfProfile == "" || wfKeyword == "" {
			return fmt.Errorf("--profile and --keyword are required (or pass --plan)")
		}

		shard := state.ShardSpec{Index: wfShardIndex, Count: wfShardCount, By: state.ShardBy(wfShardBy)}
		if err := shard.Validate(); err != nil {
			return err
		}

		registry := container.NewRegistry(cfg.Containers.LibraryDir)
		if err := registry.Load(); err != nil {
			return fmt.Errorf("loading container library: %w", err)
		}

		manager := browser.NewManager(browser.ManagerConfig{
			ProfilesRoot: cfg.Profiles.Root,
			CookiesRoot:  cfg.Profiles.CookiesDir,
			Stealth:      cfg.Browser.Stealth,
		})
		defer manager.Shutdown()

		eventBus := bus.New()
		manager.SetSink(eventBus)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sess, err := manager.Create(ctx, wfProfile, browser.StartOptions{
			URL:      wfURL,
			Headless: wfHeadless,
			Viewport: browser.Viewport{W: cfg.Browser.ViewportWidth, H: cfg.Browser.ViewportHeight},
		})
		if err != nil {
			return err
		}
		manager.Cookies().AutosaveStart(wfProfile, cfg.Cookies.AutosaveIntervalMs, cfg.Cookies.MinDelayMs, sess.Cookies)

		dir, err := state.NewDir(cfg.Profiles.DownloadRoot, wfPlatform, wfEnv, wfKeyword)
		if err != nil {
			return err
		}

		matcher := container.NewMatcher(registry)
		ops := &workflow.LiveOps{
			Session:           sess,
			Matcher:           matcher,
			Executor:          operation.NewExecutor(matcher),
			Detector:          checkpoint.FromRegistry(registry, wfPlatform),
			NavigationTimeout: cfg.GetNavigationTimeout(),
		}

		params := workflow.HarvestParams{
			Keyword:     wfKeyword,
			TargetCount: wfTarget,
			Shard:       shard,
			DetailBase:  "https://www.xiaohongshu.com",
		}
		plan := workflow.NewHarvestPlan(fmt.Sprintf("harvest-%s", wfKeyword), workflow.XiaohongshuContainers(), params)

		runner := workflow.NewRunner(workflow.RunnerConfig{
			GraceWindow: cfg.GetCancelGraceWindow(),
			DefaultPacing: workflow.Pacing{
				OperationMinInterval:  time.Duration(cfg.Workflow.OperationMinIntervalMs) * time.Millisecond,
				EventCooldown:         time.Duration(cfg.Workflow.EventCooldownMs) * time.Millisecond,
				Jitter:                time.Duration(cfg.Workflow.JitterMs) * time.Millisecond,
				NavigationMinInterval: time.Duration(cfg.Workflow.NavigationMinIntervalMs) * time.Millisecond,
			},
		})

		rt := &workflow.Ctx{
			PlanID:      plan.ID,
			ProfileID:   wfProfile,
			Checkpoints: ops,
			Containers:  ops,
			Input:       ops,
			Bus:         eventBus,
			State:       dir,
			Params:      map[string]any{"keyword": wfKeyword},
		}

		result, err := runner.Execute(ctx, plan, rt)
		if err != nil {
			if cfg.Logging.DebugArtifacts && result != nil {
				writeTraceBundle(dir, sess, plan, result, err)
			}
			// guard errors leave the session intact for manual intervention
			var ae *apierr.Error
			if errors.As(err, &ae) &&
				(ae.Code == apierr.CodeLoginGuardDetected || ae.Code == apierr.CodeRiskControlDetected) {
				logger.Warn("plan halted by guard; session left alive", zap.String("code", string(ae.Code)))
				fmt.Fprintf(os.Stderr, "%s\n", ae.Code)
				os.Exit(2)
			}
			return err
		}

		for _, b := range plan.Blocks {
			br := result.Blocks[b.ID]
			fmt.Printf("%-28s %s\n", b.ID, br.Status)
		}
		return nil
	},
}

// writeTraceBundle captures the failing plan's block statuses and a final
// screenshot under the keyword directory's phase-error tree (spec.md
// section 7, user-visible failure).
func writeTraceBundle(dir *state.Dir, sess *browser.BrowserSession, plan *workflow.Plan, result *workflow.PlanResult, planErr error) {
	bundle, err := dir.ErrorBundleDir(0, "plan")
	if err != nil {
		logger.Warn("trace bundle dir", zap.Error(err))
		return
	}

	var report strings.Builder
	fmt.Fprintf(&report, "plan: %s\nerror: %v\n\n", plan.ID, planErr)
	for _, b := range plan.Blocks {
		br := result.Blocks[b.ID]
		fmt.Fprintf(&report, "%-28s %s", b.ID, br.Status)
		if br.Err != nil {
			fmt.Fprintf(&report, "  %v", br.Err)
		}
		report.WriteString("\n")
	}
	if err := os.WriteFile(filepath.Join(bundle, "trace.txt"), []byte(report.String()), 0644); err != nil {
		logger.Warn("trace bundle write", zap.Error(err))
	}

	if cfg.Logging.DebugScreenshot {
		if png, err := sess.Screenshot(false); err == nil {
			_ = os.WriteFile(filepath.Join(bundle, "final.png"), png, 0644)
		}
	}
}

func init() {
	workflowRunCmd.Flags().StringVar(&wfPlanFile, "plan", "", "YAML plan file; flags override its fields")
	workflowRunCmd.Flags().StringVar(&wfProfile, "profile", "", "profileId (platform_variant[_NN])")
	workflowRunCmd.Flags().StringVar(&wfKeyword, "keyword", "", "search keyword")
	workflowRunCmd.Flags().StringVar(&wfPlatform, "platform", "xiaohongshu", "platform name")
	workflowRunCmd.Flags().StringVar(&wfEnv, "env", "prod", "environment name for the artifact directory")
	workflowRunCmd.Flags().StringVar(&wfURL, "url", "https://www.xiaohongshu.com/explore", "initial URL")
	workflowRunCmd.Flags().IntVar(&wfTarget, "target", 50, "link collection target count")
	workflowRunCmd.Flags().BoolVar(&wfHeadless, "headless", false, "run the browser headless")
	workflowRunCmd.Flags().IntVar(&wfShardIndex, "shard-index", 0, "this worker's shard index")
	workflowRunCmd.Flags().IntVar(&wfShardCount, "shard-count", 1, "total shard count")
	workflowRunCmd.Flags().StringVar(&wfShardBy, "shard-by", "noteId-hash", "shard partition: noteId-hash or index-mod")
	workflowCmd.AddCommand(workflowRunCmd)
}
