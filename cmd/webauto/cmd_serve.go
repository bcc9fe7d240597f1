package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"webauto/internal/api"
	"webauto/internal/browser"
	"webauto/internal/bus"
	"webauto/internal/checkpoint"
	"webauto/internal/container"
)

var servePlatform string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Unified API and Browser Service",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := container.NewRegistry(cfg.Containers.LibraryDir)
		if err := registry.Load(); err != nil {
			return fmt.Errorf("loading container library: %w", err)
		}
		if cfg.Containers.HotReload {
			if err := registry.Watch(); err != nil {
				logger.Warn("container hot-reload unavailable", zap.Error(err))
			} else {
				defer registry.StopWatch()
			}
		}

		manager := browser.NewManager(browser.ManagerConfig{
			ProfilesRoot: cfg.Profiles.Root,
			CookiesRoot:  cfg.Profiles.CookiesDir,
			Stealth:      cfg.Browser.Stealth,
		})
		defer manager.Shutdown()

		eventBus := bus.New()
		manager.SetSink(eventBus)

		detector := checkpoint.FromRegistry(registry, servePlatform)
		dispatcher := api.NewDispatcher(cfg, manager, registry, detector, eventBus)

		server := api.NewServer(dispatcher, eventBus)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		browserService := api.NewBrowserService(dispatcher, eventBus, stop)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.Start(fmt.Sprintf(":%d", cfg.Server.APIPort))
		})
		g.Go(func() error {
			return browserService.Start(
				fmt.Sprintf(":%d", cfg.Server.BrowserServiceHTTPPort),
				fmt.Sprintf(":%d", cfg.Server.BrowserServiceWSPort))
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = server.Stop(shutdownCtx)
			_ = browserService.Stop(shutdownCtx)
			return nil
		})

		logger.Info("webauto serving",
			zap.Int("api_port", cfg.Server.APIPort),
			zap.Int("browser_http_port", cfg.Server.BrowserServiceHTTPPort),
			zap.Int("browser_ws_port", cfg.Server.BrowserServiceWSPort))

		if err := g.Wait(); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&servePlatform, "platform", "xiaohongshu", "platform prefix for the checkpoint detector's probe set")
}
