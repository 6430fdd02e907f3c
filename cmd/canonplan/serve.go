package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	appLog "canonplan/internal/log"
	"canonplan/internal/scheduler"
	"canonplan/internal/telemetry"
	"canonplan/internal/web"
)

var (
	serveListen     string
	serveRefreshNow bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Refresh plans on schedule and serve them over HTTP",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveListen != "" {
			cfg.Listen = serveListen
		}

		shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := contextWithTimeout(5 * time.Second)
			defer cancel()
			if err := shutdownTracing(sctx); err != nil {
				appLog.Warn("tracing shutdown failed", "err", err)
			}
		}()

		a, err := newApp(cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		appLog.Info("effective config",
			"listen", cfg.Listen,
			"timezone", cfg.Timezone,
			"refresh", cfg.RefreshCron,
			"users", len(cfg.Users),
			"embedding", !cfg.Embedding.Disabled,
			"local_fallback", cfg.Oracle.LocalFallback,
		)

		sched, err := scheduler.New(cfg.RefreshCron, cfg.Location(nil), a.pipe, a.users, cfg.Concurrency)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return web.NewServer(cfg, a.store, a.runs).Serve(gctx)
		})
		g.Go(func() error {
			if err := sched.Start(gctx); err != nil {
				return err
			}
			if serveRefreshNow {
				if err := sched.RunAll(gctx); err != nil {
					appLog.Warn("initial refresh finished with errors", "err", err)
				}
			}
			<-gctx.Done()
			<-sched.Stop().Done()
			return nil
		})
		if err := g.Wait(); err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		appLog.Info("canonplan exiting")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "override listen address")
	serveCmd.Flags().BoolVar(&serveRefreshNow, "refresh-now", true, "refresh every user once at startup")
}
