package commands

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/bigbes/awg-xui-reconciler/internal/config"
	"github.com/bigbes/awg-xui-reconciler/internal/observer"
	"github.com/bigbes/awg-xui-reconciler/internal/reconcile"
	"github.com/bigbes/awg-xui-reconciler/internal/telegram"
)

const logo = `
    _ __      ______     _  __ __  ______
   / \\ \    / / ___|   \ \/ / | | |_ _|
  / _ \\ \/\/ / |  _ ___ \  /| | | || |
 / ___ \\_/\_/| |_| |___|/  \| |_| || |
/_/   \_\     \____|    /_/\_\\___/|___|
   ~~ awg-xui-reconciler ~~`

func Run(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	e := mustOpen(*configPath, logger)
	defer e.Close()
	logger = e.logger
	cfg := e.cfg

	fmt.Println(logo)
	logger.Info("starting awg-xui-reconciler",
		"config", *configPath,
		"executor", cfg.Executor.Mode,
		"panel", cfg.Panel.Enabled,
		"interval", cfg.SyncInterval())
	if bi, ok := debug.ReadBuildInfo(); ok {
		var buildAttrs []any
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs", "vcs.revision", "vcs.time", "vcs.modified":
				buildAttrs = append(buildAttrs, s.Key, s.Value)
			}
		}
		if len(buildAttrs) > 0 {
			logger.Info("build info", buildAttrs...)
		}
	}

	loc, _ := cfg.Location()
	sched, err := reconcile.NewScheduler(e.engine, cfg.Sync.OrphanSchedule, cfg.RestartSpec(), loc, logger)
	if err != nil {
		e.exit("failed to create scheduler", err)
	}

	var obs *observer.Observer
	if cfg.Telegram.Enabled {
		bot := telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.ChatID)
		obs = observer.New(bot, e.engine, observer.Options{
			Interval:     time.Duration(cfg.Telegram.Interval) * time.Second,
			AllowedUsers: cfg.Telegram.AllowedUsers,
			Logger:       logger,
		})
		e.engine.SetNotifier(obs)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.engine.Run(gctx, cfg.SyncInterval())
	})
	if sched.Jobs() > 0 {
		g.Go(func() error { return sched.Run(gctx) })
	}
	if obs != nil {
		g.Go(func() error { return obs.Run(gctx) })
	}
	if srv := observabilityServer(cfg.ObservabilityHTTP); srv != nil {
		g.Go(func() error {
			logger.Info("starting observability server",
				"addr", srv.Addr, "pprof", cfg.ObservabilityHTTP.Pprof, "metrics", cfg.ObservabilityHTTP.Metrics)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("observability server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	if err := g.Wait(); err != nil {
		e.exit("reconciler error", err)
	}
	logger.Info("reconciler stopped")
}

func observabilityServer(obs config.ObservabilityHTTPConfig) *http.Server {
	if obs.Addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	if obs.Pprof {
		// Re-register pprof handlers on our mux (net/http/pprof init registers on DefaultServeMux).
		mux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
	}
	if obs.Metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return &http.Server{
		Addr:              obs.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
