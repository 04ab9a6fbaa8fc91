package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"trackshield/internal/browser"
	"trackshield/internal/cdphost"
	"trackshield/internal/config"
	"trackshield/internal/core"
	"trackshield/internal/dnr"
	"trackshield/internal/filterlist"
	"trackshield/internal/httpapi"
	"trackshield/internal/hub"
	"trackshield/internal/logger"
	"trackshield/internal/pool"
	"trackshield/internal/service"
	"trackshield/internal/stats"
	"trackshield/internal/storage"
	"trackshield/internal/storage/db"
	"trackshield/internal/storage/model"
	"trackshield/internal/storage/repo"
	"trackshield/pkg/api"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach to Chrome and start blocking",
	Long: `Starts the mitigation core: opens the local store, installs the ruleset for
the stored privacy mode, attaches to every page of the Chrome instance at
devtools.url (or launches one when devtools.launch is set) and serves the
decision page and JSON API on http.listen.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, v, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.New(logger.Options{Level: cfg.Log.Level, Writers: cfg.Log.Writer, File: cfg.Log.File})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.New(db.Options{Name: cfg.Sqlite.Db, Prefix: cfg.Sqlite.Prefix, Logger: db.NewLogger(log)})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close(gdb) }()
	if err := db.Migrate(gdb, model.All()...); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	store := storage.NewStore(gdb, log)
	events := repo.NewEventRepo(gdb, repo.EventRepoOptions{Cap: cfg.Core.EventCap, Logger: log})
	defer events.Stop()

	patterns, err := filterlist.Resolve(cfg.Filter.Patterns, cfg.Filter.ListPath)
	if err != nil {
		return fmt.Errorf("load tracker list: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := stats.NewRecorder(reg)

	engine := dnr.New()
	h := hub.New(log)
	host := &browserHost{Hub: h}

	ctrl := core.New(store, engine, events, host, core.Options{
		InterstitialURL:   cfg.Core.InterstitialURL,
		PreviewWindow:     cfg.Core.PreviewWindow,
		EnterOnceTTL:      cfg.Core.EnterOnceTTL,
		NotifyThrottle:    cfg.Core.NotifyThrottle,
		BadgeCeiling:      cfg.Core.BadgeCeiling,
		LocationCacheSize: cfg.Core.LocationCacheSize,
		Patterns:          patterns,
		Logger:            log,
		Recorder:          rec,
	})
	unlisten := engine.OnRuleMatched(ctrl.RuleMatchListener())
	defer unlisten()

	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = ctrl.Run(ctx)
	}()

	config.Watch(v, func(c *config.Config) {
		p, err := filterlist.Resolve(c.Filter.Patterns, c.Filter.ListPath)
		if err != nil {
			log.Err(err, "重新加载追踪器列表失败")
			return
		}
		log.Info("配置已变更，更新追踪器列表", "patterns", len(p))
		ctrl.SetPatterns(p)
	}, func(err error) {
		log.Err(err, "配置文件无效，忽略本次变更")
	})

	devtoolsURL := cfg.DevTools.URL
	if cfg.DevTools.Launch {
		b, err := browser.Start(ctx, browser.Options{
			ExecPath: cfg.DevTools.ExecPath,
			Headless: cfg.DevTools.Headless,
			Logger:   log,
		})
		if err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		defer func() { _ = b.Stop(3 * time.Second) }()
		devtoolsURL = b.DevToolsURL
	}

	wp := pool.New(cfg.DevTools.Concurrency, 0, log)
	wp.Start(ctx)
	defer wp.Stop()

	mgr := cdphost.New(cdphost.Options{
		DevToolsURL:     devtoolsURL,
		DecisionTimeout: cfg.Core.DecisionTimeout,
		InterstitialURL: cfg.Core.InterstitialURL,
		Pool:            wp,
		Logger:          log,
	}, ctrl, engine)
	host.setTabs(mgr)

	svc := api.NewService(service.Deps{Store: store, Ctrl: ctrl, Events: events, Rules: engine, Tabs: mgr, Logger: log})
	srv := httpapi.NewServer(svc, httpapi.Options{Hub: h, Metrics: stats.Handler(reg), Logger: log})

	errCh := make(chan error, 1)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(ctx, cfg.HTTP.Listen); err != nil {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		runBrowserLink(ctx, mgr, log)
	}()

	log.Info("trackshield 已启动", "devtools", devtoolsURL, "listen", cfg.HTTP.Listen, "interstitial", cfg.Core.InterstitialURL)

	select {
	case <-ctx.Done():
	case err = <-errCh:
		log.Err(err, "服务异常退出")
		stop()
	}
	wg.Wait()
	log.Info("trackshield 已停止")
	return err
}

// runBrowserLink 保持与浏览器的连接，断开后按固定间隔重连
func runBrowserLink(ctx context.Context, mgr *cdphost.Manager, log logger.Logger) {
	const retry = 2 * time.Second
	for {
		err := mgr.TestConnection(ctx)
		if err == nil {
			err = mgr.Run(ctx)
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("浏览器连接失败，稍后重试", "error", err.Error(), "retry", retry.String())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}
