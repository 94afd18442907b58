package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Driftcell/goofish-v2/internal/agiso"
	"github.com/Driftcell/goofish-v2/internal/ai"
	"github.com/Driftcell/goofish-v2/internal/api"
	"github.com/Driftcell/goofish-v2/internal/config"
	"github.com/Driftcell/goofish-v2/internal/ctrip"
	"github.com/Driftcell/goofish-v2/internal/im"
	"github.com/Driftcell/goofish-v2/internal/ingest"
	"github.com/Driftcell/goofish-v2/internal/model"
	"github.com/Driftcell/goofish-v2/internal/objstore"
	"github.com/Driftcell/goofish-v2/internal/pipeline"
	"github.com/Driftcell/goofish-v2/internal/pkg/dedup"
	"github.com/Driftcell/goofish-v2/internal/pkg/logger"
	"github.com/Driftcell/goofish-v2/internal/pkg/ratelimit"
	"github.com/Driftcell/goofish-v2/internal/reconcile"
	"github.com/Driftcell/goofish-v2/internal/report"
	"github.com/Driftcell/goofish-v2/internal/scheduler"
	"github.com/Driftcell/goofish-v2/internal/session"
	"github.com/Driftcell/goofish-v2/internal/store"
)

// main 是服务入口。
//
// 它负责：
// 1. 加载配置并初始化日志
// 2. 连接 MySQL / Redis / 对象存储并启动浏览器
// 3. 组装流水线、调度对账器与会话自动化监督器
// 4. 启动 HTTP 管理接口并处理优雅退出
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.MySQL.DSN)
	if err != nil {
		appLogger.Error("open store failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Error("connect redis failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	storage, err := objstore.New(ctx, cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.Bucket, cfg.Minio.UseSSL)
	if err != nil {
		appLogger.Error("connect object storage failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	browser, err := session.StartBrowser(ctx, cfg.Browser, appLogger)
	if err != nil {
		appLogger.Error("start browser failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	checker := session.NewChecker(browser, cfg.Ctrip.Entrypoint, appLogger)

	// 图片摄取：Redis 去重窗口 + 固定 worker 池。
	deduper := dedup.New(rdb, "imgurl", cfg.App.DedupWindow)
	fetcher := ingest.NewFetcher(storage, deduper)
	pool := ingest.NewPool(cfg.App.IngestWorkers, cfg.App.IngestCapacity, fetcher.Process, appLogger)
	pool.Start(ctx)

	limiter := ratelimit.New(rdb, "ctrip", cfg.App.RateLimit, int(cfg.App.RateBurst))
	scraper := ctrip.NewScraper(st, appLogger)
	titles := ai.New(cfg.AI, rdb)
	reporter := report.NewSender(cfg.Email, appLogger)

	newCtrip := func(cookieHeader, allianceID, sid string) ctrip.API {
		return ctrip.NewClient(cfg.Ctrip, cookieHeader, allianceID, sid, limiter)
	}
	newMarket := func(cookieHeader, bearer string) pipeline.Market {
		client := agiso.NewClient(cfg.Agiso, cookieHeader, bearer, cfg.App.PublishRate)
		return agiso.NewMarket(client, storage, appLogger)
	}
	runner := pipeline.NewRunner(st, pool, scraper, titles, checker, newCtrip, newMarket, cfg.App.CityName, appLogger)

	sched := scheduler.New(appLogger)
	reconciler := reconcile.New(st, sched, func(token string) scheduler.Job {
		return func(jobCtx context.Context) {
			refreshTenantCredentials(jobCtx, st, checker, token, appLogger)

			summary, err := runner.Run(jobCtx, token)
			if err != nil {
				appLogger.Error("pipeline run failed",
					slog.String("tenant", token),
					slog.String("error", err.Error()))
				return
			}
			sendRunReport(jobCtx, st, reporter, token, summary, appLogger)
		}
	}, appLogger)

	// 启动时把已有租户的配置落实为调度任务。
	if err := reconciler.ReconcileAll(ctx); err != nil {
		appLogger.Warn("initial reconcile failed", slog.String("error", err.Error()))
	}

	supervisor := im.NewSupervisor(st, func(tenant *model.Tenant) session.Driver {
		return session.NewGoofishDriver(browser, tenant.GoofishCookies, appLogger)
	}, appLogger)
	supervisor.PollInterval = cfg.App.SupervisorPoll
	supervisor.Configure = func(e *im.Engine) {
		e.WatchInterval = cfg.App.WatcherInterval
		e.WatchdogInterval = cfg.App.WatchdogInterval
		e.ReplyDebounce = cfg.App.ReplyDebounce
	}
	supervisorDone := make(chan struct{})
	go func() {
		supervisor.Run(ctx)
		close(supervisorDone)
	}()

	srv := api.NewServer(cfg, appLogger, st, rdb, storage, reconciler, checker)
	httpServer := &http.Server{
		Addr:    cfg.App.HTTPAddr,
		Handler: srv.Router(),
	}
	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}

	sched.StopAll()
	<-supervisorDone
	pool.Stop()

	if err := rdb.Close(); err != nil {
		appLogger.Error("close redis failed", slog.String("error", err.Error()))
	}
	if sqlDB, err := st.DB().DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// refreshTenantCredentials 每轮执行前用租户的真实会话刷新运行时凭证：
// 闲鱼会话换取上架工具令牌，携程会话提取该租户的联盟推广参数。
// 任一刷新失败时沿用已存的值继续执行。
func refreshTenantCredentials(ctx context.Context, st *store.Store, checker *session.Checker, token string, log *slog.Logger) {
	tenant, err := st.GetTenant(ctx, token)
	if err != nil {
		log.Warn("load tenant for credential refresh failed", slog.String("tenant", token), slog.String("error", err.Error()))
		return
	}

	bearer, err := checker.AgisoToken(ctx, tenant.GoofishCookies)
	if err != nil {
		log.Warn("refresh agiso token failed", slog.String("tenant", token), slog.String("error", err.Error()))
	} else if err := st.SetTenantAgisoToken(ctx, token, bearer); err != nil {
		log.Warn("persist agiso token failed", slog.String("tenant", token), slog.String("error", err.Error()))
	}

	allianceID, sid, err := checker.AllianceParams(ctx, tenant.CtripCookies)
	if err != nil {
		log.Warn("refresh alliance params failed", slog.String("tenant", token), slog.String("error", err.Error()))
		return
	}
	if err := st.SetTenantAllianceParams(ctx, token, allianceID, sid); err != nil {
		log.Warn("persist alliance params failed", slog.String("tenant", token), slog.String("error", err.Error()))
	}
}

// sendRunReport 按租户配置的收件地址发送执行摘要。
func sendRunReport(ctx context.Context, st *store.Store, reporter *report.Sender, token string, summary *pipeline.RunSummary, log *slog.Logger) {
	snapshot, err := st.BuildConfigSnapshot(ctx, token)
	if err != nil {
		log.Warn("load config for report failed", slog.String("tenant", token), slog.String("error", err.Error()))
		return
	}
	if err := reporter.SendRunReport(snapshot.ReportEmail(), summary); err != nil {
		log.Warn("send run report failed", slog.String("tenant", token), slog.String("error", err.Error()))
	}
}
