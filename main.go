package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/forumkit/igpipeline/accounts"
	"github.com/forumkit/igpipeline/cdn"
	"github.com/forumkit/igpipeline/config"
	"github.com/forumkit/igpipeline/forumcontent"
	"github.com/forumkit/igpipeline/graphclient"
	"github.com/forumkit/igpipeline/queue"
	"github.com/forumkit/igpipeline/reconciler"
	"github.com/forumkit/igpipeline/scheduler"
	"github.com/forumkit/igpipeline/utils"
	"github.com/forumkit/igpipeline/vault"
	"github.com/forumkit/igpipeline/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}
	utils.SetLogLevel(cfg.LogLevel)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to open database: ", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatal("failed to connect to database: ", err)
	}

	store := queue.New(db)
	if err := store.EnsureSchema(); err != nil {
		log.Fatal("failed to bootstrap queue schema: ", err)
	}

	content := forumcontent.New(db)
	if err := content.EnsureSchema(); err != nil {
		log.Fatal("failed to bootstrap forum content schema: ", err)
	}

	acctRepo := accounts.New(db)

	v, err := vault.New(cfg.TokenEncryptionKey)
	if err != nil {
		log.Fatal("failed to build token vault: ", err)
	}

	cdnPub := cdn.New(cfg.CDNLocalRoot, cfg.CDNPublicBaseURL)

	graph := graphclient.New(cfg.GraphAPIBaseURL, cfg.GraphAPIVersion,
		graphclient.WithBackoff(cfg.GraphBackoffBase, cfg.GraphBackoffCap, cfg.GraphMaxAttempts))

	manager := queue.NewManager(store)
	w := worker.New(store, manager, graph, cdnPub, v, acctRepo, acctRepo, acctRepo)
	rec := reconciler.New(store, manager, graph, v, acctRepo)

	sched := scheduler.New(scheduler.Config{
		RenderTick:       cfg.RenderTick,
		PublishTick:      cfg.PublishTick,
		CarouselTick:     cfg.CarouselTick,
		ReconcileTick:    cfg.ReconcileTick,
		TokenRefreshCron: cfg.TokenRefreshCron,
		RenderPoolSize:   cfg.RenderPoolSize,
		PublishPoolSize:  cfg.PublishPoolSize,
		AccountRateLimit: cfg.AccountRateLimit,
		AccountBurst:     cfg.AccountBurst,
		GlobalRateLimit:  cfg.GlobalRateLimit,
		OpsAddr:          cfg.OpsAddr,
		ShutdownGrace:    cfg.ShutdownGrace,
	}, store, manager, w, rec, acctRepo, content, v, graph)

	ctx, cancel := context.WithCancel(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		utils.Infof("main: received signal %s, beginning graceful shutdown", sig)
		cancel()
	}()

	utils.Infof("main: igpipeline starting, ops surface on %s", cfg.OpsAddr)
	if err := sched.Run(ctx); err != nil {
		log.Fatal("scheduler stopped with error: ", err)
	}
	utils.Infof("main: igpipeline stopped cleanly")
}
