// Package scheduler owns the ticks that drive the pipeline once posts and
// accounts exist: render, publish, carousel formation/dispatch, stuck-record
// reconciliation, and daily long-lived token refresh. Apart from the token
// refresh job, which calls the Graph API itself, nothing here talks to the
// Graph API or the renderer directly; it only reserves work and hands it to
// the Worker/Reconciler.
package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/forumkit/igpipeline/graphclient"
	"github.com/forumkit/igpipeline/models"
	"github.com/forumkit/igpipeline/queue"
	"github.com/forumkit/igpipeline/reconciler"
	"github.com/forumkit/igpipeline/utils"
	"github.com/forumkit/igpipeline/vault"
	"github.com/forumkit/igpipeline/worker"
)

// AccountLister resolves the accounts the carousel and token-refresh ticks
// iterate over, and persists a refreshed token back to storage.
type AccountLister interface {
	ListActiveAccounts() ([]*models.Account, error)
	UpdateToken(accountID, encryptedToken string, expiresAt time.Time) error
}

// ContentProvider resolves the forum content a PENDING post renders from.
type ContentProvider interface {
	GetContent(forumPostID string) (models.Content, error)
}

// Config tunes every tick interval and pool size; populated from
// config.Config at startup.
type Config struct {
	RenderTick       time.Duration
	PublishTick      time.Duration
	CarouselTick     time.Duration
	ReconcileTick    time.Duration
	TokenRefreshCron string

	RenderPoolSize  int
	PublishPoolSize int

	AccountRateLimit float64
	AccountBurst     float64
	GlobalRateLimit  int

	OpsAddr string

	ShutdownGrace time.Duration
}

// Scheduler wires the ticks around a Worker and Reconciler.
type Scheduler struct {
	cfg Config

	store      *queue.Store
	manager    *queue.Manager
	worker     *worker.Worker
	reconciler *reconciler.Reconciler
	accounts   AccountLister
	content    ContentProvider
	vault      *vault.Vault
	graph      *graphclient.Client

	limiter   *accountRateLimiter
	globalSem chan struct{}

	cronSched *cron.Cron
	httpSrv   *http.Server

	wg sync.WaitGroup
}

// New builds a Scheduler.
func New(cfg Config, store *queue.Store, manager *queue.Manager, w *worker.Worker, rec *reconciler.Reconciler, accounts AccountLister, content ContentProvider, v *vault.Vault, graph *graphclient.Client) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		manager:    manager,
		worker:     w,
		reconciler: rec,
		accounts:   accounts,
		content:    content,
		vault:      v,
		graph:      graph,
		limiter:    newAccountRateLimiter(cfg.AccountRateLimit, cfg.AccountBurst),
		globalSem:  make(chan struct{}, cfg.GlobalRateLimit),
	}
}

// Run starts every tick loop and the ops HTTP surface, blocking until ctx is
// cancelled, then waits up to cfg.ShutdownGrace for in-flight work to drain.
func (s *Scheduler) Run(ctx context.Context) error {
	s.startCron()
	s.startOpsServer()

	loops := []func(context.Context){
		s.renderLoop,
		s.publishLoop,
		s.carouselFormationLoop,
		s.carouselPublishLoop,
		s.reconcileLoop,
	}
	for _, loop := range loops {
		s.wg.Add(1)
		go func(l func(context.Context)) {
			defer s.wg.Done()
			l(ctx)
		}(loop)
	}

	<-ctx.Done()
	utils.Infof("scheduler: shutdown signal received, draining for up to %s", s.cfg.ShutdownGrace)

	if s.cronSched != nil {
		s.cronSched.Stop()
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		utils.Infof("scheduler: drained cleanly")
	case <-time.After(s.cfg.ShutdownGrace):
		utils.Warnf("scheduler: shutdown grace period elapsed with work still in flight")
	}

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

func tick(ctx context.Context, every time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// renderLoop claims PENDING posts up to RenderPoolSize per tick and renders
// them concurrently.
func (s *Scheduler) renderLoop(ctx context.Context) {
	tick(ctx, s.cfg.RenderTick, func(ctx context.Context) {
		posts, err := s.store.ListForRender(s.cfg.RenderPoolSize)
		if err != nil {
			utils.Errorf("scheduler: render tick list failed: %v", err)
			return
		}

		var wg sync.WaitGroup
		for _, p := range posts {
			if err := s.manager.ReserveForRender(p.ID, "scheduler"); err != nil {
				continue // lost the race to another instance; not an error
			}

			content, err := s.content.GetContent(p.ForumPostID)
			if err != nil {
				utils.Errorf("scheduler: content lookup failed public_id=%s err=%v", p.PublicID, err)
				if rerr := s.manager.RenderFailed(p.ID, "content_unavailable", err.Error(), p.RetryCount, true); rerr != nil {
					utils.Errorf("scheduler: render failure persist failed public_id=%s err=%v", p.PublicID, rerr)
				}
				continue
			}

			wg.Add(1)
			go func(post *models.IGPost, c models.Content) {
				defer wg.Done()
				s.worker.RenderOne(post, c)
			}(p, content)
		}
		wg.Wait()
	})
}

// publishLoop claims READY instant-mode posts and publishes them, pacing
// dispatch per account and capping total in-flight publishes globally.
func (s *Scheduler) publishLoop(ctx context.Context) {
	tick(ctx, s.cfg.PublishTick, func(ctx context.Context) {
		posts, err := s.store.ListForPublishInstant(s.cfg.PublishPoolSize * 4)
		if err != nil {
			utils.Errorf("scheduler: publish tick list failed: %v", err)
			return
		}

		var wg sync.WaitGroup
		for _, p := range posts {
			if !s.limiter.allow(p.AccountID) {
				continue
			}
			if err := s.manager.ReserveForPublish(p.ID, "scheduler"); err != nil {
				continue
			}

			select {
			case s.globalSem <- struct{}{}:
			case <-ctx.Done():
				return
			}

			wg.Add(1)
			go func(post *models.IGPost) {
				defer wg.Done()
				defer func() { <-s.globalSem }()
				s.worker.PublishSingle(ctx, post)
			}(p)
		}
		wg.Wait()
	})
}

// carouselFormationLoop re-evaluates every active account's BATCH-mode
// backlog against its current threshold each tick.
func (s *Scheduler) carouselFormationLoop(ctx context.Context) {
	tick(ctx, s.cfg.CarouselTick, func(ctx context.Context) {
		accounts, err := s.accounts.ListActiveAccounts()
		if err != nil {
			utils.Errorf("scheduler: carousel formation list accounts failed: %v", err)
			return
		}
		for _, a := range accounts {
			if a.PublishMode != models.PublishModeBatch {
				continue
			}
			groupID, err := s.manager.TryFormCarousel(a)
			if err != nil {
				utils.Errorf("scheduler: carousel formation failed account_id=%s err=%v", a.AccountID, err)
				continue
			}
			if groupID != "" {
				utils.Infof("scheduler: formed carousel group_id=%s account_id=%s", groupID, a.AccountID)
			}
		}
	})
}

// carouselPublishLoop dispatches READY carousel groups to the worker.
func (s *Scheduler) carouselPublishLoop(ctx context.Context) {
	tick(ctx, s.cfg.CarouselTick, func(ctx context.Context) {
		groups, err := s.store.ListReadyCarouselGroups(s.cfg.PublishPoolSize)
		if err != nil {
			utils.Errorf("scheduler: carousel publish list failed: %v", err)
			return
		}

		var wg sync.WaitGroup
		for _, g := range groups {
			if !s.limiter.allow(g.AccountID) {
				continue
			}
			if err := s.store.ReserveCarouselGroup(g.GroupID); err != nil {
				continue
			}

			select {
			case s.globalSem <- struct{}{}:
			case <-ctx.Done():
				return
			}

			wg.Add(1)
			go func(groupID string) {
				defer wg.Done()
				defer func() { <-s.globalSem }()
				s.worker.PublishCarousel(ctx, groupID)
			}(g.GroupID)
		}
		wg.Wait()
	})
}

// reconcileLoop resolves stuck PUBLISHING records and reschedules FAILED
// records still under their retry budget.
func (s *Scheduler) reconcileLoop(ctx context.Context) {
	tick(ctx, s.cfg.ReconcileTick, func(ctx context.Context) {
		s.reconciler.Run(ctx)
		s.reconciler.RescheduleFailed(3)
	})
}

// startCron registers the daily long-lived token refresh job.
func (s *Scheduler) startCron() {
	c := cron.New()
	_, err := c.AddFunc(s.cfg.TokenRefreshCron, s.refreshAllTokens)
	if err != nil {
		utils.Errorf("scheduler: invalid token refresh cron expression %q: %v", s.cfg.TokenRefreshCron, err)
		return
	}
	c.Start()
	s.cronSched = c
}

func (s *Scheduler) refreshAllTokens() {
	accounts, err := s.accounts.ListActiveAccounts()
	if err != nil {
		utils.Errorf("scheduler: token refresh list accounts failed: %v", err)
		return
	}

	for _, a := range accounts {
		token, err := s.vault.Decrypt(a.AccessTokenEncrypted)
		if err != nil {
			utils.Errorf("scheduler: token decrypt failed account_id=%s err=%v", a.AccountID, err)
			continue
		}

		result, err := s.graph.RefreshLongLivedToken(context.Background(), token, "token-refresh-"+a.AccountID)
		if err != nil {
			utils.Warnf("scheduler: token refresh failed account_id=%s err=%v", a.AccountID, err)
			continue
		}

		encToken, err := s.vault.Encrypt(result.Token)
		if err != nil {
			utils.Errorf("scheduler: token re-encrypt failed account_id=%s err=%v", a.AccountID, err)
			continue
		}

		expiresAt := time.Now().Add(result.ExpiresIn)
		if err := s.accounts.UpdateToken(a.AccountID, encToken, expiresAt); err != nil {
			utils.Errorf("scheduler: token persist failed account_id=%s err=%v", a.AccountID, err)
			continue
		}
		utils.Infof("scheduler: refreshed token account_id=%s expires_at=%s", a.AccountID, expiresAt)
	}
}

// startOpsServer exposes health/readiness/debug endpoints for operators.
func (s *Scheduler) startOpsServer() {
	if s.cfg.OpsAddr == "" {
		return
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if _, err := s.store.CountsByStatus(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: " + err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.HandleFunc("/debug/queue", func(w http.ResponseWriter, req *http.Request) {
		counts, err := s.store.CountsByStatus()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(counts)
	})

	srv := &http.Server{Addr: s.cfg.OpsAddr, Handler: r}
	s.httpSrv = srv
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.Errorf("scheduler: ops server stopped: %v", err)
		}
	}()
}
