package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"command-center/internal/aisessions"
	"command-center/internal/api"
	"command-center/internal/audit"
	"command-center/internal/config"
	"command-center/internal/githubsync"
	"command-center/internal/manifest"
	"command-center/internal/queue"
	"command-center/internal/ratelimit"
	"command-center/internal/ritual"
	"command-center/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	auditLog := audit.New(st)
	q := queue.New(st, auditLog)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Printf("invalid timezone %q, using local: %v", cfg.Timezone, err)
		loc = time.Local
	}
	scheduler := ritual.New(cfg.RitualsConfigPath, st, auditLog, cfg.RitualTimeout, loc)

	manifests := manifest.New(st, auditLog)
	github := githubsync.New(cfg, st, auditLog)
	sessions, err := aisessions.New(ctx, cfg, st, auditLog)
	if err != nil {
		log.Fatalf("session source: %v", err)
	}

	q.Register("ritual.run", ritual.RunHandler(scheduler))
	q.Register("manifest.recompute", manifests.RecomputeHandler())
	q.Register("backfill", manifests.BackfillHandler())
	q.Register("github.sync", github.Handler())
	q.Register("ai-sessions.sync", sessions.Handler())

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	ticker := cron.New(cron.WithLocation(loc))
	if _, err := ticker.AddFunc(cfg.RitualCheckSpec, func() {
		result, err := scheduler.CheckAndRun(ctx)
		if err != nil {
			log.Printf("ritual check: %v", err)
			return
		}
		if result.Executed > 0 {
			log.Printf("ritual check: executed %d of %d", result.Executed, result.Checked)
		}
	}); err != nil {
		log.Fatalf("ritual check spec %q: %v", cfg.RitualCheckSpec, err)
	}
	if _, err := ticker.AddFunc(cfg.CleanupSpec, func() {
		deleted, err := q.Cleanup(ctx, cfg.RetentionDays)
		if err != nil {
			log.Printf("job cleanup: %v", err)
			return
		}
		log.Printf("job cleanup: deleted %d completed jobs", deleted)
	}); err != nil {
		log.Fatalf("cleanup spec %q: %v", cfg.CleanupSpec, err)
	}
	ticker.Start()

	server := api.New(cfg, st, q, scheduler, limiter, auditLog)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("command center listening on :%s", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	<-ticker.Stop().Done()
}
