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

	"github.com/DnyaneshwarWantace/ignite-sub004/internal/api"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/artifacts"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/audit"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/config"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/queue"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/ratelimit"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/render"
	"github.com/DnyaneshwarWantace/ignite-sub004/internal/workspace"
)

func main() {
	cfg := config.Load()
	logger := log.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		log.Fatalf("create work dir: %v", err)
	}

	var auditLog *audit.Log
	if cfg.PostgresDSN != "" {
		var err error
		auditLog, err = audit.Open(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			log.Fatalf("open audit log: %v", err)
		}
		defer auditLog.Close()
	}

	archiver, err := artifacts.NewS3FromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("init artifact archiver: %v", err)
	}

	var limiter *ratelimit.SubmitLimiter
	if cfg.SubmitRateCapacity > 0 {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewSubmitLimiter(redisClient, cfg.SubmitRateCapacity, cfg.SubmitRateRefill, time.Hour)
	}

	backend := render.NewCLI(cfg, logger)
	workspaces := workspace.NewManager(cfg, logger)

	var arch artifacts.Archiver
	if archiver != nil {
		arch = archiver
	}
	q := queue.New(cfg, backend, workspaces, arch, auditLog, logger)

	server := api.New(cfg, q, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("render api listening on :%s (backend=%s timeout=%s)", cfg.HTTPPort, cfg.RenderBin, cfg.RenderTimeout)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
