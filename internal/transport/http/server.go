package http

import (
	"context"
	"fmt"
	"log"
	stdhttp "net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/lichen-social/lichen/internal/cache"
	"github.com/lichen-social/lichen/internal/config"
	"github.com/lichen-social/lichen/internal/database"
	"github.com/lichen-social/lichen/internal/handler"
	"github.com/lichen-social/lichen/internal/queue"
	appredis "github.com/lichen-social/lichen/internal/redis"
	"github.com/lichen-social/lichen/internal/repository"
	"github.com/lichen-social/lichen/internal/service"
	"github.com/lichen-social/lichen/internal/worker"
)

// Run wires the whole application together and serves until SIGINT/SIGTERM.
func Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 2. Connect to Database
	db, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	// 3. Connect to Redis
	redisClient, err := appredis.NewClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	defer redisClient.Close()

	if err := redisClient.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	log.Println("Connected to Redis successfully")

	// 4. Repositories
	userRepo := repository.NewUserRepository(db)
	refreshTokenRepo := repository.NewRefreshTokenRepository(db)
	followRepo := repository.NewFollowRepository(db)
	postRepo := repository.NewPostRepository(db)

	// 5. Timeline cache and event queue
	timelines := cache.NewTimelineCache(redisClient.Client, cfg.PushRetentionCount)
	publisher := queue.NewPublisher(redisClient.Client)
	consumer := queue.NewConsumer(redisClient.Client)

	// 6. Fan-out workers
	fanoutHandler := worker.NewHandler(timelines, followRepo, postRepo, worker.HandlerConfig{
		FanoutThreshold: int64(cfg.FanoutThreshold),
		BackfillWindow:  cfg.BackfillWindow,
	})
	manager := worker.NewManager(consumer, fanoutHandler, worker.ManagerConfig{
		WorkerCount:  cfg.WorkerCount,
		BatchSize:    int64(cfg.WorkerBatch),
		BlockTimeout: cfg.WorkerBlock,
	})
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start fan-out workers: %w", err)
	}
	defer manager.Stop()

	// 7. Services
	authService := service.NewAuthService(refreshTokenRepo, cfg)
	userService := service.NewUserService(userRepo, followRepo)
	postService := service.NewPostService(postRepo, userRepo, publisher, cfg.PageDefaultLimit, cfg.PageMaxLimit)
	followService := service.NewFollowService(db, followRepo, userRepo, timelines, publisher, cfg.PageDefaultLimit, cfg.PageMaxLimit)
	feedService := service.NewFeedService(timelines, postRepo, followRepo, userRepo, service.FeedConfig{
		DefaultLimit: cfg.PageDefaultLimit,
		MaxLimit:     cfg.PageMaxLimit,
		WarmLimit:    cfg.PushRetentionCount,
	})

	// 8. Handlers and router
	router := NewRouter(RouterConfig{
		AuthHandler:   handler.NewAuthHandler(userService, authService),
		UserHandler:   handler.NewUserHandler(userService),
		FollowHandler: handler.NewFollowHandler(followService),
		FeedHandler:   handler.NewFeedHandler(feedService),
		PostHandler:   handler.NewPostHandler(postService),
		JWTSecret:     cfg.JWTSecret,
	})

	server := &stdhttp.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on :%s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Println("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
