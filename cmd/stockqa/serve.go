package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashwinyue/stockqa/internal/config"
	"github.com/ashwinyue/stockqa/internal/database"
	"github.com/ashwinyue/stockqa/internal/handler"
	"github.com/ashwinyue/stockqa/internal/logger"
	"github.com/ashwinyue/stockqa/internal/repository"
	"github.com/ashwinyue/stockqa/internal/router"
	"github.com/ashwinyue/stockqa/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	l := logger.New(cfg.Log)
	defer func() { _ = l.Sync() }()

	gin.SetMode(cfg.Server.Mode)

	// 初始化数据库
	db, err := database.New(cfg, l, true)
	if err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}
	defer db.Close()
	l.Info("database connected", zap.String("dbname", cfg.Database.DBName))

	// 初始化 Redis
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			l.Warn("redis unavailable, sessions stay in memory", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化各层
	repos := repository.NewRepositories(db.DB)
	services, err := service.NewServices(ctx, repos, cfg, redisClient, l)
	if err != nil {
		return fmt.Errorf("failed to init services: %w", err)
	}
	if err := services.Start(ctx); err != nil {
		return fmt.Errorf("failed to start services: %w", err)
	}

	srv := &http.Server{
		Addr:         cfg.Server.GetAddr(),
		Handler:      router.SetupRouter(handler.NewHandlers(services), l),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			l.Error("server error", zap.Error(err))
		}
	}

	l.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return errors.Join(
		srv.Shutdown(shutdownCtx),
		services.Close(shutdownCtx),
	)
}
