package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/clock"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/config"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/handlers"
	httpx "github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/http"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/logging"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/playback"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/queue"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/repo"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/service"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogPretty)

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     10,              // 接続プールサイズ
		MinIdleConns: 5,               // 最小アイドル接続数
		MaxRetries:   3,               // リトライ回数
		DialTimeout:  5 * time.Second, // 接続タイムアウト
		ReadTimeout:  3 * time.Second, // 読み込みタイムアウト
		WriteTimeout: 3 * time.Second, // 書き込みタイムアウト
		PoolTimeout:  4 * time.Second, // プールからの取得タイムアウト
	})
	defer rdb.Close()

	// Redis接続確認
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to redis")
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rr := repo.NewRedisRoomRepo(rdb)
	pr := repo.NewRedisPlaybackRepo(rdb)
	qr := repo.NewRedisQueueRepo(rdb)

	// サーバー時刻はRedisのTIMEを基準にする（複数インスタンスで共通）
	est := clock.NewEstimator()
	go est.Follow(ctx, pr, cfg.ServerTimeInterval, logger)

	store := playback.NewStore(pr, est, playback.StoreOptions{
		TTLSec:  cfg.RoomTTL,
		CAS:     cfg.WriteMode == config.WriteModeCAS,
		Retries: cfg.WriteRetries,
	}, logger)
	q := queue.New(qr, cfg.RoomTTL, logger)
	svc := service.NewRoomService(rr, service.NewRoomIDGenerator(), cfg.RoomTTL, logger, pr, qr)

	router := httpx.NewRouter(httpx.Handlers{
		Room:     handlers.NewRoomHandler(svc, store, logger),
		Playback: handlers.NewPlaybackHandler(svc, store, logger),
		Queue:    handlers.NewQueueHandler(svc, q, store, logger),
		WebSocket: handlers.NewWebSocketHandler(ctx, svc, store, q, handlers.WebSocketOptions{
			AllowedOrigins:     cfg.AllowedOrigin,
			ServerTimeInterval: cfg.ServerTimeInterval,
		}, logger),
	}, cfg.AllowedOrigin)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// サーバーを別goroutineで起動
	go func() {
		logger.Info().
			Str("addr", cfg.APIAddr).
			Str("write_mode", cfg.WriteMode).
			Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// シャットダウンシグナルを待つ
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, shutting down gracefully...")

	// 30秒のタイムアウトでGraceful Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}

	logger.Info().Msg("server stopped")
}
