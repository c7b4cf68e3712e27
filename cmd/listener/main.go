// listener はルームに参加し、仮想プレーヤーで共有再生状態に追従するヘッドレスクライアントです
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/clock"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/config"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/logging"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/playback"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/player"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/queue"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/repo"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/service"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const tickInterval = 250 * time.Millisecond // 終端検出の間隔

func main() {
	cfg := config.Load()

	roomId := flag.String("room", "", "room id to join (required)")
	redisAddr := flag.String("redis", cfg.RedisAddr, "redis address")
	userName := flag.String("name", "listener", "display name")
	flag.Parse()

	logger := logging.New(cfg.LogLevel, cfg.LogPretty)
	if *roomId == "" {
		logger.Fatal().Msg("-room is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     *redisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", *redisAddr).Msg("failed to connect to redis")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pr := repo.NewRedisPlaybackRepo(rdb)
	qr := repo.NewRedisQueueRepo(rdb)
	svc := service.NewRoomService(repo.NewRedisRoomRepo(rdb), service.NewRoomIDGenerator(), cfg.RoomTTL, logger, pr, qr)

	est := clock.NewEstimator()
	go est.Follow(ctx, pr, cfg.ServerTimeInterval, logger)

	self := uuid.NewString()
	log := logger.With().Str("room_id", *roomId).Str("client_id", self).Logger()
	if err := svc.Join(ctx, *roomId, models.User{UserId: self, UserName: *userName}); err != nil {
		log.Fatal().Err(err).Msg("failed to join room")
	}

	store := playback.NewStore(pr, est, playback.StoreOptions{
		TTLSec:  cfg.RoomTTL,
		CAS:     cfg.WriteMode == config.WriteModeCAS,
		Retries: cfg.WriteRetries,
	}, logger)

	gone := make(chan struct{})
	media := player.NewVirtual()
	sess, err := playback.Open(ctx, playback.Deps{
		Store:  store,
		Queue:  queue.New(qr, cfg.RoomTTL, logger),
		Clock:  est,
		Logger: logger,
	}, *roomId, self, media, playback.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SeekWindow:        cfg.SeekCoalesceWindow,
		DriftTolerance:    cfg.DriftTolerance,
		Notifier: playback.NotifierFunc(func(n playback.Notice) {
			log.Warn().Err(n.Err).Str("kind", string(n.Kind)).Str("op_id", n.OpId).Msg("operation failed")
		}),
		OnStateChange: func(st models.PlaybackState, out playback.Outcome) {
			log.Info().
				Str("outcome", string(out)).
				Str("track_id", st.TrackId).
				Str("title", st.TrackMeta.Title).
				Bool("playing", st.IsPlaying).
				Int64("version", st.Version).
				Str("initiator", st.Initiator).
				Float64("local_position", media.CurrentTime()).
				Msg("playback state")
		},
		OnRoomGone: func() { close(gone) },
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open session")
	}
	log.Info().Str("name", *userName).Msg("listening")

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-gone:
			log.Info().Msg("room deleted")
			sess.Close()
			return
		case <-ticker.C:
			if ev, ended := media.Tick(); ended {
				sess.HandleMediaEvent(ctx, ev)
			}
		}
	}

	sess.Close()
	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := svc.Leave(leaveCtx, *roomId, self); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn().Err(err).Msg("failed to leave room")
	}
	log.Info().Msg("left room")
}
