// Package queue はルームの再生待ちキューを提供します
//
// キューは再生状態とは独立した追記型のリストで、どのメンバーも追加・削除できます。
// 並び順はサーバーが付与した追加時刻と itemId の組で決まり、どのクライアントから見ても同じです。
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/metrics"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/models"
	"github.com/SteamVC/SteamVC_Room/backend/listen-server/internal/repo"
	"github.com/rs/zerolog"
)

var (
	ErrEmpty        = errors.New("queue is empty")
	ErrInvalidTrack = errors.New("track id required")
)

// Queue はルームのキュー操作をまとめたものです
type Queue struct {
	repo   repo.QueueRepo
	ttlSec int
	logger zerolog.Logger
}

func New(r repo.QueueRepo, ttlSec int, logger zerolog.Logger) *Queue {
	return &Queue{repo: r, ttlSec: ttlSec, logger: logger}
}

// Add は末尾に追加し、採番されたIDを返します
func (q *Queue) Add(ctx context.Context, roomId, member string, track models.Track) (string, error) {
	if track.TrackId == "" {
		return "", ErrInvalidTrack
	}
	item, err := q.repo.AddItem(ctx, roomId, track, member, q.ttlSec)
	if err != nil {
		return "", fmt.Errorf("add queue item: %w", err)
	}
	metrics.QueueOps.WithLabelValues("add").Inc()
	q.logger.Debug().Str("room_id", roomId).Str("item_id", item.ItemId).Str("track_id", track.TrackId).Msg("queued")
	return item.ItemId, nil
}

// Remove はIDで削除します。存在しないIDでもエラーにはなりません
func (q *Queue) Remove(ctx context.Context, roomId, itemId string) error {
	removed, err := q.repo.RemoveItem(ctx, roomId, itemId)
	if err != nil {
		return fmt.Errorf("remove queue item: %w", err)
	}
	if removed {
		metrics.QueueOps.WithLabelValues("remove").Inc()
	}
	return nil
}

// PeekFirst は先頭の1件を返します。空なら false
func (q *Queue) PeekFirst(ctx context.Context, roomId string) (models.QueueItem, bool, error) {
	return q.repo.FirstItem(ctx, roomId)
}

// DequeueFirst は先頭を読んでから削除します
// 読み取りと削除の間にロックはなく、同時に呼ばれると同じ曲が二度返ることがあります
func (q *Queue) DequeueFirst(ctx context.Context, roomId string) (models.QueueItem, error) {
	item, ok, err := q.repo.FirstItem(ctx, roomId)
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("peek queue: %w", err)
	}
	if !ok {
		return models.QueueItem{}, ErrEmpty
	}
	if err := q.Remove(ctx, roomId, item.ItemId); err != nil {
		return models.QueueItem{}, err
	}
	metrics.QueueOps.WithLabelValues("dequeue").Inc()
	return item, nil
}

// List は全件を順番に返します
func (q *Queue) List(ctx context.Context, roomId string) ([]models.QueueItem, error) {
	return q.repo.ListItems(ctx, roomId)
}

// Subscribe はキューを購読します
// 最初に現在の全件を1回配信し、その後は変更のたびに全件を読み直して配信します
// ルームが削除された場合は空のリストを配信します。返される解除関数は何度呼んでも安全です
func (q *Queue) Subscribe(ctx context.Context, roomId string, fn func([]models.QueueItem)) (func(), error) {
	sub, err := q.repo.SubscribeQueue(ctx, roomId)
	if err != nil {
		return nil, fmt.Errorf("subscribe queue: %w", err)
	}
	items, err := q.repo.ListItems(ctx, roomId)
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("list queue: %w", err)
	}

	go func() {
		fn(items)
		for ev := range sub.C {
			if ev.Kind == "deleted" {
				fn([]models.QueueItem{})
				continue
			}
			items, err := q.repo.ListItems(ctx, roomId)
			if err != nil {
				q.logger.Warn().Err(err).Str("room_id", roomId).Msg("failed to reload queue")
				continue
			}
			fn(items)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { _ = sub.Close() })
	}, nil
}
